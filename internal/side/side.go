// Package side names the two cups of a market.
package side

import (
	"fmt"
	"strings"
)

// Side selects the long or the short cup. Its value doubles as an index into
// per-side arrays.
type Side int

const (
	Long Side = iota
	Short
)

// All lists both sides in index order.
var All = [2]Side{Long, Short}

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// Other returns the opposite cup.
func (s Side) Other() Side {
	if s == Long {
		return Short
	}
	return Long
}

func (s Side) Valid() bool {
	return s == Long || s == Short
}

// Parse accepts "long"/"short" (case-insensitive) and the boolean
// spelling where true means long.
func Parse(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "long", "true":
		return Long, nil
	case "short", "false":
		return Short, nil
	default:
		return 0, fmt.Errorf("invalid side %q (must be long or short)", v)
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid side %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
