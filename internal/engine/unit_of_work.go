package engine

import (
	"context"
	"errors"
	"fmt"
)

// unitOfWork records a compensating action for every collaborator call made
// during one market operation.
type unitOfWork struct {
	undo []compensation
}

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

func (u *unitOfWork) onRollback(name string, fn func(ctx context.Context) error) {
	u.undo = append(u.undo, compensation{name: name, fn: fn})
}

// rollback runs the compensations newest first. It keeps going past failures
// and reports all of them.
func (u *unitOfWork) rollback(ctx context.Context) error {
	var errs []error
	for i := len(u.undo) - 1; i >= 0; i-- {
		c := u.undo[i]
		if err := c.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("undo %s: %w", c.name, err))
		}
	}
	u.undo = nil
	return errors.Join(errs...)
}
