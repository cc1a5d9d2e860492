package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cupperp/cupperp-backend/internal/engine"
	"github.com/cupperp/cupperp-backend/internal/markets"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrNoSnapshot is returned when a market has no stored snapshot.
var ErrNoSnapshot = errors.New("no snapshot stored")

type Repository struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func NewRepository(db *sql.DB, logger *zap.SugaredLogger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// RecordEvent stores a market event; replays of the same (market, seq) are ignored.
func (r *Repository) RecordEvent(ctx context.Context, event markets.Event) error {
	fieldsJSON, err := json.Marshal(event.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal event fields: %w", err)
	}

	query := `
		INSERT INTO market_events (id, market_id, seq, ts, type, fields)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market_id, seq) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, query,
		event.ID,
		event.MarketID,
		event.Seq,
		event.At,
		string(event.Type),
		fieldsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

func (r *Repository) RecordSnapshot(ctx context.Context, snap engine.Snapshot) error {
	query := `
		INSERT INTO market_snapshots (market_id, at, pair, last_rate, current_rate,
			long_reserve, short_reserve, long_supply, short_supply, rebalances)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (market_id, at) DO UPDATE SET
			last_rate = EXCLUDED.last_rate,
			current_rate = EXCLUDED.current_rate,
			long_reserve = EXCLUDED.long_reserve,
			short_reserve = EXCLUDED.short_reserve,
			long_supply = EXCLUDED.long_supply,
			short_supply = EXCLUDED.short_supply,
			rebalances = EXCLUDED.rebalances
	`

	_, err := r.db.ExecContext(ctx, query,
		snap.ID,
		snap.UpdatedAt,
		snap.Pair,
		snap.LastRate.String(),
		snap.CurrentRate.String(),
		snap.Long.Reserve.String(),
		snap.Short.Reserve.String(),
		snap.Long.LPSupply.String(),
		snap.Short.LPSupply.String(),
		snap.Rebalances,
	)
	if err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// StoredSnapshot is a persisted snapshot row.
type StoredSnapshot struct {
	MarketID     string          `json:"marketId"`
	At           time.Time       `json:"at"`
	Pair         string          `json:"pair"`
	LastRate     decimal.Decimal `json:"lastRate"`
	CurrentRate  decimal.Decimal `json:"currentRate"`
	LongReserve  decimal.Decimal `json:"longReserve"`
	ShortReserve decimal.Decimal `json:"shortReserve"`
	LongSupply   decimal.Decimal `json:"longSupply"`
	ShortSupply  decimal.Decimal `json:"shortSupply"`
	Rebalances   int64           `json:"rebalances"`
}

func (r *Repository) LatestSnapshot(ctx context.Context, marketID string) (StoredSnapshot, error) {
	query := `
		SELECT market_id, at, pair, last_rate, current_rate,
			long_reserve, short_reserve, long_supply, short_supply, rebalances
		FROM market_snapshots
		WHERE market_id = $1
		ORDER BY at DESC
		LIMIT 1
	`

	var s StoredSnapshot
	var lastRate, currentRate, longReserve, shortReserve, longSupply, shortSupply string
	err := r.db.QueryRowContext(ctx, query, marketID).Scan(
		&s.MarketID, &s.At, &s.Pair,
		&lastRate, &currentRate,
		&longReserve, &shortReserve,
		&longSupply, &shortSupply,
		&s.Rebalances,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredSnapshot{}, fmt.Errorf("%s: %w", marketID, ErrNoSnapshot)
	}
	if err != nil {
		return StoredSnapshot{}, fmt.Errorf("failed to query snapshot: %w", err)
	}

	fields := []struct {
		dst *decimal.Decimal
		raw string
	}{
		{&s.LastRate, lastRate},
		{&s.CurrentRate, currentRate},
		{&s.LongReserve, longReserve},
		{&s.ShortReserve, shortReserve},
		{&s.LongSupply, longSupply},
		{&s.ShortSupply, shortSupply},
	}
	for _, f := range fields {
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return StoredSnapshot{}, fmt.Errorf("failed to parse numeric %q: %w", f.raw, err)
		}
	}
	return s, nil
}

// ListEvents pages through a market's events newest first. The cursor is the
// seq of the last event of the previous page.
func (r *Repository) ListEvents(ctx context.Context, marketID string, limit int, cursor string) ([]markets.Event, string, error) {
	before := int64(1<<63 - 1)
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor format: %w", err)
		}
		before = parsed
	}

	query := `
		SELECT id, market_id, seq, ts, type, fields
		FROM market_events
		WHERE market_id = $1 AND seq < $2
		ORDER BY seq DESC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, marketID, before, limit+1) // +1 to check if there are more
	if err != nil {
		return nil, "", fmt.Errorf("failed to query market events: %w", err)
	}
	defer rows.Close()

	var events []markets.Event
	var hasMore bool

	for rows.Next() {
		if len(events) >= limit {
			hasMore = true
			break
		}

		var event markets.Event
		var typ string
		var fieldsJSON []byte
		if err := rows.Scan(&event.ID, &event.MarketID, &event.Seq, &event.At, &typ, &fieldsJSON); err != nil {
			return nil, "", fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = markets.EventType(typ)
		if err := json.Unmarshal(fieldsJSON, &event.Fields); err != nil {
			return nil, "", fmt.Errorf("failed to unmarshal event fields: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("row iteration error: %w", err)
	}

	var nextCursor string
	if hasMore && len(events) > 0 {
		nextCursor = strconv.FormatInt(events[len(events)-1].Seq, 10)
	}

	return events, nextCursor, nil
}

// Health check
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
