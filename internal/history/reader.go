package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gridsignal/marketstream/pkg/model"
)

// Reader serves request_price_history from the durable store owned by the
// external persistence layer. This core only reads; it never writes history.
type Reader struct {
	pool *pgxpool.Pool
}

// PoolConfig tunes the pgx pool.
type PoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// New connects a pooled reader. An empty URL yields a nil-pool reader whose
// queries report history as unavailable.
func New(ctx context.Context, pgURL string, pc PoolConfig) (*Reader, error) {
	if pgURL == "" {
		return &Reader{}, nil
	}
	cfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("invalid pg config: %w", err)
	}
	if pc.MaxConns > 0 {
		cfg.MaxConns = pc.MaxConns
	}
	if pc.MinConns > 0 {
		cfg.MinConns = pc.MinConns
	}
	if pc.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = pc.MaxConnLifetime
	}
	if pc.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = pc.MaxConnIdleTime
	}
	if pc.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = pc.HealthCheckPeriod
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &Reader{pool: pool}, nil
}

// Pool exposes the underlying pool for collaborators sharing the connection
// (the tenant plan resolver).
func (r *Reader) Pool() *pgxpool.Pool {
	return r.pool
}

// PriceHistory returns the stored events for a zone over the trailing hours,
// oldest first.
func (r *Reader) PriceHistory(ctx context.Context, zone string, hours int) ([]model.PriceEvent, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("history store unavailable")
	}
	if hours <= 0 {
		hours = 1
	}

	rows, err := r.pool.Query(ctx, `
		SELECT ts, zone, price_type, location, price, volume
		FROM marketdata.price_events
		WHERE zone = $1 AND ts >= $2
		ORDER BY ts ASC;
	`, zone, time.Now().UTC().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("history query for %s: %w", zone, err)
	}
	defer rows.Close()

	var events []model.PriceEvent
	for rows.Next() {
		var ev model.PriceEvent
		var price, volume decimal.Decimal
		if err := rows.Scan(&ev.Timestamp, &ev.Zone, &ev.PriceType,
			&ev.Location, &price, &volume); err != nil {
			return nil, err
		}
		ev.Price = price
		ev.Volume = volume
		ev.EventID = model.EventID(ev.Zone, ev.Location, ev.Timestamp, ev.PriceType)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// HealthCheck pings the pool when one is configured.
func (r *Reader) HealthCheck(ctx context.Context) error {
	if r.pool == nil {
		return nil
	}
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}

// Close releases the pool.
func (r *Reader) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}
