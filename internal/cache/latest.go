package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gridsignal/marketstream/pkg/model"
)

// Latest is the latest-value cache client. Every accepted event overwrites
// the (zone, location) entry with a short TTL, so absence reliably means "no
// update within the freshness window". A coarser per-zone key serves cheap
// summary queries, and the owning worker snapshots its zone aggregates here
// so query paths never reach into worker-local state.
type Latest struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New connects to Redis and verifies the connection.
func New(addr, pass string, db int, ttl time.Duration, logger *zap.Logger) (*Latest, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Latest{redis: rdb, ttl: ttl, logger: logger}, nil
}

// NewWithClient wraps an existing Redis client (used by tests and by callers
// sharing one connection with the rate counter store).
func NewWithClient(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Latest {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Latest{redis: rdb, ttl: ttl, logger: logger}
}

func locationKey(zone, location string) string {
	return fmt.Sprintf("latest:%s:%s", zone, location)
}

func zoneKey(zone string) string {
	return fmt.Sprintf("latest:%s", zone)
}

func statsKey(zone string) string {
	return fmt.Sprintf("stats:%s", zone)
}

// Put overwrites the latest-value entries for the event's location and zone.
func (l *Latest) Put(ctx context.Context, ev model.PriceEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := l.redis.Set(ctx, locationKey(ev.Zone, ev.Location), data, l.ttl).Err(); err != nil {
		return fmt.Errorf("cache put %s/%s: %w", ev.Zone, ev.Location, err)
	}
	if err := l.redis.Set(ctx, zoneKey(ev.Zone), data, l.ttl).Err(); err != nil {
		return fmt.Errorf("cache put zone %s: %w", ev.Zone, err)
	}
	return nil
}

// Get returns the freshest event for (zone, location), or nil when nothing
// arrived within the freshness window.
func (l *Latest) Get(ctx context.Context, zone, location string) (*model.PriceEvent, error) {
	return l.get(ctx, locationKey(zone, location))
}

// GetZoneLatest returns the most recent event for the whole zone, or nil.
func (l *Latest) GetZoneLatest(ctx context.Context, zone string) (*model.PriceEvent, error) {
	return l.get(ctx, zoneKey(zone))
}

func (l *Latest) get(ctx context.Context, key string) (*model.PriceEvent, error) {
	data, err := l.redis.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var ev model.PriceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// PutStats snapshots a zone's rolling aggregates for the query path.
func (l *Latest) PutStats(ctx context.Context, stats model.ZoneStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return l.redis.Set(ctx, statsKey(stats.Zone), data, l.ttl).Err()
}

// GetStats returns the snapshotted aggregates for a zone, or nil when the
// zone has seen no accepted events within the freshness window.
func (l *Latest) GetStats(ctx context.Context, zone string) (*model.ZoneStats, error) {
	data, err := l.redis.Get(ctx, statsKey(zone)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var st model.ZoneStats
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// HealthCheck pings Redis.
func (l *Latest) HealthCheck(ctx context.Context) error {
	if err := l.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (l *Latest) Close() error {
	return l.redis.Close()
}
