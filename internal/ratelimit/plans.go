package ratelimit

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Plan holds the effective limits for one tenant. Immutable once resolved
// for a given lookup; per-endpoint overrides win over the subscription plan.
type Plan struct {
	BurstLimit  int64 `json:"burst_limit"`
	HourlyLimit int64 `json:"hourly_limit"`
	DailyLimit  int64 `json:"daily_limit"`
	Enabled     bool  `json:"enabled"`
}

// DefaultPlan is the conservative fallback applied when a tenant has no
// resolvable plan.
func DefaultPlan() Plan {
	return Plan{
		BurstLimit:  30,
		HourlyLimit: 500,
		DailyLimit:  5000,
		Enabled:     true,
	}
}

// Resolver supplies the rate plan for a tenant.
type Resolver interface {
	Resolve(ctx context.Context, tenantID string) (Plan, error)
}

// PGResolver reads tenant plans from the billing schema, owned by the
// external CRUD/billing layer.
type PGResolver struct {
	pool *pgxpool.Pool
	def  Plan
}

// NewPGResolver creates a plan resolver over an existing pool. def is
// returned for tenants with no plan row.
func NewPGResolver(pool *pgxpool.Pool, def Plan) *PGResolver {
	return &PGResolver{pool: pool, def: def}
}

func (r *PGResolver) Resolve(ctx context.Context, tenantID string) (Plan, error) {
	if r.pool == nil {
		return r.def, nil
	}
	const q = `
		SELECT burst_limit, hourly_limit, daily_limit, enabled
		FROM billing.tenant_plans
		WHERE tenant_id = $1
		LIMIT 1;
	`
	var p Plan
	err := r.pool.QueryRow(ctx, q, tenantID).Scan(
		&p.BurstLimit, &p.HourlyLimit, &p.DailyLimit, &p.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.def, nil
	}
	if err != nil {
		return Plan{}, fmt.Errorf("resolve plan for %s: %w", tenantID, err)
	}
	return p, nil
}

// StaticResolver serves plans from a fixed map (tests, single-tenant
// deployments without a billing database).
type StaticResolver struct {
	Plans   map[string]Plan
	Default Plan
}

func (r StaticResolver) Resolve(_ context.Context, tenantID string) (Plan, error) {
	if p, ok := r.Plans[tenantID]; ok {
		return p, nil
	}
	return r.Default, nil
}
