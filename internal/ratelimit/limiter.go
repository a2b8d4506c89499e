package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gridsignal/marketstream/internal/metrics"
	"github.com/gridsignal/marketstream/pkg/cache"
)

// Limit tiers, checked in order. The first tier to fail short-circuits.
const (
	TierBurst  = "burst"
	TierHourly = "hourly"
	TierDaily  = "daily"
)

// Decision is the structured outcome of a rate limit check. Denials name the
// limiting tier and its numbers so callers can surface an explicit reason.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Tier    string `json:"tier,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Current int64  `json:"current,omitempty"`
	Limit   int64  `json:"limit,omitempty"`
}

// checkScript reads the counter and increments it only while under the
// limit, atomically across concurrent callers. A saturated counter is not
// incremented further, so the reported current never over-counts.
var checkScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if current >= limit then
  return {0, current}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, current}
`)

// Limiter enforces per-tenant fixed-window quotas against a shared Redis
// counter store. Windows reset entirely at their boundary (a window switch
// is a fresh key); bursts straddling a boundary can admit up to 2x the
// nominal rate, which is the documented tradeoff of this policy.
type Limiter struct {
	redis    *redis.Client
	resolver Resolver
	plans    *cache.TTL[Plan]
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Limiter. resolver supplies per-tenant plans; results are
// cached with planTTL so hot paths avoid a lookup per call.
func New(rdb *redis.Client, resolver Resolver, planTTL time.Duration, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		redis:    rdb,
		resolver: resolver,
		plans:    cache.New[Plan](planTTL),
		logger:   logger,
		now:      time.Now,
	}
}

type tierCheck struct {
	tier   string
	limit  int64
	stamp  string
	expiry time.Duration
}

// Check admits or denies one call for (tenant, endpoint). All three tiers
// must pass; the first failing tier is returned in the denial. A counter
// store error fails open with an error so callers can decide policy.
func (l *Limiter) Check(ctx context.Context, tenantID, endpoint string) (Decision, error) {
	plan := l.plan(ctx, tenantID)
	if !plan.Enabled {
		return Decision{Allowed: true}, nil
	}

	// Expiries derive from the same clock as the window stamps, so a counter
	// key is never installed with a non-positive TTL.
	now := l.now().UTC()
	checks := []tierCheck{
		{
			tier:   TierBurst,
			limit:  plan.BurstLimit,
			stamp:  fmt.Sprintf("%d", now.Unix()/60),
			expiry: 2 * time.Minute,
		},
		{
			tier:   TierHourly,
			limit:  plan.HourlyLimit,
			stamp:  now.Format("2006010215"),
			expiry: now.Truncate(time.Hour).Add(time.Hour).Sub(now) + time.Minute,
		},
		{
			tier:   TierDaily,
			limit:  plan.DailyLimit,
			stamp:  now.Format("20060102"),
			expiry: now.Truncate(24*time.Hour).Add(24*time.Hour).Sub(now) + time.Minute,
		},
	}

	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		key := fmt.Sprintf("rl:%s:%s:%s:%s", tenantID, endpoint, c.tier, c.stamp)
		res, err := checkScript.Run(ctx, l.redis, []string{key},
			c.limit, c.expiry.Milliseconds()).Int64Slice()
		if err != nil {
			return Decision{}, fmt.Errorf("rate counter check: %w", err)
		}
		if len(res) != 2 {
			return Decision{}, fmt.Errorf("rate counter check: unexpected reply %v", res)
		}
		if res[0] == 0 {
			metrics.IncDenial(c.tier)
			l.logger.Debug("ratelimit.denied",
				zap.String("tenant", tenantID),
				zap.String("endpoint", endpoint),
				zap.String("tier", c.tier),
				zap.Int64("current", res[1]),
				zap.Int64("limit", c.limit))
			return Decision{
				Allowed: false,
				Tier:    c.tier,
				Reason:  denialReason(c.tier),
				Current: res[1],
				Limit:   c.limit,
			}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

func denialReason(tier string) string {
	switch tier {
	case TierBurst:
		return "Burst limit exceeded"
	case TierHourly:
		return "Hourly limit exceeded"
	default:
		return "Daily limit exceeded"
	}
}

// plan resolves the effective limits for a tenant, consulting the TTL cache
// first and falling back to the conservative default plan on lookup failure.
func (l *Limiter) plan(ctx context.Context, tenantID string) Plan {
	if p, ok := l.plans.Get(tenantID); ok {
		return p
	}
	p, err := l.resolver.Resolve(ctx, tenantID)
	if err != nil {
		metrics.IncError("ratelimit", "plan_lookup_failed")
		l.logger.Warn("ratelimit.plan_lookup_failed",
			zap.String("tenant", tenantID), zap.Error(err))
		p = DefaultPlan()
	}
	l.plans.Put(tenantID, p)
	return p
}
