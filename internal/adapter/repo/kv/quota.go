package kv

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

// dailyQuotaClient is the quota-script subset of kvstore.Client this
// package depends on.
type dailyQuotaClient interface {
	CheckAndConsumeDailyQuota(ctx domain.Context, key string, limit, units, secondsUntilReset int) (allowed bool, remaining int, err error)
}

// DailyQuota is a KV-backed, system-wide domain.QuotaManager: a single
// fixed daily budget shared across all users, reset at midnight UTC
// (per-user limits are the Postgres-backed alternative, selected by
// config.Config.QuotaBackend).
type DailyQuota struct {
	client      dailyQuotaClient
	limit       int
	keyFor      func(time.Time) string
	secondsLeft func(time.Time) int
	now         func() time.Time
}

// NewDailyQuota constructs a DailyQuota enforcing limit units per UTC day.
func NewDailyQuota(client dailyQuotaClient, limit int, keyFor func(time.Time) string, secondsLeft func(time.Time) int) *DailyQuota {
	return &DailyQuota{
		client:      client,
		limit:       limit,
		keyFor:      keyFor,
		secondsLeft: secondsLeft,
		now:         time.Now,
	}
}

// CheckAndConsume atomically checks and consumes units from today's global
// budget. userID/email are accepted to satisfy domain.QuotaManager but
// unused: this backend enforces one shared limit, not a per-user one.
func (q *DailyQuota) CheckAndConsume(ctx domain.Context, userID, email string, units int) (domain.QuotaResult, error) {
	now := q.now()
	key := q.keyFor(now)
	secs := q.secondsLeft(now)

	allowed, remaining, err := q.client.CheckAndConsumeDailyQuota(ctx, key, q.limit, units, secs)
	if err != nil {
		return domain.QuotaResult{}, fmt.Errorf("op=kv.DailyQuota.CheckAndConsume: %w", err)
	}
	return domain.QuotaResult{Allowed: allowed, Remaining: remaining}, nil
}
