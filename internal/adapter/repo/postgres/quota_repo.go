package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by QuotaRepo for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// QuotaRepo is a Postgres-backed, per-user domain.QuotaManager: each user
// carries its own daily_tick_limit (profile row) and a usage row per UTC
// day, unlike the KV-backed DailyQuota which enforces one shared budget.
type QuotaRepo struct {
	pool         PgxPool
	defaultLimit int
	now          func() time.Time
}

// NewQuotaRepo constructs a QuotaRepo. defaultLimit seeds newly-seen users'
// quota_profiles row the first time they're observed.
func NewQuotaRepo(pool PgxPool, defaultLimit int) *QuotaRepo {
	return &QuotaRepo{pool: pool, defaultLimit: defaultLimit, now: time.Now}
}

// CheckAndConsume atomically checks the user's remaining daily budget and
// consumes units from it within a single transaction, so concurrent
// requests from the same user cannot both observe capacity and overspend.
func (r *QuotaRepo) CheckAndConsume(ctx domain.Context, userID, email string, units int) (domain.QuotaResult, error) {
	tracer := otel.Tracer("repo.quota")
	ctx, span := tracer.Start(ctx, "quota.CheckAndConsume")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "quota_usage"),
	)

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.QuotaResult{}, fmt.Errorf("op=postgres.QuotaRepo.CheckAndConsume.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				slog.Error("failed to rollback quota transaction", slog.Any("error", rbErr))
			}
		}
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO quota_profiles (user_id, email, daily_tick_limit) VALUES ($1,$2,$3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, email, r.defaultLimit)
	if err != nil {
		return domain.QuotaResult{}, fmt.Errorf("op=postgres.QuotaRepo.CheckAndConsume.ensure_profile: %w", err)
	}

	var limit int
	if err := tx.QueryRow(ctx, `SELECT daily_tick_limit FROM quota_profiles WHERE user_id=$1 FOR UPDATE`, userID).Scan(&limit); err != nil {
		return domain.QuotaResult{}, fmt.Errorf("op=postgres.QuotaRepo.CheckAndConsume.lock_profile: %w", err)
	}

	usageDate := r.now().UTC().Format("2006-01-02")
	_, err = tx.Exec(ctx,
		`INSERT INTO quota_usage (user_id, usage_date, ticks_used) VALUES ($1,$2,0)
		 ON CONFLICT (user_id, usage_date) DO NOTHING`,
		userID, usageDate)
	if err != nil {
		return domain.QuotaResult{}, fmt.Errorf("op=postgres.QuotaRepo.CheckAndConsume.ensure_usage: %w", err)
	}

	var used int
	if err := tx.QueryRow(ctx, `SELECT ticks_used FROM quota_usage WHERE user_id=$1 AND usage_date=$2 FOR UPDATE`, userID, usageDate).Scan(&used); err != nil {
		return domain.QuotaResult{}, fmt.Errorf("op=postgres.QuotaRepo.CheckAndConsume.lock_usage: %w", err)
	}

	if used+units > limit {
		if err := tx.Commit(ctx); err != nil {
			return domain.QuotaResult{}, fmt.Errorf("op=postgres.QuotaRepo.CheckAndConsume.commit_denied: %w", err)
		}
		committed = true
		return domain.QuotaResult{Allowed: false, Remaining: limit - used}, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE quota_usage SET ticks_used = ticks_used + $3 WHERE user_id=$1 AND usage_date=$2`, userID, usageDate, units); err != nil {
		return domain.QuotaResult{}, fmt.Errorf("op=postgres.QuotaRepo.CheckAndConsume.consume: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.QuotaResult{}, fmt.Errorf("op=postgres.QuotaRepo.CheckAndConsume.commit: %w", err)
	}
	committed = true

	return domain.QuotaResult{Allowed: true, Remaining: limit - used - units}, nil
}
