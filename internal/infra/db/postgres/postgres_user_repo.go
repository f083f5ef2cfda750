package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
)

var _ repository.EntitlementRepository = (*PostgresEntitlementRepo)(nil)

const entitlementColumns = `id::text, email, credits, is_plan_active, plan_subscribed, next_billing_date,
  processor, card_nonce, payment_nonce, entitlement_version, updated_at`

// PostgresEntitlementRepo reads and writes the billing columns of users.
type PostgresEntitlementRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresEntitlementRepo(pool *pgxpool.Pool) *PostgresEntitlementRepo {
	return &PostgresEntitlementRepo{pool: pool}
}

func scanEntitlement(row scanner) (*model.Entitlement, error) {
	var e model.Entitlement
	if err := row.Scan(&e.UserID, &e.Email, &e.Credits, &e.IsPlanActive, &e.PlanSubscribed, &e.NextBillingDate,
		&e.Processor, &e.CardNonce, &e.PaymentNonce, &e.Version, &e.UpdatedAt); err != nil {
		return nil, mapScanError(err)
	}
	return &e, nil
}

func (r *PostgresEntitlementRepo) FindByUserID(ctx context.Context, tx repository.Tx, userID string) (*model.Entitlement, error) {
	q := forUpdate(`SELECT `+entitlementColumns+` FROM users WHERE id=$1`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, userID)
	if err != nil {
		return nil, err
	}
	return scanEntitlement(row)
}

// Save is a compare-and-swap on entitlement_version. The active flag and the
// billing date are always written by the same statement.
func (r *PostgresEntitlementRepo) Save(ctx context.Context, tx repository.Tx, e *model.Entitlement) error {
	if err := e.Validate(); err != nil {
		return err
	}
	const q = `
UPDATE users
   SET credits = $3,
       is_plan_active = $4,
       plan_subscribed = $5,
       next_billing_date = $6,
       processor = $7,
       card_nonce = $8,
       payment_nonce = $9,
       entitlement_version = entitlement_version + 1,
       updated_at = NOW()
 WHERE id = $1
   AND entitlement_version = $2`

	cmd, err := execSQL(ctx, r.pool, tx, q, e.UserID, e.Version, e.Credits, e.IsPlanActive, e.PlanSubscribed,
		e.NextBillingDate, string(e.Processor), e.CardNonce, e.PaymentNonce)
	if err != nil {
		return mapError(err)
	}
	if cmd.RowsAffected() == 0 {
		if _, err := r.FindByUserID(ctx, tx, e.UserID); err != nil {
			return err
		}
		return domain.ErrConcurrentUpdate
	}
	e.Version++
	return nil
}

// ListDueOn returns users whose next billing date falls on day (UTC calendar date).
// Credit-only grants keep a date without an active plan and are never charged.
func (r *PostgresEntitlementRepo) ListDueOn(ctx context.Context, tx repository.Tx, day time.Time) ([]*model.Entitlement, error) {
	start := model.StartOfDay(day)
	end := start.Add(24 * time.Hour)
	q := `SELECT ` + entitlementColumns + ` FROM users
 WHERE is_plan_active AND next_billing_date >= $1 AND next_billing_date < $2
 ORDER BY next_billing_date ASC;`
	return r.list(ctx, tx, q, start, end)
}

// ListExpired returns active users whose billing day ended before now's UTC day.
func (r *PostgresEntitlementRepo) ListExpired(ctx context.Context, tx repository.Tx, now time.Time) ([]*model.Entitlement, error) {
	q := `SELECT ` + entitlementColumns + ` FROM users
 WHERE is_plan_active AND next_billing_date < $1
 ORDER BY next_billing_date ASC;`
	return r.list(ctx, tx, q, model.StartOfDay(now))
}

func (r *PostgresEntitlementRepo) ListActiveWithoutBillingDate(ctx context.Context, tx repository.Tx) ([]*model.Entitlement, error) {
	q := `SELECT ` + entitlementColumns + ` FROM users WHERE is_plan_active AND next_billing_date IS NULL;`
	return r.list(ctx, tx, q)
}

func (r *PostgresEntitlementRepo) list(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.Entitlement, error) {
	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*model.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, mapError(rows.Err())
}
