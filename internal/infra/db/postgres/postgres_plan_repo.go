package postgres

import (
	"context"
	"time"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"

	"github.com/jackc/pgx/v4/pgxpool"
)

// Ensure interface compliance
var _ repository.PlanRepository = (*PostgresPlanRepo)(nil)

const planColumns = `code_name, price, label_price, credits, days, is_subscription, is_api_plan, yearly_subscription,
  paypal_product_key, paypal_key, coinbase_key, stripe_key, square_key, created_at, updated_at`

type PostgresPlanRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresPlanRepo(pool *pgxpool.Pool) *PostgresPlanRepo {
	return &PostgresPlanRepo{pool: pool}
}

func scanPlan(row scanner) (*model.Plan, error) {
	var p model.Plan
	if err := row.Scan(&p.CodeName, &p.Price, &p.LabelPrice, &p.Credits, &p.Days, &p.IsSubscription, &p.IsAPIPlan,
		&p.YearlySubscription, &p.PayPalProductKey, &p.PayPalPlanKey, &p.CoinbaseKey, &p.StripeKey, &p.SquareKey,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, mapScanError(err)
	}
	return &p, nil
}

// Upsert is keyed on code_name; re-running it with the same catalog is a no-op.
func (r *PostgresPlanRepo) Upsert(ctx context.Context, tx repository.Tx, plan *model.Plan) error {
	const sql = `
INSERT INTO plans (` + planColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (code_name) DO UPDATE
  SET price               = EXCLUDED.price,
      label_price         = EXCLUDED.label_price,
      credits             = EXCLUDED.credits,
      days                = EXCLUDED.days,
      is_subscription     = EXCLUDED.is_subscription,
      is_api_plan         = EXCLUDED.is_api_plan,
      yearly_subscription = EXCLUDED.yearly_subscription,
      paypal_product_key  = EXCLUDED.paypal_product_key,
      paypal_key          = EXCLUDED.paypal_key,
      coinbase_key        = EXCLUDED.coinbase_key,
      stripe_key          = EXCLUDED.stripe_key,
      square_key          = EXCLUDED.square_key,
      updated_at          = EXCLUDED.updated_at;
`
	if plan.CodeName == "" {
		return domain.ErrInvalidArgument
	}
	now := time.Now()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	plan.UpdatedAt = now
	_, err := execSQL(ctx, r.pool, tx, sql,
		plan.CodeName, plan.Price, plan.LabelPrice, plan.Credits, plan.Days, plan.IsSubscription, plan.IsAPIPlan,
		plan.YearlySubscription, plan.PayPalProductKey, plan.PayPalPlanKey, plan.CoinbaseKey, plan.StripeKey,
		plan.SquareKey, plan.CreatedAt, plan.UpdatedAt,
	)
	return mapError(err)
}

func (r *PostgresPlanRepo) FindByCode(ctx context.Context, tx repository.Tx, codeName string) (*model.Plan, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+planColumns+` FROM plans WHERE code_name = $1;`, codeName)
	if err != nil {
		return nil, err
	}
	return scanPlan(row)
}

// FindByProcessorKey resolves a plan from the identifier a processor echoes
// back in its notifications.
func (r *PostgresPlanRepo) FindByProcessorKey(ctx context.Context, tx repository.Tx, processor model.Processor, key string) (*model.Plan, error) {
	var column string
	switch processor {
	case model.ProcessorPayPal:
		column = "paypal_key"
	case model.ProcessorCoinbase:
		column = "coinbase_key"
	case model.ProcessorStripe:
		column = "stripe_key"
	case model.ProcessorSquare:
		column = "square_key"
	default:
		return nil, domain.ErrInvalidArgument
	}
	if key == "" {
		return nil, domain.ErrNotFound
	}
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+planColumns+` FROM plans WHERE `+column+` = $1 LIMIT 1;`, key)
	if err != nil {
		return nil, err
	}
	return scanPlan(row)
}

func (r *PostgresPlanRepo) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Plan, error) {
	rows, err := queryRows(ctx, r.pool, tx, `SELECT `+planColumns+` FROM plans ORDER BY price ASC, code_name ASC;`)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*model.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, mapError(rows.Err())
}

func (r *PostgresPlanRepo) Delete(ctx context.Context, tx repository.Tx, codeName string) error {
	cmd, err := execSQL(ctx, r.pool, tx, `DELETE FROM plans WHERE code_name = $1;`, codeName)
	if err != nil {
		return mapError(err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
