package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
)

var _ repository.PaymentRepository = (*paymentRepo)(nil)

const paymentColumns = `id::text, user_id::text, processor, plan_code, amount, status,
  COALESCE(payment_token, ''), COALESCE(refund_token, ''), customer_token, card_token,
  card_brand, card_exp_month, card_exp_year, card_last4, comments,
  COALESCE(payment_data::text, ''), created_at, updated_at`

type paymentRepo struct{ pool *pgxpool.Pool }

func NewPaymentRepo(pool *pgxpool.Pool) *paymentRepo {
	return &paymentRepo{pool: pool}
}

func scanPayment(row scanner) (*model.Payment, error) {
	var (
		p    model.Payment
		data string
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Processor, &p.PlanCode, &p.Amount, &p.Status,
		&p.PaymentToken, &p.RefundToken, &p.CustomerToken, &p.CardToken,
		&p.Card.Brand, &p.Card.ExpMonth, &p.Card.ExpYear, &p.Card.Last4, &p.Comments,
		&data, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, mapScanError(err)
	}
	if data != "" {
		p.PaymentData = []byte(data)
	}
	return &p, nil
}

const insertPayment = `
INSERT INTO payments (
  id, user_id, processor, plan_code, amount, status, payment_token, refund_token,
  customer_token, card_token, card_brand, card_exp_month, card_exp_year, card_last4,
  comments, payment_data, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,NULLIF($7,''),NULLIF($8,''),$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
)`

func paymentArgs(p *model.Payment) []interface{} {
	return []interface{}{
		p.ID, p.UserID, string(p.Processor), p.PlanCode, p.Amount, string(p.Status), p.PaymentToken, p.RefundToken,
		p.CustomerToken, p.CardToken, p.Card.Brand, p.Card.ExpMonth, p.Card.ExpYear, p.Card.Last4,
		p.Comments, nullJSON(p.PaymentData), p.CreatedAt, p.UpdatedAt,
	}
}

// Save inserts p or updates the mutable columns of an existing row. Status
// changes still pass through the forward-only trigger.
func (r *paymentRepo) Save(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = time.Now()
	q := insertPayment + ` ON CONFLICT (id) DO UPDATE SET
  status=EXCLUDED.status, payment_token=EXCLUDED.payment_token, refund_token=EXCLUDED.refund_token,
  customer_token=EXCLUDED.customer_token, card_token=EXCLUDED.card_token, card_brand=EXCLUDED.card_brand,
  card_exp_month=EXCLUDED.card_exp_month, card_exp_year=EXCLUDED.card_exp_year, card_last4=EXCLUDED.card_last4,
  comments=EXCLUDED.comments, payment_data=COALESCE(EXCLUDED.payment_data, payments.payment_data),
  updated_at=EXCLUDED.updated_at;`

	_, err := execSQL(ctx, r.pool, tx, q, paymentArgs(p)...)
	return mapError(err)
}

func (r *paymentRepo) InsertIfAbsent(ctx context.Context, tx repository.Tx, p *model.Payment) (bool, error) {
	if p.PaymentToken == "" {
		return false, domain.ErrInvalidArgument
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	p.UpdatedAt = p.CreatedAt
	q := insertPayment + ` ON CONFLICT (processor, payment_token) WHERE payment_token IS NOT NULL DO NOTHING;`

	cmd, err := execSQL(ctx, r.pool, tx, q, paymentArgs(p)...)
	if err != nil {
		return false, mapError(err)
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *paymentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Payment, error) {
	q := forUpdate(`SELECT `+paymentColumns+` FROM payments WHERE id=$1`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

func (r *paymentRepo) FindByIDAndEmail(ctx context.Context, tx repository.Tx, id, email string) (*model.Payment, error) {
	q := forUpdate(`SELECT `+paymentColumns+` FROM payments
 WHERE id=$1 AND user_id IN (SELECT id FROM users WHERE lower(email)=lower($2))`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, id, email)
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

func (r *paymentRepo) FindByToken(ctx context.Context, tx repository.Tx, processor model.Processor, token string) (*model.Payment, error) {
	if token == "" {
		return nil, domain.ErrNotFound
	}
	q := forUpdate(`SELECT `+paymentColumns+` FROM payments WHERE processor=$1 AND payment_token=$2`, tx)
	row, err := pickRow(ctx, r.pool, tx, q, string(processor), token)
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

func (r *paymentRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string, limit int) ([]*model.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + paymentColumns + ` FROM payments WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2;`
	return r.list(ctx, tx, q, userID, limit)
}

func (r *paymentRepo) ListPendingOlderThan(ctx context.Context, tx repository.Tx, olderThan time.Time, after repository.PendingCursor, limit int) ([]*model.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	if after.ID == "" {
		after.ID = uuid.Nil.String()
	}
	q := `SELECT ` + paymentColumns + ` FROM payments
 WHERE status='pending' AND created_at < $1
   AND (created_at, id) > ($2, $3::uuid)
 ORDER BY created_at ASC, id ASC
 LIMIT $4;`
	return r.list(ctx, tx, q, olderThan, after.CreatedAt, after.ID, limit)
}

func (r *paymentRepo) list(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.Payment, error) {
	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// TransitionStatus updates the row only while it is still in from, so
// concurrent callers race on the WHERE clause and exactly one wins.
func (r *paymentRepo) TransitionStatus(
	ctx context.Context, tx repository.Tx, id string, from, to model.PaymentStatus, upd repository.PaymentUpdate,
) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	const q = `
UPDATE payments
   SET status = $3,
       payment_token = COALESCE(NULLIF($4, ''), payment_token),
       refund_token = COALESCE(NULLIF($5, ''), refund_token),
       comments = COALESCE($6, comments),
       payment_data = COALESCE($7, payment_data),
       updated_at = NOW()
 WHERE id = $1
   AND status = $2`

	cmd, err := execSQL(ctx, r.pool, tx, q, id, string(from), string(to),
		upd.PaymentToken, upd.RefundToken, upd.Comments, nullJSON(upd.PaymentData))
	if err != nil {
		return false, mapError(err)
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *paymentRepo) AppendComment(ctx context.Context, tx repository.Tx, id, comment string) error {
	const q = `
UPDATE payments
   SET comments = CASE WHEN comments = '' THEN $2 ELSE comments || E'\n' || $2 END,
       updated_at = NOW()
 WHERE id = $1`
	cmd, err := execSQL(ctx, r.pool, tx, q, id, comment)
	if err != nil {
		return mapError(err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
