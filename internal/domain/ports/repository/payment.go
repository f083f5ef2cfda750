package repository

import (
	"context"
	"encoding/json"
	"time"

	"subscription-billing/internal/domain/model"
)

// -----------------------------
// Payments
// -----------------------------

// PaymentUpdate carries the optional fields written alongside a status
// transition. Nil pointers leave the column untouched.
type PaymentUpdate struct {
	PaymentToken *string
	RefundToken  *string
	Comments     *string
	PaymentData  json.RawMessage
}

// PendingCursor marks the last row of a page of pending payments. The zero
// value starts from the oldest row.
type PendingCursor struct {
	CreatedAt time.Time
	ID        string
}

type PaymentRepository interface {
	Save(ctx context.Context, tx Tx, p *model.Payment) error
	// InsertIfAbsent inserts p unless a payment with the same processor and
	// token exists. It reports whether a row was written.
	InsertIfAbsent(ctx context.Context, tx Tx, p *model.Payment) (bool, error)
	FindByID(ctx context.Context, tx Tx, id string) (*model.Payment, error)
	FindByIDAndEmail(ctx context.Context, tx Tx, id, email string) (*model.Payment, error)
	FindByToken(ctx context.Context, tx Tx, processor model.Processor, token string) (*model.Payment, error)
	ListByUser(ctx context.Context, tx Tx, userID string, limit int) ([]*model.Payment, error)
	// ListPendingOlderThan pages through pending payments created before
	// olderThan, oldest first, starting after the cursor.
	ListPendingOlderThan(ctx context.Context, tx Tx, olderThan time.Time, after PendingCursor, limit int) ([]*model.Payment, error)
	// TransitionStatus moves a payment from one status to another only if it
	// is still in from. It reports whether the row changed.
	TransitionStatus(ctx context.Context, tx Tx, id string, from, to model.PaymentStatus, upd PaymentUpdate) (bool, error)
	// AppendComment records a note without touching the status.
	AppendComment(ctx context.Context, tx Tx, id, comment string) error
}
