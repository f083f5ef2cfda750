package repository

import (
	"context"
	"time"

	"subscription-billing/internal/domain/model"
)

// -----------------------------
// Users (entitlement columns only)
// -----------------------------

type EntitlementRepository interface {
	// FindByUserID loads the entitlement; inside a pgx transaction the row is locked.
	FindByUserID(ctx context.Context, tx Tx, userID string) (*model.Entitlement, error)
	// Save writes the entitlement if its Version still matches the stored
	// row and bumps the version; domain.ErrConcurrentUpdate otherwise.
	Save(ctx context.Context, tx Tx, e *model.Entitlement) error

	ListDueOn(ctx context.Context, tx Tx, day time.Time) ([]*model.Entitlement, error)
	ListExpired(ctx context.Context, tx Tx, now time.Time) ([]*model.Entitlement, error)
	ListActiveWithoutBillingDate(ctx context.Context, tx Tx) ([]*model.Entitlement, error)
}
