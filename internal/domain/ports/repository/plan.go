package repository

import (
	"context"

	"subscription-billing/internal/domain/model"
)

// PlanRepository is the port for plan catalog persistence.
type PlanRepository interface {
	// Upsert creates or updates a plan keyed on its code name.
	Upsert(ctx context.Context, tx Tx, plan *model.Plan) error
	FindByCode(ctx context.Context, tx Tx, codeName string) (*model.Plan, error)
	FindByProcessorKey(ctx context.Context, tx Tx, processor model.Processor, key string) (*model.Plan, error)
	ListAll(ctx context.Context, tx Tx) ([]*model.Plan, error)
	Delete(ctx context.Context, tx Tx, codeName string) error
}
