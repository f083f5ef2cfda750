package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is an opaque transaction handle. Repositories accept nil for the
// non-transactional path and detect infra-specific handles (pgx.Tx) to lock
// rows with SELECT ... FOR UPDATE.
type Tx interface{}

var NoTX interface{}

// TransactionManager runs fn inside a database transaction and commits when
// fn returns nil. All repository calls made with the passed tx share it.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
