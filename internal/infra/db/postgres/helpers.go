package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/ports/repository"
)

const (
	pgUniqueViolation  = "23505"
	pgCheckViolation   = "23514"
	pgInvalidTextValue = "22P02"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

func execSQL(ctx context.Context, pool *pgxpool.Pool, tx repository.Tx, q string, args ...interface{}) (pgconn.CommandTag, error) {
	ex, err := getExecutor(pool, tx)
	if err != nil {
		return nil, err
	}
	return ex.Exec(ctx, q, args...)
}

func pickRow(ctx context.Context, pool *pgxpool.Pool, tx repository.Tx, q string, args ...interface{}) (pgx.Row, error) {
	ex, err := getExecutor(pool, tx)
	if err != nil {
		return nil, err
	}
	return ex.QueryRow(ctx, q, args...), nil
}

func queryRows(ctx context.Context, pool *pgxpool.Pool, tx repository.Tx, q string, args ...interface{}) (pgx.Rows, error) {
	ex, err := getExecutor(pool, tx)
	if err != nil {
		return nil, err
	}
	return ex.Query(ctx, q, args...)
}

// mapError normalizes driver errors to domain errors, keeping the cause.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrInvalidExecContext) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, pgErr.ConstraintName)
		case pgCheckViolation:
			switch pgErr.ConstraintName {
			case "":
				// raised by the payments_forward_only trigger
				return fmt.Errorf("%w: %s", domain.ErrInvalidTransition, pgErr.Message)
			case "users_active_plan_has_billing_date":
				return domain.ErrInvariantViolated
			}
			return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, pgErr.ConstraintName)
		case pgInvalidTextValue:
			return domain.ErrNotFound
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrOperationFailed, err)
}

// mapScanError is mapError for row scans.
func mapScanError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapError(err)
	}
	return fmt.Errorf("%w: %v", domain.ErrReadDatabaseRow, err)
}

func forUpdate(q string, tx repository.Tx) string {
	if inTx(tx) {
		return q + " FOR UPDATE"
	}
	return q
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
