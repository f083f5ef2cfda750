//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
)

func TestEntitlementRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	ctx := context.Background()
	repo := NewPostgresEntitlementRepo(testPool)
	plan, _ := model.NewPlan("pro", 30, 1000, 0)

	t.Run("save bumps the version and rejects stale writes", func(t *testing.T) {
		cleanup(t)
		id := seedUser(t, "a@example.com")

		e, err := repo.FindByUserID(ctx, nil, id)
		if err != nil {
			t.Fatalf("FindByUserID failed: %v", err)
		}
		stale := *e
		e.Activate(plan, 0, time.Now())
		if err := repo.Save(ctx, nil, e); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if e.Version != 1 {
			t.Errorf("expected version 1, got %d", e.Version)
		}

		stale.Credits = 1
		if err := repo.Save(ctx, nil, &stale); !errors.Is(err, domain.ErrConcurrentUpdate) {
			t.Errorf("expected ErrConcurrentUpdate, got %v", err)
		}

		found, _ := repo.FindByUserID(ctx, nil, id)
		if found == nil || found.Credits != 1000 || !found.IsPlanActive || found.NextBillingDate == nil {
			t.Errorf("unexpected entitlement %+v", found)
		}
	})

	t.Run("active plans must carry a billing date", func(t *testing.T) {
		cleanup(t)
		id := seedUser(t, "b@example.com")
		e, _ := repo.FindByUserID(ctx, nil, id)
		e.IsPlanActive = true

		if err := repo.Save(ctx, nil, e); !errors.Is(err, domain.ErrInvariantViolated) {
			t.Errorf("expected ErrInvariantViolated, got %v", err)
		}
		_, err := testPool.Exec(ctx, `UPDATE users SET is_plan_active = TRUE WHERE id=$1`, id)
		if err == nil {
			t.Error("the database should reject an active plan without a billing date")
		}
	})

	t.Run("unknown users are not found", func(t *testing.T) {
		cleanup(t)
		e := &model.Entitlement{UserID: "00000000-0000-0000-0000-000000000000"}
		if err := repo.Save(ctx, nil, e); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("job listings", func(t *testing.T) {
		cleanup(t)
		day := model.StartOfDay(time.Now())
		now := day.Add(6 * time.Hour)
		dueEarly := seedUser(t, "early@example.com")
		dueLate := seedUser(t, "late@example.com")
		expired := seedUser(t, "expired@example.com")
		later := seedUser(t, "later@example.com")
		creditOnly := seedUser(t, "credits@example.com")
		_, err := testPool.Exec(ctx, `
UPDATE users SET is_plan_active = (id <> $5::uuid), next_billing_date = CASE id
  WHEN $1::uuid THEN $6::timestamptz
  WHEN $2::uuid THEN $7::timestamptz
  WHEN $3::uuid THEN $8::timestamptz
  WHEN $4::uuid THEN $9::timestamptz
  WHEN $5::uuid THEN $7::timestamptz END
WHERE id IN ($1, $2, $3, $4, $5)`, dueEarly, dueLate, expired, later, creditOnly,
			day.Add(2*time.Hour), day.Add(20*time.Hour), day.Add(-48*time.Hour), day.Add(72*time.Hour))
		if err != nil {
			t.Fatal(err)
		}

		dueList, err := repo.ListDueOn(ctx, nil, now)
		if err != nil || len(dueList) != 2 || dueList[0].UserID != dueEarly || dueList[1].UserID != dueLate {
			t.Errorf("ListDueOn: %v %+v", err, dueList)
		}
		expList, err := repo.ListExpired(ctx, nil, now)
		if err != nil || len(expList) != 1 || expList[0].UserID != expired {
			t.Errorf("ListExpired: %v %+v", err, expList)
		}
		broken, err := repo.ListActiveWithoutBillingDate(ctx, nil)
		if err != nil || len(broken) != 0 {
			t.Errorf("ListActiveWithoutBillingDate: %v %+v", err, broken)
		}
	})

	t.Run("transactional read-modify-write", func(t *testing.T) {
		cleanup(t)
		id := seedUser(t, "tx@example.com")
		tm := NewTxManager(testPool)

		err := tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			e, err := repo.FindByUserID(ctx, tx, id)
			if err != nil {
				return err
			}
			e.Activate(plan, 7, time.Now())
			return repo.Save(ctx, tx, e)
		})
		if err != nil {
			t.Fatalf("WithTx failed: %v", err)
		}

		rolledBack := errors.New("abort")
		err = tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			e, _ := repo.FindByUserID(ctx, tx, id)
			e.Credits = 0
			_ = repo.Save(ctx, tx, e)
			return rolledBack
		})
		if !errors.Is(err, rolledBack) {
			t.Fatalf("expected the callback error, got %v", err)
		}

		e, _ := repo.FindByUserID(ctx, nil, id)
		if e.Credits != 1000 || e.Version != 1 {
			t.Errorf("rollback leaked: %+v", e)
		}
	})
}
