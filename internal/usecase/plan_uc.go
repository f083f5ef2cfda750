package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"subscription-billing/internal/domain"
	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/adapter"
	"subscription-billing/internal/domain/ports/repository"
)

// Compile-time check
var _ PlanUseCase = (*planUC)(nil)

type PlanUseCase interface {
	// SyncCatalog upserts plans by code name. Provider keys missing from the
	// input keep their stored values. With prune, stored plans absent from
	// the input are deleted; their subscribers lapse at the next rebill.
	SyncCatalog(ctx context.Context, plans []*model.Plan, prune bool) (CatalogSync, error)
	// ProvisionProviderPlans creates processor-side plans for subscription
	// plans that lack one.
	ProvisionProviderPlans(ctx context.Context, processor model.Processor) (int, error)
	List(ctx context.Context) ([]*model.Plan, error)
	Get(ctx context.Context, code string) (*model.Plan, error)
}

type CatalogSync struct {
	Synced  int
	Retired []string
}

type planUC struct {
	repo     repository.PlanRepository
	registry adapter.ProcessorRegistry
	tm       repository.TransactionManager
	log      *zerolog.Logger
}

func NewPlanUseCase(repo repository.PlanRepository, registry adapter.ProcessorRegistry, tm repository.TransactionManager, logger *zerolog.Logger) *planUC {
	l := logger.With().Str("component", "plan_uc").Logger()
	return &planUC{repo: repo, registry: registry, tm: tm, log: &l}
}

func mergeKeys(dst, stored *model.Plan) {
	if dst.PayPalProductKey == "" {
		dst.PayPalProductKey = stored.PayPalProductKey
	}
	if dst.PayPalPlanKey == "" {
		dst.PayPalPlanKey = stored.PayPalPlanKey
	}
	if dst.CoinbaseKey == "" {
		dst.CoinbaseKey = stored.CoinbaseKey
	}
	if dst.StripeKey == "" {
		dst.StripeKey = stored.StripeKey
	}
	if dst.SquareKey == "" {
		dst.SquareKey = stored.SquareKey
	}
}

func (u *planUC) SyncCatalog(ctx context.Context, plans []*model.Plan, prune bool) (CatalogSync, error) {
	var res CatalogSync
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		res = CatalogSync{}
		keep := make(map[string]struct{}, len(plans))
		for _, p := range plans {
			p.CodeName = model.Slugify(p.CodeName)
			if p.CodeName == "" {
				return fmt.Errorf("%w: plan without code name", domain.ErrInvalidArgument)
			}
			stored, err := u.repo.FindByCode(ctx, tx, p.CodeName)
			switch {
			case err == nil:
				mergeKeys(p, stored)
			case !errors.Is(err, domain.ErrNotFound):
				return err
			}
			if err := u.repo.Upsert(ctx, tx, p); err != nil {
				return fmt.Errorf("upsert %s: %w", p.CodeName, err)
			}
			keep[p.CodeName] = struct{}{}
			res.Synced++
		}
		if !prune {
			return nil
		}
		stored, err := u.repo.ListAll(ctx, tx)
		if err != nil {
			return err
		}
		for _, p := range stored {
			if _, ok := keep[p.CodeName]; ok {
				continue
			}
			if err := u.repo.Delete(ctx, tx, p.CodeName); err != nil {
				return fmt.Errorf("delete %s: %w", p.CodeName, err)
			}
			res.Retired = append(res.Retired, p.CodeName)
		}
		return nil
	})
	if err != nil {
		return CatalogSync{}, err
	}
	u.log.Info().Int("count", res.Synced).Strs("retired", res.Retired).Msg("plan catalog synced")
	return res, nil
}

func (u *planUC) ProvisionProviderPlans(ctx context.Context, processor model.Processor) (int, error) {
	pp, ok := u.registry.PlanProvisioner(processor)
	if !ok {
		return 0, fmt.Errorf("%s: %w", processor, domain.ErrUnsupportedOperation)
	}
	plans, err := u.repo.ListAll(ctx, repository.NoTX)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range plans {
		if !p.IsSubscription || p.ProcessorKey(processor) != "" {
			continue
		}
		product, key, err := pp.ProvisionPlan(ctx, p)
		if err != nil {
			return n, fmt.Errorf("provision %s: %w", p.CodeName, err)
		}
		if processor == model.ProcessorPayPal {
			p.PayPalProductKey = product
			p.PayPalPlanKey = key
		}
		if err := u.repo.Upsert(ctx, repository.NoTX, p); err != nil {
			return n, fmt.Errorf("store %s keys: %w", p.CodeName, err)
		}
		n++
		u.log.Info().Str("plan", p.CodeName).Str("processor", string(processor)).Str("key", key).Msg("provider plan provisioned")
	}
	return n, nil
}

func (u *planUC) List(ctx context.Context) ([]*model.Plan, error) {
	return u.repo.ListAll(ctx, repository.NoTX)
}

func (u *planUC) Get(ctx context.Context, code string) (*model.Plan, error) {
	return u.repo.FindByCode(ctx, repository.NoTX, model.Slugify(code))
}
