package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
	"subscription-billing/internal/infra/metrics"
	red "subscription-billing/internal/infra/redis"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

var _ repository.PlanRepository = (*planRepoCacheDecorator)(nil)

const planListKey = "plans:all"

func planKey(code string) string { return fmt.Sprintf("plan:%s", code) }

// planRepoCacheDecorator caches catalog reads in Redis. Reads inside a
// transaction bypass the cache so they see the locked database state.
type planRepoCacheDecorator struct {
	inner repository.PlanRepository
	cache red.RedisClient
	ttl   time.Duration
	log   zerolog.Logger
}

func NewPlanRepoCacheDecorator(inner repository.PlanRepository, cache red.RedisClient, ttl time.Duration, logger *zerolog.Logger) repository.PlanRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &planRepoCacheDecorator{
		inner: inner,
		cache: cache,
		ttl:   ttl,
		log:   logger.With().Str("component", "plan_cache").Logger(),
	}
}

func (d *planRepoCacheDecorator) FindByCode(ctx context.Context, tx repository.Tx, codeName string) (*model.Plan, error) {
	if inTx(tx) {
		return d.inner.FindByCode(ctx, tx, codeName)
	}
	key := planKey(codeName)
	val, err := d.cache.Get(ctx, key)
	if err == nil {
		var plan model.Plan
		if json.Unmarshal([]byte(val), &plan) == nil {
			metrics.IncCacheRequest("plan", "hit")
			return &plan, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		d.log.Warn().Err(err).Str("key", key).Msg("plan cache read failed")
	}

	metrics.IncCacheRequest("plan", "miss")
	plan, err := d.inner.FindByCode(ctx, tx, codeName)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(plan); err == nil {
		if err := d.cache.Set(ctx, key, b, d.ttl); err != nil {
			d.log.Warn().Err(err).Str("key", key).Msg("plan cache write failed")
		}
	}
	return plan, nil
}

func (d *planRepoCacheDecorator) FindByProcessorKey(ctx context.Context, tx repository.Tx, processor model.Processor, key string) (*model.Plan, error) {
	return d.inner.FindByProcessorKey(ctx, tx, processor, key)
}

func (d *planRepoCacheDecorator) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Plan, error) {
	if inTx(tx) {
		return d.inner.ListAll(ctx, tx)
	}
	val, err := d.cache.Get(ctx, planListKey)
	if err == nil {
		var plans []*model.Plan
		if json.Unmarshal([]byte(val), &plans) == nil {
			metrics.IncCacheRequest("plan_list", "hit")
			return plans, nil
		}
	}

	metrics.IncCacheRequest("plan_list", "miss")
	plans, err := d.inner.ListAll(ctx, tx)
	if err != nil {
		return nil, err
	}
	if len(plans) > 0 {
		if b, err := json.Marshal(plans); err == nil {
			_ = d.cache.Set(ctx, planListKey, b, d.ttl)
		}
	}
	return plans, nil
}

// Writes invalidate before delegating.
func (d *planRepoCacheDecorator) Upsert(ctx context.Context, tx repository.Tx, plan *model.Plan) error {
	d.invalidate(ctx, plan.CodeName)
	return d.inner.Upsert(ctx, tx, plan)
}

func (d *planRepoCacheDecorator) Delete(ctx context.Context, tx repository.Tx, codeName string) error {
	d.invalidate(ctx, codeName)
	return d.inner.Delete(ctx, tx, codeName)
}

func (d *planRepoCacheDecorator) invalidate(ctx context.Context, codeName string) {
	if err := d.cache.Del(ctx, planKey(codeName), planListKey); err != nil {
		d.log.Warn().Err(err).Str("plan", codeName).Msg("plan cache invalidation failed")
	}
}
