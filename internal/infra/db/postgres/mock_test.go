//go:build !integration

package postgres

import (
	"context"
	"time"

	"subscription-billing/internal/domain/model"
	"subscription-billing/internal/domain/ports/repository"
	red "subscription-billing/internal/infra/redis"
)

// --- Mocks for Cache Decorator Tests ---

// mockInnerPlanRepo mocks the database repository that the Plan decorator wraps.
type mockInnerPlanRepo struct {
	UpsertFunc             func(ctx context.Context, tx repository.Tx, plan *model.Plan) error
	DeleteFunc             func(ctx context.Context, tx repository.Tx, code string) error
	FindByCodeFunc         func(ctx context.Context, tx repository.Tx, code string) (*model.Plan, error)
	FindByProcessorKeyFunc func(ctx context.Context, tx repository.Tx, processor model.Processor, key string) (*model.Plan, error)
	ListAllFunc            func(ctx context.Context, tx repository.Tx) ([]*model.Plan, error)
}

func (m *mockInnerPlanRepo) Upsert(ctx context.Context, tx repository.Tx, plan *model.Plan) error {
	return m.UpsertFunc(ctx, tx, plan)
}
func (m *mockInnerPlanRepo) Delete(ctx context.Context, tx repository.Tx, code string) error {
	return m.DeleteFunc(ctx, tx, code)
}
func (m *mockInnerPlanRepo) FindByCode(ctx context.Context, tx repository.Tx, code string) (*model.Plan, error) {
	return m.FindByCodeFunc(ctx, tx, code)
}
func (m *mockInnerPlanRepo) FindByProcessorKey(ctx context.Context, tx repository.Tx, processor model.Processor, key string) (*model.Plan, error) {
	return m.FindByProcessorKeyFunc(ctx, tx, processor, key)
}
func (m *mockInnerPlanRepo) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Plan, error) {
	return m.ListAllFunc(ctx, tx)
}

// mockRedisClient mocks our Redis client wrapper.
type mockRedisClient struct {
	GetFunc    func(ctx context.Context, key string) (string, error)
	SetFunc    func(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	DelFunc    func(ctx context.Context, keys ...string) error
	PingFunc   func(ctx context.Context) error
	IncrFunc   func(ctx context.Context, key string) (int64, error)
	ExpireFunc func(ctx context.Context, key string, expiration time.Duration) error
	CloseFunc  func() error
}

var _ red.RedisClient = &mockRedisClient{}

func (m *mockRedisClient) Get(ctx context.Context, key string) (string, error) {
	return m.GetFunc(ctx, key)
}
func (m *mockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return m.SetFunc(ctx, key, value, expiration)
}
func (m *mockRedisClient) Del(ctx context.Context, keys ...string) error {
	return m.DelFunc(ctx, keys...)
}
func (m *mockRedisClient) Ping(ctx context.Context) error { return m.PingFunc(ctx) }
func (m *mockRedisClient) Incr(ctx context.Context, key string) (int64, error) {
	return m.IncrFunc(ctx, key)
}
func (m *mockRedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return m.ExpireFunc(ctx, key, expiration)
}
func (m *mockRedisClient) Close() error { return m.CloseFunc() }
