package service

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/common/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// slowRuleStore counts reads and blocks each one until released.
type slowRuleStore struct {
	rule    *repository.WorkflowRule
	reads   atomic.Int32
	release chan struct{}
}

func (s *slowRuleStore) GetActiveRule(_ context.Context, organizationID string, wfType repository.WorkflowType) (*repository.WorkflowRule, error) {
	s.reads.Add(1)
	<-s.release
	if s.rule == nil {
		return nil, errors.NotFound("workflow_rule", organizationID+"/"+string(wfType))
	}
	return s.rule, nil
}

type mockRuleCache struct {
	mock.Mock
}

func (m *mockRuleCache) Get(ctx context.Context, organizationID string, wfType repository.WorkflowType) (*repository.WorkflowRule, bool, error) {
	args := m.Called(ctx, organizationID, wfType)
	rule, _ := args.Get(0).(*repository.WorkflowRule)
	return rule, args.Bool(1), args.Error(2)
}

func (m *mockRuleCache) Set(ctx context.Context, rule *repository.WorkflowRule) error {
	return m.Called(ctx, rule).Error(0)
}

func TestRuleResolver_NoActiveRule(t *testing.T) {
	store := &slowRuleStore{release: make(chan struct{})}
	close(store.release)
	resolver := NewRuleResolver(store, nil, logger.Nop())

	_, err := resolver.ResolveRule(context.Background(), "org-1", repository.WorkflowTypeBudgetChange)
	assert.ErrorIs(t, err, ErrNoActiveRule)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestRuleResolver_InvalidStoredRule(t *testing.T) {
	store := &slowRuleStore{
		release: make(chan struct{}),
		rule: &repository.WorkflowRule{
			OrganizationID: "org-1",
			Type:           repository.WorkflowTypePaymentApproval,
		},
	}
	close(store.release)
	resolver := NewRuleResolver(store, nil, logger.Nop())

	_, err := resolver.ResolveRule(context.Background(), "org-1", repository.WorkflowTypePaymentApproval)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInternal, errors.Code(err))
}

func TestRuleResolver_CollapsesConcurrentLookups(t *testing.T) {
	store := &slowRuleStore{release: make(chan struct{}), rule: paymentRule(level(1, "alice"))}
	resolver := NewRuleResolver(store, nil, logger.Nop())

	const callers = 10
	var wg sync.WaitGroup
	results := make([]*repository.WorkflowRule, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rule, err := resolver.ResolveRule(context.Background(), "org-1", repository.WorkflowTypePaymentApproval)
			assert.NoError(t, err)
			results[i] = rule
		}()
	}

	require.Eventually(t, func() bool { return store.reads.Load() == 1 }, time.Second, time.Millisecond)
	// Give the remaining callers time to join the in-flight read.
	time.Sleep(20 * time.Millisecond)
	close(store.release)
	wg.Wait()

	assert.EqualValues(t, 1, store.reads.Load())
	for _, rule := range results {
		assert.Same(t, results[0], rule)
	}
}

// ctxRuleStore blocks each read until released or until its context ends.
type ctxRuleStore struct {
	rule    *repository.WorkflowRule
	reads   atomic.Int32
	release chan struct{}
}

func (s *ctxRuleStore) GetActiveRule(ctx context.Context, _ string, _ repository.WorkflowType) (*repository.WorkflowRule, error) {
	s.reads.Add(1)
	select {
	case <-s.release:
		return s.rule, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRuleResolver_SharedReadSurvivesFirstCallerCancel(t *testing.T) {
	store := &ctxRuleStore{release: make(chan struct{}), rule: paymentRule(level(1, "alice"))}
	resolver := NewRuleResolver(store, nil, logger.Nop())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := resolver.ResolveRule(firstCtx, "org-1", repository.WorkflowTypePaymentApproval)
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return store.reads.Load() == 1 }, time.Second, time.Millisecond)

	secondDone := make(chan error, 1)
	go func() {
		_, err := resolver.ResolveRule(context.Background(), "org-1", repository.WorkflowTypePaymentApproval)
		secondDone <- err
	}()
	// Let the second caller join the in-flight read.
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	assert.NoError(t, <-secondDone)
	assert.NoError(t, <-firstDone)
	assert.EqualValues(t, 1, store.reads.Load())
}

func TestRuleResolver_Cache(t *testing.T) {
	ctx := context.Background()
	cached := paymentRule(level(1, "alice"))
	stored := paymentRule(level(1, "bob"))

	t.Run("hit skips the store", func(t *testing.T) {
		store := &slowRuleStore{release: make(chan struct{}), rule: stored}
		cache := &mockRuleCache{}
		cache.On("Get", mock.Anything, "org-1", repository.WorkflowTypePaymentApproval).Return(cached, true, nil)

		rule, err := NewRuleResolver(store, cache, logger.Nop()).ResolveRule(ctx, "org-1", repository.WorkflowTypePaymentApproval)
		require.NoError(t, err)
		assert.Same(t, cached, rule)
		assert.Zero(t, store.reads.Load())
		cache.AssertExpectations(t)
	})

	t.Run("miss reads the store and fills the cache", func(t *testing.T) {
		store := &slowRuleStore{release: make(chan struct{}), rule: stored}
		close(store.release)
		cache := &mockRuleCache{}
		cache.On("Get", mock.Anything, "org-1", repository.WorkflowTypePaymentApproval).Return(nil, false, nil)
		cache.On("Set", mock.Anything, stored).Return(nil)

		rule, err := NewRuleResolver(store, cache, logger.Nop()).ResolveRule(ctx, "org-1", repository.WorkflowTypePaymentApproval)
		require.NoError(t, err)
		assert.Same(t, stored, rule)
		cache.AssertExpectations(t)
	})

	t.Run("cache errors fall through", func(t *testing.T) {
		store := &slowRuleStore{release: make(chan struct{}), rule: stored}
		close(store.release)
		cache := &mockRuleCache{}
		cache.On("Get", mock.Anything, "org-1", repository.WorkflowTypePaymentApproval).Return(nil, false, stderrors.New("redis down"))
		cache.On("Set", mock.Anything, stored).Return(stderrors.New("redis down"))

		rule, err := NewRuleResolver(store, cache, logger.Nop()).ResolveRule(ctx, "org-1", repository.WorkflowTypePaymentApproval)
		require.NoError(t, err)
		assert.Same(t, stored, rule)
		assert.EqualValues(t, 1, store.reads.Load())
	})
}
