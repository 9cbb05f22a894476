package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/common/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
	"github.com/pesio-ai/be-plt-workflows/internal/repository/memory"
)

var epoch = time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{now: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = at
}

// recordingPush keeps every envelope it is asked to send.
type recordingPush struct {
	mu   sync.Mutex
	sent []client.Envelope
}

func (p *recordingPush) SendToUser(_ context.Context, _ string, env client.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, env)
	return nil
}

func (p *recordingPush) ofType(envType, userID string) []client.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []client.Envelope
	for _, env := range p.sent {
		if env.Type == envType && env.UserID == userID {
			out = append(out, env)
		}
	}
	return out
}

type mockPush struct {
	mock.Mock
}

func (m *mockPush) SendToUser(ctx context.Context, userID string, env client.Envelope) error {
	args := m.Called(ctx, userID, env)
	return args.Error(0)
}

type fixture struct {
	store     *memory.Store
	clock     *fakeClock
	push      *recordingPush
	resolver  *RuleResolver
	notifier  *Notifier
	svc       *WorkflowService
	scheduler *EscalationScheduler
}

func newFixture(t *testing.T, rules ...*repository.WorkflowRule) *fixture {
	t.Helper()

	store := memory.New()
	for _, rule := range rules {
		require.NoError(t, store.Rules().ReplaceActive(context.Background(), rule))
	}

	clock := newFakeClock(epoch)
	push := &recordingPush{}
	log := logger.Nop()

	resolver := NewRuleResolver(store.Rules(), nil, log)
	notifier := NewNotifier(store.Notifications(), push, clock, log)
	ledger := NewApprovalLedger(store.Approvals(), clock)
	svc := NewWorkflowService(resolver, store.Workflows(), ledger, notifier, clock, log)
	scheduler := NewEscalationScheduler(store.Workflows(), resolver, notifier, clock, EscalationConfig{}, log)

	return &fixture{
		store:     store,
		clock:     clock,
		push:      push,
		resolver:  resolver,
		notifier:  notifier,
		svc:       svc,
		scheduler: scheduler,
	}
}

func ptr[T any](v T) *T { return &v }

func paymentRule(levels ...repository.ApprovalLevel) *repository.WorkflowRule {
	return &repository.WorkflowRule{
		OrganizationID:   "org-1",
		Type:             repository.WorkflowTypePaymentApproval,
		Name:             "Payments",
		ApprovalMatrix:   levels,
		AutoApproveBelow: ptr(1000.0),
		EscalationDays:   2,
	}
}

func level(required int, approvers ...string) repository.ApprovalLevel {
	return repository.ApprovalLevel{Approvers: approvers, Required: required}
}

func paymentRequest(amount any) CreateWorkflowRequest {
	return CreateWorkflowRequest{
		Type:           repository.WorkflowTypePaymentApproval,
		EntityID:       "pay-1",
		EntityType:     "payment",
		OrganizationID: "org-1",
		InitiatorID:    "init",
		Data:           map[string]any{"amount": amount},
	}
}

func (f *fixture) notifications(t *testing.T, recipient string) []*repository.WorkflowNotification {
	t.Helper()
	out, err := f.store.Notifications().ListForRecipient(context.Background(), recipient, false)
	require.NoError(t, err)
	return out
}

func (f *fixture) notificationsOfType(t *testing.T, recipient string, nType repository.NotificationType) []*repository.WorkflowNotification {
	t.Helper()
	var out []*repository.WorkflowNotification
	for _, n := range f.notifications(t, recipient) {
		if n.Type == nType {
			out = append(out, n)
		}
	}
	return out
}

func (f *fixture) approvals(t *testing.T, workflowID string) []*repository.WorkflowApproval {
	t.Helper()
	out, err := f.store.Approvals().ListByWorkflow(context.Background(), workflowID)
	require.NoError(t, err)
	return out
}
