package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pesio-ai/be-plt-workflows/internal/common/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// EscalationPolicy decides what an overdue workflow triggers.
type EscalationPolicy string

// EscalationNotifyNextLevel sends an advisory escalation to the approvers of
// the level after the current one. Workflow state is never changed and no
// approval rows are created.
const EscalationNotifyNextLevel EscalationPolicy = "notify_next_level"

const (
	defaultEscalationInterval = time.Hour
	day                       = 24 * time.Hour
)

// EscalationConfig tunes the scheduler. A non-positive RatePerSecond leaves
// escalations unpaced.
type EscalationConfig struct {
	Interval      time.Duration
	RatePerSecond float64
	Burst         int
}

// EscalationScheduler periodically scans pending workflows and escalates the
// overdue ones. It does nothing until Start is called.
type EscalationScheduler struct {
	workflows WorkflowStore
	rules     *RuleResolver
	notifier  *Notifier
	clock     Clock
	interval  time.Duration
	limiter   *rate.Limiter
	log       *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEscalationScheduler creates a stopped scheduler.
func NewEscalationScheduler(
	workflows WorkflowStore,
	rules *RuleResolver,
	notifier *Notifier,
	clock Clock,
	cfg EscalationConfig,
	log *logger.Logger,
) *EscalationScheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultEscalationInterval
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &EscalationScheduler{
		workflows: workflows,
		rules:     rules,
		notifier:  notifier,
		clock:     clock,
		interval:  interval,
		limiter:   rate.NewLimiter(limit, burst),
		log:       log.Component("escalation_scheduler"),
	}
}

// Start runs CheckEscalations every interval until Stop is called or ctx is
// done. Calling Start on a running scheduler does nothing.
func (s *EscalationScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)

	s.log.Info().Dur("interval", s.interval).Msg("Escalation scheduler started")
}

// Stop cancels the loop and waits for an in-flight scan to return.
func (s *EscalationScheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info().Msg("Escalation scheduler stopped")
}

func (s *EscalationScheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckEscalations(ctx)
		}
	}
}

// CheckEscalations escalates every pending workflow whose age in whole days
// has reached its rule's EscalationDays, under EscalationNotifyNextLevel.
// Failures are logged per workflow and do not stop the scan.
func (s *EscalationScheduler) CheckEscalations(ctx context.Context) {
	pending, err := s.workflows.ListByStatus(ctx, repository.WorkflowStatusPending)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list pending workflows for escalation")
		return
	}

	now := s.clock.Now()
	escalated := 0
	for _, wf := range pending {
		if ctx.Err() != nil {
			return
		}
		ok, err := s.escalate(ctx, wf, now)
		if err != nil {
			metrics.EscalationFailures.Inc()
			s.log.Error().Err(err).
				Str("workflow_id", wf.ID).
				Str("organization_id", wf.OrganizationID).
				Msg("Failed to escalate workflow")
			continue
		}
		if ok {
			escalated++
		}
	}

	s.log.Info().
		Int("scanned", len(pending)).
		Int("escalated", escalated).
		Msg("Escalation check completed")
}

func (s *EscalationScheduler) escalate(ctx context.Context, wf *repository.Workflow, now time.Time) (escalated bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("escalation panicked: %v", r)
		}
	}()

	rule, err := s.rules.ResolveRule(ctx, wf.OrganizationID, wf.Type)
	if err != nil {
		return false, err
	}
	if rule.EscalationDays < 0 {
		return false, nil
	}

	ageDays := int(now.Sub(wf.CreatedAt) / day)
	if ageDays < rule.EscalationDays {
		return false, nil
	}

	next, ok := rule.Level(wf.CurrentLevel + 1)
	if !ok {
		return false, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}

	if err := s.notifier.NotifyAll(ctx, next.Approvers, NotifyRequest{
		WorkflowID:     wf.ID,
		Type:           repository.NotificationEscalation,
		Title:          "Approval escalated",
		Message:        fmt.Sprintf("A %s request has been waiting %d days at level %d.", humanType(wf.Type), ageDays, wf.CurrentLevel),
		ActionRequired: false,
		ActionURL:      workflowURL(wf.ID),
	}); err != nil {
		return false, err
	}
	for _, approverID := range next.Approvers {
		s.notifier.PushAlert(ctx, approverID, map[string]any{
			"workflowId":   wf.ID,
			"policy":       string(EscalationNotifyNextLevel),
			"currentLevel": wf.CurrentLevel,
			"ageDays":      ageDays,
		})
	}

	metrics.Escalations.Inc()
	s.log.Info().
		Str("workflow_id", wf.ID).
		Int("age_days", ageDays).
		Int("notified_level", wf.CurrentLevel+1).
		Msg("Workflow escalated")
	return true, nil
}
