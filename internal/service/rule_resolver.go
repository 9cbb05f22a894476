package service

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/common/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// ruleLookupTimeout bounds a shared store read. The read is detached from
// the first caller's context so its cancellation does not fail the waiters.
const ruleLookupTimeout = 10 * time.Second

// RuleResolver looks up the active rule governing a workflow type within an
// organization. Concurrent lookups for the same key share one store read.
type RuleResolver struct {
	store RuleStore
	cache RuleCache // optional
	group singleflight.Group
	log   *logger.Logger
}

// NewRuleResolver creates a RuleResolver. cache may be nil.
func NewRuleResolver(store RuleStore, cache RuleCache, log *logger.Logger) *RuleResolver {
	return &RuleResolver{
		store: store,
		cache: cache,
		log:   log.Component("rule_resolver"),
	}
}

// ResolveRule returns the active rule, or ErrNoActiveRule when none exists.
// An active rule that fails validation is reported as an internal error.
func (r *RuleResolver) ResolveRule(ctx context.Context, organizationID string, wfType repository.WorkflowType) (*repository.WorkflowRule, error) {
	if rule := r.fromCache(ctx, organizationID, wfType); rule != nil {
		return rule, nil
	}

	key := organizationID + "/" + string(wfType)
	v, err, _ := r.group.Do(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ruleLookupTimeout)
		defer cancel()

		rule, err := r.store.GetActiveRule(ctx, organizationID, wfType)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeNotFound) {
				return nil, ErrNoActiveRule.WithMessage(
					"no active %s rule for organization %s", wfType, organizationID)
			}
			return nil, err
		}
		if err := rule.Validate(); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "active workflow rule is invalid")
		}
		if repeated := rule.RepeatedApprovers(); len(repeated) > 0 {
			r.log.Warn().
				Str("rule_id", rule.ID).
				Str("approvers", strings.Join(repeated, ",")).
				Msg("Approvers listed on several levels only act on their first level")
		}

		if r.cache != nil {
			if err := r.cache.Set(ctx, rule); err != nil {
				r.log.Warn().Err(err).Str("rule_key", key).Msg("Failed to cache workflow rule")
			}
		}
		return rule, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*repository.WorkflowRule), nil
}

func (r *RuleResolver) fromCache(ctx context.Context, organizationID string, wfType repository.WorkflowType) *repository.WorkflowRule {
	if r.cache == nil {
		return nil
	}
	rule, ok, err := r.cache.Get(ctx, organizationID, wfType)
	switch {
	case err != nil:
		metrics.RuleCacheLookups.WithLabelValues("error").Inc()
		r.log.Warn().Err(err).
			Str("organization_id", organizationID).
			Str("type", string(wfType)).
			Msg("Rule cache lookup failed; reading store")
		return nil
	case !ok:
		metrics.RuleCacheLookups.WithLabelValues("miss").Inc()
		return nil
	}
	if err := rule.Validate(); err != nil {
		metrics.RuleCacheLookups.WithLabelValues("invalid").Inc()
		return nil
	}
	metrics.RuleCacheLookups.WithLabelValues("hit").Inc()
	return rule
}
