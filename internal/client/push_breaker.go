package client

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
)

// BreakerConfig tunes a BreakerPush.
type BreakerConfig struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultBreakerConfig trips after half of at least five requests fail and
// probes again after thirty seconds.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:         name,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.5,
	}
}

// BreakerPush guards a PushChannel with a circuit breaker. While open,
// SendToUser fails fast with gobreaker.ErrOpenState.
type BreakerPush struct {
	next PushChannel
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerPush wraps next.
func NewBreakerPush(next PushChannel, cfg BreakerConfig, log zerolog.Logger) *BreakerPush {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		// A rejected user id says nothing about the channel's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidSubjectToken)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("channel", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Push circuit breaker state changed")
			metrics.PushBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	}
	return &BreakerPush{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// SendToUser forwards to the wrapped channel through the breaker.
func (b *BreakerPush) SendToUser(ctx context.Context, userID string, env Envelope) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.SendToUser(ctx, userID, env)
	})
	return err
}

// State reports the current breaker state.
func (b *BreakerPush) State() gobreaker.State {
	return b.cb.State()
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
