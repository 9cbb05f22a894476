package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
)

// Publisher is the subset of the NATS client used for push delivery.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSPush publishes push envelopes to NATS so that every gateway instance
// holding a user's connections can forward them.
//
// Subject convention: <prefix>.<userId>
type NATSPush struct {
	nats   Publisher
	prefix string
	log    zerolog.Logger
}

// NewNATSPush creates a push channel backed by the given NATS publisher.
func NewNATSPush(nats Publisher, subjectPrefix string, log zerolog.Logger) *NATSPush {
	return &NATSPush{nats: nats, prefix: subjectPrefix, log: log}
}

// ErrInvalidSubjectToken is returned for user ids that cannot be used as a
// single NATS subject token.
var ErrInvalidSubjectToken = errors.New("user id is not a valid subject token")

// Subject returns the subject a user's envelopes are published on. The user
// id must be one token: non-empty, without '.', '*', '>' or whitespace.
func (p *NATSPush) Subject(userID string) (string, error) {
	if userID == "" || strings.ContainsAny(userID, ".*>") || strings.IndexFunc(userID, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidSubjectToken, userID)
	}
	return p.prefix + "." + userID, nil
}

// SendToUser publishes env on the user's subject.
func (p *NATSPush) SendToUser(ctx context.Context, userID string, env Envelope) error {
	subject, err := p.Subject(userID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal push envelope: %w", err)
	}

	if err := p.nats.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("envelope_type", env.Type).
		Msg("push: envelope published")
	return nil
}
