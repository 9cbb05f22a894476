package client

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// FanoutPush delivers each envelope on every configured channel
// concurrently. A failure on one channel does not stop the others; the
// failures are joined into the returned error.
type FanoutPush struct {
	channels []PushChannel
}

// NewFanoutPush combines channels. Nil entries are skipped.
func NewFanoutPush(channels ...PushChannel) *FanoutPush {
	f := &FanoutPush{}
	for _, ch := range channels {
		if ch != nil {
			f.channels = append(f.channels, ch)
		}
	}
	return f
}

// SendToUser implements PushChannel.
func (f *FanoutPush) SendToUser(ctx context.Context, userID string, env Envelope) error {
	errs := make([]error, len(f.channels))
	var g errgroup.Group
	for i, ch := range f.channels {
		g.Go(func() error {
			errs[i] = ch.SendToUser(ctx, userID, env)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Len returns the number of channels.
func (f *FanoutPush) Len() int {
	return len(f.channels)
}
