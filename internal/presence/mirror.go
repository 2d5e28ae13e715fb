package presence

import (
	"context"
	"errors"
)

// Mirror publishes to primary and copies every envelope to secondary.
// Subscriptions come from primary only; a failed copy is reported through
// onError and never fails the publish.
type Mirror struct {
	primary   Broadcaster
	secondary Broadcaster
	onError   func(Envelope, error)
}

func NewMirror(primary, secondary Broadcaster, onError func(Envelope, error)) *Mirror {
	return &Mirror{primary: primary, secondary: secondary, onError: onError}
}

func (m *Mirror) Publish(ctx context.Context, env Envelope) error {
	if err := m.primary.Publish(ctx, env); err != nil {
		return err
	}
	if err := m.secondary.Publish(ctx, env); err != nil && m.onError != nil {
		m.onError(env, err)
	}
	return nil
}

func (m *Mirror) Subscribe(ctx context.Context, noteID string) (Subscription, error) {
	return m.primary.Subscribe(ctx, noteID)
}

func (m *Mirror) Close() error {
	return errors.Join(m.primary.Close(), m.secondary.Close())
}
