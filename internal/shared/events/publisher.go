package events

import "context"

// Publisher ships event envelopes to a broker. Publishing is best-effort for
// the bridge: callers log failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Envelope) error
	Close() error
}

// NoopPublisher is used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Envelope) error { return nil }
func (NoopPublisher) Close() error                            { return nil }
