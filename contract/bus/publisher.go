package bus

import "context"

// PubSub abstracts ephemeral channel-style publish/subscribe (not a durable log).
type PubSub interface {
	Publish(ctx context.Context, channel string, message []byte) error
	// PSubscribe delivers every message whose channel matches the glob pattern.
	// The subscription is active when PSubscribe returns.
	PSubscribe(ctx context.Context, pattern string, handler func(channel string, message []byte)) (Subscription, error)
}

// Subscription is an active pattern subscription.
type Subscription interface {
	Close() error
}
