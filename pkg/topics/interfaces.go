// Package topics contains the public contracts the topic service is built from.
package topics

import (
	"context"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-topic-service/pkg/instanceid"
)

// Manager is the subset of the instanceid.Client the service depends on.
// *instanceid.Client satisfies it.
type Manager interface {
	SubscribeMany(ctx context.Context, topics []instanceid.Topic, tokens instanceid.RegistrationTokens) instanceid.Outcomes
	UnsubscribeMany(ctx context.Context, topics []instanceid.Topic, tokens instanceid.RegistrationTokens) instanceid.Outcomes
	GetInstanceAsync(ctx context.Context, token instanceid.RegistrationToken) *instanceid.InstanceFuture
	UnsubscribeFromAllTopics(ctx context.Context, tokens instanceid.RegistrationTokens) map[string]instanceid.TokenOutcome
}

// SubscriptionStore is the service's ledger of which tokens it has
// successfully placed on which topics.
type SubscriptionStore interface {
	// RecordSubscribed upserts a membership row for every token.
	RecordSubscribed(ctx context.Context, actor urn.URN, topic string, tokens []string) error

	// RecordUnsubscribed removes the membership rows. Missing rows are not an error.
	RecordUnsubscribed(ctx context.Context, topic string, tokens []string) error

	// Topics lists the topics recorded for a token, sorted by name.
	Topics(ctx context.Context, token string) ([]string, error)
}

// BroadcastMessage is the content pushed to every subscriber of a topic.
type BroadcastMessage struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Broadcaster sends a message to all devices subscribed to a topic.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic instanceid.Topic, msg BroadcastMessage) (string, error)
}
