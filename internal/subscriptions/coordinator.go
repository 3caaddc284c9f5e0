// Package subscriptions applies topic membership changes through the IID API
// and mirrors the successful ones into the subscription ledger.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-topic-service/pkg/instanceid"
	"github.com/tinywideclouds/go-topic-service/pkg/topics"
)

// Coordinator is shared by the HTTP API and the command pipeline.
type Coordinator struct {
	manager topics.Manager
	store   topics.SubscriptionStore
	logger  *slog.Logger
}

func NewCoordinator(manager topics.Manager, store topics.SubscriptionStore, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		manager: manager,
		store:   store,
		logger:  logger.With("component", "SubscriptionCoordinator"),
	}
}

// Subscribe fans out one batchAdd per topic. The returned Outcomes always hold
// every topic; the error is non-nil only when the ledger could not be updated.
func (c *Coordinator) Subscribe(ctx context.Context, actor urn.URN, ts []instanceid.Topic, tokens instanceid.RegistrationTokens) (instanceid.Outcomes, error) {
	outcomes := c.manager.SubscribeMany(ctx, ts, tokens)
	c.logOutcomes("subscribe", outcomes)

	var errs []error
	for _, topic := range outcomes.Succeeded() {
		if err := c.store.RecordSubscribed(ctx, actor, topic, tokens.Strings()); err != nil {
			errs = append(errs, fmt.Errorf("ledger subscribe %s: %w", topic, err))
		}
	}
	return outcomes, errors.Join(errs...)
}

// Unsubscribe is Subscribe against batchRemove.
func (c *Coordinator) Unsubscribe(ctx context.Context, ts []instanceid.Topic, tokens instanceid.RegistrationTokens) (instanceid.Outcomes, error) {
	outcomes := c.manager.UnsubscribeMany(ctx, ts, tokens)
	c.logOutcomes("unsubscribe", outcomes)

	var errs []error
	for _, topic := range outcomes.Succeeded() {
		if err := c.store.RecordUnsubscribed(ctx, topic, tokens.Strings()); err != nil {
			errs = append(errs, fmt.Errorf("ledger unsubscribe %s: %w", topic, err))
		}
	}
	return outcomes, errors.Join(errs...)
}

// UnsubscribeAll removes every token from every topic its instance reports.
func (c *Coordinator) UnsubscribeAll(ctx context.Context, tokens instanceid.RegistrationTokens) (map[string]instanceid.TokenOutcome, error) {
	results := c.manager.UnsubscribeFromAllTopics(ctx, tokens)

	var errs []error
	for token, result := range results {
		if result.Err != nil {
			c.logger.Warn("Instance lookup failed", "kind", result.Err.Kind, "status", result.Err.StatusCode)
			continue
		}
		for _, topic := range result.Unsubscribed() {
			if err := c.store.RecordUnsubscribed(ctx, topic, []string{token}); err != nil {
				errs = append(errs, fmt.Errorf("ledger unsubscribe %s: %w", topic, err))
			}
		}
	}
	return results, errors.Join(errs...)
}

// Lookup resolves the instance metadata for a single token.
func (c *Coordinator) Lookup(ctx context.Context, token instanceid.RegistrationToken) (*instanceid.AppInstance, error) {
	return c.manager.GetInstanceAsync(ctx, token).Wait(ctx)
}

// RecordedTopics reads the ledger for a token.
func (c *Coordinator) RecordedTopics(ctx context.Context, token string) ([]string, error) {
	return c.store.Topics(ctx, token)
}

func (c *Coordinator) logOutcomes(op string, outcomes instanceid.Outcomes) {
	failed := outcomes.Failed()
	if len(failed) == 0 {
		c.logger.Debug("Topic batch settled", "op", op, "topics", len(outcomes))
		return
	}
	for _, topic := range failed {
		me := outcomes[topic].Err()
		c.logger.Warn("Topic batch entry failed", "op", op, "topic", topic, "kind", me.Kind, "reason", me.Reason)
	}
	c.logger.Info("Topic batch settled with failures", "op", op, "topics", len(outcomes), "failed", len(failed))
}
