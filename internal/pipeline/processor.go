package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-topic-service/internal/subscriptions"
	"github.com/tinywideclouds/go-topic-service/pkg/topics"
)

// NewProcessor applies each command through the coordinator.
// Per-topic IID failures are terminal and the message is acked; only ledger
// write failures are returned, so Pub/Sub redelivers the command.
func NewProcessor(
	coordinator *subscriptions.Coordinator,
	systemActor urn.URN, // Recorded when a command names no requester
	logger *slog.Logger,
) messagepipeline.StreamProcessor[topics.Parsed] {

	return func(ctx context.Context, original messagepipeline.Message, cmd *topics.Parsed) error {
		procLogger := logger.With(
			"command_id", cmd.ID,
			"action", string(cmd.Action),
			"pubsub_msg_id", original.ID,
		)

		actor := systemActor
		if cmd.Actor != nil {
			actor = *cmd.Actor
		}

		switch cmd.Action {
		case topics.ActionSubscribe:
			outcomes, err := coordinator.Subscribe(ctx, actor, cmd.Topics, cmd.Tokens)
			if err != nil {
				procLogger.Error("Failed to record subscriptions", "err", err)
				return err
			}
			procLogger.Info("Subscribe command applied", "succeeded", len(outcomes.Succeeded()), "failed", len(outcomes.Failed()))

		case topics.ActionUnsubscribe:
			outcomes, err := coordinator.Unsubscribe(ctx, cmd.Topics, cmd.Tokens)
			if err != nil {
				procLogger.Error("Failed to record unsubscriptions", "err", err)
				return err
			}
			procLogger.Info("Unsubscribe command applied", "succeeded", len(outcomes.Succeeded()), "failed", len(outcomes.Failed()))

		case topics.ActionUnsubscribeAll:
			results, err := coordinator.UnsubscribeAll(ctx, cmd.Tokens)
			if err != nil {
				procLogger.Error("Failed to record unsubscriptions", "err", err)
				return err
			}
			lookupFailures := 0
			for _, r := range results {
				if r.Err != nil {
					lookupFailures++
				}
			}
			procLogger.Info("Unsubscribe-all command applied", "tokens", len(results), "lookup_failures", lookupFailures)

		default:
			// The transformer rejects unknown actions; reaching here is a programming error.
			return fmt.Errorf("unsupported action %q", cmd.Action)
		}

		return nil
	}
}
