// Package pipeline contains the core message processing components for the service.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-topic-service/pkg/topics"
)

// CommandTransformer is a dataflow Transformer that unmarshals and validates a
// raw message payload into a topics.Parsed command.
func CommandTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*topics.Parsed, bool, error) {
	var cmd topics.Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		// skip=true hands the message to the StreamingService's Nack/DLQ handling.
		return nil, true, fmt.Errorf("failed to unmarshal topic command from message %s: %w", msg.ID, err)
	}

	parsed, err := cmd.Parse()
	if err != nil {
		return nil, true, fmt.Errorf("invalid topic command in message %s: %w", msg.ID, err)
	}

	if parsed.ID == "" {
		parsed.ID = msg.ID
	}
	return parsed, false, nil
}
