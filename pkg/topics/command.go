package topics

import (
	"errors"
	"fmt"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-topic-service/pkg/instanceid"
)

type Action string

const (
	ActionSubscribe      Action = "subscribe"
	ActionUnsubscribe    Action = "unsubscribe"
	ActionUnsubscribeAll Action = "unsubscribe_all"
)

// Command is the asynchronous request format consumed from Pub/Sub.
type Command struct {
	ID          string   `json:"id,omitempty"`
	Action      Action   `json:"action"`
	Topics      []string `json:"topics,omitempty"`
	Tokens      []string `json:"tokens"`
	RequestedBy string   `json:"requested_by,omitempty"`
}

// Parsed is a Command whose fields have been converted to domain types.
type Parsed struct {
	ID     string
	Action Action
	Topics []instanceid.Topic
	Tokens instanceid.RegistrationTokens
	// Actor is nil when the command did not name one.
	Actor *urn.URN
}

// Parse validates the command and converts it to domain types.
func (c Command) Parse() (*Parsed, error) {
	tokens, err := instanceid.NewRegistrationTokens(c.Tokens...)
	if err != nil {
		return nil, fmt.Errorf("invalid tokens: %w", err)
	}

	p := &Parsed{ID: c.ID, Action: c.Action, Tokens: tokens}

	switch c.Action {
	case ActionSubscribe, ActionUnsubscribe:
		if len(c.Topics) == 0 {
			return nil, fmt.Errorf("action %q requires at least one topic", c.Action)
		}
		p.Topics, err = instanceid.NewTopics(c.Topics...)
		if err != nil {
			return nil, fmt.Errorf("invalid topics: %w", err)
		}
	case ActionUnsubscribeAll:
		if len(c.Topics) != 0 {
			return nil, errors.New("unsubscribe_all does not take topics")
		}
	default:
		return nil, fmt.Errorf("unknown action %q", c.Action)
	}

	if c.RequestedBy != "" {
		actor, err := urn.Parse(c.RequestedBy)
		if err != nil {
			return nil, fmt.Errorf("invalid requested_by: %w", err)
		}
		p.Actor = &actor
	}
	return p, nil
}
