package instanceid

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// TokenOutcome is the per-token result of UnsubscribeFromAllTopics.
type TokenOutcome struct {
	// Topics holds every topic the instance was subscribed to, with each
	// topic's unsubscribe outcome.
	Topics Outcomes
	// Err is set when the instance lookup itself failed.
	Err *MessagingError
}

// Unsubscribed returns the topics the token was successfully removed from.
func (t TokenOutcome) Unsubscribed() []string {
	if t.Topics == nil {
		return nil
	}
	return t.Topics.Succeeded()
}

// UnsubscribeFromAllTopics looks up each token's instance and removes it from
// every topic the instance reports. Tokens are processed concurrently.
func (c *Client) UnsubscribeFromAllTopics(ctx context.Context, tokens RegistrationTokens) map[string]TokenOutcome {
	var (
		mu      sync.Mutex
		g       errgroup.Group
		results = make(map[string]TokenOutcome, tokens.Len())
	)

	for _, token := range tokens.Tokens() {
		future := c.GetInstanceAsync(ctx, token)
		g.Go(func() error {
			outcome := c.unsubscribeInstance(ctx, token, future)
			mu.Lock()
			results[token.value] = outcome
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Client) unsubscribeInstance(ctx context.Context, token RegistrationToken, future *InstanceFuture) TokenOutcome {
	instance, err := future.Wait(ctx)
	if err != nil {
		return TokenOutcome{Err: c.classify(err)}
	}

	topics := instance.Topics()
	if len(topics) == 0 {
		return TokenOutcome{Topics: Outcomes{}}
	}

	single := RegistrationTokens{tokens: []RegistrationToken{token}}
	return TokenOutcome{Topics: c.UnsubscribeMany(ctx, topics, single)}
}
