// Package instanceid is a client for the Firebase Instance ID (IID) REST API:
// topic subscription management for registration tokens and instance lookups.
package instanceid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultBaseURL      = "https://iid.googleapis.com"
	DefaultInstancePath = "/iid/"

	batchAddPath    = "/iid/v1:batchAdd"
	batchRemovePath = "/iid/v1:batchRemove"
)

// Doer is the HTTP transport. *http.Client satisfies it; credentials are the
// transport's concern (see NewAuthorizedHTTPClient).
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	BaseURL string
	// InstancePath prefixes the token on lookups. Defaults to DefaultInstancePath.
	InstancePath string
}

// Client issues IID requests. It holds no mutable state and is safe for
// concurrent use.
type Client struct {
	doer         Doer
	baseURL      string
	instancePath string
	classifier   Classifier
	logger       *slog.Logger
}

// NewClient builds a client. A nil classifier selects DefaultClassifier and a
// nil logger selects slog.Default().
func NewClient(cfg Config, doer Doer, classifier Classifier, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if doer == nil {
		doer = http.DefaultClient
	}
	if classifier == nil {
		classifier = DefaultClassifier{}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	instancePath := cfg.InstancePath
	if instancePath == "" {
		instancePath = DefaultInstancePath
	}
	if !strings.HasSuffix(instancePath, "/") {
		instancePath += "/"
	}

	return &Client{
		doer:         doer,
		baseURL:      baseURL,
		instancePath: instancePath,
		classifier:   classifier,
		logger:       logger.With("component", "InstanceAPIClient"),
	}
}

type batchRequest struct {
	To                 string   `json:"to"`
	RegistrationTokens []string `json:"registration_tokens"`
}

// Subscribe adds the tokens to a single topic.
func (c *Client) Subscribe(ctx context.Context, topic Topic, tokens RegistrationTokens) (*Response, error) {
	return c.batchOne(ctx, batchAddPath, topic, tokens)
}

// Unsubscribe removes the tokens from a single topic.
func (c *Client) Unsubscribe(ctx context.Context, topic Topic, tokens RegistrationTokens) (*Response, error) {
	return c.batchOne(ctx, batchRemovePath, topic, tokens)
}

// SubscribeMany issues one batchAdd per topic concurrently and waits for all
// of them. Per-topic failures are returned as Failure outcomes, never as an error.
func (c *Client) SubscribeMany(ctx context.Context, topics []Topic, tokens RegistrationTokens) Outcomes {
	return c.batchMany(ctx, batchAddPath, topics, tokens)
}

// UnsubscribeMany is SubscribeMany against batchRemove.
func (c *Client) UnsubscribeMany(ctx context.Context, topics []Topic, tokens RegistrationTokens) Outcomes {
	return c.batchMany(ctx, batchRemovePath, topics, tokens)
}

// GetInstance fetches the raw details=true lookup for a token.
func (c *Client) GetInstance(ctx context.Context, token RegistrationToken) (*Response, error) {
	if token.value == "" {
		return nil, invalidArgument("registration token must not be empty")
	}
	resp, err := c.execute(ctx, http.MethodGet, c.instanceEndpoint(token), nil)
	if err != nil {
		return nil, c.classify(err)
	}
	return resp, nil
}

// GetInstanceAsync starts the lookup and returns without blocking.
func (c *Client) GetInstanceAsync(ctx context.Context, token RegistrationToken) *InstanceFuture {
	f := newInstanceFuture()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Instance lookup settled in an unexpected state", "panic", r)
				f.resolve(nil, internalError(fmt.Sprintf("unexpected settlement state: %v", r), nil))
			}
		}()

		resp, err := c.GetInstance(ctx, token)
		if err != nil {
			f.resolve(nil, c.classify(err))
			return
		}
		data, err := resp.Decode()
		if err != nil {
			f.resolve(nil, c.classify(err))
			return
		}
		f.resolve(NewAppInstance(token, data), nil)
	}()
	return f
}

func (c *Client) batchOne(ctx context.Context, path string, topic Topic, tokens RegistrationTokens) (*Response, error) {
	if err := validateBatch(topic, tokens); err != nil {
		return nil, err
	}
	resp, err := c.execute(ctx, http.MethodPost, path, batchRequest{
		To:                 topic.Address(),
		RegistrationTokens: tokens.Strings(),
	})
	if err != nil {
		return nil, c.classify(err)
	}
	return resp, nil
}

func (c *Client) batchMany(ctx context.Context, path string, topics []Topic, tokens RegistrationTokens) Outcomes {
	unique := distinctTopics(topics)
	settled := make([]*Outcome, len(unique))

	// Plain Group: one topic failing must not cancel its siblings.
	var g errgroup.Group
	for i, topic := range unique {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("Batch request settled in an unexpected state", "topic", topic.name, "panic", r)
				}
			}()
			outcome := c.settle(ctx, path, topic, tokens)
			settled[i] = &outcome
			return nil
		})
	}
	_ = g.Wait()

	results := make(Outcomes, len(unique))
	for i, topic := range unique {
		if settled[i] == nil {
			results[topic.name] = Failure(internalError("unexpected settlement state", nil))
			continue
		}
		results[topic.name] = *settled[i]
	}
	return results
}

func (c *Client) settle(ctx context.Context, path string, topic Topic, tokens RegistrationTokens) Outcome {
	resp, err := c.batchOne(ctx, path, topic, tokens)
	if err != nil {
		me := c.classify(err)
		c.logger.Warn("Topic request failed", "topic", topic.name, "path", path, "kind", me.Kind, "status", me.StatusCode)
		return Failure(me)
	}
	payload, err := resp.Decode()
	if err != nil {
		return Failure(c.classify(err))
	}
	return Success(payload, resp)
}

// execute performs one exchange. Non-2xx statuses come back as *HTTPError.
func (c *Client) execute(ctx context.Context, method, endpoint string, body any) (*Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, internalError("failed to encode request body", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, internalError("failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Issuing IID request", "method", method, "endpoint", endpoint)
	httpResp, err := c.doer.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: raw}
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: raw}, nil
}

func (c *Client) classify(err error) *MessagingError {
	if me := c.classifier.Classify(err); me != nil {
		return me
	}
	return internalError("classifier returned no error", err)
}

func (c *Client) instanceEndpoint(token RegistrationToken) string {
	return c.instancePath + url.PathEscape(token.value) + "?details=true"
}

func validateBatch(topic Topic, tokens RegistrationTokens) *MessagingError {
	if topic.name == "" {
		return invalidArgument("topic must not be empty")
	}
	if tokens.IsEmpty() {
		return invalidArgument("at least one registration token is required")
	}
	return nil
}

func distinctTopics(topics []Topic) []Topic {
	seen := make(map[string]struct{}, len(topics))
	out := make([]Topic, 0, len(topics))
	for _, t := range topics {
		if _, ok := seen[t.name]; ok {
			continue
		}
		seen[t.name] = struct{}{}
		out = append(out, t)
	}
	return out
}
