package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-topic-service/internal/api"
	"github.com/tinywideclouds/go-topic-service/internal/subscriptions"
	"github.com/tinywideclouds/go-topic-service/pkg/instanceid"
	"github.com/tinywideclouds/go-topic-service/pkg/topics"
)

// --- Mocks ---

type mockManager struct {
	mock.Mock
}

func (m *mockManager) SubscribeMany(ctx context.Context, ts []instanceid.Topic, tokens instanceid.RegistrationTokens) instanceid.Outcomes {
	return m.Called(ctx, ts, tokens).Get(0).(instanceid.Outcomes)
}
func (m *mockManager) UnsubscribeMany(ctx context.Context, ts []instanceid.Topic, tokens instanceid.RegistrationTokens) instanceid.Outcomes {
	return m.Called(ctx, ts, tokens).Get(0).(instanceid.Outcomes)
}
func (m *mockManager) GetInstanceAsync(ctx context.Context, token instanceid.RegistrationToken) *instanceid.InstanceFuture {
	return m.Called(ctx, token).Get(0).(*instanceid.InstanceFuture)
}
func (m *mockManager) UnsubscribeFromAllTopics(ctx context.Context, tokens instanceid.RegistrationTokens) map[string]instanceid.TokenOutcome {
	return m.Called(ctx, tokens).Get(0).(map[string]instanceid.TokenOutcome)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) RecordSubscribed(ctx context.Context, actor urn.URN, topic string, tokens []string) error {
	return m.Called(ctx, actor, topic, tokens).Error(0)
}
func (m *mockStore) RecordUnsubscribed(ctx context.Context, topic string, tokens []string) error {
	return m.Called(ctx, topic, tokens).Error(0)
}
func (m *mockStore) Topics(ctx context.Context, token string) ([]string, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type mockBroadcaster struct {
	mock.Mock
}

func (m *mockBroadcaster) Broadcast(ctx context.Context, topic instanceid.Topic, msg topics.BroadcastMessage) (string, error) {
	args := m.Called(ctx, topic, msg)
	return args.String(0), args.Error(1)
}

// --- Setup ---

type fixture struct {
	api         *api.TopicAPI
	manager     *mockManager
	store       *mockStore
	broadcaster *mockBroadcaster
}

func setupAPI(t *testing.T) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := fixture{
		manager:     new(mockManager),
		store:       new(mockStore),
		broadcaster: new(mockBroadcaster),
	}
	coordinator := subscriptions.NewCoordinator(f.manager, f.store, logger)
	f.api = api.NewTopicAPI(coordinator, f.broadcaster, logger)
	return f
}

// withUser mirrors the JWT middleware for a token carrying a handle claim.
func withUser(req *http.Request, handle string) *http.Request {
	ctx := middleware.ContextWithUser(req.Context(), "user-id-123", handle, "")
	return req.WithContext(ctx)
}

// withUserIDOnly mirrors the JWT middleware for a token without a handle claim.
func withUserIDOnly(req *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithUserID(req.Context(), userID)
	return req.WithContext(ctx)
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(body)
}

// --- Tests ---

func TestSubscribe(t *testing.T) {
	targetURN, _ := urn.Parse("urn:sm:user:123")

	t.Run("Success - per topic results", func(t *testing.T) {
		f := setupAPI(t)
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/topics/subscribe", jsonBody(t, api.MembershipRequest{
			Topics: []string{"news", "sports"},
			Tokens: []string{"tokA"},
		})), targetURN.String())
		w := httptest.NewRecorder()

		f.manager.On("SubscribeMany", mock.Anything, mock.Anything, mock.Anything).Return(instanceid.Outcomes{
			"news":   instanceid.Success(map[string]any{"results": []any{map[string]any{}}}, nil),
			"sports": instanceid.Failure(&instanceid.MessagingError{Kind: instanceid.KindInvalidArgument, StatusCode: 400, Message: "bad"}),
		})
		f.store.On("RecordSubscribed", mock.Anything, targetURN, "news", []string{"tokA"}).Return(nil)

		f.api.Subscribe(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp api.MembershipResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.LedgerSynced)
		assert.True(t, resp.Results["news"].OK)
		assert.False(t, resp.Results["sports"].OK)
		assert.Equal(t, instanceid.KindInvalidArgument, resp.Results["sports"].Error.Kind)
		f.store.AssertExpectations(t)
	})

	t.Run("Ledger failure is surfaced in the body", func(t *testing.T) {
		f := setupAPI(t)
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/topics/subscribe", jsonBody(t, api.MembershipRequest{
			Topics: []string{"news"},
			Tokens: []string{"tokA"},
		})), targetURN.String())
		w := httptest.NewRecorder()

		f.manager.On("SubscribeMany", mock.Anything, mock.Anything, mock.Anything).Return(instanceid.Outcomes{
			"news": instanceid.Success(nil, nil),
		})
		f.store.On("RecordSubscribed", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(assert.AnError)

		f.api.Subscribe(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var resp api.MembershipResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.False(t, resp.LedgerSynced)
	})

	t.Run("Rejects Invalid Topic", func(t *testing.T) {
		f := setupAPI(t)
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/topics/subscribe", jsonBody(t, api.MembershipRequest{
			Topics: []string{"not valid"},
			Tokens: []string{"tokA"},
		})), targetURN.String())
		w := httptest.NewRecorder()

		f.api.Subscribe(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		f.manager.AssertNotCalled(t, "SubscribeMany", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Rejects Empty Tokens", func(t *testing.T) {
		f := setupAPI(t)
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/topics/subscribe", jsonBody(t, api.MembershipRequest{
			Topics: []string{"news"},
		})), targetURN.String())
		w := httptest.NewRecorder()

		f.api.Subscribe(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Actor falls back to the user ID", func(t *testing.T) {
		f := setupAPI(t)
		req := withUserIDOnly(httptest.NewRequest(http.MethodPost, "/api/v1/topics/subscribe", jsonBody(t, api.MembershipRequest{
			Topics: []string{"news"},
			Tokens: []string{"tokA"},
		})), targetURN.String())
		w := httptest.NewRecorder()

		f.manager.On("SubscribeMany", mock.Anything, mock.Anything, mock.Anything).Return(instanceid.Outcomes{
			"news": instanceid.Success(nil, nil),
		})
		f.store.On("RecordSubscribed", mock.Anything, targetURN, "news", []string{"tokA"}).Return(nil)

		f.api.Subscribe(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		f.store.AssertExpectations(t)
	})

	t.Run("Rejects Anonymous", func(t *testing.T) {
		f := setupAPI(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/topics/subscribe", bytes.NewReader([]byte(`{}`)))
		w := httptest.NewRecorder()

		f.api.Subscribe(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestUnsubscribeAll(t *testing.T) {
	targetURN, _ := urn.Parse("urn:sm:user:123")
	f := setupAPI(t)
	req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/instances/unsubscribe-all", jsonBody(t, api.TokensRequest{
		Tokens: []string{"tokA", "tokB"},
	})), targetURN.String())
	w := httptest.NewRecorder()

	f.manager.On("UnsubscribeFromAllTopics", mock.Anything, mock.Anything).Return(map[string]instanceid.TokenOutcome{
		"tokA": {Topics: instanceid.Outcomes{"news": instanceid.Success(nil, nil)}},
		"tokB": {Err: &instanceid.MessagingError{Kind: instanceid.KindNotFound, StatusCode: 404}},
	})
	f.store.On("RecordUnsubscribed", mock.Anything, "news", []string{"tokA"}).Return(nil)

	f.api.UnsubscribeAll(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp api.UnsubscribeAllResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Results["tokA"].Topics["news"].OK)
	assert.Equal(t, instanceid.KindNotFound, resp.Results["tokB"].Error.Kind)
}

func TestGetInstance(t *testing.T) {
	targetURN, _ := urn.Parse("urn:sm:user:123")
	token, _ := instanceid.NewRegistrationToken("tok123")

	t.Run("Success", func(t *testing.T) {
		f := setupAPI(t)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/instances/tok123", nil)
		req.SetPathValue("token", "tok123")
		req = withUser(req, targetURN.String())
		w := httptest.NewRecorder()

		instance := instanceid.NewAppInstance(token, map[string]any{
			"platform": "ANDROID",
			"rel":      map[string]any{"topics": map[string]any{"news": map[string]any{"addDate": "2024-02-02"}}},
		})
		f.manager.On("GetInstanceAsync", mock.Anything, token).Return(instanceid.NewResolvedFuture(instance, nil))

		f.api.GetInstance(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var view api.InstanceView
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
		assert.Equal(t, "tok123", view.Token)
		assert.Equal(t, "ANDROID", view.Platform)
		require.Len(t, view.Topics, 1)
		assert.Equal(t, "news", view.Topics[0].Topic)
	})

	t.Run("Not Found maps to 404", func(t *testing.T) {
		f := setupAPI(t)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/instances/tok123", nil)
		req.SetPathValue("token", "tok123")
		req = withUser(req, targetURN.String())
		w := httptest.NewRecorder()

		f.manager.On("GetInstanceAsync", mock.Anything, token).Return(
			instanceid.NewResolvedFuture(nil, &instanceid.MessagingError{Kind: instanceid.KindNotFound, StatusCode: 404, Message: "gone"}),
		)

		f.api.GetInstance(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Contains(t, w.Body.String(), `"kind":"not_found"`)
	})

	t.Run("Caller without handle claim is authenticated by user ID", func(t *testing.T) {
		f := setupAPI(t)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/instances/tok123", nil)
		req.SetPathValue("token", "tok123")
		req = withUserIDOnly(req, "user-id-123")
		w := httptest.NewRecorder()

		f.manager.On("GetInstanceAsync", mock.Anything, token).Return(
			instanceid.NewResolvedFuture(nil, &instanceid.MessagingError{Kind: instanceid.KindNotFound, StatusCode: 404}),
		)

		f.api.GetInstance(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("Upstream auth failure maps to 502", func(t *testing.T) {
		f := setupAPI(t)
		req := httptest.NewRequest(http.MethodGet, "/api/v1/instances/tok123", nil)
		req.SetPathValue("token", "tok123")
		req = withUser(req, targetURN.String())
		w := httptest.NewRecorder()

		f.manager.On("GetInstanceAsync", mock.Anything, token).Return(
			instanceid.NewResolvedFuture(nil, &instanceid.MessagingError{Kind: instanceid.KindAuthentication, StatusCode: 401}),
		)

		f.api.GetInstance(w, req)

		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestRecordedTopics(t *testing.T) {
	targetURN, _ := urn.Parse("urn:sm:user:123")
	f := setupAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/registrations/tokA/topics", nil)
	req.SetPathValue("token", "tokA")
	req = withUser(req, targetURN.String())
	w := httptest.NewRecorder()

	f.store.On("Topics", mock.Anything, "tokA").Return([]string{"news", "sports"}, nil)

	f.api.RecordedTopics(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"topics":["news","sports"]}`, w.Body.String())
}

func TestBroadcast(t *testing.T) {
	targetURN, _ := urn.Parse("urn:sm:user:123")
	msg := topics.BroadcastMessage{Title: "Goal", Body: "1-0"}

	t.Run("Accepted", func(t *testing.T) {
		f := setupAPI(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/topics/sports/messages", jsonBody(t, msg))
		req.SetPathValue("topic", "sports")
		req = withUser(req, targetURN.String())
		w := httptest.NewRecorder()

		f.broadcaster.On("Broadcast", mock.Anything, instanceid.MustTopic("sports"), msg).Return("msg-1", nil)

		f.api.Broadcast(w, req)

		require.Equal(t, http.StatusAccepted, w.Code)
		assert.JSONEq(t, `{"message_id":"msg-1"}`, w.Body.String())
	})

	t.Run("Rejects Empty Message", func(t *testing.T) {
		f := setupAPI(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/topics/sports/messages", bytes.NewReader([]byte(`{}`)))
		req.SetPathValue("topic", "sports")
		req = withUser(req, targetURN.String())
		w := httptest.NewRecorder()

		f.api.Broadcast(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Quota error maps to 429", func(t *testing.T) {
		f := setupAPI(t)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/topics/sports/messages", jsonBody(t, msg))
		req.SetPathValue("topic", "sports")
		req = withUser(req, targetURN.String())
		w := httptest.NewRecorder()

		f.broadcaster.On("Broadcast", mock.Anything, mock.Anything, mock.Anything).
			Return("", &instanceid.MessagingError{Kind: instanceid.KindQuotaExceeded})

		f.api.Broadcast(w, req)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})
}
