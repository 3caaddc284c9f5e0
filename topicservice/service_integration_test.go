//go:build integration

package topicservice_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	"google.golang.org/protobuf/types/known/durationpb"

	fsStore "github.com/tinywideclouds/go-topic-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-topic-service/pkg/instanceid"
	"github.com/tinywideclouds/go-topic-service/pkg/topics"
	"github.com/tinywideclouds/go-topic-service/topicservice"
	"github.com/tinywideclouds/go-topic-service/topicservice/config"
)

// fakeInstanceBackend accepts every batch call except for topics named "rejected".
type fakeInstanceBackend struct {
	mu    sync.Mutex
	calls map[string][]string
}

func newFakeInstanceBackend(t *testing.T) (*fakeInstanceBackend, *httptest.Server) {
	t.Helper()
	f := &fakeInstanceBackend{calls: make(map[string][]string)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			f.mu.Lock()
			f.calls[r.URL.Path] = append(f.calls[r.URL.Path], r.URL.RawQuery)
			f.mu.Unlock()
			_, _ = w.Write([]byte(`{"application":"com.example.app","platform":"ANDROID","rel":{"topics":{"news":{"addDate":"2024-01-15"}}}}`))
			return
		}

		var body struct {
			To     string   `json:"to"`
			Tokens []string `json:"registration_tokens"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		f.calls[r.URL.Path] = append(f.calls[r.URL.Path], body.To)
		f.mu.Unlock()

		if strings.HasSuffix(body.To, "/rejected") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"InvalidTopic"}`))
			return
		}
		_, _ = w.Write([]byte(`{"results":[{}]}`))
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeInstanceBackend) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls[path])
}

func TestTopicService_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	projectID := "test-project-integ"

	// 1. Emulators
	pubsubConn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(projectID))
	psClient, err := pubsub.NewClient(ctx, projectID, pubsubConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = psClient.Close() })

	fsConn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	fsClient, err := firestore.NewClient(ctx, projectID, fsConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsClient.Close() })

	// 2. Real ledger + real client against a fake backend
	store := fsStore.NewFirestoreStore(fsClient)
	backend, srv := newFakeInstanceBackend(t)
	client := instanceid.NewClient(instanceid.Config{BaseURL: srv.URL}, srv.Client(), nil, logger)

	t.Run("Full Lifecycle: Publish -> Subscribe -> Ledger", func(t *testing.T) {
		topicID := "topic-cmd-" + uuid.NewString()
		subID := topicID + "-sub"
		createPubsubResources(t, ctx, psClient, projectID, topicID, subID)

		consumer, err := messagepipeline.NewGooglePubsubConsumer(messagepipeline.NewGooglePubsubConsumerDefaults(subID), psClient, logger)
		require.NoError(t, err)

		systemActor, _ := urn.Parse("urn:sm:service:topic-service")
		svc, err := topicservice.New(
			&config.Config{ListenAddr: ":0", NumPipelineWorkers: 2, SystemActor: systemActor},
			consumer,
			client,
			store,
			noopBroadcaster{},
			func(h http.Handler) http.Handler { return h },
			logger,
		)
		require.NoError(t, err)

		svcCtx, svcCancel := context.WithCancel(ctx)
		defer svcCancel()
		go func() { _ = svc.Start(svcCtx) }()
		t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

		token := "device-token-" + uuid.NewString()
		cmd := topics.Command{
			ID:          "cmd-integ-1",
			Action:      topics.ActionSubscribe,
			Topics:      []string{"news", "rejected"},
			Tokens:      []string{token},
			RequestedBy: "urn:sm:user:integ-user",
		}
		payload, err := json.Marshal(cmd)
		require.NoError(t, err)

		_, err = psClient.Publisher(topicID).Publish(ctx, &pubsub.Message{Data: payload}).Get(ctx)
		require.NoError(t, err)

		// Only the accepted topic lands in the ledger.
		require.Eventually(t, func() bool {
			recorded, err := store.Topics(ctx, token)
			return err == nil && len(recorded) == 1 && recorded[0] == "news"
		}, 10*time.Second, 100*time.Millisecond)

		assert.Equal(t, 2, backend.callCount("/iid/v1:batchAdd"))
	})

	t.Run("HTTP Routes: mux -> CORS -> auth -> handler", func(t *testing.T) {
		topicID := "topic-http-" + uuid.NewString()
		subID := topicID + "-sub"
		createPubsubResources(t, ctx, psClient, projectID, topicID, subID)

		consumer, err := messagepipeline.NewGooglePubsubConsumer(messagepipeline.NewGooglePubsubConsumerDefaults(subID), psClient, logger)
		require.NoError(t, err)

		systemActor, _ := urn.Parse("urn:sm:service:topic-service")
		stubAuth := func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctx := middleware.ContextWithUser(r.Context(), "user-id-http", "urn:sm:user:http-user", "")
				next.ServeHTTP(w, r.WithContext(ctx))
			})
		}
		svc, err := topicservice.New(
			&config.Config{
				ListenAddr:         ":0",
				NumPipelineWorkers: 1,
				SystemActor:        systemActor,
				CorsConfig:         middleware.CorsConfig{AllowedOrigins: []string{"http://localhost:4200"}},
			},
			consumer,
			client,
			store,
			noopBroadcaster{},
			stubAuth,
			logger,
		)
		require.NoError(t, err)

		serve := func(method, path, body string) *httptest.ResponseRecorder {
			req := httptest.NewRequest(method, path, strings.NewReader(body))
			req.Header.Set("Origin", "http://localhost:4200")
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			svc.Mux().ServeHTTP(w, req)
			return w
		}

		token := "http-token-" + uuid.NewString()

		// Membership route
		w := serve(http.MethodPost, "/api/v1/topics/subscribe", fmt.Sprintf(`{"topics":["sports"],"tokens":[%q]}`, token))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"ledger_synced":true`)

		// Path parameter routes
		w = serve(http.MethodGet, "/api/v1/registrations/"+token+"/topics", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.JSONEq(t, `{"topics":["sports"]}`, w.Body.String())

		w = serve(http.MethodGet, "/api/v1/instances/"+token, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var view struct {
			Token  string `json:"token"`
			Topics []struct {
				Topic string `json:"topic"`
			} `json:"topics"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
		assert.Equal(t, token, view.Token)
		require.Len(t, view.Topics, 1)
		assert.Equal(t, "news", view.Topics[0].Topic)
		assert.Equal(t, 1, backend.callCount("/iid/"+token))

		w = serve(http.MethodPost, "/api/v1/topics/sports/messages", `{"title":"Goal","body":"1-0"}`)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		assert.JSONEq(t, `{"message_id":"noop"}`, w.Body.String())
	})
}

func createPubsubResources(t *testing.T, ctx context.Context, client *pubsub.Client, projectID, topicID, subID string) {
	t.Helper()
	topicName := fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
	_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.TopicAdminClient.DeleteTopic(context.Background(), &pubsubpb.DeleteTopicRequest{Topic: topicName})
	})

	subName := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID)
	sub := &pubsubpb.Subscription{
		Name:               subName,
		Topic:              topicName,
		AckDeadlineSeconds: 10,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: &durationpb.Duration{Seconds: 1},
		},
	}
	_, err = client.SubscriptionAdminClient.CreateSubscription(ctx, sub)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.SubscriptionAdminClient.DeleteSubscription(context.Background(), &pubsubpb.DeleteSubscriptionRequest{Subscription: subName})
	})
}
