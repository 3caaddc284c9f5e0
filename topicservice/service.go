package topicservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-topic-service/internal/api"
	"github.com/tinywideclouds/go-topic-service/internal/pipeline"
	"github.com/tinywideclouds/go-topic-service/internal/subscriptions"
	"github.com/tinywideclouds/go-topic-service/pkg/topics"
	"github.com/tinywideclouds/go-topic-service/topicservice/config"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[topics.Parsed]
	logger          *slog.Logger
}

// New assembles the service: the command pipeline and the HTTP API share one coordinator.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	manager topics.Manager,
	store topics.SubscriptionStore,
	broadcaster topics.Broadcaster,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Coordinator + Processor
	coordinator := subscriptions.NewCoordinator(manager, store, logger)
	processor := pipeline.NewProcessor(coordinator, cfg.SystemActor, logger.With("component", "pipeline"))

	// 3. Pipeline
	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.CommandTransformer,
		processor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 4. API
	topicAPI := api.NewTopicAPI(coordinator, broadcaster, logger.With("component", "api"))

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	// Membership
	handle("POST /api/v1/topics/subscribe", topicAPI.Subscribe)
	handle("POST /api/v1/topics/unsubscribe", topicAPI.Unsubscribe)
	handle("POST /api/v1/instances/unsubscribe-all", topicAPI.UnsubscribeAll)

	// Lookups
	handle("GET /api/v1/instances/{token}", topicAPI.GetInstance)
	handle("GET /api/v1/registrations/{token}/topics", topicAPI.RecordedTopics)

	// Broadcast
	handle("POST /api/v1/topics/{topic}/messages", topicAPI.Broadcast)

	// CORS preflight for the API namespace
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
