package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-topic-service/pkg/instanceid"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultSystemActor    = "urn:sm:service:topic-service"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// InstanceAPIConfig points the client at the Instance ID backend.
type InstanceAPIConfig struct {
	BaseURL        string
	InstancePath   string
	RequestTimeout time.Duration
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	CorsConfig  middleware.CorsConfig
	Redis       RedisConfig
	InstanceAPI InstanceAPIConfig

	// SystemActor is recorded in the ledger for pipeline commands that name no requester.
	SystemActor urn.URN

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig

	systemActorRaw string
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "TOPIC_ID", "source", "env")
		cfg.TopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Instance ID backend
	if val := os.Getenv("IID_BASE_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "IID_BASE_URL", "source", "env")
		cfg.InstanceAPI.BaseURL = val
	}
	if val := os.Getenv("IID_INSTANCE_PATH"); val != "" {
		logger.Debug("Overriding config value", "key", "IID_INSTANCE_PATH", "source", "env")
		cfg.InstanceAPI.InstancePath = val
	}
	if val := os.Getenv("IID_REQUEST_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return nil, fmt.Errorf("invalid IID_REQUEST_TIMEOUT %q: %w", val, err)
		}
		logger.Debug("Overriding config value", "key", "IID_REQUEST_TIMEOUT", "source", "env")
		cfg.InstanceAPI.RequestTimeout = d
	}
	if val := os.Getenv("SYSTEM_ACTOR_URN"); val != "" {
		logger.Debug("Overriding config value", "key", "SYSTEM_ACTOR_URN", "source", "env")
		cfg.systemActorRaw = val
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.InstanceAPI.BaseURL == "" {
		cfg.InstanceAPI.BaseURL = instanceid.DefaultBaseURL
	}
	if cfg.InstanceAPI.InstancePath == "" {
		cfg.InstanceAPI.InstancePath = instanceid.DefaultInstancePath
	}
	if cfg.InstanceAPI.RequestTimeout <= 0 {
		cfg.InstanceAPI.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 24 * time.Hour
	}

	if cfg.systemActorRaw == "" {
		cfg.systemActorRaw = defaultSystemActor
	}
	actor, err := urn.Parse(cfg.systemActorRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid system actor %q: %w", cfg.systemActorRaw, err)
	}
	cfg.SystemActor = actor

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
