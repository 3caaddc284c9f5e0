// Package fcm sends topic-addressed messages through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"log/slog"

	"firebase.google.com/go/v4/messaging"

	"github.com/tinywideclouds/go-topic-service/pkg/instanceid"
	"github.com/tinywideclouds/go-topic-service/pkg/topics"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

type Broadcaster struct {
	client MessagingClient
	logger *slog.Logger
}

func NewBroadcaster(client MessagingClient, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		client: client,
		logger: logger.With("component", "FCMBroadcaster"),
	}
}

// Broadcast sends one message to every device subscribed to the topic.
// Failures come back as *instanceid.MessagingError so callers share one taxonomy.
func (b *Broadcaster) Broadcast(ctx context.Context, topic instanceid.Topic, msg topics.BroadcastMessage) (string, error) {
	fcmMsg := &messaging.Message{
		Topic: topic.String(),
		Data:  msg.Data,
	}
	// Data-only messages are delivered silently to the app.
	if msg.Title != "" || msg.Body != "" {
		fcmMsg.Notification = &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		}
	}

	id, err := b.client.Send(ctx, fcmMsg)
	if err != nil {
		me := classifySendError(err)
		b.logger.Error("FCM topic send failed", "topic", topic.String(), "kind", me.Kind, "err", err)
		return "", me
	}

	b.logger.Info("FCM topic message sent", "topic", topic.String(), "message_id", id)
	return id, nil
}

func classifySendError(err error) *instanceid.MessagingError {
	switch {
	case messaging.IsInvalidArgument(err):
		return instanceid.Wrap(instanceid.KindInvalidArgument, err)
	case messaging.IsThirdPartyAuthError(err), messaging.IsSenderIDMismatch(err):
		return instanceid.Wrap(instanceid.KindAuthentication, err)
	case messaging.IsUnregistered(err):
		return instanceid.Wrap(instanceid.KindNotFound, err)
	case messaging.IsQuotaExceeded(err):
		return instanceid.Wrap(instanceid.KindQuotaExceeded, err)
	case messaging.IsUnavailable(err):
		return instanceid.Wrap(instanceid.KindUnavailable, err)
	case messaging.IsInternal(err):
		return instanceid.Wrap(instanceid.KindServerError, err)
	default:
		return instanceid.DefaultClassifier{}.Classify(err)
	}
}
