package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// FirestoreStore implements topics.SubscriptionStore using Google Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{client: client}
}

// membershipRecord is the internal DB representation of one token on one topic.
type membershipRecord struct {
	Token        string    `firestore:"token"`
	Topic        string    `firestore:"topic"`
	SubscribedBy string    `firestore:"subscribed_by"`
	OperationID  string    `firestore:"operation_id"`
	UpdatedAt    time.Time `firestore:"updated_at"`
}

func (s *FirestoreStore) RecordSubscribed(ctx context.Context, actor urn.URN, topic string, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}

	// One operation ID ties together every row written by the same call.
	opID := uuid.NewString()
	now := time.Now()

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(tokens))
	for _, token := range tokens {
		record := membershipRecord{
			Token:        token,
			Topic:        topic,
			SubscribedBy: actor.String(),
			OperationID:  opID,
			UpdatedAt:    now,
		}
		job, err := bw.Set(s.membershipRef(token, topic), record)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to enqueue membership write: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	return firstJobError(jobs)
}

func (s *FirestoreStore) RecordUnsubscribed(ctx context.Context, topic string, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(tokens))
	for _, token := range tokens {
		job, err := bw.Delete(s.membershipRef(token, topic))
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to enqueue membership delete: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	return firstJobError(jobs)
}

func (s *FirestoreStore) Topics(ctx context.Context, token string) ([]string, error) {
	iter := s.topicsCollection(token).Documents(ctx)
	defer iter.Stop()

	topics := make([]string, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record membershipRecord
		if err := doc.DataTo(&record); err != nil || record.Topic == "" {
			// Corrupt rows fall back to the document ID, which is the topic name.
			topics = append(topics, doc.Ref.ID)
			continue
		}
		topics = append(topics, record.Topic)
	}

	sort.Strings(topics)
	return topics, nil
}

// --- Helpers ---

func firstJobError(jobs []*firestore.BulkWriterJob) error {
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("firestore bulk write failed: %w", err)
		}
	}
	return nil
}

// membershipRef: registrations/{tokenHash}/topics/{topic}
func (s *FirestoreStore) membershipRef(token, topic string) *firestore.DocumentRef {
	return s.topicsCollection(token).Doc(topic)
}

func (s *FirestoreStore) topicsCollection(token string) *firestore.CollectionRef {
	// Tokens are long and opaque; hashing keeps document IDs bounded and evenly spread.
	return s.client.Collection("registrations").Doc(hashToken(token)).Collection("topics")
}

func hashToken(t string) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}
