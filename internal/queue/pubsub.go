package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/driesdejong/leadradar/internal/lead"
)

// PubSubConfig identifies the GCP Pub/Sub topic and subscription.
type PubSubConfig struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
}

// PubSubQueue implements lead.Queue on Google Cloud Pub/Sub. Publishing
// goes to the topic; Dequeue is fed by a background Receive loop on the
// subscription. Authentication uses Application Default Credentials.
type PubSubQueue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	deliveries chan lead.Envelope
	recvOnce   sync.Once
	recvCancel context.CancelFunc
	closeOnce  sync.Once
}

// NewPubSubQueue creates a Pub/Sub client and verifies the topic exists.
func NewPubSubQueue(ctx context.Context, cfg PubSubConfig, logger *zap.Logger) (*PubSubQueue, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("queue.pubsub.project_id and topic_id are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check pubsub topic %q: %w", cfg.TopicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}

	q := &PubSubQueue{
		client:     client,
		topic:      topic,
		logger:     logger,
		deliveries: make(chan lead.Envelope),
	}
	if cfg.SubscriptionID != "" {
		q.sub = client.Subscription(cfg.SubscriptionID)
	}
	return q, nil
}

// Enqueue publishes a JSON envelope and waits for the server ack, so a
// reported success means the job is durably queued.
func (q *PubSubQueue) Enqueue(ctx context.Context, env lead.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish job %s: %w", env.JobID, err)
	}
	return nil
}

// Dequeue returns the next delivered job. The first call starts the
// subscription Receive loop; messages are acked once handed over.
func (q *PubSubQueue) Dequeue(ctx context.Context) (lead.Envelope, error) {
	if q.sub == nil {
		return lead.Envelope{}, fmt.Errorf("queue.pubsub.subscription_id is required for workers")
	}
	q.recvOnce.Do(q.startReceive)

	select {
	case <-ctx.Done():
		return lead.Envelope{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case env, ok := <-q.deliveries:
		if !ok {
			return lead.Envelope{}, lead.ErrQueueClosed
		}
		return env, nil
	}
}

func (q *PubSubQueue) startReceive() {
	recvCtx, cancel := context.WithCancel(context.Background())
	q.recvCancel = cancel
	go func() {
		defer close(q.deliveries)
		err := q.sub.Receive(recvCtx, func(ctx context.Context, msg *pubsub.Message) {
			var env lead.Envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				q.logger.Warn("dropping malformed queue message", zap.Error(err))
				msg.Ack()
				return
			}
			select {
			case q.deliveries <- env:
				msg.Ack()
			case <-recvCtx.Done():
				msg.Nack()
			}
		})
		if err != nil && recvCtx.Err() == nil {
			q.logger.Error("pubsub receive loop stopped", zap.Error(err))
		}
	}()
}

// Close stops the receive loop, flushes pending publishes, and closes
// the client.
func (q *PubSubQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		if q.recvCancel != nil {
			q.recvCancel()
		}
		q.topic.Stop()
		if cerr := q.client.Close(); cerr != nil {
			err = fmt.Errorf("close pubsub client: %w", cerr)
		}
	})
	return err
}
