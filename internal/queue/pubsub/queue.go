// Package pubsub carries FetchWork over Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/feed-ingestor/internal/ingest"
	"github.com/JakeFAU/feed-ingestor/internal/telemetry"
)

// Message attribute keys.
const (
	AttrSourceID   = "source_id"
	AttrDispatchID = "dispatch_id"
)

// Config names the topic and subscription and tunes the receiver.
type Config struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
	MaxOutstanding int
	NumGoroutines  int
	// MaxAttempts acks a failing message once its delivery attempt reaches the
	// limit. It only applies when the subscription reports attempts (dead-letter policy).
	MaxAttempts int
}

// Queue publishes to a topic and receives from a subscription.
type Queue struct {
	client     *pubsub.Client
	ownsClient bool
	topic      *pubsub.Topic
	sub        *pubsub.Subscription
	cfg        Config
	logger     *zap.Logger
}

// Open creates a client with Application Default Credentials.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub.project_id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	q, err := New(client, cfg, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	q.ownsClient = true
	return q, nil
}

// New wraps an existing client.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) (*Queue, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if cfg.TopicID == "" {
		return nil, errors.New("pubsub.topic_id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		client: client,
		topic:  client.Topic(cfg.TopicID),
		cfg:    cfg,
		logger: logger.Named("pubsub_queue"),
	}
	if cfg.SubscriptionID != "" {
		q.sub = client.Subscription(cfg.SubscriptionID)
		if cfg.MaxOutstanding > 0 {
			q.sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
		}
		if cfg.NumGoroutines > 0 {
			q.sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines
		}
	}
	return q, nil
}

// Enqueue publishes each work item as JSON and waits for the server to accept
// the whole batch.
func (q *Queue) Enqueue(ctx context.Context, dispatchID string, works []ingest.FetchWork) error {
	results := make([]*pubsub.PublishResult, 0, len(works))
	for _, work := range works {
		data, err := json.Marshal(work)
		if err != nil {
			return fmt.Errorf("marshal work %s: %w", work.SourceID, err)
		}
		attrs := map[string]string{AttrSourceID: work.SourceID}
		if dispatchID != "" {
			attrs[AttrDispatchID] = dispatchID
		}
		telemetry.Inject(ctx, attrs)
		results = append(results, q.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}))
	}

	var errs []error
	for i, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", works[i].SourceID, err))
		}
	}
	return errors.Join(errs...)
}

// Consume receives messages until ctx ends. Ack decisions ack the message; retry
// decisions nack it so the subscription's retry policy schedules redelivery.
func (q *Queue) Consume(ctx context.Context, handler ingest.Handler) error {
	if q.sub == nil {
		return errors.New("pubsub.subscription_id is required to consume")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	err := q.sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		q.handle(telemetry.Extract(msgCtx, msg.Attributes), handler, received{
			id:              msg.ID,
			data:            msg.Data,
			attributes:      msg.Attributes,
			deliveryAttempt: msg.DeliveryAttempt,
			ack:             msg.Ack,
			nack:            msg.Nack,
		})
	})
	if err != nil {
		return fmt.Errorf("pubsub receive: %w", err)
	}
	return nil
}

// received is the slice of *pubsub.Message that handle needs.
type received struct {
	id              string
	data            []byte
	attributes      map[string]string
	deliveryAttempt *int
	ack             func()
	nack            func()
}

func (q *Queue) handle(ctx context.Context, handler ingest.Handler, msg received) {
	var work ingest.FetchWork
	if err := json.Unmarshal(msg.data, &work); err != nil {
		q.logger.Error("dropping undecodable message", zap.String("message_id", msg.id), zap.Error(err))
		msg.ack()
		return
	}
	attempt := 1
	if msg.deliveryAttempt != nil {
		attempt = *msg.deliveryAttempt
	}
	decision := handler(ctx, ingest.Delivery{
		Work:       work,
		Attempt:    attempt,
		DispatchID: msg.attributes[AttrDispatchID],
	})
	if !decision.Retry() {
		msg.ack()
		return
	}
	if q.cfg.MaxAttempts > 0 && msg.deliveryAttempt != nil && attempt >= q.cfg.MaxAttempts {
		q.logger.Warn("dropping work after max attempts",
			zap.String("source_id", work.SourceID),
			zap.Int("attempt", attempt),
		)
		msg.ack()
		return
	}
	msg.nack()
}

// Close flushes pending publishes and closes an owned client.
func (q *Queue) Close() error {
	q.topic.Stop()
	if !q.ownsClient {
		return nil
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
