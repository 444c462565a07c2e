package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	ReconcileStream = "subscriptions:reconcile"
	DLQStream       = "subscriptions:dlq"
)

// Message is one decoded stream entry.
type Message struct {
	ID          string
	AggregateID string
	EventType   string
	Payload     map[string]any
}

type StreamProducer struct {
	client *redis.Client
}

func NewStreamProducer(client *redis.Client) *StreamProducer {
	return &StreamProducer{client: client}
}

// Publish appends an event for aggregateID to the reconcile stream.
func (p *StreamProducer) Publish(ctx context.Context, aggregateID, eventType string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: ReconcileStream,
		Values: map[string]any{
			"aggregate_id": aggregateID,
			"event_type":   eventType,
			"payload":      string(payload),
			"timestamp":    time.Now().Unix(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	return nil
}

// PublishToDLQ parks a message that exhausted its retries for manual review.
func (p *StreamProducer) PublishToDLQ(ctx context.Context, aggregateID, reason string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ data: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQStream,
		Values: map[string]any{
			"aggregate_id": aggregateID,
			"reason":       reason,
			"payload":      string(payload),
			"timestamp":    time.Now().Unix(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}
	return nil
}

// DecodeMessage turns the raw stream values written by Publish back into a Message.
func DecodeMessage(msg redis.XMessage) (Message, error) {
	out := Message{ID: msg.ID}

	out.AggregateID, _ = msg.Values["aggregate_id"].(string)
	out.EventType, _ = msg.Values["event_type"].(string)
	if out.AggregateID == "" || out.EventType == "" {
		return out, errors.New("message missing aggregate_id or event_type")
	}

	raw, _ := msg.Values["payload"].(string)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &out.Payload); err != nil {
			return out, fmt.Errorf("decode payload: %w", err)
		}
	}
	return out, nil
}

type StreamConsumer struct {
	client        *redis.Client
	stream        string
	group         string
	consumer      string
	batchSize     int64
	blockDuration time.Duration
}

func NewStreamConsumer(
	client *redis.Client,
	stream string,
	group string,
	consumer string,
	batchSize int64,
	blockDuration time.Duration,
) *StreamConsumer {
	return &StreamConsumer{
		client:        client,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		batchSize:     batchSize,
		blockDuration: blockDuration,
	}
}

func (c *StreamConsumer) CreateGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (c *StreamConsumer) Read(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    c.blockDuration,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (c *StreamConsumer) Ack(ctx context.Context, messageID string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, messageID).Err(); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// ClaimStale takes over messages another consumer read but never acked,
// e.g. because that worker crashed mid-settlement.
func (c *StreamConsumer) ClaimStale(ctx context.Context, minIdle time.Duration) ([]redis.XMessage, error) {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}
	return msgs, nil
}
