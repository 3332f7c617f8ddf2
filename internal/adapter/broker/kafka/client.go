// Package kafka implements domain.Broker on top of Kafka/Redpanda
// (twmb/franz-go), translating the RabbitMQ-shaped contract the rest of the
// system expects (durable queue declare, per-message ack/nack, passive
// queue-depth lookup, a dirty/ready connection state machine) onto Kafka's
// topic/partition/consumer-group model.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/agent-taskplane/internal/adapter/observability"
	"github.com/fairyhunter13/agent-taskplane/internal/domain"
	"github.com/fairyhunter13/agent-taskplane/internal/retry"
)

// Client is a Kafka-backed domain.Broker. It owns one producer client and
// lazily creates topics on first use of each queue name. ConsumeQueue
// callers each get their own dedicated consumer-group client.
type Client struct {
	brokers []string
	groupID string

	mu        sync.RWMutex
	client    *kgo.Client
	admin     *kadm.Client
	ready     bool
	connDirty bool

	connectOpts retry.Options
	cb          *observability.CircuitBreaker
}

// NewClient constructs a Kafka broker client. groupID is the consumer group
// used by ConsumeQueue and by GetQueueDepth to report backlog relative to
// that group's committed offsets — the worker pool's shared group.
func NewClient(brokers []string, groupID string, connectOpts retry.Options) *Client {
	return &Client{
		brokers:     brokers,
		groupID:     groupID,
		connectOpts: connectOpts,
		cb:          observability.GetCircuitBreaker("broker.kafka", 5, 30*time.Second),
	}
}

// Connect (re)establishes the producer/admin client, retrying with the
// connector's backoff schedule on failure. Safe to call again after a
// connection is marked dirty.
func (c *Client) Connect(ctx domain.Context) error {
	return retry.Do(ctx, c.connectOpts, func(ctx context.Context) error {
		return c.connectOnce(ctx)
	})
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil && !c.connDirty {
		return nil
	}
	if c.client != nil {
		c.client.Close()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(c.brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RequestRetries(10),
		kgo.ConsumerGroup(c.groupID),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		slog.Error("kafka broker connect failed", slog.Any("error", err))
		return fmt.Errorf("op=kafka.Client.connectOnce: %w", err)
	}

	if err := client.Ping(ctx); err != nil {
		client.Close()
		return fmt.Errorf("op=kafka.Client.connectOnce: ping: %w", err)
	}

	c.client = client
	c.admin = kadm.NewClient(client)
	c.ready = true
	c.connDirty = false
	slog.Info("kafka broker connected", slog.Any("brokers", c.brokers), slog.String("group_id", c.groupID))
	return nil
}

// Disconnect closes the underlying client.
func (c *Client) Disconnect(ctx domain.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.ready = false
	return nil
}

// IsReady reports whether the connection is usable without blocking.
func (c *Client) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready && !c.connDirty
}

func (c *Client) markDirty() {
	c.mu.Lock()
	c.ready = false
	c.connDirty = true
	c.mu.Unlock()
}

// ensureTopic idempotently declares a topic (the RabbitMQ "queue declare"
// equivalent). Topic-already-exists responses are treated as success.
func (c *Client) ensureTopic(ctx context.Context, topic string) error {
	c.mu.RLock()
	admin := c.admin
	c.mu.RUnlock()
	if admin == nil {
		return fmt.Errorf("op=kafka.Client.ensureTopic: not connected")
	}
	resp, err := admin.CreateTopics(ctx, 3, 1, nil, topic)
	if err != nil {
		return fmt.Errorf("op=kafka.Client.ensureTopic: %w", err)
	}
	if r, ok := resp[topic]; ok && r.Err != nil && !isTopicExistsErr(r.Err) {
		return fmt.Errorf("op=kafka.Client.ensureTopic: %w", r.Err)
	}
	return nil
}

func isTopicExistsErr(err error) bool {
	return err != nil && (err.Error() == "TOPIC_ALREADY_EXISTS" ||
		err.Error() == "kafka: topic already exists")
}

// PublishMessage produces payload to queue as a persistent message carrying
// a correlation_id header, mirroring aio-pika's durable+correlation-id
// publish. If resilient is true the publish is retried up to 10 attempts,
// sleeping 5*attempt seconds between them; otherwise it retries up to 3
// attempts sleeping 2*attempt seconds — a linear backoff, not the
// connector's exponential reconnect schedule (use PublishMessageResilient
// for a caller-supplied deadline instead of a fixed attempt budget).
func (c *Client) PublishMessage(ctx domain.Context, queue string, payload []byte, correlationID string, resilient bool) error {
	maxAttempts, unit := publishSchedule(resilient)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = c.publishOnce(ctx, queue, payload, correlationID)
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("op=kafka.Client.PublishMessage: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * unit):
		}
	}
	return fmt.Errorf("op=kafka.Client.PublishMessage: %w", lastErr)
}

// publishSchedule returns PublishMessage's linear retry budget: 10 attempts
// sleeping 5*attempt seconds when resilient, else 3 attempts sleeping
// 2*attempt seconds.
func publishSchedule(resilient bool) (maxAttempts int, unit time.Duration) {
	if resilient {
		return 10, 5 * time.Second
	}
	return 3, 2 * time.Second
}

// publishResilientOptions builds PublishMessageResilient's capped
// exponential schedule: min(5*1.2^min(attempt-1,10), 30) between attempts,
// bounded by maxWait — the same formula as kvstore.Client's
// SetJSONResilient/GetJSONResilient, applied here to publish instead of a
// KV write.
func publishResilientOptions(maxWait time.Duration) retry.Options {
	return retry.Options{
		BaseDelay:  5 * time.Second,
		Multiplier: 1.2,
		MaxDelay:   30 * time.Second,
		Deadline:   maxWait,
	}
}

// PublishMessageResilient retries publishing for up to maxWait on
// publishResilientOptions' schedule, returning whether the message was
// eventually accepted.
func (c *Client) PublishMessageResilient(ctx domain.Context, queue string, payload []byte, correlationID string, maxWait time.Duration) bool {
	err := retry.Do(ctx, publishResilientOptions(maxWait), func(ctx context.Context) error {
		return c.publishOnce(ctx, queue, payload, correlationID)
	})
	return err == nil
}

func (c *Client) publishOnce(ctx context.Context, queue string, payload []byte, correlationID string) error {
	if err := c.cb.Call(func() error { return c.connectIfNeeded(ctx) }); err != nil {
		return err
	}

	start := time.Now()
	err := c.cb.Call(func() error {
		if err := c.ensureTopic(ctx, queue); err != nil {
			return err
		}
		c.mu.RLock()
		client := c.client
		c.mu.RUnlock()

		record := &kgo.Record{
			Topic: queue,
			Key:   []byte(correlationID),
			Value: payload,
			Headers: []kgo.RecordHeader{
				{Key: "correlation_id", Value: []byte(correlationID)},
			},
		}
		result := client.ProduceSync(ctx, record)
		if err := result.FirstErr(); err != nil {
			c.markDirty()
			return fmt.Errorf("op=kafka.Client.publishOnce: %w", err)
		}
		return nil
	})
	observability.RecordBrokerPublish(queue, time.Since(start))
	return err
}

func (c *Client) connectIfNeeded(ctx context.Context) error {
	if c.IsReady() {
		return nil
	}
	return c.connectOnce(ctx)
}

// GetQueueDepth returns the number of unconsumed messages across all
// partitions of queue for this broker's configured consumer group — the
// Kafka analogue of a passive RabbitMQ queue declare's message_count. The
// bool return reports whether the depth could be determined.
func (c *Client) GetQueueDepth(ctx domain.Context, queue string) (int64, bool) {
	c.mu.RLock()
	admin := c.admin
	c.mu.RUnlock()
	if admin == nil {
		return 0, false
	}

	endOffsets, err := admin.ListEndOffsets(ctx, queue)
	if err != nil {
		slog.Warn("list end offsets failed", slog.String("queue", queue), slog.Any("error", err))
		return 0, false
	}

	committed, err := admin.FetchOffsets(ctx, c.groupID)
	if err != nil {
		// No committed offsets yet (new group): depth is the sum of end offsets.
		var total int64
		endOffsets.Each(func(o kadm.ListedOffset) { total += o.Offset })
		observability.RecordQueueDepth(queue, total)
		return total, true
	}

	var total int64
	endOffsets.Each(func(o kadm.ListedOffset) {
		committedOffset := int64(0)
		if po, ok := committed[o.Topic][o.Partition]; ok {
			committedOffset = po.At
		}
		depth := o.Offset - committedOffset
		if depth > 0 {
			total += depth
		}
	})
	observability.RecordQueueDepth(queue, total)
	return total, true
}

// ConsumeQueue polls queue within this client's consumer group and invokes
// handler per record. A nil handler error commits the record's offset
// (ack); a non-nil error withholds the commit so the consumer group
// redelivers it on the next poll (nack). Returns when ctx is cancelled.
func (c *Client) ConsumeQueue(ctx domain.Context, queue string, handler func(ctx domain.Context, payload []byte) error) error {
	if err := c.connectIfNeeded(ctx); err != nil {
		return fmt.Errorf("op=kafka.Client.ConsumeQueue: %w", err)
	}
	if err := c.ensureTopic(ctx, queue); err != nil {
		return fmt.Errorf("op=kafka.Client.ConsumeQueue: %w", err)
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	client.AddConsumeTopics(queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				slog.Error("kafka fetch error", slog.String("topic", e.Topic), slog.Any("error", e.Err))
			}
			c.markDirty()
			time.Sleep(time.Second)
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			err := handler(ctx, record.Value)
			if err != nil {
				slog.Warn("consume handler failed, withholding commit for redelivery",
					slog.String("topic", record.Topic), slog.Int64("offset", record.Offset), slog.Any("error", err))
				return
			}
			if cerr := client.CommitRecords(ctx, record); cerr != nil {
				slog.Error("commit offset failed", slog.Int64("offset", record.Offset), slog.Any("error", cerr))
			}
		})
	}
}
