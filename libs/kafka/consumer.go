package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type ConsumerConfig struct {
	Brokers     []string
	GroupID     string
	DLQTopic    string
	MaxAttempts int
	Backoff     time.Duration
}

type Consumer struct {
	group  sarama.ConsumerGroup
	cfg    ConsumerConfig
	dlq    Publisher
	logger *slog.Logger
}

func NewConsumer(cfg ConsumerConfig, dlq Publisher, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V3_7_0_0
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	sc.Consumer.Group.Session.Timeout = 30 * time.Second
	sc.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{group: group, cfg: cfg, dlq: dlq, logger: logger}, nil
}

// Consume blocks until ctx is cancelled, rejoining the group after rebalances.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := newGroupHandler(handler, c.dlq, c.cfg, c.logger)
	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler     MessageHandler
	dlq         Publisher
	dlqTopic    string
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

func newGroupHandler(handler MessageHandler, dlq Publisher, cfg ConsumerConfig, logger *slog.Logger) *consumerGroupHandler {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &consumerGroupHandler{
		handler:     handler,
		dlq:         dlq,
		dlqTopic:    cfg.DLQTopic,
		maxAttempts: attempts,
		backoff:     backoff,
		logger:      logger,
	}
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := session.Context()
		attempts, err := h.handle(ctx, msg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.logger.Error("kafka message handler error",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
				"attempts", attempts, "error", err)
			h.deadLetter(ctx, msg, err, attempts)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// handle retries transient failures; DLQError results are not retried.
func (h *consumerGroupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) (int, error) {
	var err error
	for attempt := 1; attempt <= h.maxAttempts; attempt++ {
		err = h.handler.HandleMessage(ctx, msg)
		if err == nil {
			return attempt, nil
		}
		var dlqErr *DLQError
		if errors.As(err, &dlqErr) || attempt == h.maxAttempts {
			return attempt, err
		}
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(h.backoff * time.Duration(attempt)):
		}
	}
	return h.maxAttempts, err
}

func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, err error, attempts int) {
	if h.dlq == nil || h.dlqTopic == "" {
		return
	}
	reason := "max_attempts"
	var dlqErr *DLQError
	if errors.As(err, &dlqErr) {
		reason = dlqErr.Reason
		err = dlqErr.Err
	}
	payload := BuildDLQPayload(msg, err, reason, attempts)
	if _, _, pubErr := h.dlq.PublishJSON(ctx, h.dlqTopic, string(msg.Key), payload); pubErr != nil {
		h.logger.Error("publish dlq failed", "topic", h.dlqTopic, "error", pubErr)
	}
}
