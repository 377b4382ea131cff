package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/kafka"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/money"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
)

const EventTypeOrderFilled = "notifications.order-filled"

var (
	ErrQueueFull      = errors.New("notification queue full")
	ErrNotifierClosed = errors.New("notifier closed")
)

// OrderFilledData is the stored body of an order-filled notification.
type OrderFilledData struct {
	TradeID int64         `json:"trade_id"`
	Symbol  string        `json:"symbol"`
	Price   money.Decimal `json:"price"`
	Amount  money.Decimal `json:"amount"`
	Total   money.Decimal `json:"total"`
	Side    ledger.Side   `json:"side"`
}

type NotificationEvent struct {
	kafka.Envelope
	NotificationID string          `json:"notification_id"`
	UserID         int64           `json:"user_id"`
	Channel        string          `json:"channel"`
	Type           string          `json:"type"`
	Data           json.RawMessage `json:"data"`
}

type NotifierConfig struct {
	Workers        int
	Buffer         int
	DeliverTimeout time.Duration
}

type notifyJob struct {
	ctx    context.Context
	userID int64
	trade  ledger.Trade
	side   ledger.Side
}

// QueuedNotifier stores and publishes order-filled notifications off the
// request path. Jobs are drained by a fixed pool of workers.
type QueuedNotifier struct {
	store    ledger.NotificationStore
	producer kafka.Publisher
	topic    string
	cfg      NotifierConfig
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan notifyJob
	wg     sync.WaitGroup
	start  sync.Once
}

func NewQueuedNotifier(store ledger.NotificationStore, producer kafka.Publisher, topic string, cfg NotifierConfig, logger *slog.Logger) *QueuedNotifier {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueuedNotifier{
		store:    store,
		producer: producer,
		topic:    topic,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan notifyJob, cfg.Buffer),
	}
}

func (n *QueuedNotifier) Start() {
	n.start.Do(func() {
		for i := 0; i < n.cfg.Workers; i++ {
			n.wg.Add(1)
			go n.worker()
		}
	})
}

// OrderFilled enqueues a notification for userID. It never blocks.
func (n *QueuedNotifier) OrderFilled(ctx context.Context, userID int64, trade ledger.Trade, side ledger.Side) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrNotifierClosed
	}
	job := notifyJob{ctx: context.WithoutCancel(ctx), userID: userID, trade: trade, side: side}
	select {
	case n.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits for queued ones to be delivered.
func (n *QueuedNotifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	n.Start()
	n.wg.Wait()
}

func (n *QueuedNotifier) worker() {
	defer n.wg.Done()
	for job := range n.queue {
		ctx, cancel := context.WithTimeout(job.ctx, n.cfg.DeliverTimeout)
		if err := n.deliver(ctx, job); err != nil {
			n.logger.Error("order-filled notification failed",
				"user_id", job.userID,
				"trade_id", job.trade.ID,
				"error", err,
			)
		}
		cancel()
	}
}

func (n *QueuedNotifier) deliver(ctx context.Context, job notifyJob) error {
	data, err := json.Marshal(OrderFilledData{
		TradeID: job.trade.ID,
		Symbol:  job.trade.Symbol,
		Price:   job.trade.Price,
		Amount:  job.trade.Amount,
		Total:   job.trade.Total(),
		Side:    job.side,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	stored, err := n.store.CreateNotification(ctx, ledger.Notification{
		ID:     uuid.New(),
		UserID: job.userID,
		Type:   ledger.NotificationOrderFilled,
		Data:   data,
	})
	if err != nil {
		return fmt.Errorf("store notification: %w", err)
	}

	if n.producer == nil {
		return nil
	}
	env, err := kafka.NewEnvelopeWithID(stored.ID.String(), EventTypeOrderFilled, 1, strconv.FormatInt(job.trade.ID, 10))
	if err != nil {
		return err
	}
	event := NotificationEvent{
		Envelope:       env,
		NotificationID: stored.ID.String(),
		UserID:         job.userID,
		Channel:        UserChannel(job.userID),
		Type:           stored.Type,
		Data:           stored.Data,
	}
	if _, _, err := n.producer.PublishJSON(ctx, n.topic, strconv.FormatInt(job.userID, 10), event); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
