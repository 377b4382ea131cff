// Package cache decorates a ledger.Store with redis read-through caching of
// order and trade listings. Entries touched by a transaction are dropped once
// it commits.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "orders:"
	DefaultTTL    = 60 * time.Second

	// TradeWindow is the number of recent trades kept per symbol.
	TradeWindow = 50

	// generationTTL is how many entry TTLs an eviction counter outlives the
	// entry it guards.
	generationTTL = 2
)

// fillIfCurrent writes KEYS[1] only while the generation in KEYS[2] still
// equals the one read before the store was queried.
var fillIfCurrent = redis.NewScript(`
local current = redis.call("GET", KEYS[2]) or "0"
if current ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

func genKey(key string) string { return key + ":gen" }

type Store struct {
	ledger.Store
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

var _ ledger.Store = (*Store)(nil)

func New(inner ledger.Store, client redis.UniversalClient, ttl time.Duration, prefix string, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{Store: inner, client: client, ttl: ttl, prefix: prefix, logger: logger}
}

func (s *Store) orderKey(id int64) string       { return fmt.Sprintf("%sorder:%d", s.prefix, id) }
func (s *Store) bookKey(symbol string) string   { return s.prefix + "book:" + symbol }
func (s *Store) userKey(id int64) string        { return fmt.Sprintf("%suser:%d", s.prefix, id) }
func (s *Store) tradesKey(symbol string) string { return s.prefix + "trades:" + symbol }

func (s *Store) GetOrder(ctx context.Context, orderID int64) (ledger.Order, error) {
	return readThrough(ctx, s, s.orderKey(orderID), func() (ledger.Order, error) {
		return s.Store.GetOrder(ctx, orderID)
	})
}

// ListOpenOrders caches only the unfiltered open book of a symbol.
func (s *Store) ListOpenOrders(ctx context.Context, filter ledger.OrderFilter) ([]ledger.Order, error) {
	if filter.Side != nil || filter.Status != nil {
		return s.Store.ListOpenOrders(ctx, filter)
	}
	return readThrough(ctx, s, s.bookKey(filter.Symbol), func() ([]ledger.Order, error) {
		return s.Store.ListOpenOrders(ctx, filter)
	})
}

func (s *Store) ListUserOrders(ctx context.Context, userID int64) ([]ledger.Order, error) {
	return readThrough(ctx, s, s.userKey(userID), func() ([]ledger.Order, error) {
		return s.Store.ListUserOrders(ctx, userID)
	})
}

// ListTrades serves any limit up to TradeWindow from one cached window.
func (s *Store) ListTrades(ctx context.Context, symbol string, limit int) ([]ledger.Trade, error) {
	if limit <= 0 || limit > TradeWindow {
		limit = TradeWindow
	}
	trades, err := readThrough(ctx, s, s.tradesKey(symbol), func() ([]ledger.Trade, error) {
		return s.Store.ListTrades(ctx, symbol, TradeWindow)
	})
	if err != nil {
		return nil, err
	}
	if len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

// readThrough serves key from redis or fills it from fetch. The fill only
// lands if no commit evicted key between the miss and the write.
func readThrough[T any](ctx context.Context, s *Store, key string, fetch func() (T, error)) (T, error) {
	var cached T
	gen, hit, err := s.load(ctx, key, &cached)
	if hit {
		return cached, nil
	}
	v, ferr := fetch()
	if ferr != nil {
		var zero T
		return zero, ferr
	}
	if err == nil {
		s.save(ctx, key, gen, v)
	}
	return v, nil
}

// InTx runs fn against the wrapped store and, after a successful commit,
// evicts every entry the transaction may have made stale.
func (s *Store) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	var touched *touchSet
	err := s.Store.InTx(ctx, func(tx ledger.Tx) error {
		rec := &recordingTx{Tx: tx, touched: newTouchSet()}
		touched = rec.touched
		return fn(rec)
	})
	if err != nil {
		return err
	}
	if touched != nil {
		s.evict(ctx, touched)
	}
	return nil
}

func (s *Store) evict(ctx context.Context, touched *touchSet) {
	keys := make([]string, 0, len(touched.orders)+len(touched.users)+2*len(touched.books))
	for id := range touched.orders {
		keys = append(keys, s.orderKey(id))
	}
	for id := range touched.users {
		keys = append(keys, s.userKey(id))
	}
	for symbol := range touched.books {
		keys = append(keys, s.bookKey(symbol))
	}
	for symbol := range touched.trades {
		keys = append(keys, s.tradesKey(symbol))
	}
	if len(keys) == 0 {
		return
	}
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, key := range keys {
			p.Incr(ctx, genKey(key))
			p.PExpire(ctx, genKey(key), generationTTL*s.ttl)
		}
		p.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		s.logger.Warn("cache eviction failed", "keys", len(keys), "error", err)
	}
}

// load reports a hit together with the generation observed for key. Redis
// failures are logged and returned so that the caller skips the fill.
func (s *Store) load(ctx context.Context, key string, out any) (string, bool, error) {
	vals, err := s.client.MGet(ctx, key, genKey(key)).Result()
	if err != nil {
		s.logger.Warn("cache read failed", "key", key, "error", err)
		return "", false, err
	}
	gen := "0"
	if g, ok := vals[1].(string); ok {
		gen = g
	}
	raw, ok := vals[0].(string)
	if !ok {
		return gen, false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		s.logger.Warn("cache entry corrupt", "key", key, "error", err)
		return gen, false, nil
	}
	return gen, true, nil
}

func (s *Store) save(ctx context.Context, key, gen string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("cache encode failed", "key", key, "error", err)
		return
	}
	stored, err := fillIfCurrent.Run(ctx, s.client, []string{key, genKey(key)}, gen, b, s.ttl.Milliseconds()).Int()
	if err != nil {
		s.logger.Warn("cache write failed", "key", key, "error", err)
		return
	}
	if stored == 0 {
		s.logger.Debug("cache fill skipped after concurrent eviction", "key", key)
	}
}
