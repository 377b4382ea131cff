// Package ledgertest provides an in-memory ledger.Store for tests.
//
// Transactions are serialized and copy-on-write: fn works on a private copy
// of the state which replaces the committed state only when fn returns nil.
// Mutations are rejected unless the row was first read with a ForUpdate
// finder in the same transaction, and every lock taken is recorded so tests
// can assert acquisition order.
package ledgertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/libs/money"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
)

var ErrNotLocked = errors.New("row mutated without lock")

type assetKey struct {
	userID int64
	symbol string
}

type state struct {
	users         map[int64]ledger.User
	assets        map[assetKey]ledger.Asset
	orders        map[int64]ledger.Order
	trades        map[int64]ledger.Trade
	notifications []ledger.Notification
	seq           int64
	tick          int64
}

func (s *state) clone() *state {
	out := &state{
		users:         make(map[int64]ledger.User, len(s.users)),
		assets:        make(map[assetKey]ledger.Asset, len(s.assets)),
		orders:        make(map[int64]ledger.Order, len(s.orders)),
		trades:        make(map[int64]ledger.Trade, len(s.trades)),
		notifications: append([]ledger.Notification(nil), s.notifications...),
		seq:           s.seq,
		tick:          s.tick,
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.assets {
		out.assets[k] = v
	}
	for k, v := range s.orders {
		out.orders[k] = v
	}
	for k, v := range s.trades {
		out.trades[k] = v
	}
	return out
}

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

// now is a logical clock so that created_at is strictly increasing.
func (s *state) now() time.Time {
	s.tick++
	return epoch.Add(time.Duration(s.tick) * time.Millisecond)
}

type Store struct {
	mu        sync.Mutex
	st        *state
	lockTrace []string
	txCount   int
}

var _ ledger.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: &state{
		users:  make(map[int64]ledger.User),
		assets: make(map[assetKey]ledger.Asset),
		orders: make(map[int64]ledger.Order),
		trades: make(map[int64]ledger.Trade),
	}}
}

func (s *Store) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{st: s.st.clone(), locked: make(map[string]bool)}
	err := fn(t)
	s.lockTrace = t.trace
	s.txCount++
	if err != nil {
		return err
	}
	s.st = t.st
	return nil
}

// LockTrace returns the row locks taken by the most recent transaction,
// in acquisition order.
func (s *Store) LockTrace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lockTrace...)
}

func (s *Store) TxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount
}

// AddUser seeds a user holding balance USD.
func (s *Store) AddUser(name string, balance string) ledger.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.st.now()
	u := ledger.User{
		ID:        s.st.nextID(),
		Name:      name,
		Email:     fmt.Sprintf("%s@example.test", name),
		Balance:   money.MustParse(balance),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.st.users[u.ID] = u
	return u
}

// SetAsset seeds or overwrites the (user, symbol) asset row.
func (s *Store) SetAsset(userID int64, symbol, amount, locked string) ledger.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := assetKey{userID, symbol}
	a, ok := s.st.assets[key]
	if !ok {
		a = ledger.Asset{ID: s.st.nextID(), UserID: userID, Symbol: symbol, CreatedAt: s.st.now()}
	}
	a.Amount = money.MustParse(amount)
	a.LockedAmount = money.MustParse(locked)
	a.UpdatedAt = s.st.now()
	s.st.assets[key] = a
	return a
}

func (s *Store) Users() []ledger.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.User, 0, len(s.st.users))
	for _, u := range s.st.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Assets() []ledger.Asset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Asset, 0, len(s.st.assets))
	for _, a := range s.st.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Orders() []ledger.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedOrders(s.st.orders, nil)
}

func (s *Store) Trades() []ledger.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Trade, 0, len(s.st.trades))
	for _, t := range s.st.trades {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Notifications() []ledger.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.Notification(nil), s.st.notifications...)
}

func (s *Store) GetUser(ctx context.Context, userID int64) (ledger.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.st.users[userID]
	if !ok {
		return ledger.User{}, ledger.ErrUserNotFound
	}
	return u, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID int64) (ledger.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.st.orders[orderID]
	if !ok {
		return ledger.Order{}, ledger.ErrOrderNotFound
	}
	return o, nil
}

func (s *Store) GetAsset(ctx context.Context, userID int64, symbol string) (ledger.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.assets[assetKey{userID, symbol}]
	if !ok {
		return ledger.Asset{}, ledger.ErrAssetNotFound
	}
	return a, nil
}

func (s *Store) ListAssets(ctx context.Context, userID int64) ([]ledger.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []ledger.Asset{}
	for _, a := range s.st.assets {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Store) ListOpenOrders(ctx context.Context, filter ledger.OrderFilter) ([]ledger.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := filter.EffectiveStatus()
	out := sortedOrders(s.st.orders, func(o ledger.Order) bool {
		if o.Symbol != filter.Symbol || o.Status != status {
			return false
		}
		return filter.Side == nil || o.Side == *filter.Side
	})
	sort.SliceStable(out, func(i, j int) bool {
		return bookLess(out[i], out[j])
	})
	return out, nil
}

// bookLess orders by side, then best price first, then time.
func bookLess(a, b ledger.Order) bool {
	if a.Side != b.Side {
		return a.Side == ledger.SideBuy
	}
	if c := a.Price.Cmp(b.Price); c != 0 {
		if a.Side == ledger.SideBuy {
			return c > 0
		}
		return c < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) ListUserOrders(ctx context.Context, userID int64) ([]ledger.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := sortedOrders(s.st.orders, func(o ledger.Order) bool { return o.UserID == userID })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) ListTrades(ctx context.Context, symbol string, limit int) ([]ledger.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []ledger.Trade{}
	for _, t := range s.st.trades {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateNotification(ctx context.Context, n ledger.Notification) (ledger.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.users[n.UserID]; !ok {
		return ledger.Notification{}, ledger.ErrUserNotFound
	}
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if len(n.Data) == 0 {
		n.Data = json.RawMessage("{}")
	}
	n.CreatedAt = s.st.now()
	s.st.notifications = append(s.st.notifications, n)
	return n, nil
}

func (s *Store) ListNotifications(ctx context.Context, userID int64, limit int) ([]ledger.Notification, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []ledger.Notification{}
	unread := 0
	for _, n := range s.st.notifications {
		if n.UserID != userID {
			continue
		}
		if n.ReadAt == nil {
			unread++
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ui, uj := out[i].ReadAt == nil, out[j].ReadAt == nil
		if ui != uj {
			return ui
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, unread, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, userID int64, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.st.notifications {
		if n.ID == id && n.UserID == userID {
			if n.ReadAt == nil {
				now := s.st.now()
				s.st.notifications[i].ReadAt = &now
			}
			return nil
		}
	}
	return ledger.ErrNotificationNotFound
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i, item := range s.st.notifications {
		if item.UserID == userID && item.ReadAt == nil {
			now := s.st.now()
			s.st.notifications[i].ReadAt = &now
			n++
		}
	}
	return n, nil
}

func sortedOrders(orders map[int64]ledger.Order, keep func(ledger.Order) bool) []ledger.Order {
	out := make([]ledger.Order, 0, len(orders))
	for _, o := range orders {
		if keep == nil || keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
