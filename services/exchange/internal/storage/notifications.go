package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/ikarolaborda/limit-order-exchange-mini-engine/services/exchange/internal/ledger"
	"github.com/jackc/pgx/v5"
)

const maxNotificationLimit = 50

func (s *Store) CreateNotification(ctx context.Context, n ledger.Notification) (ledger.Notification, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if len(n.Data) == 0 {
		n.Data = json.RawMessage("{}")
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO notifications (id, user_id, type, data)
		VALUES ($1, $2, $3, $4)
		RETURNING id, user_id, type, data, read_at, created_at
	`, n.ID, n.UserID, n.Type, []byte(n.Data))
	created, err := scanNotification(row)
	if err != nil {
		return ledger.Notification{}, mapError(err)
	}
	return created, nil
}

// ListNotifications returns unread notifications first, newest first, and
// the total unread count.
func (s *Store) ListNotifications(ctx context.Context, userID int64, limit int) ([]ledger.Notification, int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, type, data, read_at, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY read_at ASC NULLS FIRST, created_at DESC
		LIMIT $2
	`, userID, clampLimit(limit, maxNotificationLimit))
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []ledger.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var unread int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM notifications WHERE user_id = $1 AND read_at IS NULL`, userID).Scan(&unread); err != nil {
		return nil, 0, fmt.Errorf("count unread: %w", err)
	}
	return out, unread, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, userID int64, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, now())
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotificationNotFound
	}
	return nil
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET read_at = now()
		WHERE user_id = $1 AND read_at IS NULL
	`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanNotification(row pgx.Row) (ledger.Notification, error) {
	var n ledger.Notification
	var data []byte
	if err := row.Scan(&n.ID, &n.UserID, &n.Type, &data, &n.ReadAt, &n.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Notification{}, ledger.ErrNotificationNotFound
		}
		return ledger.Notification{}, err
	}
	n.Data = json.RawMessage(data)
	return n, nil
}
