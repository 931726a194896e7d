package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"
)

const defaultNotificationsLimit = 50

func (s *sqliteStore) CreateNotification(ctx context.Context, n Notification) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if n.Delivery == "" {
		n.Delivery = DeliveryPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(kind, title, content, read, job_id, session_id, delivery, created_at_ms)
		 VALUES(?,?,?,0,?,?,?,?)`,
		string(n.Kind), n.Title, n.Content, nullStr(n.JobID), nullStr(n.SessionID), string(n.Delivery), s.nowMs(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "create notification")
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ListNotifications(ctx context.Context, f NotificationFilter) ([]Notification, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultNotificationsLimit
	}
	q := `SELECT id, kind, title, content, read, job_id, session_id, delivery, delivery_error, created_at_ms
		  FROM notifications`
	if f.UnreadOnly {
		q += ` WHERE read = 0`
	}
	q += ` ORDER BY created_at_ms DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n                        Notification
			kind, delivery           string
			read                     int
			jobID, session, delivErr sql.NullString
			createdMs                int64
		)
		if err := rows.Scan(&n.ID, &kind, &n.Title, &n.Content, &read, &jobID, &session, &delivery, &delivErr, &createdMs); err != nil {
			return nil, err
		}
		n.Kind = NotificationKind(kind)
		n.Read = read != 0
		n.JobID = jobID.String
		n.SessionID = session.String
		n.Delivery = Delivery(delivery)
		n.DeliveryError = delivErr.String
		n.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UnreadCount(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE read = 0`).Scan(&n)
	return n, err
}

func (s *sqliteStore) MarkNotificationRead(ctx context.Context, id int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) MarkAllNotificationsRead(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE read = 0`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) SetNotificationDelivery(ctx context.Context, id int64, d Delivery, errMsg string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET delivery = ?, delivery_error = ? WHERE id = ?`,
		string(d), nullStr(errMsg), id,
	)
	return err
}
