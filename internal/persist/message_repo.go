package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type Message struct {
	ID                int64
	FromUserID        int64
	ToUserID          int64
	Subject           string
	Body              string
	CreatedAt         time.Time
	ReadAt            *time.Time
	DeletedBySender   bool
	DeletedByReceiver bool
}

type MessageRepo struct {
	db *DB
}

func NewMessageRepo(db *DB) *MessageRepo {
	return &MessageRepo{db: db}
}

func (r *MessageRepo) Send(ctx context.Context, fromUserID, toUserID int64, subject, body string) (*Message, error) {
	m := &Message{FromUserID: fromUserID, ToUserID: toUserID, Subject: subject, Body: body}
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO messages (from_user_id, to_user_id, subject, body)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		fromUserID, toUserID, subject, body,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return m, nil
}

// Inbox returns undeleted messages addressed to userID, newest first.
func (r *MessageRepo) Inbox(ctx context.Context, userID int64) ([]*Message, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, from_user_id, to_user_id, subject, body, created_at, read_at,
		        deleted_by_sender, deleted_by_receiver
		 FROM messages WHERE to_user_id = $1 AND deleted_by_receiver = FALSE
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("inbox: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.FromUserID, &m.ToUserID, &m.Subject, &m.Body,
			&m.CreatedAt, &m.ReadAt, &m.DeletedBySender, &m.DeletedByReceiver); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *MessageRepo) ByID(ctx context.Context, id int64) (*Message, error) {
	m := &Message{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, from_user_id, to_user_id, subject, body, created_at, read_at,
		        deleted_by_sender, deleted_by_receiver
		 FROM messages WHERE id = $1`, id,
	).Scan(&m.ID, &m.FromUserID, &m.ToUserID, &m.Subject, &m.Body,
		&m.CreatedAt, &m.ReadAt, &m.DeletedBySender, &m.DeletedByReceiver)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("message by id: %w", err)
	}
	return m, nil
}

func (r *MessageRepo) MarkRead(ctx context.Context, id int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE messages SET read_at = NOW() WHERE id = $1 AND read_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("mark message read: %w", err)
	}
	return nil
}

// Delete soft-deletes the message for whichever side (sender or
// receiver) owns userID; a message disappears from storage only once
// both sides have deleted their view of it.
func (r *MessageRepo) Delete(ctx context.Context, id, userID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE messages SET
		    deleted_by_sender   = deleted_by_sender   OR from_user_id = $2,
		    deleted_by_receiver = deleted_by_receiver OR to_user_id   = $2
		 WHERE id = $1`, id, userID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx,
		`DELETE FROM messages WHERE id = $1 AND deleted_by_sender AND deleted_by_receiver`, id)
	if err != nil {
		return fmt.Errorf("purge deleted message: %w", err)
	}
	return nil
}
