package store

import (
	"context"
)

type ChatStore interface {
	AddMessage(ctx context.Context, msg *ChatMessage) error
	RecentMessages(ctx context.Context, n int) ([]ChatMessage, error)
}

type chatStore struct {
	db *DB
}

func NewChatStore(db *DB) ChatStore {
	return &chatStore{db: db}
}

func (s *chatStore) AddMessage(ctx context.Context, msg *ChatMessage) error {
	msg.CreatedAt = now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages(id, author_id, author_role, author_name, body, image_url, created_at)
		VALUES(?,?,?,?,?,?,?)`,
		msg.ID, msg.AuthorID, string(msg.AuthorRole), msg.AuthorName, msg.Text, msg.ImageURL, msg.CreatedAt)
	return err
}

// RecentMessages returns the newest n messages in ascending time order.
func (s *chatStore) RecentMessages(ctx context.Context, n int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author_id, author_role, author_name, body, image_url, created_at FROM chat_messages
		ORDER BY created_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var role string
		if err := rows.Scan(&m.ID, &m.AuthorID, &role, &m.AuthorName, &m.Text, &m.ImageURL, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.AuthorRole = Role(role)
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}
