package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Message is one durable row of the ingestion feed.
type Message struct {
	ID            int64     `json:"id"`
	PlatformMsgID int64     `json:"platform_msg_id"`
	ChatID        int64     `json:"chat_id"`
	ChatTitle     string    `json:"chat_title,omitempty"`
	SenderID      int64     `json:"sender_id,omitempty"`
	SenderName    string    `json:"sender_name,omitempty"`
	Text          string    `json:"text,omitempty"`
	MediaType     string    `json:"media_type,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Processed     bool      `json:"processed"`
}

// Contact is one known counterpart on the messaging platform.
type Contact struct {
	ID         int64  `json:"id"`
	PlatformID int64  `json:"platform_id"`
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	ChatType   string `json:"chat_type,omitempty"`
}

// SaveMessage lands an inbound message. Redelivered updates collapse on the
// (platform_msg_id, chat_id) unique key; duplicates report inserted=false
// without touching the stored row.
func (s *Store) SaveMessage(ctx context.Context, m Message) (id int64, inserted bool, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO messages
				(platform_msg_id, chat_id, chat_title, sender_id, sender_name,
				 text, media_type, timestamp, processed)
			VALUES (?, ?, NULLIF(?, ''), NULLIF(?, 0), NULLIF(?, ''),
				NULLIF(?, ''), NULLIF(?, ''), ?, 0)
			ON CONFLICT(platform_msg_id, chat_id) DO NOTHING;
		`, m.PlatformMsgID, m.ChatID, m.ChatTitle, m.SenderID, m.SenderName,
			m.Text, m.MediaType, m.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("save message: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("message rows affected: %w", err)
		}
		if affected == 0 {
			inserted = false
			return s.db.QueryRowContext(ctx, `
				SELECT id FROM messages WHERE platform_msg_id = ? AND chat_id = ?;
			`, m.PlatformMsgID, m.ChatID).Scan(&id)
		}
		inserted = true
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, inserted, nil
}

// UnprocessedMessages returns feed rows not yet run through classification,
// oldest first.
func (s *Store) UnprocessedMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, platform_msg_id, chat_id, chat_title, sender_id, sender_name,
			text, media_type, timestamp, processed
		FROM messages
		WHERE processed = 0
		ORDER BY timestamp ASC, id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var chatTitle, senderName, text, mediaType sql.NullString
		var senderID sql.NullInt64
		if err := rows.Scan(&m.ID, &m.PlatformMsgID, &m.ChatID, &chatTitle, &senderID,
			&senderName, &text, &mediaType, &m.Timestamp, &m.Processed); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ChatTitle = chatTitle.String
		m.SenderID = senderID.Int64
		m.SenderName = senderName.String
		m.Text = text.String
		m.MediaType = mediaType.String
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// ChatContext returns the most recent messages in one chat up to and
// including beforeID, oldest first. Classification prompts use this as
// surrounding context.
func (s *Store) ChatContext(ctx context.Context, chatID, beforeID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, platform_msg_id, chat_id, chat_title, sender_id, sender_name,
			text, media_type, timestamp, processed
		FROM messages
		WHERE chat_id = ? AND id <= ?
		ORDER BY id DESC
		LIMIT ?;
	`, chatID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat context: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var chatTitle, senderName, text, mediaType sql.NullString
		var senderID sql.NullInt64
		if err := rows.Scan(&m.ID, &m.PlatformMsgID, &m.ChatID, &chatTitle, &senderID,
			&senderName, &text, &mediaType, &m.Timestamp, &m.Processed); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ChatTitle = chatTitle.String
		m.SenderID = senderID.Int64
		m.SenderName = senderName.String
		m.Text = text.String
		m.MediaType = mediaType.String
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse to chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MarkMessageProcessed flips the processed flag after classification.
func (s *Store) MarkMessageProcessed(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE messages SET processed = 1 WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("mark message processed: %w", err)
		}
		return nil
	})
}

// UpsertContact records or refreshes a platform counterpart.
func (s *Store) UpsertContact(ctx context.Context, c Contact) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO contacts (platform_id, name, phone, chat_type)
			VALUES (?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''))
			ON CONFLICT(platform_id) DO UPDATE SET
				name = COALESCE(excluded.name, name),
				phone = COALESCE(excluded.phone, phone),
				chat_type = COALESCE(excluded.chat_type, chat_type);
		`, c.PlatformID, c.Name, c.Phone, c.ChatType)
		if err != nil {
			return fmt.Errorf("upsert contact: %w", err)
		}
		return nil
	})
}

// ContactName resolves a platform counterpart's display name, empty when
// unknown.
func (s *Store) ContactName(ctx context.Context, platformID int64) (string, error) {
	var name sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT name FROM contacts WHERE platform_id = ?;
	`, platformID).Scan(&name)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("contact lookup: %w", err)
	}
	return name.String, nil
}
