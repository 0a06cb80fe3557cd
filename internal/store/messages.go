package store

import (
	"context"
	"database/sql"
)

// ListMessages returns every message in the conversation ordered by creation
// time ascending. Postgres breaks creation-time ties by insertion order via
// the id tiebreak on the index scan; the explicit id column keeps the order
// deterministic either way.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, kind, content, read,
		       COALESCE(audio_url, ''), COALESCE(audio_duration_seconds, 0), created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, wrap("list messages", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Kind,
			&m.Content, &m.Read, &m.AudioURL, &m.AudioDurationSeconds, &m.CreatedAt)
		if err != nil {
			return nil, wrap("scan message", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list messages", err)
	}
	return out, nil
}

// InsertTextMessage persists a text message and returns it with the
// server-assigned id and timestamp. The conversation's updated_at is bumped
// in the same transaction so the list view sorts by activity.
func (s *Store) InsertTextMessage(ctx context.Context, conversationID, senderID, content string) (*Message, error) {
	return s.insertMessage(ctx, Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Kind:           KindText,
		Content:        content,
	})
}

// InsertAudioMessage persists a voice-note message carrying the uploaded
// blob's public URL and recorded duration.
func (s *Store) InsertAudioMessage(ctx context.Context, conversationID, senderID, caption, audioURL string, durationSeconds int) (*Message, error) {
	return s.insertMessage(ctx, Message{
		ConversationID:       conversationID,
		SenderID:             senderID,
		Kind:                 KindAudio,
		Content:              caption,
		AudioURL:             audioURL,
		AudioDurationSeconds: durationSeconds,
	})
}

func (s *Store) insertMessage(ctx context.Context, m Message) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("insert message", err)
	}
	defer tx.Rollback()

	var audioURL, audioDur interface{}
	if m.Kind == KindAudio {
		audioURL, audioDur = m.AudioURL, m.AudioDurationSeconds
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, kind, content, audio_url, audio_duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, read, created_at`,
		m.ConversationID, m.SenderID, m.Kind, m.Content, audioURL, audioDur)
	if err := row.Scan(&m.ID, &m.Read, &m.CreatedAt); err != nil {
		return nil, wrap("insert message", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = now() WHERE id = $1`, m.ConversationID)
	if err != nil {
		return nil, wrap("bump conversation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrap("insert message", err)
	}
	return &m, nil
}

// MarkConversationRead flags every unread message in the conversation that
// was not sent by readerID. Returns the number of rows updated. Calling it
// when nothing is unread is a no-op.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read = TRUE
		WHERE conversation_id = $1 AND sender_id <> $2 AND NOT read`,
		conversationID, readerID)
	if err != nil {
		return 0, wrap("mark conversation read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("mark conversation read", err)
	}
	return n, nil
}

// MarkMessageRead flags a single message as read. Idempotent: an already-read
// message updates zero rows and returns no error.
func (s *Store) MarkMessageRead(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read = TRUE WHERE id = $1 AND NOT read`, messageID)
	if err != nil {
		return wrap("mark message read", err)
	}
	return nil
}

// GetMessage fetches a single message by id. Returns (nil, nil) when the
// message does not exist.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, kind, content, read,
		       COALESCE(audio_url, ''), COALESCE(audio_duration_seconds, 0), created_at
		FROM messages WHERE id = $1`, id)

	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Kind,
		&m.Content, &m.Read, &m.AudioURL, &m.AudioDurationSeconds, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get message", err)
	}
	return &m, nil
}
