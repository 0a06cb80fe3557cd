package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// FindOrCreateConversation returns the conversation between the two users for
// the given publication, creating it if none exists. The lookup treats the
// participant pair as unordered. A concurrent create racing past the initial
// lookup is absorbed by the unique index plus a re-select.
func (s *Store) FindOrCreateConversation(ctx context.Context, publicationID, userA, userB string) (*Conversation, error) {
	conv, err := s.findConversation(ctx, publicationID, userA, userB)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (participant_a, participant_b, publication_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
		RETURNING id, participant_a, participant_b, publication_id, created_at, updated_at`,
		userA, userB, publicationID)

	conv = &Conversation{}
	err = row.Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB,
		&conv.PublicationID, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race: the unique index swallowed our insert.
		return s.findConversation(ctx, publicationID, userA, userB)
	}
	if err != nil {
		return nil, wrap("create conversation", err)
	}
	return conv, nil
}

func (s *Store) findConversation(ctx context.Context, publicationID, userA, userB string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, participant_a, participant_b, publication_id, created_at, updated_at
		FROM conversations
		WHERE publication_id = $1
		  AND LEAST(participant_a, participant_b) = LEAST($2, $3)
		  AND GREATEST(participant_a, participant_b) = GREATEST($2, $3)`,
		publicationID, userA, userB)

	conv := &Conversation{}
	err := row.Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB,
		&conv.PublicationID, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, wrap("find conversation", err)
	}
	return conv, nil
}

// GetConversation fetches a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, participant_a, participant_b, publication_id, created_at, updated_at
		FROM conversations WHERE id = $1`, id)

	conv := &Conversation{}
	err := row.Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB,
		&conv.PublicationID, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, wrap("get conversation", err)
	}
	return conv, nil
}

// ConversationSummary is one row of the conversation-list view: the thread,
// the peer's profile and presence row, the latest message, and the viewer's
// unread count.
type ConversationSummary struct {
	Conversation Conversation
	Peer         Profile
	PeerLastSeen time.Time
	LastMessage  *Message
	UnreadCount  int
}

// ListConversationSummaries returns all conversations the user participates
// in, most recently active first, with the per-thread detail the list view
// renders. Peer profiles and presence rows may be absent; they resolve to
// zero values rather than errors.
func (s *Store) ListConversationSummaries(ctx context.Context, userID string) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.participant_a, c.participant_b, c.publication_id,
		       c.created_at, c.updated_at,
		       COALESCE(p.full_name, ''), COALESCE(p.club_name, ''),
		       COALESCE(p.avatar_url, ''), COALESCE(p.phone, ''),
		       COALESCE(up.last_seen, 'epoch'::timestamptz),
		       lm.id, lm.sender_id, lm.kind, lm.content, lm.read,
		       lm.audio_url, lm.audio_duration_seconds, lm.created_at,
		       (SELECT COUNT(*) FROM messages u
		        WHERE u.conversation_id = c.id AND u.sender_id <> $1 AND NOT u.read)
		FROM conversations c
		JOIN LATERAL (
		    SELECT CASE WHEN c.participant_a = $1 THEN c.participant_b
		                ELSE c.participant_a END AS peer_id
		) peer ON TRUE
		LEFT JOIN profiles p ON p.id = peer.peer_id
		LEFT JOIN user_presence up ON up.user_id = peer.peer_id
		LEFT JOIN LATERAL (
		    SELECT m.id, m.sender_id, m.kind, m.content, m.read,
		           m.audio_url, m.audio_duration_seconds, m.created_at
		    FROM messages m
		    WHERE m.conversation_id = c.id
		    ORDER BY m.created_at DESC
		    LIMIT 1
		) lm ON TRUE
		WHERE c.participant_a = $1 OR c.participant_b = $1
		ORDER BY c.updated_at DESC`, userID)
	if err != nil {
		return nil, wrap("list conversation summaries", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var (
			cs       ConversationSummary
			lmID     sql.NullString
			lmSender sql.NullString
			lmKind   sql.NullString
			lmBody   sql.NullString
			lmRead   sql.NullBool
			lmURL    sql.NullString
			lmDur    sql.NullInt64
			lmAt     sql.NullTime
		)
		err := rows.Scan(
			&cs.Conversation.ID, &cs.Conversation.ParticipantA,
			&cs.Conversation.ParticipantB, &cs.Conversation.PublicationID,
			&cs.Conversation.CreatedAt, &cs.Conversation.UpdatedAt,
			&cs.Peer.FullName, &cs.Peer.ClubName, &cs.Peer.AvatarURL, &cs.Peer.Phone,
			&cs.PeerLastSeen,
			&lmID, &lmSender, &lmKind, &lmBody, &lmRead, &lmURL, &lmDur, &lmAt,
			&cs.UnreadCount,
		)
		if err != nil {
			return nil, wrap("scan conversation summary", err)
		}
		cs.Peer.ID = cs.Conversation.Peer(userID)
		if lmID.Valid {
			cs.LastMessage = &Message{
				ID:                   lmID.String,
				ConversationID:       cs.Conversation.ID,
				SenderID:             lmSender.String,
				Kind:                 MessageKind(lmKind.String),
				Content:              lmBody.String,
				Read:                 lmRead.Bool,
				AudioURL:             lmURL.String,
				AudioDurationSeconds: int(lmDur.Int64),
				CreatedAt:            lmAt.Time,
			}
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list conversation summaries", err)
	}
	return out, nil
}
