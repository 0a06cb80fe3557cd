package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertPresence writes the user's presence row, stamping last_seen with the
// current server time. Called on channel join, on every heartbeat, and with
// online=false on clean departure.
func (s *Store) UpsertPresence(ctx context.Context, userID string, online bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_presence (user_id, last_seen, is_online)
		VALUES ($1, now(), $2)
		ON CONFLICT (user_id) DO UPDATE
		SET last_seen = now(), is_online = EXCLUDED.is_online`,
		userID, online)
	if err != nil {
		return wrap("upsert presence", err)
	}
	return nil
}

// GetPresence returns the user's presence row. A user with no row yet
// resolves to an offline record with a zero LastSeenAt.
func (s *Store) GetPresence(ctx context.Context, userID string) (*PresenceRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, last_seen, is_online FROM user_presence WHERE user_id = $1`, userID)

	rec := &PresenceRecord{}
	err := row.Scan(&rec.UserID, &rec.LastSeenAt, &rec.IsOnline)
	if errors.Is(err, sql.ErrNoRows) {
		return &PresenceRecord{UserID: userID}, nil
	}
	if err != nil {
		return nil, wrap("get presence", err)
	}
	return rec, nil
}

// SweepStalePresence marks rows online=false whose last heartbeat is older
// than maxAge. Covers clients that vanished without a clean leave. Returns
// the number of rows flipped.
func (s *Store) SweepStalePresence(ctx context.Context, maxAge time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_presence SET is_online = FALSE
		WHERE is_online AND last_seen < now() - ($1 * interval '1 second')`,
		maxAge.Seconds())
	if err != nil {
		return 0, wrap("sweep stale presence", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("sweep stale presence", err)
	}
	return n, nil
}

// GetProfile returns the enriched participant shape for a user. When the
// profile row is missing (account created before profile completion, or a
// user outside the mirrored set), it falls back to a Profile carrying only
// the ID, with every display field empty.
func (s *Store) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(full_name, ''), COALESCE(club_name, ''),
		       COALESCE(avatar_url, ''), COALESCE(phone, '')
		FROM profiles WHERE id = $1`, userID)

	p := &Profile{}
	err := row.Scan(&p.ID, &p.FullName, &p.ClubName, &p.AvatarURL, &p.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return &Profile{ID: userID}, nil
	}
	if err != nil {
		return nil, wrap("get profile", err)
	}
	return p, nil
}
