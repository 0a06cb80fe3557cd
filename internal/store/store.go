// Package store is the typed Postgres access layer for conversations,
// messages, presence records and profiles. It shapes queries and maps rows;
// business rules (optimistic sends, read-marking policy, presence derivation)
// live in the callers. No retries are performed here.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MessageKind discriminates text messages from voice notes.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindAudio MessageKind = "audio"
)

// Conversation is a two-party thread anchored to one publication. The
// unordered participant pair is unique per publication (enforced by a
// unique index, see migrations).
type Conversation struct {
	ID            string
	ParticipantA  string
	ParticipantB  string
	PublicationID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Peer returns the other participant's user ID.
func (c *Conversation) Peer(userID string) string {
	if userID == c.ParticipantA {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// IsParticipant reports whether userID is one of the two participants.
func (c *Conversation) IsParticipant(userID string) bool {
	return userID == c.ParticipantA || userID == c.ParticipantB
}

// Message is a single timeline entry. Content and kind are immutable once
// created; only the read flag changes afterwards.
type Message struct {
	ID                   string      `json:"id"`
	ConversationID       string      `json:"conversation_id"`
	SenderID             string      `json:"sender_id"`
	Kind                 MessageKind `json:"kind"`
	Content              string      `json:"content"`
	Read                 bool        `json:"read"`
	AudioURL             string      `json:"audio_url,omitempty"`
	AudioDurationSeconds int         `json:"audio_duration_seconds,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
}

// PresenceRecord is the persisted per-user last-seen state, refreshed by the
// owner's heartbeat and read by peers.
type PresenceRecord struct {
	UserID     string
	LastSeenAt time.Time
	IsOnline   bool
}

// Profile is the enriched participant shape. A missing row resolves to a
// Profile with only the ID set, so callers never branch on lookup failure.
type Profile struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name,omitempty"`
	ClubName  string `json:"club_name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// DisplayName prefers the personal name and falls back to the club name,
// matching how the marketplace renders either a player or a club.
func (p *Profile) DisplayName() string {
	if p.FullName != "" {
		return p.FullName
	}
	return p.ClubName
}

// StoreError wraps any failure from the backing store with the operation
// that produced it. The underlying cause is preserved for errors.Is/As.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// ErrConversationNotFound is returned when a conversation lookup matches
// no row.
var ErrConversationNotFound = errors.New("store: conversation not found")

// Store provides typed access to the chat schema.
type Store struct {
	db *sql.DB
}

// New opens a Postgres connection, applies pending migrations from the
// embedded migration files, and returns a ready Store.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle without running migrations.
// Used by tests that manage their own schema lifecycle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
