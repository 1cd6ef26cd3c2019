// Package conversation keeps short-term, per-user chat memory in a
// key-value cache with idle expiry. Memory is an optimization, never a
// requirement: cache failures degrade to "no history" on read so retrieval
// proceeds without memory rather than failing the query.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	// DefaultMaxMessages caps retained turns per user, oldest dropped first.
	DefaultMaxMessages = 10

	// DefaultTTL is the idle expiry, measured from the last write.
	DefaultTTL = 30 * time.Minute

	keyPrefix = "conversation:"
)

// Message is one retained turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// History is a user's retained conversation.
type History struct {
	UserID    string    `json:"user_id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cache is the key-value contract the store runs on. The production
// implementation is Redis; tests use an in-memory fake.
type Cache interface {
	// Get returns the stored value and whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Store reads and writes conversation history.
type Store struct {
	cache       Cache
	maxMessages int
	ttl         time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewStore creates a conversation store. maxMessages <= 0 and ttl <= 0
// fall back to the defaults.
func NewStore(cache Cache, maxMessages int, ttl time.Duration, logger *slog.Logger) *Store {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cache:       cache,
		maxMessages: maxMessages,
		ttl:         ttl,
		logger:      logger,
		now:         time.Now,
	}
}

// Get returns the user's history, or an empty history when none exists.
// It never returns an error: a failing cache is logged and treated as
// "no history".
func (s *Store) Get(ctx context.Context, userID string) *History {
	raw, found, err := s.cache.Get(ctx, keyPrefix+userID)
	if err != nil {
		s.logger.Warn("conversation cache read failed; continuing without memory",
			"user_id", userID, "error", err)
		return &History{UserID: userID}
	}
	if !found {
		return &History{UserID: userID}
	}

	var h History
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		s.logger.Warn("conversation history corrupt; discarding",
			"user_id", userID, "error", err)
		return &History{UserID: userID}
	}
	return &h
}

// Append adds one turn: load-or-create, push with a server timestamp, trim
// to the retained maximum (oldest first), and rewrite with the TTL reset —
// expiry is idle time from the last write, not a fixed lifetime.
func (s *Store) Append(ctx context.Context, userID, role, content string) error {
	return s.appendAll(ctx, userID, Message{Role: role, Content: content})
}

// AppendExchange records a completed query/answer pair as two turns in one
// cache write.
func (s *Store) AppendExchange(ctx context.Context, userID, question, answer string) error {
	return s.appendAll(ctx, userID,
		Message{Role: RoleUser, Content: question},
		Message{Role: RoleAssistant, Content: answer},
	)
}

func (s *Store) appendAll(ctx context.Context, userID string, msgs ...Message) error {
	now := s.now().UTC()

	h := s.Get(ctx, userID)
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	for _, m := range msgs {
		m.Timestamp = now
		h.Messages = append(h.Messages, m)
	}
	if over := len(h.Messages) - s.maxMessages; over > 0 {
		h.Messages = h.Messages[over:]
	}
	h.UpdatedAt = now

	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to encode conversation history: %w", err)
	}
	if err := s.cache.Set(ctx, keyPrefix+userID, string(raw), s.ttl); err != nil {
		return fmt.Errorf("failed to store conversation history: %w", err)
	}
	return nil
}
