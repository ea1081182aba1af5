// Package session persists conversation sessions in Redis.
//
// Each session is one JSON document under agenthub:session:<id>, with the
// set agenthub:sessions as the listing index. Histories are capped at
// MaxMessages: older turns fall off the front.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agenthub/agenthub/pkg/anthropic"
)

// MaxMessages caps a stored history.
const MaxMessages = 1000

const (
	keyPrefix = "agenthub:session:"
	indexKey  = "agenthub:sessions"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Session is the stored state of one conversation.
type Session struct {
	ID        string              `json:"session_id"`
	Name      string              `json:"name"`
	Model     string              `json:"model"`
	System    string              `json:"system,omitempty"`
	MaxTokens int                 `json:"max_tokens"`
	CreatedAt time.Time           `json:"created_at"`
	Messages  []anthropic.Message `json:"messages"`
}

// Summary is the listing view of a session, without the history.
type Summary struct {
	ID           string    `json:"session_id"`
	Name         string    `json:"name"`
	Model        string    `json:"model"`
	System       string    `json:"system,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
}

// Store reads and writes sessions in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a Store on the given Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Create persists a new empty session and returns it. The placeholder name is
// replaced with the first user message once one is saved.
func (s *Store) Create(ctx context.Context, model, system string, maxTokens int) (*Session, error) {
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	sess := &Session{
		ID:        uuid.NewString(),
		Model:     model,
		System:    system,
		MaxTokens: maxTokens,
		CreatedAt: time.Now().UTC(),
		Messages:  []anthropic.Message{},
	}
	sess.Name = "Agent-" + sess.ID[:4]

	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	if err := s.client.SAdd(ctx, indexKey, sess.ID).Err(); err != nil {
		return nil, fmt.Errorf("indexing session %s: %w", sess.ID, err)
	}
	return sess, nil
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &sess, nil
}

// Exists reports whether a session id is known.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("checking session %s: %w", id, err)
	}
	return n > 0, nil
}

// SaveMessages replaces a session's history, trimming to the newest
// MaxMessages. A session still carrying its placeholder name is renamed
// after the first stored user message.
func (s *Store) SaveMessages(ctx context.Context, id string, messages []anthropic.Message) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if len(messages) > MaxMessages {
		messages = messages[len(messages)-MaxMessages:]
	}
	sess.Messages = messages

	if strings.HasPrefix(sess.Name, "Agent-") {
		for _, m := range messages {
			if m.Role != "user" {
				continue
			}
			var text string
			if json.Unmarshal(m.Content, &text) != nil {
				continue
			}
			if name := trimName(text); name != "" {
				sess.Name = name
			}
			break
		}
	}
	return s.write(ctx, sess)
}

// List returns summaries of all sessions, newest first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	summaries := make([]Summary, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err == ErrNotFound {
			// Index entry for a vanished key; drop it.
			s.client.SRem(ctx, indexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, Summary{
			ID:           sess.ID,
			Name:         sess.Name,
			Model:        sess.Model,
			System:       sess.System,
			CreatedAt:    sess.CreatedAt,
			MessageCount: len(sess.Messages),
		})
	}
	for i := 1; i < len(summaries); i++ {
		for j := i; j > 0 && summaries[j-1].CreatedAt.Before(summaries[j].CreatedAt); j-- {
			summaries[j-1], summaries[j] = summaries[j], summaries[j-1]
		}
	}
	return summaries, nil
}

// ClearHistory empties a session's message history, keeping its settings.
func (s *Store) ClearHistory(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Messages = []anthropic.Message{}
	return s.write(ctx, sess)
}

// ClearAllHistory empties every session's history.
func (s *Store) ClearAllHistory(ctx context.Context) error {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	for _, id := range ids {
		if err := s.ClearHistory(ctx, id); err != nil && err != ErrNotFound {
			return err
		}
	}
	return nil
}

// Delete removes a session. Deleting an unknown id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	if err := s.client.SRem(ctx, indexKey, id).Err(); err != nil {
		return fmt.Errorf("unindexing session %s: %w", id, err)
	}
	return nil
}

// DeleteAll removes every session.
func (s *Store) DeleteAll(ctx context.Context) error {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) write(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}
	if err := s.client.Set(ctx, keyPrefix+sess.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("storing session %s: %w", sess.ID, err)
	}
	return nil
}

// trimName derives a session name from a user message: the first 30
// characters, whitespace-trimmed. Truncation counts runes, not bytes, so a
// multibyte message never ends in a mangled character.
func trimName(text string) string {
	if runes := []rune(text); len(runes) > 30 {
		text = string(runes[:30])
	}
	return strings.TrimSpace(text)
}
