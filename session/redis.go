package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. Messages and metadata live in separate keys so
// listings never deserialize full conversations.
const (
	messagesKeyPrefix = "conversation:"
	metaKeyPrefix     = "conversation_meta:"
	userSetKeyPrefix  = "user_sessions:"
)

// RedisBackend persists sessions in Redis with a sliding TTL: every save
// refreshes the expiry on all three keys.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBackend wraps an existing client. ttl <= 0 means 30 days.
func NewRedisBackend(client *redis.Client, ttl time.Duration) *RedisBackend {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisBackend{client: client, ttl: ttl}
}

// Save writes the full session: messages, metadata, and the user's index
// entry scored by update time for newest-first listings.
func (b *RedisBackend) Save(ctx context.Context, s *Session) error {
	msgs, err := json.Marshal(s.Messages)
	if err != nil {
		return fmt.Errorf("serializing messages for %s: %w", s.ID, err)
	}
	meta, err := json.Marshal(s.meta())
	if err != nil {
		return fmt.Errorf("serializing metadata for %s: %w", s.ID, err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, messagesKeyPrefix+s.ID, msgs, b.ttl)
	pipe.Set(ctx, metaKeyPrefix+s.ID, meta, b.ttl)
	if s.UserID != "" {
		setKey := userSetKeyPrefix + s.UserID
		pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(s.UpdatedAt.UnixMilli()), Member: s.ID})
		pipe.Expire(ctx, setKey, b.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persisting session %s: %w", s.ID, err)
	}
	return nil
}

// Load rebuilds a session from its metadata and message keys.
func (b *RedisBackend) Load(ctx context.Context, sessionID string) (*Session, error) {
	metaRaw, err := b.client.Get(ctx, metaKeyPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(metaRaw, &m); err != nil {
		return nil, fmt.Errorf("decoding metadata for %s: %w", sessionID, err)
	}

	s := &Session{
		ID:               m.ID,
		UserID:           m.UserID,
		Title:            m.Title,
		ExpedienteNumero: m.ExpedienteNumero,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}

	msgsRaw, err := b.client.Get(ctx, messagesKeyPrefix+sessionID).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		// Metadata outlived the messages; treat as an empty conversation.
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(msgsRaw, &s.Messages); err != nil {
			return nil, fmt.Errorf("decoding messages for %s: %w", sessionID, err)
		}
	}
	return s, nil
}

// Delete removes a session's keys and its index entry. Ownership is
// enforced here as well so callers going straight to the backend cannot
// delete someone else's conversation.
func (b *RedisBackend) Delete(ctx context.Context, sessionID, userID string) error {
	s, err := b.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.UserID != "" && s.UserID != userID {
		return fmt.Errorf("%w: session %s", ErrForbidden, sessionID)
	}

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, messagesKeyPrefix+sessionID, metaKeyPrefix+sessionID)
	if s.UserID != "" {
		pipe.ZRem(ctx, userSetKeyPrefix+s.UserID, sessionID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// List returns the user's session metadata, newest first. Index entries
// whose metadata expired are dropped from the set on the way through.
func (b *RedisBackend) List(ctx context.Context, userID string, limit int) ([]Meta, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := b.client.ZRevRange(ctx, userSetKeyPrefix+userID, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	metas := make([]Meta, 0, len(ids))
	for _, id := range ids {
		raw, err := b.client.Get(ctx, metaKeyPrefix+id).Bytes()
		if errors.Is(err, redis.Nil) {
			b.client.ZRem(ctx, userSetKeyPrefix+userID, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		var m Meta
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", id, err)
		}
		metas = append(metas, m)
	}
	return metas, nil
}
