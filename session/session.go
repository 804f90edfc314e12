// Package session keeps chat conversations in two layers: a hot in-process
// map for the sessions this instance is actively serving, and Redis for
// durability across processes and restarts.
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for unknown sessions.
	ErrNotFound = errors.New("session: not found")

	// ErrForbidden is returned when a user touches a session they do not own.
	ErrForbidden = errors.New("session: forbidden")
)

// DefaultTitle is the title of a session before auto-generation kicks in.
const DefaultTitle = "Nueva conversación"

// Message roles.
const (
	RoleHuman = "human"
	RoleAI    = "ai"
)

// Message is one turn of a conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a full conversation record.
type Session struct {
	ID               string    `json:"session_id"`
	UserID           string    `json:"user_id"`
	Title            string    `json:"title"`
	ExpedienteNumero string    `json:"expediente_numero,omitempty"`
	CreatedAt        time.Time `json:"created_ts"`
	UpdatedAt        time.Time `json:"updated_ts"`
	Messages         []Message `json:"messages"`
}

// Meta is the metadata view of a session, used in listings.
type Meta struct {
	ID               string    `json:"session_id"`
	UserID           string    `json:"user_id"`
	Title            string    `json:"title"`
	ExpedienteNumero string    `json:"expediente_numero,omitempty"`
	CreatedAt        time.Time `json:"created_ts"`
	UpdatedAt        time.Time `json:"updated_ts"`
	MessageCount     int       `json:"message_count"`
}

func (s *Session) meta() Meta {
	return Meta{
		ID:               s.ID,
		UserID:           s.UserID,
		Title:            s.Title,
		ExpedienteNumero: s.ExpedienteNumero,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
		MessageCount:     len(s.Messages),
	}
}

// Window returns the last limit messages. The full history stays intact;
// only the view handed to the LLM is bounded.
func (s *Session) Window(limit int) []Message {
	if limit <= 0 || len(s.Messages) <= limit {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-limit:]
}

// sessionIDPattern extracts the owning user from persisted session IDs of
// the form session_{user_id}_{epoch_ms}.
var sessionIDPattern = regexp.MustCompile(`^session_(.+)_\d+$`)

// InferUserID recovers the owner from a session ID, or "" when the ID does
// not follow the persisted format.
func InferUserID(sessionID string) string {
	m := sessionIDPattern.FindStringSubmatch(sessionID)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// Backend is the persistent layer.
type Backend interface {
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, sessionID string) (*Session, error)
	Delete(ctx context.Context, sessionID, userID string) error
	List(ctx context.Context, userID string, limit int) ([]Meta, error)
}

// Config controls history bounding and persistence TTL.
type Config struct {
	HistoryLimit int
	TTL          time.Duration
}

// Store is the dual-layer session store.
type Store struct {
	backend Backend
	cfg     Config

	mu  sync.Mutex
	hot map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	sess *Session
}

// NewStore builds a Store over the given backend. Zero config fields take
// the deployment defaults (20 messages, 30 days).
func NewStore(backend Backend, cfg Config) *Store {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	return &Store{backend: backend, cfg: cfg, hot: make(map[string]*entry)}
}

// HistoryLimit returns the bounded-context window size.
func (st *Store) HistoryLimit() int {
	return st.cfg.HistoryLimit
}

// acquire returns the locked hot entry for a session, hydrating from the
// backend or creating an empty session on double miss. Callers must unlock.
func (st *Store) acquire(ctx context.Context, sessionID string) (*entry, error) {
	st.mu.Lock()
	e, ok := st.hot[sessionID]
	if !ok {
		e = &entry{}
		st.hot[sessionID] = e
	}
	st.mu.Unlock()

	e.mu.Lock()
	if e.sess != nil {
		return e, nil
	}

	sess, err := st.backend.Load(ctx, sessionID)
	switch {
	case err == nil:
		e.sess = sess
	case errors.Is(err, ErrNotFound):
		now := time.Now()
		e.sess = &Session{
			ID:        sessionID,
			UserID:    InferUserID(sessionID),
			Title:     DefaultTitle,
			CreatedAt: now,
			UpdatedAt: now,
		}
	default:
		e.mu.Unlock()
		return nil, err
	}
	return e, nil
}

// Append adds one message and writes the session through to the backend.
// The session is created on first message.
func (st *Store) Append(ctx context.Context, sessionID, role, content string) error {
	e, err := st.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	now := time.Now()
	e.sess.Messages = append(e.sess.Messages, Message{Role: role, Content: content, Timestamp: now})
	e.sess.UpdatedAt = now

	if role == RoleHuman && e.sess.Title == DefaultTitle {
		e.sess.Title = autoTitle(content)
	}

	if err := st.backend.Save(ctx, e.sess); err != nil {
		return fmt.Errorf("persisting session %s: %w", sessionID, err)
	}
	return nil
}

// SetExpediente pins the session to an expediente, persisting the change.
func (st *Store) SetExpediente(ctx context.Context, sessionID, numero string) error {
	e, err := st.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if e.sess.ExpedienteNumero == numero {
		return nil
	}
	e.sess.ExpedienteNumero = numero
	e.sess.UpdatedAt = time.Now()
	return st.backend.Save(ctx, e.sess)
}

// autoTitle derives a session title from the first user message: the
// first 60 runes plus an ellipsis.
func autoTitle(content string) string {
	runes := []rune(content)
	if len(runes) > 60 {
		runes = runes[:60]
	}
	return string(runes) + "..."
}

// History returns the bounded message window the LLM is allowed to see.
func (st *Store) History(ctx context.Context, sessionID string) ([]Message, error) {
	e, err := st.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	window := e.sess.Window(st.cfg.HistoryLimit)
	out := make([]Message, len(window))
	copy(out, window)
	return out, nil
}

// Get returns the full session, enforcing ownership. Sessions that exist
// nowhere return ErrNotFound; a hot-map-only empty session counts as
// existing.
func (st *Store) Get(ctx context.Context, sessionID, userID string) (*Session, error) {
	st.mu.Lock()
	e, hot := st.hot[sessionID]
	st.mu.Unlock()

	var sess *Session
	if hot {
		e.mu.Lock()
		if e.sess != nil {
			cp := *e.sess
			cp.Messages = append([]Message(nil), e.sess.Messages...)
			sess = &cp
		}
		e.mu.Unlock()
	}
	if sess == nil {
		loaded, err := st.backend.Load(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		sess = loaded
	}

	if sess.UserID != "" && sess.UserID != userID {
		return nil, fmt.Errorf("%w: session %s", ErrForbidden, sessionID)
	}
	return sess, nil
}

// Delete removes a session from both layers. Only the owner may delete.
func (st *Store) Delete(ctx context.Context, sessionID, userID string) error {
	// Ownership check against whichever layer knows the session.
	if _, err := st.Get(ctx, sessionID, userID); err != nil {
		return err
	}

	if err := st.backend.Delete(ctx, sessionID, userID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	st.mu.Lock()
	delete(st.hot, sessionID)
	st.mu.Unlock()
	return nil
}

// List returns a user's sessions, newest first.
func (st *Store) List(ctx context.Context, userID string, limit int) ([]Meta, error) {
	metas, err := st.backend.List(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(metas, func(i, j int) bool {
		return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
	})
	return metas, nil
}
