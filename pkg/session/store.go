package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/halte/internal/observability"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxMessages        = 20
	DefaultMaxLegacyExchanges = 10
	DefaultMaxRecentSearches  = 10
	DefaultTTL                = 30 * time.Minute
	DefaultTokenBudget        = 8000
)

// Config bounds the store.
type Config struct {
	MaxMessages        int
	MaxLegacyExchanges int
	MaxRecentSearches  int
	TTL                time.Duration
	TokenBudget        int
	Preferences        Preferences

	// Estimator prices a message in tokens. Defaults to ApproxTokens.
	Estimator TokenEstimator
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessages:        DefaultMaxMessages,
		MaxLegacyExchanges: DefaultMaxLegacyExchanges,
		MaxRecentSearches:  DefaultMaxRecentSearches,
		TTL:                DefaultTTL,
		TokenBudget:        DefaultTokenBudget,
		Preferences:        DefaultPreferences(),
		Estimator:          ApproxTokens,
		Clock:              time.Now,
	}
}

// Store maps user IDs to sessions.
type Store struct {
	cfg      Config
	mu       sync.Mutex
	sessions map[string]*Session

	hooksMu sync.RWMutex
	hooks   []EvictHook
}

// NewStore creates a store. Zero config fields take their defaults.
func NewStore(cfg Config) *Store {
	observability.EnsureRegistered()

	def := DefaultConfig()
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = def.MaxMessages
	}
	if cfg.MaxLegacyExchanges <= 0 {
		cfg.MaxLegacyExchanges = def.MaxLegacyExchanges
	}
	if cfg.MaxRecentSearches <= 0 {
		cfg.MaxRecentSearches = def.MaxRecentSearches
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = def.TokenBudget
	}
	if cfg.Preferences == (Preferences{}) {
		cfg.Preferences = def.Preferences
	}
	if cfg.Estimator == nil {
		cfg.Estimator = def.Estimator
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}

	return &Store{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// OnEvict registers a hook called whenever a session is expired, swept or reset.
func (s *Store) OnEvict(hook EvictHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

func (s *Store) notify(evicted []Session, reason EvictReason) {
	if len(evicted) == 0 {
		return
	}
	s.hooksMu.RLock()
	hooks := append([]EvictHook(nil), s.hooks...)
	s.hooksMu.RUnlock()

	for _, sess := range evicted {
		for _, hook := range hooks {
			hook(sess, reason)
		}
	}
}

func (s *Store) newSession(userID string, now time.Time) *Session {
	return &Session{
		ID:              uuid.New().String(),
		UserID:          userID,
		MessageHistory:  []Message{},
		LegacyExchanges: []Exchange{},
		RecentSearches:  []string{},
		Preferences:     s.cfg.Preferences,
		CreatedAt:       now,
		LastUpdated:     now,
	}
}

func (s *Store) expired(sess *Session, now time.Time) bool {
	return now.Sub(sess.LastUpdated) > s.cfg.TTL
}

// live returns the user's session, replacing an expired one. Caller holds s.mu.
// The replaced session, if any, is returned for eviction hooks.
func (s *Store) live(userID string, now time.Time) (*Session, *Session) {
	sess, ok := s.sessions[userID]
	if ok && !s.expired(sess, now) {
		return sess, nil
	}

	var old *Session
	if ok {
		old = sess
	}
	sess = s.newSession(userID, now)
	s.sessions[userID] = sess
	observability.SetActiveSessions(len(s.sessions))
	return sess, old
}

// mutate runs fn on the live session under the lock, refreshes LastUpdated
// and returns a copy.
func (s *Store) mutate(userID string, fn func(sess *Session, now time.Time)) Session {
	now := s.cfg.Clock()

	s.mu.Lock()
	sess, old := s.live(userID, now)
	if fn != nil {
		fn(sess, now)
		sess.LastUpdated = now
	}
	out := sess.clone()
	s.mu.Unlock()

	if old != nil {
		s.notify([]Session{old.clone()}, EvictExpired)
	}
	return out
}

// GetOrCreate returns the user's live session, allocating a fresh one when
// none exists or the existing one has expired. Reading does not refresh
// LastUpdated.
func (s *Store) GetOrCreate(userID string) Session {
	return s.mutate(userID, nil)
}

// Get returns the live session without creating one.
func (s *Store) Get(userID string) (Session, bool) {
	now := s.cfg.Clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok || s.expired(sess, now) {
		return Session{}, false
	}
	return sess.clone(), true
}

// ApplyPatch overwrites the session fields that are set in p and refreshes
// LastUpdated even when p is empty.
func (s *Store) ApplyPatch(userID string, p Patch) Session {
	return s.mutate(userID, func(sess *Session, _ time.Time) {
		if p.Location != nil {
			loc := *p.Location
			sess.Location = &loc
		}
		if p.Preferences != nil {
			sess.Preferences = *p.Preferences
		}
		if p.RecentSearches != nil {
			sess.RecentSearches = capTail(append([]string(nil), p.RecentSearches...), s.cfg.MaxRecentSearches)
		}
	})
}

// MessageOption decorates an appended message.
type MessageOption func(*Message)

// WithToolCalls attaches tool invocations to an assistant message.
func WithToolCalls(calls ...ToolCall) MessageOption {
	return func(m *Message) { m.ToolCalls = append(m.ToolCalls, calls...) }
}

// WithToolCallID links a tool result to its invocation.
func WithToolCallID(id string) MessageOption {
	return func(m *Message) { m.ToolCallID = id }
}

// WithName sets the tool name of a tool result.
func WithName(name string) MessageOption {
	return func(m *Message) { m.Name = name }
}

// AppendMessage timestamps and appends a message, then drops the oldest
// entries beyond MaxMessages. System messages are not stored but still count
// as activity.
func (s *Store) AppendMessage(userID string, role Role, content string, opts ...MessageOption) Session {
	return s.mutate(userID, func(sess *Session, now time.Time) {
		if role == RoleSystem {
			return
		}
		msg := Message{Role: role, Content: content, Timestamp: now}
		for _, opt := range opts {
			opt(&msg)
		}
		sess.MessageHistory = capTail(append(sess.MessageHistory, msg), s.cfg.MaxMessages)
	})
}

// AppendExchange records a completed (user, agent) pair.
func (s *Store) AppendExchange(userID, userText, agentText string) Session {
	return s.mutate(userID, func(sess *Session, now time.Time) {
		ex := Exchange{UserText: userText, AgentText: agentText, Timestamp: now}
		sess.LegacyExchanges = capTail(append(sess.LegacyExchanges, ex), s.cfg.MaxLegacyExchanges)
	})
}

// RecordSearch appends a short description of a lookup the rider made.
func (s *Store) RecordSearch(userID, search string) Session {
	return s.mutate(userID, func(sess *Session, _ time.Time) {
		sess.RecentSearches = capTail(append(sess.RecentSearches, search), s.cfg.MaxRecentSearches)
	})
}

// Reset replaces the user's session outright.
func (s *Store) Reset(userID string) Session {
	now := s.cfg.Clock()

	s.mu.Lock()
	old, existed := s.sessions[userID]
	fresh := s.newSession(userID, now)
	s.sessions[userID] = fresh
	out := fresh.clone()
	observability.SetActiveSessions(len(s.sessions))
	s.mu.Unlock()

	if existed {
		s.notify([]Session{old.clone()}, EvictReset)
	}
	log.Debug().Str("user_id", userID).Bool("replaced", existed).Msg("Session reset")
	return out
}

// SummaryOf derives a Summary from a session as of now.
func SummaryOf(sess Session, now time.Time) Summary {
	age := now.Sub(sess.CreatedAt)
	if age < 0 {
		age = 0
	}
	return Summary{
		UserID:         sess.UserID,
		SessionAge:     age.Truncate(time.Second).String(),
		AgeSeconds:     int64(age / time.Second),
		MessageCount:   len(sess.MessageHistory),
		LastActivity:   sess.LastUpdated,
		HasLocation:    sess.Location != nil,
		RecentSearches: len(sess.RecentSearches),
	}
}

// Summarize returns the client-facing view of the user's live (or fresh) session.
func (s *Store) Summarize(userID string) Summary {
	sess := s.GetOrCreate(userID)
	return SummaryOf(sess, s.cfg.Clock())
}

// SweepExpired deletes every session idle for longer than the TTL relative to
// now and returns how many were removed.
func (s *Store) SweepExpired(now time.Time) int {
	var evicted []Session

	s.mu.Lock()
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			evicted = append(evicted, sess.clone())
			delete(s.sessions, id)
		}
	}
	remaining := len(s.sessions)
	s.mu.Unlock()

	observability.SetActiveSessions(remaining)
	observability.RecordSweep(len(evicted))
	s.notify(evicted, EvictSwept)

	if len(evicted) > 0 {
		log.Info().Int("removed", len(evicted)).Int("remaining", remaining).Msg("Expired sessions swept")
	}
	return len(evicted)
}

// Count returns the number of stored sessions, expired ones included until swept.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.cfg.Clock()
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// capTail keeps the last n elements.
func capTail[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	out := make([]T, n)
	copy(out, items[len(items)-n:])
	return out
}
