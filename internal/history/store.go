package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultMaxTurns    = 20
	DefaultMinInterval = time.Second
)

// Store keeps the bounded conversation log of every user of one provider
// in a single JSON document. Every mutation rewrites the whole document;
// load-modify-save cycles are serialized so concurrent writers cannot lose
// each other's updates.
type Store struct {
	path        string
	maxTurns    int
	minInterval time.Duration
	now         func() time.Time
	log         zerolog.Logger

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithMaxTurns caps the stored turns per user.
func WithMaxTurns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTurns = n
		}
	}
}

// WithMinInterval sets the spacing CheckMinInterval enforces.
func WithMinInterval(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.minInterval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for fail-open diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open prepares the document at path, creating the directory and an empty
// document when absent.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:        path,
		maxTurns:    DefaultMaxTurns,
		minInterval: DefaultMinInterval,
		now:         time.Now,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create history directory: %v", ErrPersistence, err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := s.save(document{}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrPersistence, path, err)
	}
	return s, nil
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// GetConversation returns the user's conversation, creating and persisting
// an empty one on first access. A failed persist still returns the fresh
// conversation alongside the error.
func (s *Store) GetConversation(userID string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return s.fresh(userID), err
	}
	rec, ok := doc[userID]
	if !ok {
		rec = &record{Messages: []Turn{}, LastMessageTime: formatTime(s.now())}
		doc[userID] = rec
		if err := s.save(doc); err != nil {
			return s.toConversation(userID, rec), err
		}
	}
	return s.toConversation(userID, rec), nil
}

// AppendMessage adds a turn at the end of the user's log, evicting the
// oldest turns beyond the cap, and refreshes the last-message time.
func (s *Store) AppendMessage(userID string, role Role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	rec, ok := doc[userID]
	if !ok {
		rec = &record{}
		doc[userID] = rec
	}
	rec.Messages = append(rec.Messages, Turn{Role: role, Content: content})
	if len(rec.Messages) > s.maxTurns {
		rec.Messages = append([]Turn(nil), rec.Messages[len(rec.Messages)-s.maxTurns:]...)
	}
	rec.LastMessageTime = formatTime(s.now())
	return s.save(doc)
}

// BuildPromptWindow returns the system turn followed by the most recent
// maxExchanges*2 turns. It never writes to or renames the document, even
// when it is malformed.
func (s *Store) BuildPromptWindow(userID string, maxExchanges int) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := []Turn{{Role: RoleSystem, Content: SystemPrompt}}
	doc, err := s.peek()
	if err != nil {
		return window, err
	}
	rec, ok := doc[userID]
	if !ok || maxExchanges <= 0 {
		return window, nil
	}
	turns := rec.Messages
	if limit := maxExchanges * 2; len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append(window, turns...), nil
}

// ClearHistory empties the user's turns. Users without a record are left
// untouched.
func (s *Store) ClearHistory(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	rec, ok := doc[userID]
	if !ok {
		return nil
	}
	rec.Messages = []Turn{}
	rec.LastMessageTime = formatTime(s.now())
	return s.save(doc)
}

// TouchLastMessageTime refreshes the timestamp without touching turns.
func (s *Store) TouchLastMessageTime(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	rec, ok := doc[userID]
	if !ok {
		rec = &record{Messages: []Turn{}}
		doc[userID] = rec
	}
	rec.LastMessageTime = formatTime(s.now())
	return s.save(doc)
}

// CheckMinInterval reports whether the minimum interval has elapsed since
// the user's last message. Any failure to evaluate it admits the user.
// Like BuildPromptWindow it leaves the document untouched.
func (s *Store) CheckMinInterval(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.peek()
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("min interval check failed open")
		return true
	}
	rec, ok := doc[userID]
	if !ok || rec.LastMessageTime == "" {
		return true
	}
	last, err := parseTime(rec.LastMessageTime)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", userID).Msg("min interval check failed open")
		return true
	}
	return s.now().Sub(last) >= s.minInterval
}

func (s *Store) fresh(userID string) Conversation {
	return Conversation{UserID: userID, Turns: []Turn{}, LastMessageAt: s.now()}
}

func (s *Store) toConversation(userID string, rec *record) Conversation {
	conv := Conversation{
		UserID: userID,
		Turns:  append([]Turn{}, rec.Messages...),
	}
	t, err := parseTime(rec.LastMessageTime)
	if err != nil {
		s.log.Debug().Err(err).Str("user_id", userID).Msg("falling back to current time")
		t = s.now()
	}
	conv.LastMessageAt = t
	return conv
}
