package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/z-clinic/backend/internal/model/chat"
	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// Config bounds every session created by the service.
type Config struct {
	MessageCap      int
	DefaultLanguage locale.Language
}

// Service is the in-memory session registry.
type Service struct {
	cfg      Config
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewService bootstraps the registry. A non-positive cap disables the limit.
func NewService(cfg Config) *Service {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = locale.English
	}
	return &Service{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// CreateSession provisions an anonymous session. An empty lang selects the
// default language.
func (s *Service) CreateSession(_ context.Context, lang locale.Language) (*Session, error) {
	if lang == "" {
		lang = s.cfg.DefaultLanguage
	}
	parsed, ok := locale.Parse(string(lang))
	if !ok {
		return nil, ErrUnsupportedLanguage
	}

	session := newSession(uuid.NewString(), parsed, s.cfg.MessageCap, time.Now().UTC())

	s.mu.Lock()
	s.sessions[session.id] = session
	s.mu.Unlock()

	return session, nil
}

// GetSession retrieves a live session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Snapshot returns a copy of the session's current state.
func (s *Service) Snapshot(ctx context.Context, sessionID string) (chat.Session, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return chat.Session{}, err
	}
	return session.Snapshot(), nil
}

// Reset clears every piece of accumulated state and cancels any in-flight
// turn of the session.
func (s *Service) Reset(ctx context.Context, sessionID string) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.Reset()
	return nil
}

// SetInput replaces the input buffer.
func (s *Service) SetInput(ctx context.Context, sessionID, text string) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.SetInput(text)
	return nil
}

// AppendVoice appends a voice transcript to the input buffer. It never
// touches streaming or stage state.
func (s *Service) AppendVoice(ctx context.Context, sessionID, transcript string) (string, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return session.AppendInput(strings.TrimSpace(transcript)), nil
}

// SetLanguage switches the session language.
func (s *Service) SetLanguage(ctx context.Context, sessionID string, lang locale.Language) error {
	parsed, ok := locale.Parse(string(lang))
	if !ok {
		return ErrUnsupportedLanguage
	}
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.SetLanguage(parsed)
	return nil
}

// Count returns the number of live sessions.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
