package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhouzirui/z-clinic/backend/internal/model/chat"
	"github.com/zhouzirui/z-clinic/backend/internal/model/intake"
	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
)

// Admission is the result of trying to start a turn.
type Admission string

const (
	Admitted         Admission = "admitted"
	RejectEmpty      Admission = "rejected_empty"
	RejectBusy       Admission = "rejected_busy"
	RejectValidating Admission = "rejected_validating"
	RejectCap        Admission = "rejected_cap"
)

// TurnKind selects the admission rules.
type TurnKind int

const (
	// TurnUtterance counts toward the message cap and starts validation.
	TurnUtterance TurnKind = iota
	// TurnForm records a structured submission without counting it.
	TurnForm
)

// Session owns the mutable state of one conversation. All fields are
// guarded by mu; callers mutate through methods or a Turn.
type Session struct {
	mu sync.Mutex

	id        string
	createdAt time.Time
	cap       int

	lang          locale.Language
	state         intake.State
	messages      []chat.Message
	count         int
	input         string
	processing    bool
	validating    bool
	formRequested bool

	// active is set while a Turn holds the session.
	active bool
	epoch  uint64
	cancel context.CancelFunc
}

func newSession(id string, lang locale.Language, limit int, now time.Time) *Session {
	return &Session{
		id:        id,
		createdAt: now,
		cap:       limit,
		lang:      lang,
		state:     intake.NewState(),
		messages:  make([]chat.Message, 0, 16),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Language returns the active language.
func (s *Session) Language() locale.Language {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lang
}

// SetLanguage switches the active language.
func (s *Session) SetLanguage(lang locale.Language) {
	s.mu.Lock()
	s.lang = lang
	s.mu.Unlock()
}

// Input returns the input buffer.
func (s *Session) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// SetInput replaces the input buffer.
func (s *Session) SetInput(text string) {
	s.mu.Lock()
	s.input = text
	s.mu.Unlock()
}

// AppendInput appends text to the input buffer and returns the result.
func (s *Session) AppendInput(text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == "" {
		return s.input
	}
	if s.input != "" {
		s.input += " "
	}
	s.input += text
	return s.input
}

// State returns a copy of the intake state.
func (s *Session) State() intake.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Busy reports whether a turn is in progress.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active || s.processing || s.validating
}

// History returns up to limit of the most recent completed messages.
func (s *Session) History(limit int) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []chat.Message
	for _, m := range s.messages {
		if !m.IsStreaming {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// LastBotMessage returns the most recent completed bot message, if any.
func (s *Session) LastBotMessage() (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if m := s.messages[i]; m.Sender == chat.SenderBot && !m.IsStreaming {
			return m, true
		}
	}
	return chat.Message{}, false
}

// Snapshot returns a deep copy for serialisation.
func (s *Session) Snapshot() chat.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chat.Session{
		ID:            s.id,
		Language:      s.lang,
		State:         s.state.Clone(),
		Messages:      append([]chat.Message(nil), s.messages...),
		MessageCount:  s.count,
		MessageCap:    s.cap,
		Input:         s.input,
		Processing:    s.processing,
		Validating:    s.validating,
		FormRequested: s.formRequested,
		CreatedAt:     s.createdAt,
	}
}

// Reset clears messages, counter, stage and context, and cancels any
// in-flight turn. Writes from that turn are discarded afterwards.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.epoch++
	s.state = intake.NewState()
	s.messages = s.messages[:0:0]
	s.count = 0
	s.input = ""
	s.processing = false
	s.validating = false
	s.formRequested = false
	s.active = false
}

// Admit checks the turn preconditions and, if they hold, appends the user
// message, clears the input buffer and counts the utterance. A rejection
// changes nothing. The returned Turn must be finished by the caller.
func (s *Session) Admit(ctx context.Context, kind TurnKind, text string) (*Turn, chat.Message, Admission) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.TrimSpace(text) == "":
		return nil, chat.Message{}, RejectEmpty
	case s.validating:
		return nil, chat.Message{}, RejectValidating
	case s.active || s.processing:
		return nil, chat.Message{}, RejectBusy
	case s.cap > 0 && s.count >= s.cap:
		return nil, chat.Message{}, RejectCap
	}

	turnCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.active = true

	msg := s.appendLocked(chat.SenderUser, text, false)
	s.input = ""
	if kind == TurnUtterance {
		s.count++
		s.validating = true
	}

	return &Turn{session: s, epoch: s.epoch, ctx: turnCtx, cancel: cancel}, msg, Admitted
}

// AppendWelcome adds a completed bot greeting outside of any turn.
func (s *Session) AppendWelcome(text string) chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(chat.SenderBot, text, false)
}

func (s *Session) appendLocked(sender chat.Sender, text string, streaming bool) chat.Message {
	msg := chat.Message{
		ID:          uuid.NewString(),
		SessionID:   s.id,
		Sender:      sender,
		Text:        text,
		IsStreaming: streaming,
		Timestamp:   time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	return msg
}

// Turn is the exclusive handle on a session for one admitted submission.
// Every write is dropped once the session has been reset.
type Turn struct {
	session *Session
	epoch   uint64
	ctx     context.Context
	cancel  context.CancelFunc
}

// Context is cancelled when the session is reset or the turn finishes.
func (t *Turn) Context() context.Context {
	return t.ctx
}

// Language returns the session language at the time of the call.
func (t *Turn) Language() locale.Language {
	return t.session.Language()
}

// State returns a copy of the intake state.
func (t *Turn) State() intake.State {
	return t.session.State()
}

// Abandoned reports whether a session reset has superseded the turn.
func (t *Turn) Abandoned() bool {
	s := t.session
	s.mu.Lock()
	defer s.mu.Unlock()
	return !t.live()
}

func (t *Turn) live() bool {
	return t.session.epoch == t.epoch
}

// SetState stores the machine's new state.
func (t *Turn) SetState(st intake.State) bool {
	s := t.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.live() {
		return false
	}
	s.state = st.Clone()
	return true
}

// SetFormRequested toggles the structured demographics form.
func (t *Turn) SetFormRequested(v bool) {
	s := t.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.live() {
		s.formRequested = v
	}
}

// EndValidation clears the validating flag.
func (t *Turn) EndValidation() {
	s := t.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.live() {
		s.validating = false
	}
}

// BeginStream sets the processing flag and appends an empty streaming bot
// message that later updates replace in place.
func (t *Turn) BeginStream() (chat.Message, bool) {
	s := t.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.live() {
		return chat.Message{}, false
	}
	s.validating = false
	s.processing = true
	return s.appendLocked(chat.SenderBot, "", true), true
}

// UpdateStream replaces the text of the streaming message id. Frozen
// messages are never modified.
func (t *Turn) UpdateStream(id, text string) (chat.Message, bool) {
	s := t.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.live() {
		return chat.Message{}, false
	}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID != id {
			continue
		}
		if !s.messages[i].IsStreaming {
			return s.messages[i], false
		}
		s.messages[i].Text = text
		return s.messages[i], true
	}
	return chat.Message{}, false
}

// EndStream freezes the streaming message with its final text and clears
// the processing flag.
func (t *Turn) EndStream(id, text string) (chat.Message, bool) {
	s := t.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.live() {
		return chat.Message{}, false
	}
	s.processing = false
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].ID == id {
			s.messages[i].Text = text
			s.messages[i].IsStreaming = false
			return s.messages[i], true
		}
	}
	return chat.Message{}, false
}

// AppendBot appends a completed bot message.
func (t *Turn) AppendBot(text string) (chat.Message, bool) {
	s := t.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if !t.live() {
		return chat.Message{}, false
	}
	return s.appendLocked(chat.SenderBot, text, false), true
}

// Finish releases the session. Any streaming message still open is frozen
// so no bubble stays marked as streaming.
func (t *Turn) Finish() {
	s := t.session
	s.mu.Lock()
	defer s.mu.Unlock()

	t.cancel()
	if !t.live() {
		return
	}
	for i := range s.messages {
		s.messages[i].IsStreaming = false
	}
	s.processing = false
	s.validating = false
	s.active = false
	s.cancel = nil
}
