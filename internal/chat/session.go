package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"portfolio/internal/storage"
	"portfolio/pkg/domain"
)

// FailureNotice is the bot message appended when a send fails; the
// underlying detail stays available through LastError.
const FailureNotice = "Sorry, something went wrong. Please try again."

type phase int

const (
	phaseIdle phase = iota
	phaseSending
	phaseStreaming
)

// Session owns the message history, the guest identity, and the
// streaming-assembly state machine. One send may be in flight at a
// time; a Send while busy is silently ignored.
type Session struct {
	transport   *Transport
	store       storage.KV
	suggestions []string

	mu              sync.Mutex
	messages        []domain.ChatMessage
	guestID         string
	live            string
	phase           phase
	lastErr         error
	showSuggestions bool
}

// NewSession builds an idle session with suggestion prompts enabled.
func NewSession(transport *Transport, store storage.KV, suggestions []string) *Session {
	return &Session{
		transport:       transport,
		store:           store,
		suggestions:     suggestions,
		showSuggestions: true,
	}
}

// Restore picks up a previously persisted guest identity and, when one
// exists, loads its server-side history.
func (s *Session) Restore(ctx context.Context) error {
	guestID, ok, err := s.store.Get(ctx, storage.KeyGuestID)
	if err != nil {
		return err
	}
	if !ok || guestID == "" {
		return nil
	}
	s.mu.Lock()
	s.guestID = guestID
	s.mu.Unlock()
	return s.LoadHistory(ctx)
}

// Send runs one chat turn: the user message is appended immediately,
// the response stream is assembled into a live accumulator, and the
// outcome lands in history either as the finalized bot message or as
// the failure notice. onLive, when non-nil, observes each growth of
// the accumulator. The returned error duplicates LastError and is nil
// when the turn succeeded or was ignored as re-entrant.
func (s *Session) Send(ctx context.Context, text string, onLive func(string)) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	s.mu.Lock()
	if s.phase != phaseIdle {
		s.mu.Unlock()
		return nil
	}
	history := make([]domain.ChatMessage, len(s.messages))
	copy(history, s.messages)
	s.messages = append(s.messages, newMessage(domain.MessageUser, text))
	s.showSuggestions = false
	s.phase = phaseSending
	s.lastErr = nil
	s.live = ""
	guestID := s.guestID
	s.mu.Unlock()

	stream, err := s.transport.Send(ctx, text, history, guestID)
	if err != nil {
		s.fail(err)
		return err
	}
	defer stream.Close()

	s.mu.Lock()
	s.phase = phaseStreaming
	s.mu.Unlock()

	var acc string
	for {
		frame, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.fail(err)
			return err
		}
		switch {
		case frame.Error != "":
			err := &domain.RemoteError{Message: frame.Error}
			s.fail(err)
			return err
		case frame.GuestID != "":
			s.adoptGuestID(ctx, frame.GuestID)
		case frame.Content != "":
			acc += frame.Content
			s.setLive(acc)
			if onLive != nil {
				onLive(acc)
			}
		}
	}

	s.mu.Lock()
	s.messages = append(s.messages, newMessage(domain.MessageBot, acc))
	s.live = ""
	s.phase = phaseIdle
	s.mu.Unlock()
	return nil
}

// LoadHistory replaces the in-memory history with the server's stored
// exchanges, one user and one bot turn per record in server order, and
// disables the suggestion prompts. Failure leaves history untouched.
func (s *Session) LoadHistory(ctx context.Context) error {
	s.mu.Lock()
	guestID := s.guestID
	s.mu.Unlock()
	if guestID == "" {
		return nil
	}
	records, err := s.transport.History(ctx, guestID)
	if err != nil {
		return err
	}
	messages := make([]domain.ChatMessage, 0, 2*len(records))
	for _, rec := range records {
		messages = append(messages,
			domain.ChatMessage{ID: uuid.NewString(), Type: domain.MessageUser, Content: rec.Question, Timestamp: rec.Timestamp},
			domain.ChatMessage{ID: uuid.NewString(), Type: domain.MessageBot, Content: rec.Response, Timestamp: rec.Timestamp},
		)
	}
	s.mu.Lock()
	s.messages = messages
	s.showSuggestions = false
	s.mu.Unlock()
	return nil
}

// Clear resets the session: history emptied, suggestions re-enabled,
// guest identity erased from both memory and the store.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.messages = nil
	s.live = ""
	s.lastErr = nil
	s.guestID = ""
	s.showSuggestions = true
	s.mu.Unlock()
	return s.store.Delete(ctx, storage.KeyGuestID)
}

// Messages returns a copy of the current history.
func (s *Session) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Live returns the in-progress bot response, empty outside streaming.
func (s *Session) Live() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// LastError returns the detail behind the most recent failure notice,
// nil after a clean turn.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// GuestID returns the held guest identity, empty before the first
// assignment.
func (s *Session) GuestID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guestID
}

// Busy reports whether a send is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase != phaseIdle
}

// Suggestions returns the prompt list and whether it should be shown.
func (s *Session) Suggestions() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.suggestions))
	copy(out, s.suggestions)
	return out, s.showSuggestions
}

// adoptGuestID applies the first-assignment-wins rule: a held identity
// is never overwritten except by Clear.
func (s *Session) adoptGuestID(ctx context.Context, guestID string) {
	s.mu.Lock()
	if s.guestID != "" {
		s.mu.Unlock()
		return
	}
	s.guestID = guestID
	s.mu.Unlock()
	if err := s.store.Set(ctx, storage.KeyGuestID, guestID); err != nil {
		slog.Warn("persist guest identity", "err", err)
	}
}

func (s *Session) setLive(acc string) {
	s.mu.Lock()
	s.live = acc
	s.mu.Unlock()
}

// fail appends the failure notice in place of whatever was assembled
// and returns the session to idle so a new send can proceed.
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, newMessage(domain.MessageBot, FailureNotice))
	s.lastErr = err
	s.live = ""
	s.phase = phaseIdle
}

func newMessage(t domain.MessageType, content string) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        uuid.NewString(),
		Type:      t,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// ErrorDetail renders err for display next to the failure notice.
func ErrorDetail(err error) string {
	if err == nil {
		return ""
	}
	var remote *domain.RemoteError
	if errors.As(err, &remote) {
		return remote.Message
	}
	return err.Error()
}
