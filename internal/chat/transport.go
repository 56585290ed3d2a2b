package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"portfolio/pkg/domain"
)

// Transport wraps the chat service endpoints. Its only job on the
// streaming path is byte-to-frame decoding; interpretation of frames
// belongs to the Session.
type Transport struct {
	baseURL    string
	httpClient *http.Client
}

// NewTransport constructs a chat service transport. The client timeout
// bounds the whole exchange, including the streamed body.
func NewTransport(baseURL string) *Transport {
	return &Transport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Send opens the response stream for one chat turn. History carries
// the prior turns only, role-tagged for the service. A non-2xx status
// is reported as a TransportError before any frame is produced.
func (t *Transport) Send(ctx context.Context, message string, history []domain.ChatMessage, guestID string) (*Stream, error) {
	payload := sendRequest{
		Message: message,
		History: make([]turn, 0, len(history)),
		GuestID: guestID,
	}
	for _, msg := range history {
		role := "assistant"
		if msg.Type == domain.MessageUser {
			role = "user"
		}
		payload.History = append(payload.History, turn{Role: role, Content: msg.Content})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/chat", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "chat send", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &domain.TransportError{Op: "chat send", Status: resp.StatusCode}
	}
	return &Stream{body: resp.Body}, nil
}

// History fetches the stored exchanges for a guest identity.
func (t *Transport) History(ctx context.Context, guestID string) ([]domain.HistoryRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/chat-history/"+url.PathEscape(guestID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "chat history", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.TransportError{Op: "chat history", Status: resp.StatusCode}
	}
	var records []domain.HistoryRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, &domain.ProtocolError{Line: "chat-history", Err: err}
	}
	return records, nil
}

// Stream yields frames from one open response body.
type Stream struct {
	body    io.ReadCloser
	dec     Decoder
	pending []domain.Frame
	eof     bool
}

// Next returns the next frame, io.EOF on clean stream end, or a
// decode/read error.
func (s *Stream) Next() (domain.Frame, error) {
	for {
		if len(s.pending) > 0 {
			frame := s.pending[0]
			s.pending = s.pending[1:]
			return frame, nil
		}
		if s.eof {
			return domain.Frame{}, io.EOF
		}
		buf := make([]byte, 4096)
		n, err := s.body.Read(buf)
		if n > 0 {
			frames, decErr := s.dec.Decode(buf[:n])
			s.pending = append(s.pending, frames...)
			if decErr != nil {
				s.eof = true
				return domain.Frame{}, decErr
			}
		}
		if err == io.EOF {
			s.eof = true
			frames, decErr := s.dec.Flush()
			if decErr != nil {
				return domain.Frame{}, decErr
			}
			s.pending = append(s.pending, frames...)
			continue
		}
		if err != nil {
			s.eof = true
			return domain.Frame{}, &domain.TransportError{Op: "chat read", Err: err}
		}
	}
}

// Close releases the underlying response body.
func (s *Stream) Close() error {
	return s.body.Close()
}

type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type sendRequest struct {
	Message string `json:"message"`
	History []turn `json:"history"`
	GuestID string `json:"guest_id,omitempty"`
}
