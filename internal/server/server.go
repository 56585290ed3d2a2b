// Package server exposes the session and chat cores to the static
// portfolio page over a local HTTP API. Navigation targets are
// returned to the page; the server never navigates on its own.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"portfolio/internal/chat"
	"portfolio/internal/ratelimit"
	"portfolio/internal/routeguard"
	"portfolio/internal/session"
	"portfolio/internal/util"
	"portfolio/pkg/domain"
)

// Config wires the server's collaborators. Limiters are optional; a
// nil limiter disables limiting for its endpoint.
type Config struct {
	Sessions        *session.Manager
	Chat            *chat.Session
	LoginLimiter    *ratelimit.FixedWindowLimiter
	RegisterLimiter *ratelimit.FixedWindowLimiter
	Proxies         *util.TrustedProxies
}

// Server is the local bridge between the page and the core.
type Server struct {
	sessions        *session.Manager
	chat            *chat.Session
	loginLimiter    *ratelimit.FixedWindowLimiter
	registerLimiter *ratelimit.FixedWindowLimiter
	proxies         *util.TrustedProxies
	mux             *http.ServeMux
}

// New constructs the server and registers its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("server requires a session manager")
	}
	if cfg.Chat == nil {
		return nil, fmt.Errorf("server requires a chat session")
	}
	s := &Server{
		sessions:        cfg.Sessions,
		chat:            cfg.Chat,
		loginLimiter:    cfg.LoginLimiter,
		registerLimiter: cfg.RegisterLimiter,
		proxies:         cfg.Proxies,
		mux:             http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the handler with the full middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/api/session", s.handleSessionState)
	s.mux.HandleFunc("/api/session/login", s.handleLogin)
	s.mux.HandleFunc("/api/session/register", s.handleRegister)
	s.mux.HandleFunc("/api/session/logout", s.handleLogout)
	s.mux.HandleFunc("/api/session/refresh", s.handleRefresh)
	s.mux.HandleFunc("/api/session/profile", s.handleProfile)
	s.mux.HandleFunc("/api/session/password", s.handlePassword)

	s.mux.HandleFunc("/api/guard", s.handleGuard)

	s.mux.HandleFunc("/api/chat/send", s.handleChatSend)
	s.mux.HandleFunc("/api/chat/messages", s.handleChatMessages)
	s.mux.HandleFunc("/api/chat/suggestions", s.handleChatSuggestions)
	s.mux.HandleFunc("/api/chat/history", s.handleChatHistory)
	s.mux.HandleFunc("/api/chat/clear", s.handleChatClear)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, sessionStateResponse{
		Ready: s.sessions.Ready(),
		State: s.sessions.State(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.loginLimiter != nil && !s.loginLimiter.Allow(util.ClientIP(r, s.proxies)) {
		writeError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}
	var creds domain.LoginCredentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.sessions.Login(r.Context(), creds); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, navigationResponse{
		User:     s.sessions.State().User,
		Redirect: routeguard.PathProfile,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.registerLimiter != nil && !s.registerLimiter.Allow(util.ClientIP(r, s.proxies)) {
		writeError(w, http.StatusTooManyRequests, "too many registration attempts")
		return
	}
	var creds domain.RegisterCredentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.sessions.Register(r.Context(), creds); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, navigationResponse{Redirect: routeguard.PathSignIn})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.sessions.Logout()
	writeJSON(w, http.StatusOK, navigationResponse{Redirect: routeguard.PathSignIn})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.sessions.CheckAuthStatus(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionStateResponse{
		Ready: s.sessions.Ready(),
		State: s.sessions.State(),
	})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w)
		return
	}
	var upd domain.ProfileUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.sessions.UpdateProfile(r.Context(), upd)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handlePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var chg domain.ChangePassword
	if err := json.NewDecoder(r.Body).Decode(&chg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.sessions.ChangePassword(r.Context(), chg); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGuard evaluates the route guard. It refuses to answer before
// Initialize has settled so the page never acts on incomplete state.
func (s *Server) handleGuard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.sessions.Ready() {
		writeError(w, http.StatusServiceUnavailable, "session not ready")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path query parameter required")
		return
	}
	writeJSON(w, http.StatusOK, routeguard.Decide(path, s.sessions.State()))
}

// handleChatSend relays the live assembly to the page as an SSE
// response: the accumulator on each growth, then a terminal done or
// error event.
func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if s.chat.Busy() {
		writeError(w, http.StatusConflict, "a send is already in flight")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	emit := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	err := s.chat.Send(r.Context(), req.Message, func(acc string) {
		emit(map[string]string{"content": acc})
	})
	if err != nil {
		emit(map[string]string{"error": chat.ErrorDetail(err)})
		return
	}
	emit(map[string]bool{"done": true})
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	suggestions, show := s.chat.Suggestions()
	resp := chatStateResponse{
		Messages:        s.chat.Messages(),
		Live:            s.chat.Live(),
		Suggestions:     suggestions,
		ShowSuggestions: show,
		GuestID:         s.chat.GuestID(),
		Busy:            s.chat.Busy(),
	}
	if err := s.chat.LastError(); err != nil {
		resp.LastError = chat.ErrorDetail(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatSuggestions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	suggestions, show := s.chat.Suggestions()
	writeJSON(w, http.StatusOK, suggestionsResponse{
		Suggestions: suggestions,
		Show:        show,
	})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.chat.LoadHistory(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChatClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.chat.Clear(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionStateResponse struct {
	Ready bool             `json:"ready"`
	State domain.AuthState `json:"state"`
}

type navigationResponse struct {
	User     *domain.User `json:"user,omitempty"`
	Redirect string       `json:"redirect"`
}

type suggestionsResponse struct {
	Suggestions []string `json:"suggestions"`
	Show        bool     `json:"show"`
}

type chatStateResponse struct {
	Messages        []domain.ChatMessage `json:"messages"`
	Live            string               `json:"live,omitempty"`
	Suggestions     []string             `json:"suggestions"`
	ShowSuggestions bool                 `json:"showSuggestions"`
	GuestID         string               `json:"guestId,omitempty"`
	Busy            bool                 `json:"busy"`
	LastError       string               `json:"lastError,omitempty"`
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the error taxonomy onto HTTP statuses: client
// validation to 400, remote envelopes to their own status, transport
// failures to 502.
func writeDomainError(w http.ResponseWriter, err error) {
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		writeError(w, http.StatusBadRequest, validation.Message)
		return
	}
	var remote *domain.RemoteError
	if errors.As(err, &remote) {
		status := remote.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		writeError(w, status, remote.Message)
		return
	}
	var transport *domain.TransportError
	if errors.As(err, &transport) {
		writeError(w, http.StatusBadGateway, "upstream service unavailable")
		return
	}
	if errors.Is(err, session.ErrNotAuthenticated) {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}
