// Package server exposes the chat service over HTTP: JSON endpoints for auth
// and conversation operations, a server-sent-events stream of display
// snapshots, and the Prometheus metrics endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gemchat/internal/auth"
	"gemchat/internal/chat"
	"gemchat/internal/config"
	"gemchat/internal/llm"
	"gemchat/internal/metrics"
	"gemchat/internal/session"
	"gemchat/internal/storage"
	"gemchat/internal/store"
)

// Server wires the auth service, the document store and the reconciler
// behind an HTTP API. Every authenticated session token owns one reconciler.
type Server struct {
	cfg       *config.Config
	auth      *auth.Service
	google    *auth.GoogleAuthenticator
	st        store.Store
	llmClient llm.Client
	rec       storage.Recorder
	met       *metrics.Metrics

	httpServer *http.Server
	startTime  time.Time

	mu      sync.Mutex
	clients map[string]*client // session token -> live chat state
	states  map[string]bool    // pending OAuth state values
}

type client struct {
	sess *session.State
	rc   *chat.Reconciler
}

func New(cfg *config.Config, authSvc *auth.Service, google *auth.GoogleAuthenticator,
	st store.Store, llmClient llm.Client, rec storage.Recorder, met *metrics.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		auth:      authSvc,
		google:    google,
		st:        st,
		llmClient: llmClient,
		rec:       rec,
		met:       met,
		startTime: time.Now(),
		clients:   make(map[string]*client),
		states:    make(map[string]bool),
	}
}

// Start blocks serving HTTP until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.ListenAddr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	log.Printf("🌐 Starting chat server on %s", s.cfg.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/google/url", s.handleGoogleURL)
	mux.HandleFunc("/api/google/code", s.handleGoogleCode)
	mux.HandleFunc("/api/logout", s.withClient(s.handleLogout))
	mux.HandleFunc("/api/me", s.withClient(s.handleMe))
	mux.HandleFunc("/api/chats", s.withClient(s.handleChats))
	mux.HandleFunc("/api/chats/select", s.withClient(s.handleSelect))
	mux.HandleFunc("/api/chats/reset", s.withClient(s.handleReset))
	mux.HandleFunc("/api/chats/rename", s.withClient(s.handleRename))
	mux.HandleFunc("/api/chats/delete", s.withClient(s.handleDelete))
	mux.HandleFunc("/api/send", s.withClient(s.handleSend))
	mux.HandleFunc("/api/events", s.withClient(s.handleEvents))
	mux.HandleFunc("/api/theme", s.withClient(s.handleTheme))
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// Stop shuts the listener down and closes every live reconciler.
func (s *Server) Stop() error {
	s.mu.Lock()
	for token, c := range s.clients {
		c.rc.Close()
		delete(s.clients, token)
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// withClient resolves the bearer token to an authenticated session and its
// reconciler, creating the reconciler lazily on first use of a token.
func (s *Server) withClient(next func(http.ResponseWriter, *http.Request, *client)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, auth.ErrNoSession)
			return
		}
		user, ok := s.auth.Current(token)
		if !ok {
			writeError(w, auth.ErrNoSession)
			return
		}
		c, err := s.client(token, user)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, c)
	}
}

func (s *Server) client(token string, user auth.User) (*client, error) {
	s.mu.Lock()
	if c, ok := s.clients[token]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	sess := session.New(userThemePath(s.cfg.ThemeFilePath, user.ID))
	sess.SetUser(&user)
	rc := chat.New(s.st, s.llmClient, sess, chat.Options{
		Recorder:       s.rec,
		Metrics:        s.met,
		TitlePrefixLen: s.cfg.TitlePrefixLen,
		RevealInterval: time.Duration(s.cfg.RevealIntervalMS) * time.Millisecond,
	})
	if err := rc.ListConversations(context.Background(), user.ID); err != nil {
		log.Printf("list conversations for %s: %v", user.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.clients[token]; ok {
		rc.Close()
		return existing, nil
	}
	c := &client{sess: sess, rc: rc}
	s.clients[token] = c
	return c, nil
}

func (s *Server) closeClient(token string) {
	s.mu.Lock()
	c, ok := s.clients[token]
	delete(s.clients, token)
	s.mu.Unlock()
	if ok {
		c.rc.Close()
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string    `json:"token"`
	User  auth.User `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	user, token, err := s.auth.Register(creds.Email, creds.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	user, token, err := s.auth.SignIn(creds.Email, creds.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleGoogleURL(w http.ResponseWriter, r *http.Request) {
	if s.google == nil || !s.google.Enabled() {
		http.Error(w, "Google sign-in is not configured", http.StatusNotFound)
		return
	}
	state := uuid.NewString()
	s.mu.Lock()
	s.states[state] = true
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"url": s.google.AuthURL(state)})
}

func (s *Server) handleGoogleCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.google == nil || !s.google.Enabled() {
		http.Error(w, "Google sign-in is not configured", http.StatusNotFound)
		return
	}
	var req struct {
		Code  string `json:"code"`
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	known := s.states[req.State]
	delete(s.states, req.State)
	s.mu.Unlock()
	if !known {
		http.Error(w, "Unknown OAuth state", http.StatusBadRequest)
		return
	}
	user, token, err := s.google.Exchange(r.Context(), req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, c *client) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := bearerToken(r)
	s.closeClient(token)
	s.auth.SignOut(token)
	c.sess.SetUser(nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, c *client) {
	user := c.sess.User()
	if user == nil {
		writeError(w, auth.ErrNoSession)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleChats returns the full display snapshot: the conversation list, the
// active conversation's messages and the typing indicator.
func (s *Server) handleChats(w http.ResponseWriter, r *http.Request, c *client) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, c.rc.Snapshot())
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request, c *client) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := c.rc.SelectConversation(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.rc.Snapshot())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, c *client) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	c.rc.ResetSelection()
	writeJSON(w, http.StatusOK, c.rc.Snapshot())
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request, c *client) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := c.rc.RenameConversation(r.Context(), req.ID, req.Title); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, c *client) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := c.rc.DeleteConversation(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendRequest struct {
	Text  string `json:"text"`
	Image string `json:"image,omitempty"` // data URL
	Audio string `json:"audio,omitempty"` // data URL
}

// handleSend accepts a user message and kicks off the assistant exchange. The
// response is returned as soon as the message is persisted; the reply arrives
// through the events stream.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, c *client) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	var att *chat.Attachment
	if req.Image != "" || req.Audio != "" {
		att = &chat.Attachment{Image: req.Image, Audio: req.Audio}
	}
	convID, err := c.rc.SendUserMessage(r.Context(), req.Text, att)
	if err != nil {
		writeError(w, err)
		return
	}

	parts := promptParts(req)
	go func() {
		if err := c.rc.RequestAssistantReply(context.Background(), convID, parts); err != nil {
			log.Printf("assistant reply for %s: %v", convID, err)
		}
	}()
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": convID})
}

// handleEvents streams display snapshots as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, c *client) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	updates := make(chan struct{}, 1)
	done := r.Context().Done()
	unsubscribe := c.rc.OnChange(func() {
		select {
		case updates <- struct{}{}:
		default: // coalesce, the reader always fetches the latest snapshot
		}
	})
	defer unsubscribe()

	send := func() bool {
		data, err := json.Marshal(c.rc.Snapshot())
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send() {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-updates:
			if !send() {
				return
			}
		}
	}
}

func (s *Server) handleTheme(w http.ResponseWriter, r *http.Request, c *client) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"theme": string(c.sess.Theme())})
	case http.MethodPut, http.MethodPost:
		var req struct {
			Theme string `json:"theme"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
		theme := session.Theme(req.Theme)
		if !theme.Valid() {
			http.Error(w, "Unknown theme", http.StatusBadRequest)
			return
		}
		if err := c.sess.SetTheme(theme); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"theme": string(c.sess.Theme())})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

// promptParts builds the inference request parts from the user message: the
// text first, then each media attachment as an inline blob.
func promptParts(req sendRequest) []llm.Part {
	var parts []llm.Part
	if req.Text != "" {
		parts = append(parts, llm.TextPart(req.Text))
	}
	for _, raw := range []string{req.Image, req.Audio} {
		if raw == "" {
			continue
		}
		if mime, data, ok := parseDataURL(raw); ok {
			parts = append(parts, llm.DataPart(mime, data))
		}
	}
	return parts
}

// parseDataURL splits a "data:<mime>;base64,<payload>" URL.
func parseDataURL(raw string) (mime, data string, ok bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(raw, "data:")
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mime = strings.TrimSuffix(meta, ";base64")
	if mime == "" || mime == meta {
		return "", "", false
	}
	return mime, payload, true
}

// userThemePath derives a per-user theme file from the configured base path,
// so one user's preference never bleeds into another session.
func userThemePath(base, userID string) string {
	if base == "" {
		return ""
	}
	ext := filepath.Ext(base)
	var b strings.Builder
	for _, r := range userID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.TrimSuffix(base, ext) + "-" + b.String() + ext
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// writeError maps domain errors to HTTP statuses and localizes the auth ones
// for inline display.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := err.Error()
	switch {
	case errors.Is(err, auth.ErrNoSession):
		status = http.StatusUnauthorized
		message = auth.Localize(err)
	case errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrWrongPassword),
		errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, auth.ErrEmailInUse),
		errors.Is(err, auth.ErrWeakPassword):
		status = http.StatusBadRequest
		message = auth.Localize(err)
	case errors.Is(err, chat.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrEmptyTitle):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": message})
}
