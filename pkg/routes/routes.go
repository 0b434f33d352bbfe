package routes

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"

	"github.com/kabili207/geochat/internal/web"
	"github.com/kabili207/geochat/internal/web/components"
	"github.com/kabili207/geochat/pkg/config"
	"github.com/kabili207/geochat/pkg/delivery"
	"github.com/kabili207/geochat/pkg/hooks"
	"github.com/kabili207/geochat/pkg/hub"
	"github.com/kabili207/geochat/pkg/models"
)

const (
	sessionName = "geochat"
	userKey     = "user_id"

	taskTokenHeader = "X-Task-Token"
	maxBodyBytes    = 16 << 10
)

// HandleValidator checks delivery handles presented by push clients.
type HandleValidator interface {
	Validate(userID, token string) bool
}

type WebRouter struct {
	config       config.Configuration
	hub          *hub.Hub
	handles      HandleValidator
	sessionStore *sessions.CookieStore
	upgrader     websocket.Upgrader
	Streams      *StreamNotifier
	Sockets      *delivery.WebsocketTransport
}

// NewWebRouter wires the HTTP surface. streams and sockets are the push
// transports the hub delivers through.
func NewWebRouter(cfg config.Configuration, h *hub.Hub, handles HandleValidator, streams *StreamNotifier, sockets *delivery.WebsocketTransport) *WebRouter {
	store := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	store.Options.HttpOnly = true
	store.Options.SameSite = http.SameSiteLaxMode
	store.Options.Secure = strings.HasPrefix(cfg.BaseURL, "https://")
	return &WebRouter{
		config:       cfg,
		hub:          h,
		handles:      handles,
		sessionStore: store,
		Streams:      streams,
		Sockets:      sockets,
	}
}

func (wr *WebRouter) getSession(r *http.Request) (*sessions.Session, error) {
	return wr.sessionStore.Get(r, sessionName)
}

// sessionUser returns the presence identity stored in the session cookie.
func (wr *WebRouter) sessionUser(r *http.Request) string {
	session, err := wr.getSession(r)
	if err != nil {
		return ""
	}
	user, _ := session.Values[userKey].(string)
	return user
}

// Handler returns the router with the standard middleware applied.
func (wr *WebRouter) Handler() http.Handler {
	// creates a new instance of a mux router
	myRouter := mux.NewRouter().StrictSlash(true)

	myRouter.HandleFunc("/", wr.homePage).Methods("GET")
	myRouter.HandleFunc("/ping", wr.ping).Methods("POST")
	myRouter.HandleFunc("/send", wr.send).Methods("POST")
	myRouter.HandleFunc("/playback", wr.playback).Methods("GET")
	myRouter.HandleFunc("/api/handle", wr.issueHandle).Methods("POST")
	myRouter.HandleFunc("/api/report", wr.report).Methods("POST")
	myRouter.HandleFunc("/api/stream", wr.messageStream).Methods("GET")
	myRouter.HandleFunc("/ws", wr.websocketStream).Methods("GET")
	myRouter.HandleFunc("/tasks/trim", wr.trimTask).Methods("POST")
	myRouter.PathPrefix("/static/").Handler(http.StripPrefix("/static/", http.FileServerFS(web.StaticFS())))

	myRouter.Use(handlers.ProxyHeaders)
	myRouter.Use(RequestLogger)
	h := handlers.RecoveryHandler()

	return h(myRouter)
}

// ListenAndServe serves until ctx is cancelled.
func (wr *WebRouter) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              wr.config.ListenAddr,
		Handler:           wr.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func RequestLogger(h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		slog.Info("endpoint hit", "method", r.Method, "path", r.URL.Path, "remote_host", r.RemoteAddr, "user_agent", r.UserAgent())
		// Call the next handler in the chain.
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// clientIP strips the port from RemoteAddr, which ProxyHeaders has already
// replaced with the forwarded address when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("error encoding response", "error", err)
	}
}

type errorResponse struct {
	Error string   `json:"error"`
	Score *float64 `json:"score,omitempty"`
}

// writeError maps relay errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var rl *models.RateLimitError
	switch {
	case errors.As(err, &rl):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "rate limited", Score: &rl.Score})
	case errors.Is(err, models.ErrNotAuthenticated):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "not authenticated"})
	case errors.Is(err, hub.ErrEmptyMessage), errors.Is(err, hub.ErrMessageTooLong), errors.Is(err, hub.ErrMissingUser):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrInvalidRecipient):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid recipient"})
	case errors.Is(err, models.ErrExternalService):
		slog.Error("external service failure", "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "upstream service unavailable"})
	default:
		slog.Error("internal error", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

// register issues a handle for the session user, minting one if needed,
// and saves the identity back into the session.
func (wr *WebRouter) register(w http.ResponseWriter, r *http.Request) (*hub.Registration, error) {
	session, err := wr.getSession(r)
	if err != nil {
		slog.Warn("discarding unreadable session", "error", err)
	}
	userID, _ := session.Values[userKey].(string)

	reg, err := wr.hub.Register(r.Context(), userID, clientIP(r))
	if err != nil {
		return nil, err
	}

	session.Values[userKey] = reg.UserID
	if err := session.Save(r, w); err != nil {
		return nil, err
	}
	return reg, nil
}

func (wr *WebRouter) homePage(w http.ResponseWriter, r *http.Request) {
	reg, err := wr.register(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	pageData := components.IndexPageData{
		UserID:    reg.UserID,
		Token:     reg.Token,
		Latitude:  reg.Point.Latitude,
		Longitude: reg.Point.Longitude,
		Audience:  reg.Audience,
		Version:   wr.config.AppVersion,
		Broker:    wr.config.Mqtt.PublicURL,
		Topic:     hooks.TopicFor(wr.config.Mqtt.TopicRoot, reg.UserID),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := components.IndexPage(pageData).Render(r.Context(), w); err != nil {
		slog.Error("error rendering index page", "error", err)
		http.Error(w, "Error rendering page", http.StatusInternalServerError)
	}
}

type HandleResponse struct {
	User      string  `json:"user"`
	Token     string  `json:"token"`
	Topic     string  `json:"topic"`
	Broker    string  `json:"broker"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	Users     int     `json:"users"`
}

func (wr *WebRouter) issueHandle(w http.ResponseWriter, r *http.Request) {
	reg, err := wr.register(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HandleResponse{
		User:      reg.UserID,
		Token:     reg.Token,
		Topic:     hooks.TopicFor(wr.config.Mqtt.TopicRoot, reg.UserID),
		Broker:    wr.config.Mqtt.PublicURL,
		Latitude:  reg.Point.Latitude,
		Longitude: reg.Point.Longitude,
		Users:     reg.Audience,
	})
}

// ping refreshes presence for the recipient id in the body, falling back to
// the session identity.
func (wr *WebRouter) ping(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	recipient := strings.TrimSpace(string(raw))
	if recipient == "" {
		recipient = wr.sessionUser(r)
	}

	presence, err := wr.hub.Heartbeat(r.Context(), recipient)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, presence)
}

type SendRequest struct {
	Message string `json:"message"`
	Nick    string `json:"nick"`
}

func (wr *WebRouter) send(w http.ResponseWriter, r *http.Request) {
	userID := wr.sessionUser(r)
	if userID == "" {
		writeError(w, models.ErrNotAuthenticated)
		return
	}

	var req SendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	res, err := wr.hub.Post(r.Context(), hub.PostRequest{
		UserID:   userID,
		Nick:     req.Nick,
		Body:     req.Message,
		SourceIP: clientIP(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Message.View())
}

func (wr *WebRouter) playback(w http.ResponseWriter, r *http.Request) {
	views, err := wr.hub.Playback(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

type ReportRequest struct {
	User string `json:"user"`
}

type ReportResponse struct {
	User  string  `json:"user"`
	Score float64 `json:"score"`
}

func (wr *WebRouter) report(w http.ResponseWriter, r *http.Request) {
	if wr.sessionUser(r) == "" {
		writeError(w, models.ErrNotAuthenticated)
		return
	}

	var req ReportRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	score, err := wr.hub.ReportViolation(r.Context(), req.User)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReportResponse{User: req.User, Score: score})
}

func (wr *WebRouter) trimTask(w http.ResponseWriter, r *http.Request) {
	want := wr.config.Relay.TaskToken
	got := r.Header.Get(taskTokenHeader)
	if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	n, err := wr.hub.TrimHistory(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// authorizeHandle validates the user and token query parameters presented
// by push clients.
func (wr *WebRouter) authorizeHandle(r *http.Request) (string, bool) {
	query := r.URL.Query()
	userID := query.Get("user")
	if !wr.handles.Validate(userID, query.Get("token")) {
		slog.Warn("rejected push client", "user", userID, "remote_host", r.RemoteAddr)
		return "", false
	}
	return userID, true
}

func (wr *WebRouter) websocketStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := wr.authorizeHandle(r)
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := wr.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "user", userID, "error", err)
		return
	}
	wr.Sockets.Serve(userID, conn)
}
