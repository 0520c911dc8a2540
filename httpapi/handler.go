// Package httpapi exposes the HTTP surface of a callback relay instance: the
// realtime endpoint, the session hooks used by request handlers, the worker
// publish endpoint and operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/ggoodman/diary-callbacks/callback"
	"github.com/ggoodman/diary-callbacks/internal/logctx"
	"github.com/ggoodman/diary-callbacks/internal/workerauth"
	"github.com/ggoodman/diary-callbacks/sessions"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
	defaultRealm          = "callbacks"
	maxBodyBytes          = 1 << 20
)

// Preparer is called before a client subscribes, by the request handler that
// kicks off AI work.
type Preparer interface {
	Prepare(ctx context.Context, sessionID string) bool
}

// StatusSource reports what this instance knows about a session.
type StatusSource interface {
	State(sessionID string) sessions.State
	IsActiveLocally(sessionID string) bool
}

// CallbackPublisher emits callback events onto the bus.
type CallbackPublisher interface {
	PublishCallback(ctx context.Context, sessionID string, kind callback.Kind, data any) (string, error)
}

// Authenticator validates worker bearer tokens and returns the worker subject.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (string, error)
}

// writeJSONError emits {"error":{"code":<status>,"message":"<reason>"}}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Option configures the Handler.
type Option func(*config)

type config struct {
	logger   *slog.Logger
	auth     Authenticator
	realtime http.Handler
	metrics  http.Handler
	realm    string
}

// WithLogger sets the base logger; records are decorated with request data.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithAuthenticator requires a valid service token on POST /callbacks and
// POST /sessions/{id}/prepare.
func WithAuthenticator(a Authenticator) Option {
	return func(c *config) { c.auth = a }
}

// WithRealtime mounts the websocket endpoint at GET /ws.
func WithRealtime(h http.Handler) Option {
	return func(c *config) { c.realtime = h }
}

// WithMetricsHandler mounts the metrics exposition at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(c *config) { c.metrics = h }
}

// WithRealm sets the realm advertised in bearer challenges.
func WithRealm(realm string) Option {
	return func(c *config) {
		if realm != "" {
			c.realm = realm
		}
	}
}

// Handler is the root http.Handler.
type Handler struct {
	log    *slog.Logger
	mux    *http.ServeMux
	prep   Preparer
	status StatusSource
	pub    CallbackPublisher
	auth   Authenticator
	realm  string
}

func New(prep Preparer, status StatusSource, pub CallbackPublisher, opts ...Option) *Handler {
	cfg := &config{logger: slog.Default(), realm: defaultRealm}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	h := &Handler{
		log:    slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		mux:    http.NewServeMux(),
		prep:   prep,
		status: status,
		pub:    pub,
		auth:   cfg.auth,
		realm:  cfg.realm,
	}

	if cfg.realtime != nil {
		h.mux.Handle("GET /ws", cfg.realtime)
	}
	if cfg.metrics != nil {
		h.mux.Handle("GET /metrics", cfg.metrics)
	}
	h.mux.HandleFunc("GET /healthz", h.handleHealthz)
	h.mux.HandleFunc("POST /sessions/{id}/prepare", h.handlePrepare)
	h.mux.HandleFunc("GET /sessions/{id}", h.handleGetSession)
	h.mux.HandleFunc("POST /callbacks", h.handlePostCallback)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionStatus struct {
	SessionID       string `json:"sessionId"`
	State           string `json:"state"`
	HasLocalSession bool   `json:"hasLocalSession"`
	Created         *bool  `json:"created,omitempty"`
}

func (h *Handler) statusOf(id string) sessionStatus {
	return sessionStatus{
		SessionID:       id,
		State:           h.status.State(id).String(),
		HasLocalSession: h.status.IsActiveLocally(id),
	}
}

func (h *Handler) handlePrepare(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.checkAuthentication(r.Context(), r, w); !ok {
		return
	}
	id := r.PathValue("id")
	ctx := logctx.WithSessionData(r.Context(), &logctx.SessionData{SessionID: id})
	created := h.prep.Prepare(ctx, id)
	h.log.InfoContext(ctx, "http.session.prepare", slog.Bool("created", created))

	st := h.statusOf(id)
	st.Created = &created
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.statusOf(r.PathValue("id")))
}

type publishRequest struct {
	SessionID    string          `json:"sessionId"`
	DiaryID      string          `json:"diaryId"`
	CallbackType callback.Kind   `json:"callbackType"`
	Data         json.RawMessage `json:"data"`
}

type publishResponse struct {
	EventID string `json:"eventId"`
}

func (h *Handler) handlePostCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	worker, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}

	var req publishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	id := req.SessionID
	if id == "" {
		id = req.DiaryID
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id})

	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}
	eventID, err := h.pub.PublishCallback(ctx, id, req.CallbackType, data)
	if err != nil {
		if errors.Is(err, callback.ErrMalformed) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			h.log.WarnContext(ctx, "http.callback.invalid", slog.String("err", err.Error()))
			return
		}
		writeJSONError(w, http.StatusBadGateway, "failed to publish callback")
		h.log.ErrorContext(ctx, "http.callback.publish.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "http.callback.published",
		slog.String("worker", worker),
		slog.String("type", string(req.CallbackType)),
		slog.String("event_id", eventID),
	)
	writeJSON(w, http.StatusAccepted, publishResponse{EventID: eventID})
}

// checkAuthentication enforces the service token when an Authenticator is
// configured. It writes the rejection itself and reports false.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) (string, bool) {
	if h.auth == nil {
		return "", true
	}
	tok := workerauth.BearerToken(r.Header.Get(authorizationHeader))
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Set(wwwAuthenticateHeader, fmt.Sprintf("Bearer realm=%q", h.realm))
		writeJSONError(w, http.StatusUnauthorized, "bearer token required")
		return "", false
	}
	worker, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, workerauth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Set(wwwAuthenticateHeader, fmt.Sprintf("Bearer realm=%q, error=\"invalid_token\"", h.realm))
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return "", false
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "authentication failed")
		return "", false
	}
	return worker, true
}
