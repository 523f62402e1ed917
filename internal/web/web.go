package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"icsync/internal/config"
	"icsync/internal/engine"
	"icsync/internal/ics"
	appLog "icsync/internal/log"
	"icsync/internal/scheduler"
	"icsync/internal/syncer"
)

// Server exposes the engine over a JSON HTTP API.
type Server struct {
	cfg    *config.Config
	engine *engine.Engine
	mux    *http.ServeMux
}

func NewServer(cfg *config.Config, eng *engine.Engine) *Server {
	s := &Server{
		cfg:    cfg,
		engine: eng,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="icsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer serves the API on cfg.Listen until ctx is cancelled, then
// shuts down gracefully.
func StartServer(ctx context.Context, cfg *config.Config, eng *engine.Engine) error {
	s := NewServer(cfg, eng)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/validate", s.handleValidate)
	s.mux.HandleFunc("GET /api/subscriptions", s.handleListSubscriptions)
	s.mux.HandleFunc("POST /api/subscriptions", s.handleCreateSubscription)
	s.mux.HandleFunc("GET /api/subscriptions/{id}", s.handleGetSubscription)
	s.mux.HandleFunc("PUT /api/subscriptions/{id}", s.handleUpdateSubscription)
	s.mux.HandleFunc("DELETE /api/subscriptions/{id}", s.handleDeleteSubscription)
	s.mux.HandleFunc("POST /api/subscriptions/{id}/sync", s.handleSyncOne)
	s.mux.HandleFunc("GET /api/subscriptions/{id}/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/subscriptions/{id}/occurrences", s.handleOccurrences)
	s.mux.HandleFunc("POST /api/sync", s.handleSyncAll)
	s.mux.HandleFunc("GET /api/settings/sync-interval", s.handleGetInterval)
	s.mux.HandleFunc("PUT /api/settings/sync-interval", s.handleSetInterval)
	s.mux.HandleFunc("POST /api/network-available", s.handleNetworkAvailable)
	s.mux.HandleFunc("POST /api/certificates/trust", s.handleTrust)
	s.mux.HandleFunc("GET /api/status", s.handleStatuses)
	s.mux.HandleFunc("GET /api/status/stream", s.handleStatusStream)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type validateRequest struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	syncOptions
}

// syncOptions is the trust-prompt part of requests that fetch a feed.
type syncOptions struct {
	Interactive         bool     `json:"interactive"`
	TrustedFingerprints []string `json:"trusted_fingerprints,omitempty"`
	// TrustAlways persists TrustedFingerprints before fetching.
	TrustAlways bool `json:"trust_always,omitempty"`
}

func (s *Server) options(o syncOptions) (syncer.Options, error) {
	if o.TrustAlways {
		for _, fp := range o.TrustedFingerprints {
			if err := s.engine.TrustCertificate(fp); err != nil {
				return syncer.Options{}, err
			}
		}
	}
	return syncer.Options{Interactive: o.Interactive, TrustedFingerprints: o.TrustedFingerprints}, nil
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	opts, err := s.options(req.syncOptions)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	info := s.engine.Validate(r.Context(), req.URL, req.Username, req.Password, opts)
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.engine.Subscriptions(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

type createRequest struct {
	engine.SubscriptionInput
	// SkipValidation stores the subscription without fetching it first.
	SkipValidation bool `json:"skip_validation,omitempty"`
	syncOptions
}

type createResponse struct {
	ID       int64             `json:"id"`
	Resource *ics.ResourceInfo `json:"resource,omitempty"`
}

func (s *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()

	if req.SkipValidation {
		id, err := s.engine.CreateSubscription(ctx, req.SubscriptionInput)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, createResponse{ID: id})
		return
	}

	opts, err := s.options(req.syncOptions)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	id, info, err := s.engine.AddSubscription(ctx, req.SubscriptionInput, opts)
	var f *ics.Failure
	if errors.As(err, &f) {
		writeJSON(w, http.StatusUnprocessableEntity, failureResponse{Error: f.Message(), Resource: &info})
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{ID: id, Resource: &info})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	v, err := s.engine.Subscription(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var in engine.SubscriptionInput
	if !decodeJSON(w, r, &in) {
		return
	}
	if err := s.engine.UpdateSubscription(r.Context(), id, in); err != nil {
		writeEngineError(w, err)
		return
	}
	s.handleGetSubscription(w, r)
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.engine.DeleteSubscription(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSyncOne(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req syncOptions
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	opts, err := s.options(req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	res, err := s.engine.RequestManualSync(r.Context(), id, opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	var req syncOptions
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	opts, err := s.options(req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	results, err := s.engine.RequestManualSyncAll(r.Context(), opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if results == nil {
		results = []syncer.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	st, err := s.engine.Status(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStatuses(w http.ResponseWriter, r *http.Request) {
	sts, err := s.engine.Statuses(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sts)
}

type intervalBody struct {
	Seconds *int64 `json:"seconds"`
}

func (s *Server) handleGetInterval(w http.ResponseWriter, r *http.Request) {
	secs, err := s.engine.SyncInterval(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intervalBody{Seconds: secs})
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalBody
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.SetSyncInterval(r.Context(), req.Seconds); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleNetworkAvailable(w http.ResponseWriter, r *http.Request) {
	ids, err := s.engine.NetworkAvailable(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusAccepted, map[string][]int64{"queued": ids})
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.TrustCertificate(req.Fingerprint); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// occurrencesResponse is the JSON response shape for the occurrences route.
type occurrencesResponse struct {
	Occurrences     any       `json:"occurrences"`
	TruncatedUIDs   []string  `json:"truncated_uids,omitempty"`
	RangeStart      time.Time `json:"range_start"`
	RangeEnd        time.Time `json:"range_end"`
	DisplayTimeZone string    `json:"display_timezone"`
}

// handleOccurrences expands the stored events of one subscription.
//
// GET /api/subscriptions/{id}/occurrences?days=7&backfill=1&tz=Europe/Berlin
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}
	loc := resolveLocationOrLocal(q.Get("tz"))

	now := time.Now().In(loc)
	rangeStart := now.AddDate(0, 0, -backfill)
	rangeEnd := now.AddDate(0, 0, days)

	res, err := s.engine.Occurrences(r.Context(), id, rangeStart, rangeEnd, loc)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, occurrencesResponse{
		Occurrences:     res.Occurrences,
		TruncatedUIDs:   res.TruncatedEvents,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: loc.String(),
	})
}

// streamMessage is one websocket frame of the status stream.
type streamMessage struct {
	Type     string             `json:"type"`
	Statuses []scheduler.Status `json:"statuses,omitempty"`
	Status   *scheduler.Status  `json:"status,omitempty"`
}

// handleStatusStream sends a snapshot of all statuses, then every change
// until the client goes away.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		appLog.Error("websocket accept failed", err)
		return
	}
	defer conn.CloseNow()

	updates, release := s.engine.Subscribe()
	defer release()

	// Client messages are not expected; CloseRead handles pings and close.
	ctx := conn.CloseRead(r.Context())

	sts, err := s.engine.Statuses(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "status unavailable")
		return
	}
	if err := writeFrame(ctx, conn, streamMessage{Type: "snapshot", Statuses: sts}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case st, ok := <-updates:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeFrame(ctx, conn, streamMessage{Type: "status", Status: &st}); err != nil {
				appLog.Debug("status stream closed", "error", err)
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg streamMessage) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

type failureResponse struct {
	Error    string            `json:"error"`
	Resource *ics.ResourceInfo `json:"resource,omitempty"`
}

// writeEngineError maps engine errors to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	var f *ics.Failure
	switch {
	case errors.Is(err, engine.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, scheduler.ErrUnknownSubscription):
		writeError(w, http.StatusNotFound, "subscription not found")
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &f):
		writeError(w, http.StatusUnprocessableEntity, f.Message())
	default:
		appLog.Error("api request failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid subscription id")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Warn("unknown timezone; falling back to local", "name", name)
		return time.Local
	}
	return loc
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
