package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"possync/backend/internal/bridge"
	"possync/backend/internal/domain"
	"possync/backend/internal/status"
)

const (
	eventBuffer       = 16
	eventWriteTimeout = 5 * time.Second
)

type Deps struct {
	Bridge        *bridge.Dispatcher
	Status        status.Reader
	Auth          *AuthManager
	Metrics       http.Handler
	AllowedOrigin string
	Logger        *slog.Logger
}

type API struct {
	bridge        *bridge.Dispatcher
	status        status.Reader
	auth          *AuthManager
	metrics       http.Handler
	allowedOrigin string
	tokenLimiter  *attemptLimiter
	logger        *slog.Logger
}

func New(deps Deps) *API {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		bridge:        deps.Bridge,
		status:        deps.Status,
		auth:          deps.Auth,
		metrics:       deps.Metrics,
		allowedOrigin: deps.AllowedOrigin,
		tokenLimiter:  newAttemptLimiter(5, time.Minute),
		logger:        logger.With("component", "httpapi"),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/token", a.handleToken)

	mux.HandleFunc("/api/v1/bridge", a.requireAuth(a.handleBridge))
	mux.HandleFunc("/api/v1/sync/status", a.requireAuth(a.handleSyncStatus))
	mux.HandleFunc("/api/v1/sync/now", a.requireAuth(a.handleSyncNow))
	mux.HandleFunc("/api/v1/sync/events", a.requireStreamAuth(a.handleEvents))

	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics)
	}

	return a.withMiddleware(mux)
}

type shellKey struct{}

func shellFromContext(ctx context.Context) domain.Shell {
	shell, _ := ctx.Value(shellKey{}).(domain.Shell)
	return shell
}

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return a.authenticate(next, false)
}

// requireStreamAuth also accepts ?token=, since browsers cannot set headers
// on a websocket handshake.
func (a *API) requireStreamAuth(next http.HandlerFunc) http.HandlerFunc {
	return a.authenticate(next, true)
}

func (a *API) authenticate(next http.HandlerFunc, allowQuery bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var token string
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		switch {
		case strings.HasPrefix(strings.ToLower(authorization), "bearer "):
			token = strings.TrimSpace(authorization[len("Bearer "):])
		case allowQuery:
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		shell, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), shellKey{}, shell)))
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"online": a.status.Snapshot().Online,
		"at":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.tokenLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many token requests"))
		return
	}

	var req domain.TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Issue(req)
	if err != nil {
		a.logger.Warn("token request rejected", "shell_id", req.ShellID, "client", clientKey(r), "error", err)
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleBridge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req bridge.Request
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, bridge.Response{Error: err.Error(), Code: bridge.CodeInvalid})
		return
	}

	resp := a.bridge.Dispatch(r.Context(), req)
	a.logger.Debug("bridge request", "op", req.Op, "shell_id", shellFromContext(r.Context()).ID, "ok", resp.OK, "code", resp.Code)
	a.writeBridge(w, resp)
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	a.writeBridge(w, a.bridge.Dispatch(r.Context(), bridge.Request{Op: bridge.OpSyncStatus}))
}

func (a *API) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	a.writeBridge(w, a.bridge.Dispatch(r.Context(), bridge.Request{Op: bridge.OpSyncNow}))
}

// writeBridge maps a bridge response onto an HTTP status. The body is the
// response itself, so bridge clients can rely on code either way.
func (a *API) writeBridge(w http.ResponseWriter, resp bridge.Response) {
	httpStatus := http.StatusOK
	switch resp.Code {
	case "":
	case bridge.CodeInvalid, bridge.CodeUnknownOp:
		httpStatus = http.StatusBadRequest
	case bridge.CodeNotFound:
		httpStatus = http.StatusNotFound
	case bridge.CodeConflict, bridge.CodeBusy:
		httpStatus = http.StatusConflict
	default:
		httpStatus = http.StatusInternalServerError
		a.logger.Error("bridge internal error", "error", resp.Error)
		resp.Error = "internal server error"
	}
	writeJSON(w, httpStatus, resp)
}

// handleEvents streams status events over a websocket, starting with the
// current snapshot. Slow clients miss intermediate events, never the latest
// state on their next read.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(a.allowedOrigin),
	})
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events, cancel := a.status.Subscribe(eventBuffer)
	defer cancel()

	ctx := conn.CloseRead(r.Context())
	shellID := shellFromContext(r.Context()).ID
	a.logger.Info("status stream opened", "shell_id", shellID)
	defer a.logger.Info("status stream closed", "shell_id", shellID)

	if err := writeEvent(ctx, conn, a.status.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event domain.StatusEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func originPatterns(allowed string) []string {
	allowed = strings.TrimSpace(allowed)
	if allowed == "" || allowed == "*" {
		return []string{"*"}
	}
	if u, err := url.Parse(allowed); err == nil && u.Host != "" {
		return []string{u.Host}
	}
	return []string{allowed}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "took", time.Since(startedAt))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; 4xx messages are meant for the caller.
	msg := err.Error()
	if status >= 500 {
		slog.Error("internal error", "status", status, "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
