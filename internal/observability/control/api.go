package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	logx "circlelink/pkg/logx"
)

// ErrBadRequest marks a backend error caused by caller input.
var ErrBadRequest = errors.New("bad request")

// Status is the body of GET /v1/status.
type Status struct {
	State        string    `json:"state"`
	Attempt      int       `json:"attempt"`
	MaxAttempts  int       `json:"max_attempts"`
	SessionID    string    `json:"session_id,omitempty"`
	Foreground   bool      `json:"foreground"`
	Reconnecting bool      `json:"reconnecting"`
	LastError    string    `json:"last_error,omitempty"`
	LastChangeAt time.Time `json:"last_change_at"`

	Affinity  string `json:"affinity,omitempty"`
	DedupSize int    `json:"dedup_size"`
	Host      any    `json:"host,omitempty"`
	Recent    any    `json:"recent,omitempty"`
	Alerts    any    `json:"alerts,omitempty"`
	Jobs      any    `json:"jobs,omitempty"`
	Uptime    string `json:"uptime"`
}

// Lifecycle is the body of POST /v1/lifecycle. Absent fields are unchanged.
type Lifecycle struct {
	Foreground *bool   `json:"foreground,omitempty"`
	Hidden     *bool   `json:"hidden,omitempty"`
	Permission *string `json:"permission,omitempty"`
}

// Backend is what the API drives. The agent implements it.
type Backend interface {
	Status(ctx context.Context) Status
	Reconnect(ctx context.Context) error
	SetAffinity(conversationID string)
	// LeaveAffinity clears the affinity only if it still names conversationID.
	LeaveAffinity(conversationID string) bool
	ApplyLifecycle(l Lifecycle) error
	Deliveries(ctx context.Context, limit int, stored bool) (any, error)
	Toasts() any
	DismissToast(id string) bool
}

type HandlerOptions struct {
	Token string
	Pprof bool
	Log   logx.Logger
}

// Handler builds the control API mux.
func Handler(b Backend, opt HandlerOptions) http.Handler {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &api{b: b, log: log}
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(opt.Token, h) }

	mux.HandleFunc("GET /healthz", wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("GET /v1/status", wrap(a.status))
	mux.HandleFunc("POST /v1/reconnect", wrap(a.reconnect))
	mux.HandleFunc("POST /v1/affinity", wrap(a.affinity))
	mux.HandleFunc("DELETE /v1/affinity/{id}", wrap(a.leaveAffinity))
	mux.HandleFunc("POST /v1/lifecycle", wrap(a.lifecycle))
	mux.HandleFunc("GET /v1/deliveries", wrap(a.deliveries))
	mux.HandleFunc("GET /v1/toasts", wrap(a.toasts))
	mux.HandleFunc("DELETE /v1/toasts/{id}", wrap(a.dismissToast))

	if opt.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

type api struct {
	b   Backend
	log logx.Logger
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.b.Status(r.Context()))
}

func (a *api) reconnect(w http.ResponseWriter, r *http.Request) {
	if err := a.b.Reconnect(r.Context()); err != nil {
		a.log.Warn("reconnect request failed", logx.Err(err))
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reconnecting"})
}

func (a *api) affinity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.b.SetAffinity(strings.TrimSpace(body.ConversationID))
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": strings.TrimSpace(body.ConversationID)})
}

// leaveAffinity is sent by a conversation view on unmount. A view that leaves
// after another one mounted does not clear the newer affinity.
func (a *api) leaveAffinity(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"left": a.b.LeaveAffinity(id)})
}

func (a *api) lifecycle(w http.ResponseWriter, r *http.Request) {
	var body Lifecycle
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.b.ApplyLifecycle(body); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, a.b.Status(r.Context()))
}

func (a *api) deliveries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	stored := r.URL.Query().Get("source") == "store"
	out, err := a.b.Deliveries(r.Context(), limit, stored)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) toasts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.b.Toasts())
}

func (a *api) dismissToast(w http.ResponseWriter, r *http.Request) {
	if !a.b.DismissToast(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, errors.New("toast not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func statusFor(err error) int {
	if errors.Is(err, ErrBadRequest) {
		return http.StatusBadRequest
	}
	return http.StatusServiceUnavailable
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && strings.TrimSpace(got) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
