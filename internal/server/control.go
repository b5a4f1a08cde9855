package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/rathix/dev-gateway/internal/health"
	"github.com/rathix/dev-gateway/internal/registry"
	"github.com/rathix/dev-gateway/internal/routing"
	"github.com/rathix/dev-gateway/internal/state"
	"github.com/rathix/dev-gateway/internal/websocket"
)

// maxBodyBytes bounds control API request bodies.
const maxBodyBytes = 64 << 10

// Store is the snapshot store as seen by the control API.
type Store interface {
	Current() *state.Snapshot
	Notify(ev state.Event)
	Subscribe() <-chan state.Event
	Unsubscribe(ch <-chan state.Event)
}

// Reloader re-reads the configuration and publishes a new snapshot.
type Reloader interface {
	Reload(ctx context.Context) (*state.Snapshot, error)
}

// Prober runs one health check cycle.
type Prober interface {
	CheckNow(ctx context.Context) []health.Result
}

// ControlOptions wires the control API to the running gateway. Reloader,
// Prober and Metrics are optional; their endpoints answer 501 when unset.
type ControlOptions struct {
	Store    Store
	Reloader Reloader
	Prober   Prober
	Metrics  http.Handler
	Conns    *websocket.ConnectionRegistry
	Logger   *slog.Logger
	// OriginPatterns lists the browser origins allowed to open /events.
	OriginPatterns []string
}

// envelope wraps API responses in {ok, data} or {ok, error} format.
type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// TargetStatus is one target in the GET /status payload.
type TargetStatus struct {
	ID                 string            `json:"id"`
	Address            string            `json:"address"`
	Scheme             string            `json:"scheme"`
	Liveness           registry.Liveness `json:"liveness"`
	HealthPath         string            `json:"healthPath,omitempty"`
	PreserveHost       bool              `json:"preserveHost,omitempty"`
	InsecureSkipVerify bool              `json:"insecureSkipVerify,omitempty"`
}

func targetStatus(t *registry.Target) TargetStatus {
	return TargetStatus{
		ID:                 t.ID,
		Address:            t.Address(),
		Scheme:             t.Scheme,
		Liveness:           t.Liveness(),
		HealthPath:         t.HealthPath,
		PreserveHost:       t.PreserveHost,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}
}

// StatusResponse is the data payload for GET /status.
type StatusResponse struct {
	Version     uint64          `json:"version"`
	LoadedAt    time.Time       `json:"loadedAt"`
	Source      string          `json:"source,omitempty"`
	Environment string          `json:"environment,omitempty"`
	Targets     []TargetStatus  `json:"targets"`
	Routes      []routing.Route `json:"routes"`
}

// ReloadResponse is the data payload for a successful POST /reload.
type ReloadResponse struct {
	Version uint64 `json:"version"`
	Targets int    `json:"targets"`
	Routes  int    `json:"routes"`
}

// RegisterRequest is the request body for POST /targets.
type RegisterRequest struct {
	ID                 string `json:"id"`
	Address            string `json:"address"`
	Scheme             string `json:"scheme"`
	HealthPath         string `json:"healthPath"`
	PreserveHost       bool   `json:"preserveHost"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify"`
}

type controlAPI struct {
	ControlOptions
}

// NewControlHandler returns the control API mux. It is served on its own
// listener so the route table owns the gateway's whole path space.
func NewControlHandler(opts ControlOptions) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Conns == nil {
		opts.Conns = websocket.NewRegistry(opts.Logger)
	}
	api := &controlAPI{ControlOptions: opts}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", api.status)
	mux.HandleFunc("POST /reload", api.reload)
	mux.HandleFunc("POST /probe", api.probe)
	mux.HandleFunc("POST /targets", api.register)
	mux.HandleFunc("DELETE /targets/{id}", api.deregister)
	mux.HandleFunc("GET /events", api.events)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{OK: false, Error: msg})
}

func (a *controlAPI) snapshot(w http.ResponseWriter) *state.Snapshot {
	snap := a.Store.Current()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "no configuration loaded")
	}
	return snap
}

func (a *controlAPI) status(w http.ResponseWriter, r *http.Request) {
	snap := a.snapshot(w)
	if snap == nil {
		return
	}

	targets := snap.Registry.List()
	resp := StatusResponse{
		Version:     snap.Version,
		LoadedAt:    snap.LoadedAt,
		Source:      snap.Source,
		Environment: snap.Environment,
		Targets:     make([]TargetStatus, 0, len(targets)),
		Routes:      snap.Routes.Routes(),
	}
	for _, t := range targets {
		resp.Targets = append(resp.Targets, targetStatus(t))
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: resp})
}

func (a *controlAPI) reload(w http.ResponseWriter, r *http.Request) {
	if a.Reloader == nil {
		writeError(w, http.StatusNotImplemented, "reload is not configured")
		return
	}
	snap, err := a.Reloader.Reload(r.Context())
	if err != nil {
		// the previous snapshot keeps serving
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: ReloadResponse{
		Version: snap.Version,
		Targets: snap.Registry.Len(),
		Routes:  snap.Routes.Len(),
	}})
}

func (a *controlAPI) probe(w http.ResponseWriter, r *http.Request) {
	if a.Prober == nil {
		writeError(w, http.StatusNotImplemented, "health checks are not configured")
		return
	}
	if a.snapshot(w) == nil {
		return
	}
	results := a.Prober.CheckNow(r.Context())
	if results == nil {
		results = []health.Result{}
	}
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: results})
}

func (a *controlAPI) register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	snap := a.snapshot(w)
	if snap == nil {
		return
	}
	t, err := snap.Registry.Register(req.ID, req.Address, req.Scheme,
		registry.WithHealthPath(req.HealthPath),
		registry.WithPreserveHost(req.PreserveHost),
		registry.WithInsecureSkipVerify(req.InsecureSkipVerify),
	)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, registry.ErrInvalidTarget) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	a.Logger.Info("target registered", "target", t.ID, "address", t.Address(), "scheme", t.Scheme)
	a.Store.Notify(state.Event{Type: state.EventRegistered, TargetID: t.ID, Liveness: t.Liveness()})
	writeJSON(w, http.StatusCreated, envelope{OK: true, Data: targetStatus(t)})
}

func (a *controlAPI) deregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap := a.snapshot(w)
	if snap == nil {
		return
	}
	if !snap.Registry.Deregister(id) {
		writeError(w, http.StatusNotFound, "unknown target "+id)
		return
	}

	a.Logger.Info("target deregistered", "target", id)
	a.Store.Notify(state.Event{Type: state.EventDeregistered, TargetID: id})
	writeJSON(w, http.StatusOK, envelope{OK: true})
}

func (a *controlAPI) events(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsUpgradeRequest(r) {
		websocket.RejectNotUpgrade(w)
		return
	}
	c, err := websocket.Accept(w, r, a.OriginPatterns...)
	if err != nil {
		a.Logger.Debug("event stream upgrade failed", "error", err)
		return
	}

	ch := a.Store.Subscribe()
	defer a.Store.Unsubscribe(ch)

	conn := websocket.WrapConn(r.Context(), c, websocket.WithLogger(a.Logger))
	defer a.Conns.Track(conn)()
	a.Logger.Debug("event stream opened", "remote", r.RemoteAddr)

	if err := websocket.Stream(conn, ch); err != nil {
		if !errors.Is(err, context.Canceled) {
			a.Logger.Debug("event stream closed", "remote", r.RemoteAddr, "error", err)
		}
		conn.ForceClose()
		return
	}
	_ = conn.Close(ws.StatusNormalClosure, "")
}
