package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/example/fieldsync/internal/ledger"
	"github.com/example/fieldsync/internal/queue"
	"github.com/example/fieldsync/internal/types"
)

const requestTimeout = 30 * time.Second

// Store is what the API needs from a record queue.
type Store[P types.Payload] interface {
	queue.Replayer
	Submit(ctx context.Context, payload P) (types.Record[P], error)
	Records() []types.Record[P]
}

// Handler serves the local API used by the capture screens on the device.
type Handler struct {
	incidents     Store[types.Incident]
	distributions Store[types.Distribution]
	online        func() bool
	stream        http.Handler
	logger        zerolog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithReachability reports the monitor's view on GET /status.
func WithReachability(online func() bool) Option {
	return func(h *Handler) { h.online = online }
}

// WithStatusStream mounts the websocket status stream on GET /ws/status.
func WithStatusStream(stream http.Handler) Option {
	return func(h *Handler) { h.stream = stream }
}

// New creates the API handler.
func New(incidents Store[types.Incident], distributions Store[types.Distribution], logger zerolog.Logger, opts ...Option) *Handler {
	h := &Handler{incidents: incidents, distributions: distributions, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.stream != nil {
		r.Method(http.MethodGet, "/ws/status", h.stream)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))
		r.Post("/incidents", submit(h.incidents, validateIncident, h.logger))
		r.Get("/incidents", list(h.incidents))
		r.Post("/distributions", submit(h.distributions, validateDistribution, h.logger))
		r.Get("/distributions", list(h.distributions))
		r.Get("/status", h.handleStatus)
		r.Post("/sync", h.handleSync)
	})
	return r
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Online  *bool          `json:"online,omitempty"`
	Ledgers []types.Status `json:"ledgers"`
}

// SyncResponse is the body of POST /sync.
type SyncResponse struct {
	Results []KindResult `json:"results"`
}

// KindResult is the outcome of one kind's replay.
type KindResult struct {
	Kind      types.Kind `json:"kind"`
	Attempted int        `json:"attempted"`
	Synced    int        `json:"synced"`
	Failed    int        `json:"failed"`
	Pending   int        `json:"pending"`
	Error     string     `json:"error,omitempty"`
}

func (h *Handler) replayers() []queue.Replayer {
	return []queue.Replayer{h.incidents, h.distributions}
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{}
	if h.online != nil {
		online := h.online()
		resp.Online = &online
	}
	for _, r := range h.replayers() {
		resp.Ledgers = append(resp.Ledgers, r.Status())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	resp := SyncResponse{}
	code := http.StatusOK
	for _, rep := range h.replayers() {
		res, err := rep.SyncPending(r.Context())
		kr := KindResult{
			Kind:      rep.Kind(),
			Attempted: res.Attempted,
			Synced:    res.Synced,
			Failed:    res.Failed,
			Pending:   rep.Status().Pending,
		}
		if err != nil {
			kr.Error = err.Error()
			code = http.StatusServiceUnavailable
			h.logger.Warn().Err(err).Str("kind", string(rep.Kind())).Msg("sync request did not run")
		}
		resp.Results = append(resp.Results, kr)
	}
	writeJSON(w, code, resp)
}

func submit[P types.Payload](store Store[P], validate func(P) error, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload P
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := validate(payload); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		rec, err := store.Submit(r.Context(), payload)
		if err != nil {
			logger.Error().Err(err).Str("kind", string(store.Kind())).Str("request_id", middleware.GetReqID(r.Context())).Msg("submit failed")
			if errors.Is(err, ledger.ErrPersist) {
				writeError(w, http.StatusInternalServerError, "record could not be saved on the device")
				return
			}
			writeError(w, http.StatusInternalServerError, "record not saved")
			return
		}
		writeJSON(w, http.StatusCreated, rec)
	}
}

func list[P types.Payload](store Store[P]) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		records := store.Records()
		if records == nil {
			records = []types.Record[P]{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
