package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/shared-counter/internal/domain"
)

const maxBodyBytes = 4 << 10

// StreamHeartbeat is the SSE keep-alive period.
var StreamHeartbeat = 15 * time.Second

type Handler struct {
	engine *CounterEngine
	stream *Broadcaster
	logger *zap.Logger
}

func NewHandler(engine *CounterEngine, stream *Broadcaster, logger *zap.Logger) *Handler {
	return &Handler{engine: engine, stream: stream, logger: logger.Named("http")}
}

// Routes builds the public router. gatherer may be nil when /metrics is
// served on a separate listener.
func (h *Handler) Routes(limiter *rate.Limiter, metrics *Metrics, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1/counter", func(r chi.Router) {
		r.Get("/", h.GetCounter)
		r.Get("/stream", h.Stream)
		r.With(IngressLimiter(limiter, metrics)).Post("/ops", h.ApplyDelta)
	})

	return r
}

func (h *Handler) ApplyDelta(w http.ResponseWriter, r *http.Request) {
	var req domain.DeltaRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body", nil)
		return
	}
	req.TraceID = TraceIDFromContext(r.Context())

	res, err := h.engine.ApplyDelta(r.Context(), req)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetCounter(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.GetCounterState(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Stream is the Server-Sent Events display feed. It starts with the current
// state; ?fingerprint= also delivers block decisions for that client.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response does not support flushing", nil)
		return
	}

	events, cancel := h.stream.Subscribe(r.URL.Query().Get("fingerprint"))
	defer cancel()

	st, err := h.engine.GetCounterState(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var cursor streamCursor
	initial := StreamEvent{Kind: StreamCounter, Counter: &st}
	cursor.fresh(initial)
	if err := writeEvent(w, initial); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(StreamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			if !cursor.fresh(ev) {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// streamCursor remembers the last counter version sent on one stream. Updates
// queued before the initial snapshot must not move the display backwards.
type streamCursor struct {
	version int64
}

// fresh reports whether ev should be sent and advances the cursor.
func (c *streamCursor) fresh(ev StreamEvent) bool {
	if ev.Kind != StreamCounter || ev.Counter == nil {
		return true
	}
	if ev.Counter.Version <= c.version {
		return false
	}
	c.version = ev.Counter.Version
	return true
}

func writeEvent(w http.ResponseWriter, ev StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
	return err
}

type errorBody struct {
	Error          string             `json:"error"`
	Message        string             `json:"message"`
	Violations     []domain.Violation `json:"violations,omitempty"`
	RetryAfterMs   int64              `json:"retryAfterMs,omitempty"`
	BlockExpiresAt int64              `json:"blockExpiresAt,omitempty"`
}

// writeEngineError maps the error taxonomy onto HTTP.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var rej *domain.RejectionError
	switch {
	case errors.As(err, &rej):
		status, code := http.StatusTooManyRequests, "rate_limited"
		switch {
		case errors.Is(rej, domain.ErrBlocked):
			status, code = http.StatusForbidden, "blocked"
			if rej.Has(domain.ViolationAutomatedBehavior) {
				code = "automated_behavior"
			}
		case errors.Is(rej, domain.ErrUsageCapExceeded):
			code = "usage_cap_exceeded"
		}
		body := &errorBody{Violations: rej.Violations}
		if rej.RetryAfter > 0 {
			w.Header().Set("Retry-After", fmt.Sprint(int64(math.Ceil(rej.RetryAfter.Seconds()))))
			body.RetryAfterMs = rej.RetryAfter.Milliseconds()
		}
		if !rej.BlockExpiresAt.IsZero() {
			body.BlockExpiresAt = rej.BlockExpiresAt.UnixMilli()
		}
		writeError(w, status, code, rej.Error(), body)

	case errors.Is(err, domain.ErrInvalidFingerprint):
		writeError(w, http.StatusBadRequest, "invalid_fingerprint", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidOperation):
		writeError(w, http.StatusBadRequest, "invalid_operation", err.Error(), nil)
	case errors.Is(err, domain.ErrConcurrencyExhausted):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "concurrency_exhausted", err.Error(), nil)
	case errors.Is(err, ErrStorageUnavailable):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage is temporarily unavailable", nil)
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "operational", "internal error", nil)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string, body *errorBody) {
	if body == nil {
		body = &errorBody{}
	}
	body.Error = code
	body.Message = msg
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
