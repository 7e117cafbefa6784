// Package http exposes the dispatcher over the resource protocol and the
// procedure-call endpoint.
package http

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/artpar/levelgate/app"
	"github.com/artpar/levelgate/domain/manifest"
	"github.com/artpar/levelgate/domain/query"
)

// maxBodyBytes caps request bodies at 10MB.
const maxBodyBytes = 10 << 20

func init() {
	// The resource protocol's live verb. Must be registered before any
	// router uses it.
	chi.RegisterMethod("SUBSCRIBE")
}

// DispatchHandler routes every resource request through the dispatcher.
type DispatchHandler struct {
	dispatcher *app.Dispatcher
	logger     zerolog.Logger
}

// NewDispatchHandler creates a handler over the given dispatcher.
func NewDispatchHandler(d *app.Dispatcher, logger zerolog.Logger) *DispatchHandler {
	return &DispatchHandler{dispatcher: d, logger: logger}
}

// ServeHTTP normalizes the request and hands it to the dispatcher.
func (h *DispatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := normalize(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.dispatcher.Dispatch(r.Context(), req, newSink(w))
}

// rpcRequest is the procedure-call envelope.
type rpcRequest struct {
	Path   []string `json:"path"`
	Method string   `json:"method"`
	Args   []any    `json:"args"`
}

// RPC handles POST /_rpc calls.
func (h *DispatchHandler) RPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	var call rpcRequest
	if err := json.Unmarshal(body, &call); err != nil {
		writeError(w, http.StatusBadRequest, "decode call: "+err.Error())
		return
	}
	if call.Method == "" {
		writeError(w, http.StatusBadRequest, "missing method name")
		return
	}
	h.dispatcher.CallAndRespond(r.Context(), call.Path, call.Method, call.Args, newSink(w))
}

// normalize converts an incoming HTTP request into the dispatcher's
// request form: upper verb, decoded path segments, parsed range query,
// lower-cased headers, buffered body.
func normalize(r *http.Request) (*manifest.Request, error) {
	rng, err := query.ParseValues(r.URL.Query())
	if err != nil {
		return nil, err
	}

	segments, err := splitPath(r.URL.EscapedPath())
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
	}

	return &manifest.Request{
		Method:   strings.ToUpper(r.Method),
		Path:     segments,
		Query:    rng,
		RawQuery: r.URL.Query(),
		Headers:  headers,
		Body:     body,
	}, nil
}

func splitPath(escaped string) ([]string, error) {
	trimmed := strings.Trim(escaped, "/")
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		seg, err := url.PathUnescape(part)
		if err != nil {
			return nil, err
		}
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments, nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

// RouterConfig holds optional configuration for the router.
type RouterConfig struct {
	MetricsHandler http.Handler // /metrics endpoint; promhttp by default when metrics are on
	EnableMetrics  bool
}

// NewRouter creates the main HTTP router.
func NewRouter(handler *DispatchHandler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", Health)
	r.Get("/health/live", Health)
	r.Get("/version", Version)

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	} else if cfg.EnableMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Post("/_rpc", handler.RPC)

	for _, verb := range []string{"GET", "PUT", "POST", "DELETE", "PATCH", "SUBSCRIBE"} {
		r.Method(verb, "/*", handler)
	}

	return r
}

// Health returns a simple liveness check.
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Version returns the service version.
func Version(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"service": "levelgate",
		"version": "dev",
	})
}

// NewLoggingMiddleware logs HTTP requests.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// Skip logging for health checks and metrics
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
