package httpapi

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fabricd/internal/handle"
	"fabricd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() []types.Model
	Status() types.StatusResponse
	StatusString() string
	Ready() bool
	Swap(ctx context.Context, ref, projector string) (uint64, error)
	Infer(ctx context.Context, req types.InferRequest, w io.Writer, flush func()) error
	Cancel(h handle.Handle) error
}

// NewMux builds the admin router.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if st := current(); st.corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: st.corsOrigins,
			AllowedMethods: st.corsMethods,
			AllowedHeaders: st.corsHeaders,
		}))
	}
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", listModels(svc))
	r.Post("/models/load", loadModel(svc))
	r.Get("/status", status(svc))
	r.Get("/status/text", statusText(svc))
	r.Post("/infer", infer(svc))
	r.Delete("/sessions/{handle}", cancelSession(svc))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

// decodeJSON enforces the content type and body limit and decodes into v.
// It writes the error response itself and reports whether decoding worked.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, current().maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// If exceeded size, MaxBytesReader may cause an error; still return 400 to avoid size leak details
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// listModels godoc
// @Summary      List models
// @Description  Models discovered in the models directory.
// @Tags         models
// @Produce      json
// @Success      200  {object}  types.ModelsResponse
// @Router       /models [get]
func listModels(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, types.ModelsResponse{Models: svc.ListModels()})
	}
}

// loadModel godoc
// @Summary      Swap the active model
// @Description  Loads a model (and optional projector) and makes it current without interrupting running sessions.
// @Tags         models
// @Accept       json
// @Produce      json
// @Param        body  body      types.LoadModelRequest  true  "Model to load"
// @Success      200   {object}  types.LoadModelResponse
// @Failure      400   {object}  types.ErrorResponse
// @Failure      404   {object}  types.ErrorResponse
// @Failure      409   {object}  types.ErrorResponse
// @Failure      503   {object}  types.ErrorResponse
// @Router       /models/load [post]
func loadModel(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.LoadModelRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			writeJSONError(w, http.StatusBadRequest, "model is required")
			return
		}
		start := time.Now()
		lvl := requestLogLevel(r)
		gen, err := svc.Swap(r.Context(), req.Model, req.ProjectorPath)
		if err != nil {
			status := writeError(w, err)
			logRequest(r, lvl, "model load failed", status, start, err)
			return
		}
		st := svc.Status()
		logRequest(r, lvl, "model loaded", http.StatusOK, start, nil)
		writeJSON(w, types.LoadModelResponse{Path: st.Model.Path, Generation: gen, ProjectorType: st.Model.ProjectorType})
	}
}

// status godoc
// @Summary      Runtime status
// @Tags         status
// @Produce      json
// @Success      200  {object}  types.StatusResponse
// @Router       /status [get]
func status(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	}
}

// statusText godoc
// @Summary      Short status line
// @Description  state=<worker state> model=<name> gen=<n> last_event="..."
// @Tags         status
// @Produce      plain
// @Success      200  {string}  string
// @Router       /status/text [get]
func statusText(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, svc.StatusString()+"\n")
	}
}

// infer godoc
// @Summary      Generate text
// @Description  Streams NDJSON InferChunk lines: the session handle first, one line per token, then a done line.
// @Tags         inference
// @Accept       json
// @Produce      application/x-ndjson
// @Param        body  body      types.InferRequest  true  "Generation request"
// @Success      200   {object}  types.InferChunk
// @Failure      400   {object}  types.ErrorResponse
// @Failure      413   {object}  types.ErrorResponse
// @Failure      415   {object}  types.ErrorResponse
// @Failure      429   {object}  types.ErrorResponse
// @Failure      503   {object}  types.ErrorResponse
// @Router       /infer [post]
func infer(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.InferRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		// Basic validation
		if strings.TrimSpace(req.Prompt) == "" && len(req.Image) == 0 {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}

		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}
		start := time.Now()
		// Optional logging of NDJSON tokens
		lvl := requestLogLevel(r)
		lw := &headerWriter{w: w}
		writer := io.Writer(lw)
		if lvl >= LevelDebug {
			writer = io.MultiWriter(lw, newStreamLogger(r))
		}
		logRequest(r, lvl, "infer start", 0, start, nil)

		// shutdown cancels generation as well as a client disconnect
		base := serverContext()
		ctx, cancel := joinContexts(base, r.Context())
		defer cancel()
		if d := current().inferTimeout; d > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, d)
			defer tcancel()
		}
		if err := svc.Infer(ctx, req, writer, flush); err != nil {
			// If context was canceled (client disconnect), just return.
			if r.Context().Err() != nil || base.Err() != nil {
				return
			}
			if lw.started {
				logRequest(r, lvl, "infer end", http.StatusOK, start, err)
				return
			}
			status := writeError(w, err)
			if status == http.StatusTooManyRequests {
				IncrementBackpressure("sessions")
			}
			logRequest(r, lvl, "infer end", status, start, err)
			return
		}
		logRequest(r, lvl, "infer end", http.StatusOK, start, nil)
	}
}

// headerWriter sets the NDJSON content type on the first write so an error
// returned before any output can still be sent as JSON.
type headerWriter struct {
	w       http.ResponseWriter
	started bool
}

func (h *headerWriter) Write(p []byte) (int, error) {
	if !h.started {
		h.started = true
		h.w.Header().Set("Content-Type", "application/x-ndjson")
	}
	return h.w.Write(p)
}

// cancelSession godoc
// @Summary      Cancel a running session
// @Tags         inference
// @Param        handle  path  string  true  "Session handle from the first /infer line"
// @Success      204
// @Failure      400  {object}  types.ErrorResponse
// @Failure      404  {object}  types.ErrorResponse
// @Router       /sessions/{handle} [delete]
func cancelSession(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := handle.Parse(chi.URLParam(r, "handle"))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := svc.Cancel(h); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
