package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"mediafetch/internal/observability"
	"mediafetch/internal/orchestrator"
	"mediafetch/internal/progress"
	"mediafetch/internal/twitter"
)

const defaultMaxUploadBytes = 4 << 30

// App wires the HTTP surface: acquisition control, progress polling, the
// websocket push channel, cookie staging, local ingestion, and artifact
// retrieval.
type App struct {
	logger *slog.Logger

	router   *chi.Mux
	orch     *orchestrator.Orchestrator
	registry *progress.Registry
	pusher   *progress.Pusher
	cookies  *twitter.CookieStore
	metrics  *observability.Metrics

	maxUploadBytes int64

	upgrader websocket.Upgrader
}

func NewApp(logger *slog.Logger, orch *orchestrator.Orchestrator, registry *progress.Registry, pusher *progress.Pusher, cookies *twitter.CookieStore, metrics *observability.Metrics, maxUploadBytes int64) *App {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}

	app := &App{
		logger:         logger,
		router:         chi.NewRouter(),
		orch:           orch,
		registry:       registry,
		pusher:         pusher,
		cookies:        cookies,
		metrics:        metrics,
		maxUploadBytes: maxUploadBytes,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	app.registerRoutes()
	return app
}

func (a *App) Router() http.Handler {
	return a.router
}

func (a *App) registerRoutes() {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.RealIP)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Timeout(45 * time.Minute))
	a.router.Use(a.corsMiddleware)
	a.router.Use(a.metricsMiddleware)

	a.router.Route("/api", func(r chi.Router) {
		r.Post("/acquisition/start", a.startAcquisition)
		r.Get("/acquisition/progress/{id}", a.jobProgress)
		r.Get("/acquisition/events/{id}", a.jobEvents)
		r.Post("/acquisition/cookies", a.stageCookies)
		r.Post("/ingest", a.ingest)
		r.Get("/files/{id}", a.serveFile)
	})

	a.router.Get("/healthz", a.health)
	if a.metrics != nil {
		a.router.Handle("/metrics", a.metrics.Handler())
	}
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "timestamp": time.Now().Format(time.RFC3339)})
}

type startRequest struct {
	URL           string `json:"url"`
	CookieSession string `json:"cookie_session,omitempty"`
}

// startAcquisition validates the URL synchronously and returns the job id;
// the download itself runs in the background.
func (a *App) startAcquisition(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID, err := a.orch.Start(req.URL, req.CookieSession)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidURL) {
			a.respondError(w, http.StatusBadRequest, "invalid or non-absolute url")
			return
		}
		a.logger.Error("failed to start acquisition", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to start acquisition")
		return
	}

	a.respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id":       jobID,
		"progress_url": "/api/acquisition/progress/" + jobID,
		"events_url":   "/api/acquisition/events/" + jobID,
	})
}

// jobProgress is the polling path: the registry record as-is, 404 once the
// job is unknown or evicted.
func (a *App) jobProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	rec, ok := a.registry.Get(jobID)
	if !ok {
		a.respondError(w, http.StatusNotFound, "unknown job")
		return
	}
	a.respondJSON(w, http.StatusOK, rec)
}

// jobEvents upgrades to a websocket and hands the connection to the pusher,
// which mirrors registry updates until the job reaches a terminal state. The
// read loop exists only to detect client disconnects.
func (a *App) jobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if _, ok := a.registry.Get(jobID); !ok {
		a.respondError(w, http.StatusNotFound, "unknown job")
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}

	a.pusher.Subscribe(jobID, conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	a.pusher.Unsubscribe(jobID, conn)
}

// stageCookies accepts a Netscape-format cookie file and returns a one-use
// session id for a subsequent authenticated start.
func (a *App) stageCookies(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}

	file, _, err := r.FormFile("cookies")
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "cookies file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil || len(data) == 0 {
		a.respondError(w, http.StatusBadRequest, "empty cookies file")
		return
	}

	sessionID, err := a.cookies.Put(data)
	if err != nil {
		a.logger.Error("failed to stage cookies", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to stage cookies")
		return
	}

	a.respondJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

// ingest persists an uploaded payload through the shared pipeline. The write
// runs within the request because the multipart reader cannot outlive it;
// progress stays pollable under the returned job id throughout.
func (a *App) ingest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxUploadBytes+1024)

	reader, err := r.MultipartReader()
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "multipart upload required")
		return
	}

	part, err := nextFilePart(reader, "file")
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "file part is required")
		return
	}
	defer part.Close()

	declaredSize := declaredContentLength(r)
	jobID, err := a.orch.IngestLocal(part, declaredSize, part.FileName())
	if err != nil {
		a.logger.Error("ingestion failed", "job_id", jobID, "error", err)
		a.respondJSON(w, http.StatusInternalServerError, map[string]string{
			"job_id": jobID,
			"error":  "ingestion failed",
		})
		return
	}

	a.respondJSON(w, http.StatusCreated, map[string]string{
		"job_id":   jobID,
		"file_url": "/api/files/" + jobID,
	})
}

// serveFile streams a completed job's artifact. 409 while the job is still
// running, 404 for unknown jobs and failed ones.
func (a *App) serveFile(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	rec, ok := a.registry.Get(jobID)
	if !ok {
		a.respondError(w, http.StatusNotFound, "unknown job")
		return
	}
	if !rec.Completed {
		a.respondError(w, http.StatusConflict, "job still in progress")
		return
	}
	if !rec.Succeeded() || rec.Result.FilePath == "" {
		a.respondError(w, http.StatusNotFound, "no artifact for this job")
		return
	}
	if _, err := os.Stat(rec.Result.FilePath); err != nil {
		a.respondError(w, http.StatusNotFound, "artifact no longer available")
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Result.FileName))
	http.ServeFile(w, r, rec.Result.FilePath)
}

// nextFilePart scans the multipart stream for the named file part without
// buffering preceding parts.
func nextFilePart(reader *multipart.Reader, name string) (*multipart.Part, error) {
	for {
		part, err := reader.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == name && part.FileName() != "" {
			return part, nil
		}
		_ = part.Close()
	}
}

func (a *App) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("failed to encode json", "error", err)
	}
}

func (a *App) respondError(w http.ResponseWriter, code int, message string) {
	a.respondJSON(w, code, map[string]string{"error": message})
}

func (a *App) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware counts requests by route pattern and status class.
func (a *App) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(ww.Status()/100) + "xx"
		a.metrics.HTTPRequests.WithLabelValues(route, status).Inc()
	})
}

func declaredContentLength(r *http.Request) int64 {
	if v := r.Header.Get("X-Declared-Size"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	if r.ContentLength > 0 {
		return r.ContentLength
	}
	return 0
}
