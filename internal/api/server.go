// Package api is the local JSON and chart HTTP surface over the engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/emg.report/internal/catalog"
	"github.com/banshee-data/emg.report/internal/chart"
	"github.com/banshee-data/emg.report/internal/clips"
	"github.com/banshee-data/emg.report/internal/compute"
	"github.com/banshee-data/emg.report/internal/dashboard"
	"github.com/banshee-data/emg.report/internal/engine"
	"github.com/banshee-data/emg.report/internal/httputil"
	"github.com/banshee-data/emg.report/internal/hub"
	"github.com/banshee-data/emg.report/internal/monitoring"
	"github.com/banshee-data/emg.report/internal/report"
	"github.com/banshee-data/emg.report/internal/retry"
	"github.com/banshee-data/emg.report/internal/session"
)

// ANSI escape codes for the request log
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

var logf = monitoring.Component("api")

// ComputeTimeout bounds how long a compute request waits for its outcome.
const ComputeTimeout = 2 * time.Minute

// SubmitTimeout bounds a dashboard submission, retries included.
const SubmitTimeout = time.Minute

type Server struct {
	engine    *engine.Engine
	transport hub.Transport
	charts    chart.Options
	exporter  *chart.Exporter
}

// NewServer serves e. transport may be nil when no hub is attached.
func NewServer(e *engine.Engine, transport hub.Transport, charts chart.Options) *Server {
	return &Server{engine: e, transport: transport, charts: charts}
}

// SetExporter makes every computed report also write its charts to disk.
func (s *Server) SetExporter(x *chart.Exporter) { s.exporter = x }

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf("[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.AttachRoutes(mux)
	return mux
}

// AttachRoutes registers the API on mux.
func (s *Server) AttachRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/clips", s.handleClips)
	mux.HandleFunc("/api/clips/", s.handleClipByMAC)
	mux.HandleFunc("/api/exercises", s.handleExercises)
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/session/", s.handleSessionAction)
	mux.HandleFunc("/api/windows", s.handleWindows)
	mux.HandleFunc("/api/windows/stream", s.handleWindowStream)
	mux.HandleFunc("/api/reports/", s.handleReport)
	mux.HandleFunc("/api/sets/", s.handleSetRaw)
	mux.HandleFunc("/api/dashboard", s.handleDashboard)
	mux.HandleFunc("/api/dashboard/", s.handleDashboardAction)
	mux.HandleFunc("/api/visit/end", s.handleEndVisit)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/command", s.sendCommandHandler)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidRange):
		return http.StatusBadRequest
	case errors.Is(err, report.ErrNotFound),
		errors.Is(err, chart.ErrNoData),
		errors.Is(err, clips.ErrUnknownClip),
		errors.Is(err, catalog.ErrUnknownExercise):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrComputeInProgress),
		errors.Is(err, session.ErrSuperseded),
		errors.Is(err, clips.ErrClipBusy),
		errors.Is(err, clips.ErrSlotAlreadyTaken),
		errors.Is(err, clips.ErrDuplicateDevice),
		errors.Is(err, dashboard.ErrNothingToSubmit):
		return http.StatusConflict
	case errors.Is(err, session.ErrIncompleteAttachment),
		errors.Is(err, session.ErrInsufficientData),
		errors.Is(err, compute.ErrMalformedBuffer):
		return http.StatusUnprocessableEntity
	case errors.Is(err, retry.ErrPermanentFailure):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logf("request failed: %v", err)
	}
	httputil.WriteJSONError(w, status, err.Error())
}
