package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/emg.report/internal/chart"
	"github.com/banshee-data/emg.report/internal/clips"
	"github.com/banshee-data/emg.report/internal/dashboard"
	"github.com/banshee-data/emg.report/internal/httputil"
	"github.com/banshee-data/emg.report/internal/report"
	"github.com/banshee-data/emg.report/internal/samples"
	"github.com/banshee-data/emg.report/internal/version"
)

// AssignRequest is the body of POST /api/clips/assign.
type AssignRequest struct {
	MAC  string     `json:"mac"`
	Slot clips.Slot `json:"slot"`
}

// ArmRequest is the body of POST /api/session/arm.
type ArmRequest struct {
	ExerciseID string `json:"exercise_id"`
}

// DashboardView is the response of GET /api/dashboard.
type DashboardView struct {
	ID        string              `json:"id"`
	TraineeID string              `json:"trainee_id"`
	Reports   []*report.Report    `json:"reports"`
	Summaries []dashboard.Summary `json:"summaries"`
	Ordinal   int                 `json:"ordinal,omitempty"`
}

// EndVisitResponse is the response of POST /api/visit/end. Submitted is
// zero when the visit had no reports.
type EndVisitResponse struct {
	Submitted dashboard.Result `json:"submitted"`
	Dashboard DashboardView    `json:"dashboard"`
}

func (s *Server) handleClips(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.engine.Clips())
}

// handleClipByMAC handles POST /api/clips/assign, DELETE /api/clips/:mac and
// GET /api/clips/:mac/samples?from=&to=
func (s *Server) handleClipByMAC(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/clips/")
	if mac, ok := strings.CutSuffix(rest, "/samples"); ok && mac != "" && !strings.Contains(mac, "/") {
		s.clipSamples(w, r, mac)
		return
	}
	if rest == "assign" {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		var req AssignRequest
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if req.MAC == "" || req.Slot.IsZero() {
			httputil.BadRequest(w, "mac and slot.muscle are required")
			return
		}
		if _, err := s.engine.Catalog().Muscle(req.Slot.Muscle); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.engine.AssignClip(req.MAC, req.Slot); err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, s.engine.Clips())
		return
	}

	if rest == "" || strings.Contains(rest, "/") {
		httputil.NotFound(w, "unknown clip route")
		return
	}
	if r.Method != http.MethodDelete {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := s.engine.DetachClip(rest); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clipSamples(w http.ResponseWriter, r *http.Request, mac string) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	from, err := time.Parse(time.RFC3339Nano, q.Get("from"))
	if err != nil {
		httputil.BadRequest(w, "from must be an RFC3339 time")
		return
	}
	to, err := time.Parse(time.RFC3339Nano, q.Get("to"))
	if err != nil {
		httputil.BadRequest(w, "to must be an RFC3339 time")
		return
	}
	out, err := s.engine.ClipSamples(r.Context(), mac, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		out = []samples.Sample{}
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleExercises(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.engine.Catalog().Exercises())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.engine.Current())
}

// handleSessionAction handles POST /api/session/{arm,start,stop,retry,abandon,compute}
func (s *Server) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var err error
	switch action := strings.TrimPrefix(r.URL.Path, "/api/session/"); action {
	case "arm":
		var req ArmRequest
		if err := httputil.DecodeJSON(w, r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		err = s.engine.ArmSession(req.ExerciseID)
	case "start":
		err = s.engine.StartSession()
	case "stop":
		err = s.engine.StopSession()
	case "retry":
		err = s.engine.RetrySession()
	case "abandon":
		s.engine.AbandonSession()
	case "compute":
		s.compute(w, r)
		return
	default:
		httputil.NotFound(w, "unknown session action "+action)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.engine.Current())
}

// compute submits the stopped set and waits for its outcome. The job keeps
// running if the client goes away.
func (s *Server) compute(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), ComputeTimeout)
	defer cancel()

	ch, err := s.engine.SubmitForCompute(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	select {
	case o := <-ch:
		if o.Err != nil {
			writeError(w, o.Err)
			return
		}
		s.export(ctx, o.SetID, o.Report)
		httputil.WriteJSONOK(w, o.Report)
	case <-r.Context().Done():
		logf("compute request for %s abandoned by client", s.engine.Current().ID)
	}
}

func (s *Server) export(ctx context.Context, setID string, rep *report.Report) {
	if s.exporter == nil {
		return
	}
	if _, err := s.exporter.ExportReport(rep); err != nil {
		logf("export report %s: %v", rep.ID, err)
	}
	raw, err := s.engine.RawSamples(ctx, setID)
	if err != nil {
		return
	}
	if _, err := s.exporter.ExportRaw(setID, raw, s.engine.Labels()); err != nil {
		logf("export raw %s: %v", setID, err)
	}
}

// handleWindowStream pushes every clip's display window as server-sent
// events on each refresh tick until the client disconnects.
func (s *Server) handleWindowStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	_ = s.engine.Refresh(r.Context(), func(windows map[string][]float64) {
		if _, err := io.WriteString(w, "data: "); err != nil {
			return
		}
		// Encode terminates the value with a newline.
		if err := enc.Encode(windows); err != nil {
			return
		}
		_, _ = io.WriteString(w, "\n")
		flusher.Flush()
	})
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if mac := r.URL.Query().Get("mac"); mac != "" {
		httputil.WriteJSONOK(w, s.engine.RollingWindow(mac))
		return
	}
	httputil.WriteJSONOK(w, s.engine.Windows())
}

// handleReport handles GET /api/reports/:id, PATCH /api/reports/:id and
// GET /api/reports/:id/chart
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/reports/"), "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		httputil.BadRequest(w, "missing report id")
		return
	}
	id := parts[0]

	if len(parts) == 2 {
		if parts[1] != "chart" {
			httputil.NotFound(w, "unknown report route")
			return
		}
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		rep, err := s.engine.Report(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		var buf bytes.Buffer
		if err := chart.RenderActivation(&buf, rep, s.engine.Catalog(), s.charts); err != nil {
			writeError(w, err)
			return
		}
		writeBody(w, "text/html; charset=utf-8", &buf)
		return
	}

	switch r.Method {
	case http.MethodGet:
		rep, err := s.engine.Report(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, rep)
	case http.MethodPatch:
		var a report.Annotation
		if err := httputil.DecodeJSON(w, r, &a); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := a.Validate(); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		rep, err := s.engine.AnnotateReport(r.Context(), id, a)
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, rep)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// handleSetRaw handles GET /api/sets/:id/raw and GET /api/sets/:id/raw.png
func (s *Server) handleSetRaw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/sets/"), "/")
	if len(parts) != 2 || parts[0] == "" || (parts[1] != "raw" && parts[1] != "raw.png") {
		httputil.NotFound(w, "unknown set route")
		return
	}
	setID := parts[0]
	raw, err := s.engine.RawSamples(r.Context(), setID)
	if err != nil {
		writeError(w, err)
		return
	}
	if parts[1] == "raw" {
		httputil.WriteJSONOK(w, raw)
		return
	}
	var buf bytes.Buffer
	if err := chart.RenderRawPNG(&buf, "Set "+setID, raw, s.engine.Labels()); err != nil {
		writeError(w, err)
		return
	}
	writeBody(w, "image/png", &buf)
}

func (s *Server) dashboardView() DashboardView {
	agg := s.engine.Dashboard()
	reports := agg.Reports()
	v := DashboardView{
		ID:        agg.ID(),
		TraineeID: agg.TraineeID(),
		Reports:   reports,
		Summaries: dashboard.Summarize(reports),
	}
	if res, ok := agg.Result(); ok {
		v.Ordinal = res.Ordinal
	}
	return v
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.dashboardView())
}

// handleDashboardAction handles POST /api/dashboard/finalize and
// GET /api/dashboard/chart
func (s *Server) handleDashboardAction(w http.ResponseWriter, r *http.Request) {
	switch strings.TrimPrefix(r.URL.Path, "/api/dashboard/") {
	case "finalize":
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		ctx, cancel := submitContext(r)
		defer cancel()
		o := <-s.engine.FinalizeDashboard(ctx)
		if o.Err != nil {
			writeError(w, o.Err)
			return
		}
		httputil.WriteJSONOK(w, o.Result)
	case "chart":
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		v := s.dashboardView()
		sess := &dashboard.Session{ID: v.ID, TraineeID: v.TraineeID, Reports: v.Reports, Summaries: v.Summaries}
		if len(v.Reports) > 0 {
			sess.StartedAt = v.Reports[0].CreatedAt
		}
		var buf bytes.Buffer
		if err := chart.RenderSummary(&buf, sess, s.charts); err != nil {
			writeError(w, err)
			return
		}
		writeBody(w, "text/html; charset=utf-8", &buf)
	default:
		httputil.NotFound(w, "unknown dashboard route")
	}
}

func (s *Server) handleEndVisit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	ctx, cancel := submitContext(r)
	defer cancel()
	res, err := s.engine.EndVisit(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, EndVisitResponse{Submitted: res, Dashboard: s.dashboardView()})
}

// submitContext detaches a dashboard submission from the client connection
// so a disconnect does not cut its retries short.
func submitContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), SubmitTimeout)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, version.Get())
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.transport == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "no hub attached")
		return
	}
	command := r.FormValue("command")
	if command == "" {
		httputil.BadRequest(w, "command is required")
		return
	}
	if err := s.transport.SendCommand(command); err != nil {
		httputil.InternalServerError(w, "failed to send command")
		return
	}
	_, _ = io.WriteString(w, "Command sent successfully")
}

func writeBody(w http.ResponseWriter, contentType string, buf *bytes.Buffer) {
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(buf.Bytes())
}
