package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/emg.report/internal/catalog"
	"github.com/banshee-data/emg.report/internal/chart"
	"github.com/banshee-data/emg.report/internal/clips"
	"github.com/banshee-data/emg.report/internal/config"
	"github.com/banshee-data/emg.report/internal/dashboard"
	"github.com/banshee-data/emg.report/internal/db"
	"github.com/banshee-data/emg.report/internal/engine"
	"github.com/banshee-data/emg.report/internal/hub"
	"github.com/banshee-data/emg.report/internal/monitoring"
	"github.com/banshee-data/emg.report/internal/report"
	"github.com/banshee-data/emg.report/internal/retry"
	"github.com/banshee-data/emg.report/internal/samples"
	"github.com/banshee-data/emg.report/internal/session"
	"github.com/banshee-data/emg.report/internal/testutil"
	"github.com/banshee-data/emg.report/internal/timeutil"
	"github.com/banshee-data/emg.report/internal/version"
)

func init() {
	monitoring.SetLogger(nil)
}

type testServer struct {
	engine *engine.Engine
	clock  *timeutil.MockClock
	mux    *http.ServeMux
}

func setupTestServer(t *testing.T, transport hub.Transport) *testServer {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cat, err := catalog.Default()
	require.NoError(t, err)
	cfg := config.DefaultEngineConfig()
	backoff := "0s"
	cfg.RetryBackoff = &backoff

	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	e, err := engine.New(engine.Options{TraineeID: "trainee-1", Catalog: cat, Store: store, Config: cfg, Clock: clock})
	require.NoError(t, err)

	s := NewServer(e, transport, chart.Options{})
	return &testServer{engine: e, clock: clock, mux: s.ServeMux()}
}

func (ts *testServer) attach(t *testing.T) {
	t.Helper()
	require.NoError(t, ts.engine.OnDeviceDiscovered("aa:01", 0))
	require.NoError(t, ts.engine.OnDeviceDiscovered("aa:02", 1))
	for mac, side := range map[string]string{"AA:01": "left", "AA:02": "right"} {
		rec := testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/clips/assign",
			fmt.Sprintf(`{"mac":%q,"slot":{"muscle":"biceps","side":%q}}`, mac, side)))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
}

func (ts *testServer) samples(t *testing.T, n int) {
	t.Helper()
	for i := range n {
		v := 40 + 500*math.Max(0, math.Sin(2*math.Pi*float64(i)/20))
		require.NoError(t, ts.engine.OnSampleReceived(0, v, ts.clock.Now()))
		require.NoError(t, ts.engine.OnSampleReceived(1, v*1.2, ts.clock.Now()))
		ts.clock.Advance(20 * time.Millisecond)
	}
}

func TestClips_AssignListDetach(t *testing.T) {
	ts := setupTestServer(t, nil)
	ts.attach(t)

	rec := testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/clips", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	got := testutil.DecodeJSON[[]clips.Clip](t, rec)
	require.Len(t, got, 2)
	assert.Equal(t, clips.Slot{Muscle: "biceps", Side: clips.SideLeft}, got[0].Slot)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/clips/assign",
		`{"mac":"AA:02","slot":{"muscle":"biceps","side":"left"}}`))
	testutil.AssertJSONError(t, rec, http.StatusConflict)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/clips/assign",
		`{"mac":"AA:02","slot":{"muscle":"pinky"}}`))
	testutil.AssertJSONError(t, rec, http.StatusBadRequest)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/clips/assign", `{"mac":"AA:02"}`))
	testutil.AssertJSONError(t, rec, http.StatusBadRequest)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodDelete, "/api/clips/AA:02", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusNoContent)
	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodDelete, "/api/clips/AA:02", nil))
	testutil.AssertJSONError(t, rec, http.StatusNotFound)
}

func TestExercises(t *testing.T) {
	ts := setupTestServer(t, nil)
	rec := testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/exercises", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	got := testutil.DecodeJSON[[]catalog.Exercise](t, rec)
	require.NotEmpty(t, got)
	assert.Equal(t, "biceps-curl", got[0].ID)
}

func TestSession_FullFlow(t *testing.T) {
	ts := setupTestServer(t, nil)
	ts.attach(t)

	rec := testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/session", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Body.String(), `"state":"idle"`)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/session/arm", ArmRequest{ExerciseID: "biceps-curl"}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	set := testutil.DecodeJSON[session.Set](t, rec)
	assert.Equal(t, session.StateArmed, set.State)

	for _, action := range []string{"start", "stop"} {
		if action == "stop" {
			ts.samples(t, 60)
		}
		rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/session/"+action, nil))
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	}

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/session/compute", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	rep := testutil.DecodeJSON[report.Report](t, rec)
	assert.Equal(t, report.KindExercise, rep.Kind)
	assert.Equal(t, set.ID, rep.SetID)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/session/compute", nil))
	testutil.AssertJSONError(t, rec, http.StatusConflict)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/reports/"+rep.ID, nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPatch, "/api/reports/"+rep.ID, `{"weight":7.5,"count":12}`))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	annotated := testutil.DecodeJSON[report.Report](t, rec)
	require.NotNil(t, annotated.Count)
	assert.Equal(t, 12, *annotated.Count)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPatch, "/api/reports/"+rep.ID, `{"count":-2}`))
	testutil.AssertJSONError(t, rec, http.StatusBadRequest)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/reports/"+rep.ID+"/chart", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Biceps brachii (left)")

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/sets/"+set.ID+"/raw", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	raw := testutil.DecodeJSON[samples.Frozen](t, rec)
	assert.Equal(t, 60, raw.Count("AA:01"))

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/sets/"+set.ID+"/raw.png", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "\x89PNG"))

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/dashboard/chart", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/dashboard/finalize", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	res := testutil.DecodeJSON[dashboard.Result](t, rec)
	assert.Equal(t, 1, res.Ordinal)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/dashboard", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	view := testutil.DecodeJSON[DashboardView](t, rec)
	assert.Equal(t, 1, view.Ordinal)
	require.Len(t, view.Reports, 1)
	require.Len(t, view.Summaries, 1)
	assert.Equal(t, rep.Score, view.Summaries[0].BestScore)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/visit/end", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	ended := testutil.DecodeJSON[EndVisitResponse](t, rec)
	assert.Equal(t, res, ended.Submitted, "already submitted dashboard is not sent again")
	assert.NotEqual(t, view.ID, ended.Dashboard.ID)
	assert.Empty(t, ended.Dashboard.Reports)
}

// computeSet records and computes one biceps-curl set through the API.
func (ts *testServer) computeSet(t *testing.T) report.Report {
	t.Helper()
	ts.attach(t)
	rec := testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/session/arm", ArmRequest{ExerciseID: "biceps-curl"}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/session/start", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	ts.samples(t, 60)
	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/session/stop", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/session/compute", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	return testutil.DecodeJSON[report.Report](t, rec)
}

func TestEndVisit_SubmitsOpenDashboard(t *testing.T) {
	ts := setupTestServer(t, nil)
	rep := ts.computeSet(t)
	visit := ts.engine.Dashboard().ID()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := testutil.NewJSONRequest(t, http.MethodPost, "/api/visit/end", nil).WithContext(ctx)
	rec := testutil.Serve(ts.mux, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	ended := testutil.DecodeJSON[EndVisitResponse](t, rec)
	assert.Equal(t, dashboard.Result{Ordinal: 1, SessionID: visit}, ended.Submitted)
	assert.Empty(t, ended.Dashboard.Reports)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/reports/"+rep.ID, nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, rep.Score, testutil.DecodeJSON[report.Report](t, rec).Score)
}

func TestFinalize_SurvivesClientDisconnect(t *testing.T) {
	ts := setupTestServer(t, nil)
	ts.computeSet(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := testutil.NewJSONRequest(t, http.MethodPost, "/api/dashboard/finalize", nil).WithContext(ctx)
	rec := testutil.Serve(ts.mux, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, 1, testutil.DecodeJSON[dashboard.Result](t, rec).Ordinal)
}

func TestClipSamples(t *testing.T) {
	ts := setupTestServer(t, nil)
	ts.computeSet(t)

	q := url.Values{"from": {"2026-03-01T09:00:00Z"}, "to": {"2026-03-01T10:00:00Z"}}
	rec := testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/clips/aa:01/samples?"+q.Encode(), nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	got := testutil.DecodeJSON[[]samples.Sample](t, rec)
	require.Len(t, got, 60)
	assert.Equal(t, 40.0, got[0].Value)

	q.Set("to", "2026-03-01T09:00:00.1Z")
	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/clips/AA:01/samples?"+q.Encode(), nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Len(t, testutil.DecodeJSON[[]samples.Sample](t, rec), 5)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/clips/ZZ:99/samples?"+q.Encode(), nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	tests := []struct {
		name   string
		method string
		query  string
		want   int
	}{
		{"missing from", http.MethodGet, "to=2026-03-01T10:00:00Z", http.StatusBadRequest},
		{"bad to", http.MethodGet, "from=2026-03-01T09:00:00Z&to=noon", http.StatusBadRequest},
		{"reversed", http.MethodGet, "from=2026-03-01T10:00:00Z&to=2026-03-01T09:00:00Z", http.StatusBadRequest},
		{"wrong method", http.MethodPost, q.Encode(), http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testutil.Serve(ts.mux, testutil.NewJSONRequest(t, tt.method, "/api/clips/AA:01/samples?"+tt.query, nil))
			testutil.AssertJSONError(t, rec, tt.want)
		})
	}
}

func TestSession_Errors(t *testing.T) {
	ts := setupTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"start while idle", http.MethodPost, "/api/session/start", nil, http.StatusConflict},
		{"compute while idle", http.MethodPost, "/api/session/compute", nil, http.StatusConflict},
		{"unknown exercise", http.MethodPost, "/api/session/arm", `{"exercise_id":"nope"}`, http.StatusNotFound},
		{"uncovered exercise", http.MethodPost, "/api/session/arm", `{"exercise_id":"biceps-curl"}`, http.StatusUnprocessableEntity},
		{"unknown field", http.MethodPost, "/api/session/arm", `{"exercise":"biceps-curl"}`, http.StatusBadRequest},
		{"unknown action", http.MethodPost, "/api/session/jump", nil, http.StatusNotFound},
		{"wrong method", http.MethodGet, "/api/session/start", nil, http.StatusMethodNotAllowed},
		{"report not in visit", http.MethodGet, "/api/reports/missing", nil, http.StatusNotFound},
		{"annotate missing", http.MethodPatch, "/api/reports/missing", `{"count":1}`, http.StatusNotFound},
		{"unknown report route", http.MethodGet, "/api/reports/x/pdf", nil, http.StatusNotFound},
		{"raw for unknown set", http.MethodGet, "/api/sets/nope/raw", nil, http.StatusNotFound},
		{"bad set route", http.MethodGet, "/api/sets/nope", nil, http.StatusNotFound},
		{"empty dashboard", http.MethodPost, "/api/dashboard/finalize", nil, http.StatusConflict},
		{"empty dashboard chart", http.MethodGet, "/api/dashboard/chart", nil, http.StatusNotFound},
		{"list clips wrong method", http.MethodPost, "/api/clips", nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testutil.Serve(ts.mux, testutil.NewJSONRequest(t, tt.method, tt.path, tt.body))
			testutil.AssertJSONError(t, rec, tt.want)
		})
	}
}

func TestSession_InsufficientData(t *testing.T) {
	ts := setupTestServer(t, nil)
	ts.attach(t)
	for _, step := range []string{"arm", "start", "stop"} {
		var body any
		if step == "arm" {
			body = ArmRequest{ExerciseID: "biceps-curl"}
		}
		rec := testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/session/"+step, body))
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	}
	rec := testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/session/compute", nil))
	testutil.AssertJSONError(t, rec, http.StatusUnprocessableEntity)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/session/retry", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	set := testutil.DecodeJSON[session.Set](t, rec)
	assert.Equal(t, session.StateArmed, set.State)
	assert.Equal(t, 1, set.RetryCount)
}

func TestWindows(t *testing.T) {
	ts := setupTestServer(t, nil)
	ts.attach(t)
	ts.samples(t, 3)

	rec := testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/windows?mac="+url.QueryEscape("aa:01"), nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Len(t, testutil.DecodeJSON[[]float64](t, rec), 3)

	rec = testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/windows", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Len(t, testutil.DecodeJSON[map[string][]float64](t, rec), 2)
}

func TestVersion(t *testing.T) {
	ts := setupTestServer(t, nil)
	rec := testutil.Serve(ts.mux, testutil.NewJSONRequest(t, http.MethodGet, "/api/version", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, version.Get(), testutil.DecodeJSON[version.Info](t, rec))
}

type fakeTransport struct {
	*hub.Disabled
	sent []string
	err  error
}

func (f *fakeTransport) SendCommand(c string) error {
	f.sent = append(f.sent, c)
	return f.err
}

func TestSendCommand(t *testing.T) {
	ft := &fakeTransport{Disabled: hub.NewDisabled()}
	ts := setupTestServer(t, ft)

	form := url.Values{"command": {"RESET"}}
	req := testutil.NewJSONRequest(t, http.MethodPost, "/command", form.Encode())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := testutil.Serve(ts.mux, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, []string{"RESET"}, ft.sent)

	ft.err = errors.New("port closed")
	req = testutil.NewJSONRequest(t, http.MethodPost, "/command", form.Encode())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	testutil.AssertJSONError(t, testutil.Serve(ts.mux, req), http.StatusInternalServerError)

	req = testutil.NewJSONRequest(t, http.MethodPost, "/command", "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	testutil.AssertJSONError(t, testutil.Serve(ts.mux, req), http.StatusBadRequest)

	bare := setupTestServer(t, nil)
	req = testutil.NewJSONRequest(t, http.MethodPost, "/command", form.Encode())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	testutil.AssertJSONError(t, testutil.Serve(bare.mux, req), http.StatusServiceUnavailable)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", report.ErrNotFound), http.StatusNotFound},
		{clips.ErrUnknownClip, http.StatusNotFound},
		{fmt.Errorf("dashboard: %w", chart.ErrNoData), http.StatusNotFound},
		{engine.ErrInvalidRange, http.StatusBadRequest},
		{session.ErrInvalidTransition, http.StatusConflict},
		{session.ErrSuperseded, http.StatusConflict},
		{clips.ErrSlotAlreadyTaken, http.StatusConflict},
		{session.ErrIncompleteAttachment, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrap: %w", retry.ErrPermanentFailure), http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) { lines = append(lines, fmt.Sprintf(format, v...)) })
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := testutil.Serve(h, testutil.NewJSONRequest(t, http.MethodGet, "/api/x", nil))
	testutil.AssertStatusCode(t, rec.Code, http.StatusTeapot)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "/api/x")
	assert.Contains(t, lines[0], statusCodeColor(http.StatusTeapot))
}
