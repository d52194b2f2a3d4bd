package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/emg.report/internal/catalog"
	"github.com/banshee-data/emg.report/internal/clips"
	"github.com/banshee-data/emg.report/internal/config"
	"github.com/banshee-data/emg.report/internal/dashboard"
	"github.com/banshee-data/emg.report/internal/db"
	"github.com/banshee-data/emg.report/internal/hub"
	"github.com/banshee-data/emg.report/internal/monitoring"
	"github.com/banshee-data/emg.report/internal/report"
	"github.com/banshee-data/emg.report/internal/retry"
	"github.com/banshee-data/emg.report/internal/samples"
	"github.com/banshee-data/emg.report/internal/session"
	"github.com/banshee-data/emg.report/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var (
	visitStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	bicepsL    = clips.Slot{Muscle: "biceps", Side: clips.SideLeft}
	bicepsR    = clips.Slot{Muscle: "biceps", Side: clips.SideRight}
)

func testConfig(retain bool) *config.EngineConfig {
	cfg := config.DefaultEngineConfig()
	backoff := "0s"
	cfg.RetryBackoff = &backoff
	cfg.RetainRawSamples = &retain
	return cfg
}

func defaultCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	c, err := catalog.Default()
	require.NoError(t, err)
	return c
}

func newEngine(t *testing.T, store Store, retain bool) (*Engine, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(visitStart)
	e, err := New(Options{
		TraineeID: "trainee-1",
		Catalog:   defaultCatalog(t),
		Store:     store,
		Config:    testConfig(retain),
		Clock:     clock,
	})
	require.NoError(t, err)
	return e, clock
}

func newDBStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "emg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// feed dispatches raw hub lines the way hub.Serve would.
func feed(t *testing.T, e *Engine, clock *timeutil.MockClock, lines ...string) {
	t.Helper()
	for _, line := range lines {
		ev, err := hub.ParseLine(line)
		require.NoError(t, err, line)
		require.NoError(t, hub.Dispatch(e, ev, clock.Now()), line)
		clock.Advance(20 * time.Millisecond)
	}
}

func attach(t *testing.T, e *Engine, clock *timeutil.MockClock) {
	t.Helper()
	feed(t, e, clock, "D,aa:01,0", "D,aa:02,1", "B,aa:01,90")
	require.NoError(t, e.AssignClip("AA:01", bicepsL))
	require.NoError(t, e.AssignClip("AA:02", bicepsR))
}

func recordCurl(t *testing.T, e *Engine, clock *timeutil.MockClock, n int) {
	t.Helper()
	require.NoError(t, e.ArmSession("biceps-curl"))
	require.NoError(t, e.StartSession())
	for i := range n {
		v := 40 + 400*math.Max(0, math.Sin(2*math.Pi*float64(i)/20))
		feed(t, e, clock, fmt.Sprintf("S,0,%.2f", v), fmt.Sprintf("S,1,%.2f", v*1.5))
	}
	require.NoError(t, e.StopSession())
}

func awaitOutcome(t *testing.T, ch <-chan session.Outcome) session.Outcome {
	t.Helper()
	select {
	case o, ok := <-ch:
		require.True(t, ok, "outcome channel closed without a value")
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for compute outcome")
		return session.Outcome{}
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	c := defaultCatalog(t)
	store := &memStore{}
	_, err := New(Options{Catalog: c, Store: store})
	assert.Error(t, err)
	_, err = New(Options{TraineeID: "t", Store: store})
	assert.Error(t, err)
	_, err = New(Options{TraineeID: "t", Catalog: c})
	assert.Error(t, err)

	bad := -1
	_, err = New(Options{TraineeID: "t", Catalog: c, Store: store, Config: &config.EngineConfig{WindowCapacity: &bad}})
	assert.Error(t, err)
}

func TestEngine_DeviceEvents(t *testing.T) {
	e, clock := newEngine(t, &memStore{}, true)
	attach(t, e, clock)

	all := e.Clips()
	require.Len(t, all, 2)
	assert.Equal(t, "AA:01", all[0].MAC)
	assert.Equal(t, 0, all[0].HubIndex)
	require.NotNil(t, all[0].Battery)
	assert.Equal(t, 90, *all[0].Battery)

	// Samples outside a set still reach the live window.
	feed(t, e, clock, "S,0,12.5", "S,1,99999")
	assert.Equal(t, []float64{12.5}, e.RollingWindow("aa:01"))
	assert.Equal(t, []float64{10000}, e.RollingWindow("AA:02"))
	assert.Len(t, e.Windows(), 2)

	// Rediscovery reconnects instead of failing.
	feed(t, e, clock, "X,aa:01")
	c, _ := findClip(e.Clips(), "AA:01")
	assert.False(t, c.Connected)
	feed(t, e, clock, "D,aa:01,0")
	c, _ = findClip(e.Clips(), "AA:01")
	assert.True(t, c.Connected)

	ev, err := hub.ParseLine("S,7,1")
	require.NoError(t, err)
	assert.ErrorIs(t, hub.Dispatch(e, ev, clock.Now()), samples.ErrUnknownChannel)
	assert.ErrorIs(t, e.OnDeviceLost("FF:FF"), clips.ErrUnknownClip)

	assert.Equal(t, map[string]string{"AA:01": "Biceps brachii (left)", "AA:02": "Biceps brachii (right)"}, e.Labels())
}

func findClip(all []clips.Clip, mac string) (clips.Clip, bool) {
	for _, c := range all {
		if c.MAC == mac {
			return c, true
		}
	}
	return clips.Clip{}, false
}

func TestEngine_ComputeAndDashboard(t *testing.T) {
	store := newDBStore(t)
	e, clock := newEngine(t, store, true)
	attach(t, e, clock)
	recordCurl(t, e, clock, 60)

	ch, err := e.SubmitForCompute(context.Background())
	require.NoError(t, err)
	o := awaitOutcome(t, ch)
	require.NoError(t, o.Err)
	require.NotNil(t, o.Report)
	assert.Equal(t, report.KindExercise, o.Report.Kind)
	assert.Len(t, o.Report.Muscles, 2)
	assert.Equal(t, session.StateComputed, e.Current().State)

	reports := e.Dashboard().Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, o.Report.ID, reports[0].ID)

	raw, err := e.RawSamples(context.Background(), o.SetID)
	require.NoError(t, err)
	assert.Equal(t, 60, raw.Count("AA:01"))

	stored, err := store.FetchRawSamples(context.Background(), o.SetID)
	require.NoError(t, err)
	assert.Equal(t, 60, stored.Count("AA:02"))

	last, err := store.LastReport(context.Background(), "trainee-1", "biceps-curl")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, o.Report.ID, last.ID)

	d := <-e.FinalizeDashboard(context.Background())
	require.NoError(t, d.Err)
	assert.Equal(t, 1, d.Result.Ordinal)

	again := <-e.FinalizeDashboard(context.Background())
	require.NoError(t, again.Err)
	assert.Equal(t, d.Result, again.Result)
}

func TestEngine_SecondSetComparesWithFirst(t *testing.T) {
	store := newDBStore(t)
	e, clock := newEngine(t, store, false)
	attach(t, e, clock)

	recordCurl(t, e, clock, 40)
	ch, err := e.SubmitForCompute(context.Background())
	require.NoError(t, err)
	first := awaitOutcome(t, ch)
	require.NoError(t, first.Err)
	assert.Nil(t, first.Report.PreviousScore)

	recordCurl(t, e, clock, 40)
	ch, err = e.SubmitForCompute(context.Background())
	require.NoError(t, err)
	second := awaitOutcome(t, ch)
	require.NoError(t, second.Err)
	require.NotNil(t, second.Report.PreviousScore)
	assert.Equal(t, first.Report.Score, *second.Report.PreviousScore)
	assert.Len(t, e.Dashboard().Reports(), 2)

	_, err = e.RawSamples(context.Background(), second.SetID)
	assert.ErrorIs(t, err, report.ErrNotFound)
}

func TestEngine_RawRetentionOff(t *testing.T) {
	store := &memStore{}
	e, clock := newEngine(t, store, false)
	attach(t, e, clock)
	recordCurl(t, e, clock, 30)

	ch, err := e.SubmitForCompute(context.Background())
	require.NoError(t, err)
	require.NoError(t, awaitOutcome(t, ch).Err)
	assert.Zero(t, store.rawSaves())
}

func TestEngine_RawSaveFailureKeepsReport(t *testing.T) {
	store := &memStore{rawErr: retry.Transient(errors.New("disk busy"))}
	e, clock := newEngine(t, store, true)
	attach(t, e, clock)
	recordCurl(t, e, clock, 30)

	ch, err := e.SubmitForCompute(context.Background())
	require.NoError(t, err)
	o := awaitOutcome(t, ch)
	require.NoError(t, o.Err)
	// One attempt plus the configured retries.
	assert.Equal(t, config.DefaultComputeMaxRetries+1, store.rawSaves())

	raw, err := e.RawSamples(context.Background(), o.SetID)
	require.NoError(t, err)
	assert.Equal(t, 30, raw.Count("AA:01"))
}

func TestEngine_DeviceLostMarksIncomplete(t *testing.T) {
	e, clock := newEngine(t, &memStore{}, false)
	attach(t, e, clock)
	require.NoError(t, e.ArmSession("biceps-curl"))
	require.NoError(t, e.StartSession())
	for i := range 30 {
		v := fmt.Sprintf("%d", 40+(i%5)*100)
		feed(t, e, clock, "S,0,"+v, "S,1,"+v)
	}
	feed(t, e, clock, "X,AA:02")
	require.NoError(t, e.StopSession())

	ch, err := e.SubmitForCompute(context.Background())
	require.NoError(t, err)
	o := awaitOutcome(t, ch)
	require.NoError(t, o.Err)
	assert.True(t, o.Report.Incomplete())
	m, ok := o.Report.Muscle(bicepsR)
	require.True(t, ok)
	assert.True(t, m.Incomplete)
}

func TestEngine_ArmUnknownExercise(t *testing.T) {
	e, clock := newEngine(t, &memStore{}, false)
	attach(t, e, clock)
	assert.Error(t, e.ArmSession("no-such-exercise"))
	assert.ErrorIs(t, e.ArmSession("squat"), session.ErrIncompleteAttachment)
}

func TestEngine_AnnotateUpdatesOpenDashboard(t *testing.T) {
	store := newDBStore(t)
	e, clock := newEngine(t, store, false)
	attach(t, e, clock)
	recordCurl(t, e, clock, 30)
	ch, err := e.SubmitForCompute(context.Background())
	require.NoError(t, err)
	o := awaitOutcome(t, ch)
	require.NoError(t, o.Err)

	w, n := 12.5, 10
	_, err = e.AnnotateReport(context.Background(), o.Report.ID, report.Annotation{Weight: &w, Count: &n})
	require.NoError(t, err)

	got := e.Dashboard().Reports()
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Weight)
	assert.Equal(t, 12.5, *got[0].Weight)

	neg := -1
	_, err = e.AnnotateReport(context.Background(), o.Report.ID, report.Annotation{Count: &neg})
	assert.Error(t, err)
	_, err = e.AnnotateReport(context.Background(), "missing", report.Annotation{Count: &n})
	assert.ErrorIs(t, err, report.ErrNotFound)
}

func TestEngine_EndVisit(t *testing.T) {
	e, clock := newEngine(t, &memStore{}, false)
	attach(t, e, clock)
	first := e.Dashboard().ID()
	require.NoError(t, e.ArmSession("biceps-curl"))

	res, err := e.EndVisit(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res, "nothing to submit")
	assert.Empty(t, e.Clips())
	assert.Empty(t, e.Windows())
	assert.Equal(t, session.StateIdle, e.Current().State)
	assert.NotEqual(t, first, e.Dashboard().ID())

	d := <-e.FinalizeDashboard(context.Background())
	assert.ErrorIs(t, d.Err, dashboard.ErrNothingToSubmit)
}

func TestEngine_EndVisitFinalizesOpenDashboard(t *testing.T) {
	store := &memStore{}
	e, clock := newEngine(t, store, false)
	attach(t, e, clock)
	recordCurl(t, e, clock, 30)
	ch, err := e.SubmitForCompute(context.Background())
	require.NoError(t, err)
	require.NoError(t, awaitOutcome(t, ch).Err)
	visit := e.Dashboard().ID()

	res, err := e.EndVisit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dashboard.Result{Ordinal: 1, SessionID: visit}, res)
	assert.Equal(t, 1, store.dashboards())
	assert.NotEqual(t, visit, e.Dashboard().ID())

	_, err = e.EndVisit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, store.dashboards(), "an empty visit submits nothing")
}

func TestEngine_EndVisitKeepsDashboardOnFailure(t *testing.T) {
	store := &memStore{dashErr: errors.New("backend refused")}
	e, clock := newEngine(t, store, false)
	attach(t, e, clock)
	recordCurl(t, e, clock, 30)
	ch, err := e.SubmitForCompute(context.Background())
	require.NoError(t, err)
	o := awaitOutcome(t, ch)
	require.NoError(t, o.Err)
	visit := e.Dashboard().ID()

	_, err = e.EndVisit(context.Background())
	require.Error(t, err)
	assert.Equal(t, visit, e.Dashboard().ID())
	assert.Len(t, e.Dashboard().Reports(), 1)
	assert.Len(t, e.Clips(), 2)

	store.mu.Lock()
	store.dashErr = nil
	store.mu.Unlock()
	res, err := e.EndVisit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, visit, res.SessionID)
	assert.Empty(t, e.Clips())
}

func TestEngine_ReportAndClipSamples(t *testing.T) {
	store := newDBStore(t)
	e, clock := newEngine(t, store, true)
	attach(t, e, clock)
	recordCurl(t, e, clock, 30)
	ch, err := e.SubmitForCompute(context.Background())
	require.NoError(t, err)
	o := awaitOutcome(t, ch)
	require.NoError(t, o.Err)
	ctx := context.Background()

	got, err := e.Report(ctx, o.Report.ID)
	require.NoError(t, err)
	assert.Equal(t, o.SetID, got.SetID)

	all, err := e.ClipSamples(ctx, "aa:01", visitStart, clock.Now())
	require.NoError(t, err)
	require.Len(t, all, 30)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].At.Before(all[i-1].At))
	}
	head, err := e.ClipSamples(ctx, "AA:01", visitStart, all[5].At)
	require.NoError(t, err)
	assert.Len(t, head, 5)

	_, err = e.ClipSamples(ctx, "AA:01", clock.Now(), visitStart)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = e.EndVisit(ctx)
	require.NoError(t, err)
	stored, err := e.Report(ctx, o.Report.ID)
	require.NoError(t, err, "earlier visits are served from the store")
	assert.Equal(t, o.Report.Score, stored.Score)
	_, err = e.Report(ctx, "missing")
	assert.ErrorIs(t, err, report.ErrNotFound)
}

func TestEngine_ServeFromHub(t *testing.T) {
	e, clock := newEngine(t, &memStore{}, false)
	port := hub.NewPipePort()
	h := hub.New(port)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Monitor(ctx)
	served := make(chan hub.Stats, 1)
	go func() {
		st, _ := hub.Serve(ctx, h, e, clock)
		served <- st
	}()
	defer h.Close()

	// Lines published before Serve subscribes are lost, so keep announcing
	// the clip until it shows up.
	require.Eventually(t, func() bool {
		_ = port.Feed("D,AA:01,3")
		return len(e.Clips()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, port.Feed("garbage", "S,3,100", "S,3,200"))
	require.Eventually(t, func() bool { return len(e.RollingWindow("AA:01")) == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	st := <-served
	assert.GreaterOrEqual(t, st.Malformed, uint64(1))
}

// memStore is an in-memory Store.
type memStore struct {
	mu       sync.Mutex
	reports  map[string]*report.Report
	raw      map[string]samples.Frozen
	rawErr   error
	rawCalls int
	dashes   int
	dashErr  error
}

func (m *memStore) SubmitReport(_ context.Context, r *report.Report) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reports == nil {
		m.reports = map[string]*report.Report{}
	}
	m.reports[r.ID] = r.Clone()
	return r.ID, nil
}

func (m *memStore) LastReport(context.Context, string, string) (*report.Report, error) {
	return nil, nil
}

func (m *memStore) SubmitDashboard(context.Context, *dashboard.Session) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dashErr != nil {
		return 0, m.dashErr
	}
	m.dashes++
	return m.dashes, nil
}

func (m *memStore) GetReport(_ context.Context, id string) (*report.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, report.ErrNotFound
	}
	return r.Clone(), nil
}

func (m *memStore) AnnotateReport(_ context.Context, id string, a report.Annotation) (*report.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, report.ErrNotFound
	}
	out, err := r.Annotated(a)
	if err != nil {
		return nil, err
	}
	m.reports[id] = out
	return out.Clone(), nil
}

func (m *memStore) SaveRawSamples(_ context.Context, setID string, f samples.Frozen) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rawCalls++
	if m.rawErr != nil {
		return m.rawErr
	}
	if m.raw == nil {
		m.raw = map[string]samples.Frozen{}
	}
	m.raw[setID] = f.Clone()
	return nil
}

func (m *memStore) FetchRawSamples(_ context.Context, setID string) (samples.Frozen, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.raw[setID]
	if !ok {
		return nil, report.ErrNotFound
	}
	return f.Clone(), nil
}

func (m *memStore) ClipSamples(_ context.Context, mac string, from, to time.Time) ([]samples.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []samples.Sample
	for _, f := range m.raw {
		for _, s := range f[mac] {
			if !s.At.Before(from) && s.At.Before(to) {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (m *memStore) dashboards() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dashes
}

func (m *memStore) rawSaves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rawCalls
}
