// Package engine is the upward API of the measurement engine. It owns the
// clip registry, sample stream, measurement session and dashboard of one
// trainee visit, and receives device events from the hub.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/emg.report/internal/catalog"
	"github.com/banshee-data/emg.report/internal/clips"
	"github.com/banshee-data/emg.report/internal/compute"
	"github.com/banshee-data/emg.report/internal/config"
	"github.com/banshee-data/emg.report/internal/dashboard"
	"github.com/banshee-data/emg.report/internal/hub"
	"github.com/banshee-data/emg.report/internal/monitoring"
	"github.com/banshee-data/emg.report/internal/report"
	"github.com/banshee-data/emg.report/internal/retry"
	"github.com/banshee-data/emg.report/internal/samples"
	"github.com/banshee-data/emg.report/internal/session"
	"github.com/banshee-data/emg.report/internal/timeutil"
)

var logf = monitoring.Component("engine")

// ErrInvalidRange is returned for a time range whose end is not after its
// start.
var ErrInvalidRange = errors.New("invalid time range")

// Store is the report persistence the engine needs. Both the local sqlite
// store and the remote client satisfy it.
type Store interface {
	compute.ReportStore
	dashboard.Submitter
	GetReport(ctx context.Context, id string) (*report.Report, error)
	AnnotateReport(ctx context.Context, id string, a report.Annotation) (*report.Report, error)
	SaveRawSamples(ctx context.Context, setID string, buffers samples.Frozen) error
	FetchRawSamples(ctx context.Context, setID string) (samples.Frozen, error)
	ClipSamples(ctx context.Context, mac string, from, to time.Time) ([]samples.Sample, error)
}

// Options configures New. Catalog and Store are required.
type Options struct {
	TraineeID string
	Catalog   *catalog.Catalog
	Store     Store
	Config    *config.EngineConfig
	Clock     timeutil.Clock
}

// DashboardOutcome is the single value delivered by FinalizeDashboard.
type DashboardOutcome struct {
	Result dashboard.Result
	Err    error
}

// Engine is safe for concurrent use.
type Engine struct {
	traineeID string
	catalog   *catalog.Catalog
	store     Store
	cfg       *config.EngineConfig
	clock     timeutil.Clock

	registry *clips.Registry
	stream   *samples.Stream
	session  *session.Session

	mu        sync.Mutex
	dashboard *dashboard.Aggregator
	lastRaw   map[string]samples.Frozen
}

var _ hub.Handler = (*Engine)(nil)

// New builds an engine for one trainee.
func New(opts Options) (*Engine, error) {
	if opts.TraineeID == "" {
		return nil, errors.New("engine: trainee ID is required")
	}
	if opts.Catalog == nil {
		return nil, errors.New("engine: catalog is required")
	}
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultEngineConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	e := &Engine{
		traineeID: opts.TraineeID,
		catalog:   opts.Catalog,
		store:     opts.Store,
		cfg:       cfg,
		clock:     clock,
		lastRaw:   make(map[string]samples.Frozen),
	}
	e.registry = clips.NewRegistry(clock)
	e.stream = samples.NewStream(e.registry, clock, samples.Options{
		WindowCapacity:  cfg.GetWindowCapacity(),
		DisplayCeiling:  cfg.GetDisplayCeiling(),
		RefreshInterval: cfg.GetRefreshInterval(),
	})
	job := &compute.Job{
		Borders: opts.Catalog,
		Store:   opts.Store,
		Policy:  e.policy(cfg.GetComputeMaxRetries()),
		Clock:   clock,
	}
	e.session = session.New(opts.TraineeID, e.registry, e.stream, job, clock)
	e.dashboard = e.newDashboard()
	logf("engine ready: trainee=%s window=%d refresh=%s", e.traineeID, cfg.GetWindowCapacity(), cfg.GetRefreshInterval())
	return e, nil
}

func (e *Engine) policy(maxRetries int) retry.Policy {
	return retry.Policy{MaxRetries: maxRetries, Backoff: e.cfg.GetRetryBackoff(), Clock: e.clock}
}

func (e *Engine) newDashboard() *dashboard.Aggregator {
	return dashboard.New(e.traineeID, e.store, e.policy(e.cfg.GetDashboardMaxRetries()), e.clock)
}

// TraineeID returns the trainee this engine serves.
func (e *Engine) TraineeID() string { return e.traineeID }

// Catalog returns the metadata catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Clips returns every known clip, ordered by registration.
func (e *Engine) Clips() []clips.Clip { return e.registry.All() }

// AssignClip commits a clip to a muscle slot.
func (e *Engine) AssignClip(mac string, slot clips.Slot) error {
	return e.registry.Assign(mac, slot)
}

// DetachClip removes a clip and its buffers.
func (e *Engine) DetachClip(mac string) error {
	if err := e.registry.Remove(mac); err != nil {
		return err
	}
	e.stream.Forget(mac)
	return nil
}

// Current returns a copy of the current measurement set.
func (e *Engine) Current() session.Set { return e.session.Current() }

// ArmSession arms a new set for a catalog exercise.
func (e *Engine) ArmSession(exerciseID string) error {
	ex, err := e.catalog.Exercise(exerciseID)
	if err != nil {
		return err
	}
	return e.session.Arm(ex.ID, ex.Kind, ex.Slots)
}

// StartSession starts recording the armed set.
func (e *Engine) StartSession() error { return e.session.Start() }

// StopSession stops recording and freezes the raw buffers.
func (e *Engine) StopSession() error { return e.session.Stop() }

// RetrySession discards the current attempt and re-arms the same clips.
func (e *Engine) RetrySession() error { return e.session.Retry() }

// AbandonSession drops the current set.
func (e *Engine) AbandonSession() { e.session.Abandon() }

// SubmitForCompute submits the stopped set. The channel yields one Outcome.
// A computed report joins the visit's dashboard and, when raw retention is
// on, its raw buffers are persisted.
func (e *Engine) SubmitForCompute(ctx context.Context) (<-chan session.Outcome, error) {
	in, err := e.session.SubmitForCompute(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan session.Outcome, 1)
	go func() {
		defer close(out)
		o := <-in
		if o.Err == nil && o.Report != nil {
			e.collect(ctx, o)
		}
		out <- o
	}()
	return out, nil
}

func (e *Engine) collect(ctx context.Context, o session.Outcome) {
	e.mu.Lock()
	agg := e.dashboard
	if e.cfg.GetRetainRawSamples() {
		e.lastRaw = map[string]samples.Frozen{o.SetID: o.Buffers}
	}
	e.mu.Unlock()

	if err := agg.Add(o.Report); err != nil {
		logf("set %s: report %s not added to dashboard: %v", o.SetID, o.Report.ID, err)
	}
	if !e.cfg.GetRetainRawSamples() || o.Buffers.Total() == 0 {
		return
	}
	p := e.policy(e.cfg.GetComputeMaxRetries())
	if _, err := p.Do(ctx, "raw samples "+o.SetID, func(ctx context.Context, _ int) error {
		return e.store.SaveRawSamples(ctx, o.SetID, o.Buffers)
	}); err != nil {
		logf("set %s: raw samples kept in memory only: %v", o.SetID, err)
	}
}

// RollingWindow returns the live display window of a clip.
func (e *Engine) RollingWindow(mac string) []float64 { return e.stream.RollingWindow(mac) }

// Windows returns every clip's display window.
func (e *Engine) Windows() map[string][]float64 { return e.stream.Windows() }

// Refresh calls fn with all display windows on every refresh tick until ctx
// is done.
func (e *Engine) Refresh(ctx context.Context, fn func(map[string][]float64)) error {
	return e.stream.Refresh(ctx, fn)
}

// Dashboard returns the aggregator of the current visit.
func (e *Engine) Dashboard() *dashboard.Aggregator {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dashboard
}

// FinalizeDashboard submits the visit's dashboard. The channel yields one
// DashboardOutcome. Repeated calls after success return the same result.
func (e *Engine) FinalizeDashboard(ctx context.Context) <-chan DashboardOutcome {
	agg := e.Dashboard()
	out := make(chan DashboardOutcome, 1)
	go func() {
		defer close(out)
		res, err := agg.Finalize(ctx, nil)
		out <- DashboardOutcome{Result: res, Err: err}
	}()
	return out
}

// EndVisit closes the visit. Any set in progress is abandoned, then an open
// dashboard holding reports is finalized. When finalizing fails the clips
// and the dashboard are kept so the caller can try again; otherwise every
// clip is forgotten and a fresh dashboard started. The returned Result is
// zero when the visit produced no reports.
func (e *Engine) EndVisit(ctx context.Context) (dashboard.Result, error) {
	e.session.Abandon()

	agg := e.Dashboard()
	res, submitted := agg.Result()
	if !submitted && len(agg.Reports()) > 0 {
		var err error
		if res, err = agg.Finalize(ctx, nil); err != nil {
			return dashboard.Result{}, fmt.Errorf("end visit: dashboard %s: %w", agg.ID(), err)
		}
	}

	for _, c := range e.registry.All() {
		e.stream.Forget(c.MAC)
	}
	e.registry.Reset()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.dashboard = e.newDashboard()
	e.lastRaw = make(map[string]samples.Frozen)
	logf("visit ended: dashboard %s ordinal=%d", agg.ID(), res.Ordinal)
	return res, nil
}

// Report returns a report of the open dashboard, or from the store when it
// belongs to an earlier visit.
func (e *Engine) Report(ctx context.Context, id string) (*report.Report, error) {
	for _, r := range e.Dashboard().Reports() {
		if r.ID == id {
			return r, nil
		}
	}
	return e.store.GetReport(ctx, id)
}

// AnnotateReport adds weight and count to a stored report. The dashboard
// copy is updated while the dashboard is still open.
func (e *Engine) AnnotateReport(ctx context.Context, id string, a report.Annotation) (*report.Report, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	r, err := e.store.AnnotateReport(ctx, id, a)
	if err != nil {
		return nil, err
	}
	agg := e.Dashboard()
	for _, existing := range agg.Reports() {
		if existing.ID == r.ID {
			if err := agg.Add(r); err != nil {
				logf("report %s annotated after dashboard submission", r.ID)
			}
			break
		}
	}
	return r, nil
}

// RawSamples returns the raw buffers of a computed set, from memory when it
// is the latest set and from the store otherwise.
func (e *Engine) RawSamples(ctx context.Context, setID string) (samples.Frozen, error) {
	e.mu.Lock()
	f, ok := e.lastRaw[setID]
	e.mu.Unlock()
	if ok {
		return f.Clone(), nil
	}
	return e.store.FetchRawSamples(ctx, setID)
}

// ClipSamples returns the retained raw samples of one clip captured in
// [from, to).
func (e *Engine) ClipSamples(ctx context.Context, mac string, from, to time.Time) ([]samples.Sample, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("clip %s samples %s..%s: %w", mac, from.Format(time.RFC3339), to.Format(time.RFC3339), ErrInvalidRange)
	}
	return e.store.ClipSamples(ctx, clips.NormalizeMAC(mac), from, to)
}

// Labels maps the MAC of every assigned clip to its display name.
func (e *Engine) Labels() map[string]string {
	out := make(map[string]string)
	for _, c := range e.registry.All() {
		if c.Assigned {
			out[c.MAC] = e.catalog.DisplayName(c.Slot)
		}
	}
	return out
}

// OnDeviceDiscovered registers a new clip, or marks a known one connected
// again, and binds it to its hub channel.
func (e *Engine) OnDeviceDiscovered(mac string, channel int) error {
	if _, err := e.registry.Register(mac, clips.Slot{}); err != nil {
		if !errors.Is(err, clips.ErrDuplicateDevice) {
			return err
		}
		e.registry.MarkConnected(mac)
	}
	return e.registry.BindChannel(mac, channel)
}

// OnSampleReceived ingests one sample for the clip bound to channel.
func (e *Engine) OnSampleReceived(channel int, value float64, at time.Time) error {
	return e.stream.IngestChannel(channel, value, at)
}

// OnBatteryReport records battery telemetry.
func (e *Engine) OnBatteryReport(mac string, level int) error {
	e.registry.UpdateBattery(mac, level)
	return nil
}

// OnDeviceLost marks the clip disconnected and flags the current set
// incomplete when the clip belongs to it.
func (e *Engine) OnDeviceLost(mac string) error {
	if !e.registry.MarkDisconnected(mac) {
		return fmt.Errorf("lost %s: %w", mac, clips.ErrUnknownClip)
	}
	e.session.Disconnect(mac)
	return nil
}
