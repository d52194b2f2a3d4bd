// Package chart renders reports and raw recordings for review: an HTML
// activation chart per report, a dashboard summary chart, and a PNG plot of
// the raw signal of a set.
package chart

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/emg.report/internal/clips"
	"github.com/banshee-data/emg.report/internal/dashboard"
	"github.com/banshee-data/emg.report/internal/report"
)

// ErrNoData is returned when there is nothing to draw.
var ErrNoData = errors.New("nothing to chart")

// Namer turns a slot into the label shown on charts.
type Namer interface {
	DisplayName(slot clips.Slot) string
}

// Options tunes chart output. The zero value is usable.
type Options struct {
	// AssetsHost overrides where the echarts javascript is loaded from.
	AssetsHost string
	Width      string
	Height     string
}

func (o Options) init(title string) opts.Initialization {
	in := opts.Initialization{PageTitle: title, Width: "100%", Height: "480px", AssetsHost: o.AssetsHost}
	if o.Width != "" {
		in.Width = o.Width
	}
	if o.Height != "" {
		in.Height = o.Height
	}
	return in
}

func slotLabel(n Namer, slot clips.Slot) string {
	if n == nil {
		return slot.String()
	}
	return n.DisplayName(slot)
}

// ActivationBar builds a bar chart of activation per muscle, with the max
// and mean amplitude as a second series.
func ActivationBar(r *report.Report, n Namer, o Options) (*charts.Bar, error) {
	if r == nil || len(r.Muscles) == 0 {
		return nil, fmt.Errorf("report has no muscles: %w", ErrNoData)
	}
	x := make([]string, 0, len(r.Muscles))
	act := make([]opts.BarData, 0, len(r.Muscles))
	amp := make([]opts.BarData, 0, len(r.Muscles))
	for _, m := range r.Muscles {
		label := slotLabel(n, m.Slot)
		if m.Incomplete {
			label += " *"
		}
		x = append(x, label)
		act = append(act, opts.BarData{Value: m.Activation})
		amp = append(amp, opts.BarData{Value: m.Max - m.Low})
	}

	subtitle := fmt.Sprintf("%s score=%.1f", r.Kind, r.Score)
	if r.PreviousScore != nil {
		subtitle += fmt.Sprintf(" previous=%.1f", *r.PreviousScore)
	}
	subtitle += " " + r.CreatedAt.Format(time.RFC3339)

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(o.init("Activation " + r.ExerciseID)),
		charts.WithTitleOpts(opts.Title{Title: r.ExerciseID, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "%", Min: 0, Max: 100}),
	)
	bar.SetXAxis(x).
		AddSeries("activation", act,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		).
		AddSeries("amplitude", amp)
	return bar, nil
}

// SummaryBar builds a chart of best and mean score per report kind.
func SummaryBar(s *dashboard.Session, o Options) (*charts.Bar, error) {
	if s == nil || len(s.Summaries) == 0 {
		return nil, fmt.Errorf("dashboard has no summaries: %w", ErrNoData)
	}
	x := make([]string, 0, len(s.Summaries))
	best := make([]opts.BarData, 0, len(s.Summaries))
	mean := make([]opts.BarData, 0, len(s.Summaries))
	for _, sum := range s.Summaries {
		x = append(x, fmt.Sprintf("%s (%d)", sum.Kind, sum.Count))
		best = append(best, opts.BarData{Value: sum.BestScore})
		mean = append(mean, opts.BarData{Value: sum.MeanScore})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(o.init("Dashboard " + s.TraineeID)),
		charts.WithTitleOpts(opts.Title{Title: s.TraineeID, Subtitle: s.StartedAt.Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
	)
	bar.SetXAxis(x).
		AddSeries("best", best,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		).
		AddSeries("mean", mean)
	return bar, nil
}

func renderPage(w io.Writer, o Options, c components.Charter) error {
	page := components.NewPage()
	if o.AssetsHost != "" {
		page.SetAssetsHost(o.AssetsHost)
	}
	page.AddCharts(c)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return fmt.Errorf("render error: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// RenderActivation writes the activation chart page for r.
func RenderActivation(w io.Writer, r *report.Report, n Namer, o Options) error {
	bar, err := ActivationBar(r, n, o)
	if err != nil {
		return err
	}
	return renderPage(w, o, bar)
}

// RenderSummary writes the dashboard summary page.
func RenderSummary(w io.Writer, s *dashboard.Session, o Options) error {
	bar, err := SummaryBar(s, o)
	if err != nil {
		return err
	}
	return renderPage(w, o, bar)
}
