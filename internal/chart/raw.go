package chart

import (
	"fmt"
	"image/color"
	"io"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/emg.report/internal/samples"
)

// RawWidth and RawHeight size the raw-signal PNG.
const (
	RawWidth  = 14 * vg.Inch
	RawHeight = 6 * vg.Inch
)

// RawPlot plots every clip's raw samples against seconds since the first
// sample of the set. labels maps MAC to legend text; missing entries fall
// back to the MAC.
func RawPlot(title string, f samples.Frozen, labels map[string]string) (*plot.Plot, error) {
	if f.Total() == 0 {
		return nil, fmt.Errorf("no raw samples: %w", ErrNoData)
	}

	macs := make([]string, 0, len(f))
	var origin samples.Sample
	first := true
	for mac, s := range f {
		if len(s) == 0 {
			continue
		}
		macs = append(macs, mac)
		if first || s[0].At.Before(origin.At) {
			origin = s[0]
			first = false
		}
	}
	sort.Strings(macs)

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Signal"

	colors := palette(len(macs))
	for i, mac := range macs {
		s := f[mac]
		pts := make(plotter.XYs, len(s))
		for j, smp := range s {
			pts[j] = plotter.XY{X: smp.At.Sub(origin.At).Seconds(), Y: smp.Value}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("clip %s: %w", mac, err)
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)

		label := labels[mac]
		if label == "" {
			label = mac
		}
		p.Legend.Add(label, line)
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	p.Add(plotter.NewGrid())
	return p, nil
}

// RenderRawPNG writes the raw-signal plot as PNG.
func RenderRawPNG(w io.Writer, title string, f samples.Frozen, labels map[string]string) error {
	p, err := RawPlot(title, f, labels)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(RawWidth, RawHeight, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// palette spreads n colours evenly around the hue circle.
func palette(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	out := make([]color.Color, n)
	for i := range n {
		r, g, b := hslToRGB(float64(i)/float64(n), 0.7, 0.5)
		out[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return out
}

func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64
	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}
	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t++
	}
	if t > 1 {
		t--
	}
	switch {
	case t < 1.0/6.0:
		return p + (q-p)*6*t
	case t < 1.0/2.0:
		return q
	case t < 2.0/3.0:
		return p + (q-p)*(2.0/3.0-t)*6
	default:
		return p
	}
}
