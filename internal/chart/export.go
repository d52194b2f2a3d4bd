package chart

import (
	"bytes"
	"fmt"

	"github.com/banshee-data/emg.report/internal/fsutil"
	"github.com/banshee-data/emg.report/internal/monitoring"
	"github.com/banshee-data/emg.report/internal/report"
	"github.com/banshee-data/emg.report/internal/samples"
	"github.com/banshee-data/emg.report/internal/security"
)

var logf = monitoring.Component("chart")

// Exporter writes chart files into one directory.
type Exporter struct {
	FS      fsutil.FileSystem
	Dir     string
	Namer   Namer
	Options Options
}

// NewExporter returns an exporter writing to dir on the real filesystem.
func NewExporter(dir string, n Namer) *Exporter {
	return &Exporter{FS: fsutil.OSFileSystem{}, Dir: dir, Namer: n}
}

func (e *Exporter) write(name string, data []byte) (string, error) {
	if err := e.FS.MkdirAll(e.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	path, err := security.ExportPath(e.Dir, name)
	if err != nil {
		return "", err
	}
	if err := e.FS.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	logf("wrote %s (%d bytes)", path, len(data))
	return path, nil
}

// ExportReport writes the activation chart for r and returns its path.
func (e *Exporter) ExportReport(r *report.Report) (string, error) {
	var buf bytes.Buffer
	if err := RenderActivation(&buf, r, e.Namer, e.Options); err != nil {
		return "", err
	}
	return e.write(fmt.Sprintf("report-%s.html", r.ID), buf.Bytes())
}

// ExportRaw writes the raw-signal plot for a set and returns its path.
func (e *Exporter) ExportRaw(setID string, f samples.Frozen, labels map[string]string) (string, error) {
	var buf bytes.Buffer
	if err := RenderRawPNG(&buf, "Set "+setID, f, labels); err != nil {
		return "", err
	}
	return e.write(fmt.Sprintf("raw-%s.png", setID), buf.Bytes())
}
