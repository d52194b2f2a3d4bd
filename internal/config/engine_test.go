package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultEngineConfig(t *testing.T) {
	cfg := DefaultEngineConfig()

	if cfg.WindowCapacity == nil || *cfg.WindowCapacity != 600 {
		t.Errorf("Expected WindowCapacity 600, got %v", cfg.WindowCapacity)
	}
	if cfg.RefreshInterval == nil || *cfg.RefreshInterval != "50ms" {
		t.Errorf("Expected RefreshInterval '50ms', got %v", cfg.RefreshInterval)
	}
	if cfg.GetComputeMaxRetries() != 2 {
		t.Errorf("GetComputeMaxRetries() = %d, want 2", cfg.GetComputeMaxRetries())
	}
	if cfg.GetDisplayCeiling() != 10000 {
		t.Errorf("GetDisplayCeiling() = %f, want 10000", cfg.GetDisplayCeiling())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestEmptyEngineConfig_Getters(t *testing.T) {
	cfg := EmptyEngineConfig()

	if got := cfg.GetWindowCapacity(); got != DefaultWindowCapacity {
		t.Errorf("GetWindowCapacity() = %d", got)
	}
	if got := cfg.GetRefreshInterval(); got != DefaultRefreshInterval {
		t.Errorf("GetRefreshInterval() = %v", got)
	}
	if got := cfg.GetRetryBackoff(); got != DefaultRetryBackoff {
		t.Errorf("GetRetryBackoff() = %v", got)
	}
	if got := cfg.GetDashboardMaxRetries(); got != DefaultDashboardMaxRetries {
		t.Errorf("GetDashboardMaxRetries() = %d", got)
	}
	if !cfg.GetRetainRawSamples() {
		t.Error("GetRetainRawSamples() should default to true")
	}
	if got := cfg.GetDatabasePath(); got != DefaultDatabasePath {
		t.Errorf("GetDatabasePath() = %q", got)
	}
	if cfg.GetRemoteURL() != "" || cfg.GetCatalogPath() != "" {
		t.Error("remote URL and catalog path should default to empty")
	}
}

func TestLoadEngineConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "engine.json")

	testJSON := `{
  "window_capacity": 300,
  "refresh_interval": "100ms",
  "compute_max_retries": 4,
  "retain_raw_samples": false
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadEngineConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.GetWindowCapacity() != 300 {
		t.Errorf("GetWindowCapacity() = %d, want 300", cfg.GetWindowCapacity())
	}
	if cfg.GetRefreshInterval() != 100*time.Millisecond {
		t.Errorf("GetRefreshInterval() = %v, want 100ms", cfg.GetRefreshInterval())
	}
	if cfg.GetComputeMaxRetries() != 4 {
		t.Errorf("GetComputeMaxRetries() = %d, want 4", cfg.GetComputeMaxRetries())
	}
	if cfg.GetRetainRawSamples() {
		t.Error("GetRetainRawSamples() = true, want false")
	}
	// Unset fields keep defaults.
	if cfg.GetDisplayCeiling() != DefaultDisplayCeiling {
		t.Errorf("GetDisplayCeiling() = %f", cfg.GetDisplayCeiling())
	}
}

func TestLoadEngineConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"wrong extension", "engine.yaml", `{}`, ".json extension"},
		{"bad json", "bad.json", `{`, "failed to parse"},
		{"negative retries", "neg.json", `{"compute_max_retries": -1}`, "compute_max_retries"},
		{"zero capacity", "cap.json", `{"window_capacity": 0}`, "window_capacity"},
		{"bad duration", "dur.json", `{"refresh_interval": "soon"}`, "refresh_interval"},
		{"negative backoff", "back.json", `{"retry_backoff": "-1s"}`, "retry_backoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmpDir, tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadEngineConfig(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}

	if _, err := LoadEngineConfig(filepath.Join(tmpDir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
