package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Defaults applied by the Get* accessors when a field is unset.
const (
	DefaultWindowCapacity      = 600
	DefaultRefreshInterval     = 50 * time.Millisecond
	DefaultDisplayCeiling      = 10000.0
	DefaultComputeMaxRetries   = 2
	DefaultDashboardMaxRetries = 2
	DefaultRetryBackoff        = 500 * time.Millisecond
	DefaultDatabasePath        = "emg_report.db"
)

// EngineConfig holds the tunable parameters of the measurement engine. Every
// field is optional; omitted fields fall back to the package defaults so a
// partial file is always safe to load.
type EngineConfig struct {
	// Live display
	WindowCapacity  *int     `json:"window_capacity,omitempty"`
	RefreshInterval *string  `json:"refresh_interval,omitempty"` // duration string like "50ms"
	DisplayCeiling  *float64 `json:"display_ceiling,omitempty"`

	// Compute and submission retry policy
	ComputeMaxRetries   *int    `json:"compute_max_retries,omitempty"`
	DashboardMaxRetries *int    `json:"dashboard_max_retries,omitempty"`
	RetryBackoff        *string `json:"retry_backoff,omitempty"`

	// Persistence
	RetainRawSamples *bool   `json:"retain_raw_samples,omitempty"`
	DatabasePath     *string `json:"database_path,omitempty"`
	RemoteURL        *string `json:"remote_url,omitempty"`

	// Metadata
	CatalogPath *string `json:"catalog_path,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyEngineConfig returns an EngineConfig with all fields set to nil.
func EmptyEngineConfig() *EngineConfig {
	return &EngineConfig{}
}

// DefaultEngineConfig returns an EngineConfig with every field populated from
// the package defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		WindowCapacity:      ptrInt(DefaultWindowCapacity),
		RefreshInterval:     ptrString(DefaultRefreshInterval.String()),
		DisplayCeiling:      ptrFloat64(DefaultDisplayCeiling),
		ComputeMaxRetries:   ptrInt(DefaultComputeMaxRetries),
		DashboardMaxRetries: ptrInt(DefaultDashboardMaxRetries),
		RetryBackoff:        ptrString(DefaultRetryBackoff.String()),
		RetainRawSamples:    ptrBool(true),
		DatabasePath:        ptrString(DefaultDatabasePath),
		RemoteURL:           ptrString(""),
		CatalogPath:         ptrString(""),
	}
}

// LoadEngineConfig loads an EngineConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyEngineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *EngineConfig) Validate() error {
	if c.WindowCapacity != nil && *c.WindowCapacity <= 0 {
		return fmt.Errorf("window_capacity must be positive, got %d", *c.WindowCapacity)
	}
	if c.DisplayCeiling != nil && *c.DisplayCeiling <= 0 {
		return fmt.Errorf("display_ceiling must be positive, got %f", *c.DisplayCeiling)
	}
	if c.ComputeMaxRetries != nil && *c.ComputeMaxRetries < 0 {
		return fmt.Errorf("compute_max_retries must be non-negative, got %d", *c.ComputeMaxRetries)
	}
	if c.DashboardMaxRetries != nil && *c.DashboardMaxRetries < 0 {
		return fmt.Errorf("dashboard_max_retries must be non-negative, got %d", *c.DashboardMaxRetries)
	}

	if c.RefreshInterval != nil && *c.RefreshInterval != "" {
		d, err := time.ParseDuration(*c.RefreshInterval)
		if err != nil {
			return fmt.Errorf("invalid refresh_interval '%s': %w", *c.RefreshInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("refresh_interval must be positive, got %s", d)
		}
	}
	if c.RetryBackoff != nil && *c.RetryBackoff != "" {
		d, err := time.ParseDuration(*c.RetryBackoff)
		if err != nil {
			return fmt.Errorf("invalid retry_backoff '%s': %w", *c.RetryBackoff, err)
		}
		if d < 0 {
			return fmt.Errorf("retry_backoff must be non-negative, got %s", d)
		}
	}

	return nil
}

// GetWindowCapacity returns the rolling window capacity or the default.
func (c *EngineConfig) GetWindowCapacity() int {
	if c.WindowCapacity == nil {
		return DefaultWindowCapacity
	}
	return *c.WindowCapacity
}

// GetRefreshInterval parses and returns the display refresh tick.
func (c *EngineConfig) GetRefreshInterval() time.Duration {
	if c.RefreshInterval == nil || *c.RefreshInterval == "" {
		return DefaultRefreshInterval
	}
	d, err := time.ParseDuration(*c.RefreshInterval)
	if err != nil {
		return DefaultRefreshInterval // default on parse error
	}
	return d
}

// GetDisplayCeiling returns the rolling window clamp or the default.
func (c *EngineConfig) GetDisplayCeiling() float64 {
	if c.DisplayCeiling == nil {
		return DefaultDisplayCeiling
	}
	return *c.DisplayCeiling
}

// GetComputeMaxRetries returns the number of extra compute attempts allowed
// after a transient failure.
func (c *EngineConfig) GetComputeMaxRetries() int {
	if c.ComputeMaxRetries == nil {
		return DefaultComputeMaxRetries
	}
	return *c.ComputeMaxRetries
}

// GetDashboardMaxRetries returns the number of extra dashboard submission
// attempts allowed after a transient failure.
func (c *EngineConfig) GetDashboardMaxRetries() int {
	if c.DashboardMaxRetries == nil {
		return DefaultDashboardMaxRetries
	}
	return *c.DashboardMaxRetries
}

// GetRetryBackoff parses and returns the pause between retry attempts.
func (c *EngineConfig) GetRetryBackoff() time.Duration {
	if c.RetryBackoff == nil || *c.RetryBackoff == "" {
		return DefaultRetryBackoff
	}
	d, err := time.ParseDuration(*c.RetryBackoff)
	if err != nil {
		return DefaultRetryBackoff
	}
	return d
}

// GetRetainRawSamples reports whether frozen buffers are persisted after a
// successful compute.
func (c *EngineConfig) GetRetainRawSamples() bool {
	if c.RetainRawSamples == nil {
		return true
	}
	return *c.RetainRawSamples
}

// GetDatabasePath returns the sqlite path or the default.
func (c *EngineConfig) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return DefaultDatabasePath
	}
	return *c.DatabasePath
}

// GetRemoteURL returns the remote persistence base URL. Empty means the local
// database is the persistence backend.
func (c *EngineConfig) GetRemoteURL() string {
	if c.RemoteURL == nil {
		return ""
	}
	return *c.RemoteURL
}

// GetCatalogPath returns the catalog override path. Empty means the embedded
// catalog.
func (c *EngineConfig) GetCatalogPath() string {
	if c.CatalogPath == nil {
		return ""
	}
	return *c.CatalogPath
}
