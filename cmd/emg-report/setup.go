package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/banshee-data/emg.report/internal/catalog"
	"github.com/banshee-data/emg.report/internal/config"
	"github.com/banshee-data/emg.report/internal/db"
	"github.com/banshee-data/emg.report/internal/engine"
	"github.com/banshee-data/emg.report/internal/httputil"
	"github.com/banshee-data/emg.report/internal/hub"
	"github.com/banshee-data/emg.report/internal/remote"
	"github.com/banshee-data/emg.report/internal/timeutil"
)

// remoteTimeout bounds each call to the remote report service.
const remoteTimeout = 15 * time.Second

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(path, dbOverride, remoteOverride string) (*config.EngineConfig, error) {
	cfg := config.DefaultEngineConfig()
	if path != "" {
		loaded, err := config.LoadEngineConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if dbOverride != "" {
		cfg.DatabasePath = &dbOverride
	}
	if remoteOverride != "" {
		cfg.RemoteURL = &remoteOverride
	}
	return cfg, cfg.Validate()
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}

// store is the opened persistence backend. DB is set only for the local
// sqlite store.
type store struct {
	engine.Store
	DB   *db.DB
	Name string
}

func (s *store) Close() error {
	if s.DB != nil {
		return s.DB.Close()
	}
	return nil
}

// openStore uses the remote service when a URL is configured and the local
// database otherwise.
func openStore(cfg *config.EngineConfig, token string) (*store, error) {
	if u := cfg.GetRemoteURL(); u != "" {
		c, err := remote.New(u, httputil.NewStandardClient(&http.Client{Timeout: remoteTimeout}))
		if err != nil {
			return nil, err
		}
		if token != "" {
			c.SetToken(token)
		}
		return &store{Store: c, Name: u}, nil
	}
	d, err := db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		return nil, err
	}
	return &store{Store: d, DB: d, Name: cfg.GetDatabasePath()}, nil
}

// simClips is the clip set announced by the simulated hub.
var simClips = []hub.SimClip{
	{MAC: "00:1A:7D:DA:71:01", Channel: 0, Peak: 600},
	{MAC: "00:1A:7D:DA:71:02", Channel: 1, Peak: 450},
}

// openTransport returns the serial hub, the simulator's hub, or the disabled
// transport when neither is requested.
func openTransport(path string, baud int, simulate bool, clock timeutil.Clock) (hub.Transport, *hub.Simulator, error) {
	switch {
	case simulate:
		sim := hub.NewSimulator(clock, 20*time.Millisecond, simClips)
		return hub.New(sim.Port()), sim, nil
	case path != "":
		h, err := hub.OpenSerial(path, hub.PortOptions{BaudRate: baud})
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", path, err)
		}
		return h, nil, nil
	default:
		return hub.NewDisabled(), nil, nil
	}
}
