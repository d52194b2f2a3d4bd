package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/emg.report/internal/api"
	"github.com/banshee-data/emg.report/internal/chart"
	"github.com/banshee-data/emg.report/internal/engine"
	"github.com/banshee-data/emg.report/internal/hub"
	"github.com/banshee-data/emg.report/internal/timeutil"
	"github.com/banshee-data/emg.report/internal/version"
)

var (
	listen      = flag.String("listen", ":8080", "Listen address")
	configPath  = flag.String("config", "", "Path to engine config JSON (optional)")
	trainee     = flag.String("trainee", "", "Trainee ID for this visit")
	portPath    = flag.String("port", "", "Serial port of the clip hub (empty disables the hub)")
	baudRate    = flag.Int("baud", hub.DefaultBaudRate, "Serial baud rate")
	simulate    = flag.Bool("sim", false, "Feed the engine from a simulated hub instead of a serial port")
	dbPath      = flag.String("db", "", "SQLite database path (overrides config)")
	remoteURL   = flag.String("remote", "", "Remote report service URL (overrides config and -db)")
	exportDir   = flag.String("export-dir", "", "Directory to write report charts to after each compute")
	assetsHost  = flag.String("chart-assets", "", "Override the echarts assets host")
	listPorts   = flag.Bool("list-ports", false, "List serial ports and exit")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		return
	}
	if *listPorts {
		ports, err := hub.ListPorts()
		if err != nil {
			log.Fatalf("failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if *trainee == "" {
		log.Fatal("-trainee is required")
	}

	cfg, err := loadConfig(*configPath, *dbPath, *remoteURL)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cat, err := loadCatalog(cfg.GetCatalogPath())
	if err != nil {
		log.Fatalf("failed to load catalog: %v", err)
	}
	st, err := openStore(cfg, os.Getenv("EMG_REMOTE_TOKEN"))
	if err != nil {
		log.Fatalf("failed to open report store: %v", err)
	}
	defer st.Close()

	e, err := engine.New(engine.Options{
		TraineeID: *trainee,
		Catalog:   cat,
		Store:     st.Store,
		Config:    cfg,
	})
	if err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}

	transport, sim, err := openTransport(*portPath, *baudRate, *simulate, timeutil.RealClock{})
	if err != nil {
		log.Fatalf("failed to open clip hub: %v", err)
	}
	defer transport.Close()
	log.Printf("%s trainee=%s store=%s", version.Get(), *trainee, st.Name)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := transport.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor clip hub: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		stats, err := hub.Serve(ctx, transport, e, timeutil.RealClock{})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("hub event loop failed: %v", err)
		}
		log.Printf("event routine terminated: lines=%d malformed=%d rejected=%d",
			stats.Lines, stats.Malformed, stats.Rejected)
	}()

	if sim != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("simulator stopped: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		srv := api.NewServer(e, transport, chart.Options{AssetsHost: *assetsHost})
		if *exportDir != "" {
			srv.SetExporter(chart.NewExporter(*exportDir, cat))
		}
		mux := srv.ServeMux()
		transport.AttachAdminRoutes(mux)
		if st.DB != nil {
			if err := st.DB.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach database admin routes: %v", err)
			}
		}

		server := &http.Server{
			Addr:              *listen,
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
