// airspaced is the UAV fleet coordination daemon: it ingests fleet
// telemetry through the configured driver, runs the deconfliction engine,
// schedules and executes missions, and serves the HTTP/WebSocket API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/banshee-data/airspace.report/internal/airspace"
	"github.com/banshee-data/airspace.report/internal/api"
	"github.com/banshee-data/airspace.report/internal/broadcast"
	"github.com/banshee-data/airspace.report/internal/config"
	"github.com/banshee-data/airspace.report/internal/db"
	"github.com/banshee-data/airspace.report/internal/deconflict"
	"github.com/banshee-data/airspace.report/internal/fleet"
	"github.com/banshee-data/airspace.report/internal/fleet/mavlink"
	"github.com/banshee-data/airspace.report/internal/fleet/sim"
	"github.com/banshee-data/airspace.report/internal/telemetry"
	"github.com/banshee-data/airspace.report/internal/timeutil"
	"github.com/banshee-data/airspace.report/internal/version"
)

var (
	listen           = flag.String("port", ":8080", "HTTP listen address")
	dbPath           = flag.String("db", "airspace.db", "sqlite database path (empty disables persistence)")
	migrationsDir    = flag.String("migrations", "db", "schema migrations directory")
	configPath       = flag.String("config", "", "JSON tuning config file")
	driverName       = flag.String("driver", "sim", "fleet driver: sim or mavlink")
	mavlinkEndpoints = flag.String("mavlink-endpoints", "udp://:14550", "comma-separated MAVLink links")
	fleetSize        = flag.Int("fleet", 3, "simulated fleet size")
	debugStreams     = flag.String("debug", "", "debug streams: diag, trace, all (also AIRSPACE_DEBUG_LOG)")
	showVersion      = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("airspaced %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	wireDebugStreams()
	os.Exit(run())
}

// wireDebugStreams routes the package ops/diag/trace loggers. Ops is
// always on; diag and trace are opt-in per -debug or AIRSPACE_DEBUG_LOG.
func wireDebugStreams() {
	selected := *debugStreams
	if selected == "" {
		selected = os.Getenv("AIRSPACE_DEBUG_LOG")
	}
	var diag, trace io.Writer
	for _, stream := range strings.Split(selected, ",") {
		switch strings.TrimSpace(stream) {
		case "diag":
			diag = os.Stderr
		case "trace":
			trace = os.Stderr
		case "all":
			diag, trace = os.Stderr, os.Stderr
		}
	}
	ops := io.Writer(os.Stderr)

	airspace.SetLogWriters(ops, trace)
	telemetry.SetLogWriters(ops, trace)
	deconflict.SetLogWriters(diag, trace)
	broadcast.SetLogWriters(diag, trace)
	db.SetLogWriters(diag, trace)
	sim.SetLogWriters(ops, diag, trace)
	mavlink.SetLogWriters(ops, diag, trace)
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg *config.Params
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Printf("config: %v", err)
			return 1
		}
		cfg = loaded
	}

	var database *db.DB
	if *dbPath != "" {
		var err error
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Printf("database: %v", err)
			return 1
		}
		defer database.Close()
		if err := database.MigrateUp(*migrationsDir); err != nil {
			log.Printf("migrations: %v", err)
			return 1
		}
	} else {
		log.Printf("running without persistence: missions and history are in-memory only")
	}

	clock := timeutil.RealClock{}
	driver, err := buildDriver(clock)
	if err != nil {
		log.Printf("driver: %v", err)
		return 1
	}

	core := airspace.New(cfg, driver, database, clock)
	if err := core.Start(ctx); err != nil {
		log.Printf("core: %v", err)
		return 1
	}

	mux := api.NewServer(core, clock).ServeMux()
	if database != nil {
		if err := database.AttachAdminRoutes(mux, *migrationsDir); err != nil {
			log.Printf("admin routes: %v", err)
			return 1
		}
	}

	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	log.Printf("airspaced %s listening on %s (driver=%s)", version.Version, *listen, *driverName)

	code := 0
	select {
	case <-ctx.Done():
		log.Printf("signal received, shutting down")
	case err := <-serverErr:
		log.Printf("http server: %v", err)
		code = 1
	case err := <-core.Fatal():
		log.Printf("FATAL: %v", err)
		code = 2
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	core.Stop(shutdownCtx)

	log.Printf("shutdown complete")
	return code
}

func buildDriver(clock timeutil.Clock) (fleet.Driver, error) {
	switch *driverName {
	case "sim":
		return sim.New(clock, sim.Config{Vehicles: *fleetSize}), nil
	case "mavlink":
		endpoints := strings.Split(*mavlinkEndpoints, ",")
		for i := range endpoints {
			endpoints[i] = strings.TrimSpace(endpoints[i])
		}
		return mavlink.New(clock, mavlink.Config{Endpoints: endpoints})
	default:
		return nil, fmt.Errorf("unknown driver %q (want sim or mavlink)", *driverName)
	}
}
