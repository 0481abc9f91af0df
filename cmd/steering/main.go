package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/banshee-data/steering/internal/api"
	"github.com/banshee-data/steering/internal/channel"
	"github.com/banshee-data/steering/internal/config"
	"github.com/banshee-data/steering/internal/connect"
	"github.com/banshee-data/steering/internal/db"
	"github.com/banshee-data/steering/internal/edef"
	"github.com/banshee-data/steering/internal/fsutil"
	"github.com/banshee-data/steering/internal/lattice"
	"github.com/banshee-data/steering/internal/magnet"
	"github.com/banshee-data/steering/internal/metrics"
	"github.com/banshee-data/steering/internal/monitoring"
	"github.com/banshee-data/steering/internal/orbit"
	"github.com/banshee-data/steering/internal/timeutil"
	"github.com/banshee-data/steering/internal/version"
)

var (
	configPath     = flag.String("config", config.DefaultConfigPath, "Path to the JSON or YAML configuration file")
	listen         = flag.String("listen", "", "Listen address (overrides the configuration)")
	refreshDevices = flag.Bool("refresh-devices", false, "Rediscover BPM names instead of using the device cache")
	tracing        = flag.Bool("trace", false, "Enable OpenTelemetry tracing of fits and connects")
	traceLog       = flag.Bool("trace-log", false, "Write per-update trace logging to stderr")
	quiet          = flag.Bool("quiet", false, "Only log operational messages")
	streamInterval = flag.Duration("stream-interval", time.Second, "Interval between live orbit websocket updates")
	simInterval    = flag.Duration("sim-interval", 500*time.Millisecond, "Interval between simulated beam pulses with the fake transport")
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Println(version.String("steering"))
			return
		case "migrate":
			if err := runMigrate(os.Args[2:], os.Stdout); err != nil {
				log.Fatalf("migrate: %v", err)
			}
			return
		}
	}
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = listen
	}
	monitoring.SetLogWriters(logWriters(*quiet, *traceLog))

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
	log.Printf("Graceful shutdown complete")
}

func logWriters(quiet, trace bool) monitoring.LogWriters {
	w := monitoring.DefaultWriters()
	if quiet {
		w.Diag = nil
	}
	if trace {
		w.Trace = os.Stderr
	}
	return w
}

// runMigrate handles "steering migrate [-config path] <action>".
func runMigrate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	path := fs.String("config", config.DefaultConfigPath, "Path to the configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	return db.RunMigrateCommand(fs.Args(), cfg.GetDBPath(), out)
}

func loadMagnets(fs fsutil.FileSystem, cfg *config.SteeringConfig) ([]*magnet.List, error) {
	var lists []*magnet.List
	for _, src := range []struct {
		axis magnet.Axis
		path string
	}{
		{magnet.X, cfg.GetXCorrectorList()},
		{magnet.Y, cfg.GetYCorrectorList()},
	} {
		if src.path == "" {
			continue
		}
		devices, err := magnet.LoadDeviceList(fs, src.path)
		if err != nil {
			return nil, err
		}
		l, err := magnet.NewList(src.axis, devices)
		if err != nil {
			return nil, err
		}
		lists = append(lists, l)
	}
	return lists, nil
}

// connectAll connects the orbit and then each magnet list. Failures are
// logged; the server keeps running so a later EDEF change can retry.
func connectAll(ctx context.Context, r *connect.Runner, live *orbit.Live, gw lattice.Gateway, lists []*magnet.List, t channel.Transport, budget connect.Budget, m *metrics.Manager) {
	if _, err := live.Connect(ctx, r, gw); err != nil {
		opsf("orbit connect failed: %v", err)
	}
	m.SetDevices(live.Name, live.Len())
	for _, l := range lists {
		if _, err := l.Connect(ctx, r, t, budget); err != nil {
			opsf("%v", err)
		}
		m.SetDevices("magnets "+string(l.Axis), l.Len())
	}
}

func run(cfg *config.SteeringConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := monitoring.InitTracing(ctx, monitoring.TracingConfig{Enabled: *tracing, ServiceName: "steering"})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer monitoring.ShutdownWithTimeout(context.Background(), shutdownTracing)

	database, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	fs := fsutil.OSFileSystem{}
	table, err := lattice.LoadTable(fs, cfg.GetLatticeTable())
	if err != nil {
		return err
	}
	gw, closeGateway, err := newGateway(cfg, table)
	if err != nil {
		return err
	}
	defer closeGateway()

	cache, closeCache := newDeviceCache(cfg, fs)
	defer closeCache()
	names, err := bpmNames(ctx, table, cache, *refreshDevices)
	if err != nil {
		return fmt.Errorf("failed to list BPMs: %w", err)
	}

	var wg sync.WaitGroup
	tr, err := newTransport(ctx, cfg, &wg)
	if err != nil {
		return err
	}
	if tr.link != nil {
		defer tr.link.Close()
	}

	live, err := orbit.NewLive("live", names, tr, orbit.LiveOptions{
		EDEF:           cfg.GetEDEF(),
		PositionBudget: cfg.GetPositionBudget(),
		ValueBudget:    cfg.GetValueBudget(),
	})
	if err != nil {
		return err
	}
	lists, err := loadMagnets(fs, cfg)
	if err != nil {
		return err
	}

	clock := timeutil.RealClock{}
	freeze := orbit.FreezeOptions{Concurrency: 8}
	if n := cfg.GetEDEF(); n > 0 {
		budget := cfg.GetValueBudget()
		freeze.UseBuffer = true
		freeze.Buffer = &edef.TransportBuffer{Transport: tr, Number: n, Clock: clock, Retries: budget.MaxRetries, Interval: budget.Interval}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewManager(reg)

	srv := api.NewServer(api.Options{
		Orbit:               live,
		Gateway:             gw,
		Magnets:             lists,
		DB:                  database,
		Metrics:             m,
		FS:                  fs,
		SnapshotDir:         cfg.GetSnapshotDir(),
		Freeze:              freeze,
		DispersionThreshold: cfg.GetDispersionThreshold(),
		Clock:               clock,
	})
	srv.Run(ctx)
	runner := connect.NewRunner(srv.OnConnectEvent)

	if tr.fake != nil {
		opsf("using the simulated transport")
		sim := newBeamSim(tr.fake, gw, live, lists)
		sim.seed(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sim.run(ctx, clock, *simInterval)
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		connectAll(ctx, runner, live, gw, lists, tr, cfg.GetValueBudget(), m)
	}()
	go func() {
		defer wg.Done()
		srv.StreamOrbit(ctx, *streamInterval)
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := srv.ServeMux()
		mux.Handle("GET /metrics", m.Handler())
		if err := database.AttachAdminRoutes(mux, cfg.GetBackupDir()); err != nil {
			opsf("admin routes disabled: %v", err)
		}
		if tr.link != nil {
			tr.link.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    cfg.GetListen(),
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			opsf("listening on %s", cfg.GetListen())
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
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	live.Disconnect()
	for _, l := range lists {
		l.Disconnect()
	}
	return nil
}
