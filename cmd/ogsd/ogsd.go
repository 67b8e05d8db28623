package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lodestar-obs/groundstation/internal/align"
	"github.com/lodestar-obs/groundstation/internal/api"
	"github.com/lodestar-obs/groundstation/internal/config"
	"github.com/lodestar-obs/groundstation/internal/control"
	"github.com/lodestar-obs/groundstation/internal/device"
	"github.com/lodestar-obs/groundstation/internal/httputil"
	"github.com/lodestar-obs/groundstation/internal/store"
	"github.com/lodestar-obs/groundstation/internal/system"
	"github.com/lodestar-obs/groundstation/internal/units"
	"github.com/lodestar-obs/groundstation/internal/version"
)

var (
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	dbFile      = flag.String("db", "tracking.db", "Path to the SQLite database file (empty disables persistence)")
	configFile  = flag.String("config", "", "Tuning config JSON file (default "+config.DefaultConfigPath+" when present)")
	mountDev    = flag.String("mount", "", "NexStar mount serial device, e.g. /dev/ttyUSB0 (or OGS_MOUNT_DEVICE)")
	simMode     = flag.Bool("sim", false, "Force simulated devices even when a mount device is configured")
	solverURL   = flag.String("solver", "", "Plate solver endpoint URL (or OGS_SOLVER_URL)")
	lat         = flag.Float64("lat", 0, "Observer latitude in degrees (or OGS_LAT)")
	lon         = flag.Float64("lon", 0, "Observer longitude in degrees east (or OGS_LON)")
	height      = flag.Float64("height", 0, "Observer ellipsoidal height in meters (or OGS_HEIGHT_M)")
	devMode     = flag.Bool("dev", false, "Run in dev mode (migrations load from the working tree)")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

// envOr returns val when non-empty, otherwise the environment value.
func envOr(val, key string) string {
	if val != "" {
		return val
	}
	return os.Getenv(key)
}

// siteLocation resolves the observer coordinates from flags, falling back
// to OGS_LAT/OGS_LON/OGS_HEIGHT_M. Returns nil when no site is configured;
// the operator can still set the location over the API.
func siteLocation() (*system.Location, error) {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["lat"] || set["lon"] {
		if !set["lat"] || !set["lon"] {
			return nil, fmt.Errorf("-lat and -lon must be given together")
		}
		return &system.Location{Lat: *lat, Lon: *lon, HeightM: *height}, nil
	}

	latEnv, lonEnv := os.Getenv("OGS_LAT"), os.Getenv("OGS_LON")
	if latEnv == "" && lonEnv == "" {
		return nil, nil
	}
	latV, err := strconv.ParseFloat(latEnv, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid OGS_LAT %q: %v", latEnv, err)
	}
	lonV, err := strconv.ParseFloat(lonEnv, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid OGS_LON %q: %v", lonEnv, err)
	}
	loc := &system.Location{Lat: latV, Lon: lonV}
	if h := os.Getenv("OGS_HEIGHT_M"); h != "" {
		if loc.HeightM, err = strconv.ParseFloat(h, 64); err != nil {
			return nil, fmt.Errorf("invalid OGS_HEIGHT_M %q: %v", h, err)
		}
	}
	return loc, nil
}

// loadTuning reads the tuning config. An explicit path must exist; the
// default path is optional so a fresh checkout runs on built-in defaults.
func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err != nil {
			if os.IsNotExist(err) {
				return config.EmptyTuningConfig(), nil
			}
			return nil, err
		}
		path = config.DefaultConfigPath
	}
	return config.LoadTuningConfig(path)
}

// simScene renders the active target as a beacon on cam, offset from
// boresight by the current pointing error, so closed-loop modes have
// something real to chase in simulated runs.
func simScene(st *system.Station, m device.Mount, cam device.Camera) device.SceneFunc {
	w, h := cam.Dimensions()
	scale := cam.PlateScale()
	return func(t time.Time) []device.Spot {
		tgt := st.Loop().Target()
		model := st.Alignment().Snapshot()
		if tgt == nil || !model.Located || !model.Aligned {
			return nil
		}
		tpos, err := tgt.MNTAt(t, model)
		if err != nil {
			return nil
		}
		// Below the horizon there is nothing to see.
		if tpos.Alt < 0 {
			return nil
		}
		alt, azi, err := m.GetAltAz()
		if err != nil {
			return nil
		}
		mnt, err := model.MNTFromCOM(align.NewCOM(alt, azi))
		if err != nil {
			return nil
		}
		cosA := math.Cos(units.DegToRad(mnt.Alt))
		dx := units.WrapTo180(tpos.Azi-mnt.Azi) * cosA * units.AsecPerDeg / scale
		dy := (tpos.Alt - mnt.Alt) * units.AsecPerDeg / scale
		return []device.Spot{{
			X:       float64(w-1)/2 + dx,
			Y:       float64(h-1)/2 - dy,
			Peak:    3000,
			SigmaPx: 1.5,
		}}
	}
}

// simPower couples receiver power to the fine pointing error: unity on
// boresight, falling to half at roughly 30 asec offset.
func simPower(st *system.Station) func(time.Time) float64 {
	return func(time.Time) float64 {
		wk := st.Worker("fine")
		if wk == nil {
			wk = st.Worker("coarse")
		}
		est := wk.Tracker().Latest()
		if est == nil || !est.Found {
			return 0
		}
		off := math.Hypot(est.TrackX, est.TrackY)
		return math.Exp(-off * off / (2 * 25 * 25))
	}
}

// runMigrate dispatches 'ogsd migrate <action>' before the daemon flags
// are parsed, so schema management works without starting the station.
func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	db := fs.String("db", "tracking.db", "Path to the SQLite database file")
	dev := fs.Bool("dev", false, "Load migrations from the working tree")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}
	store.DevMode = *dev
	store.RunMigrateCommand(fs.Args(), *db)
}

func main() {
	// Site settings may live in a .env file next to the binary.
	_ = godotenv.Load(".env")

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrate(os.Args[2:])
		return
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("ogsd %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	store.DevMode = *devMode

	tuning, err := loadTuning(*configFile)
	if err != nil {
		log.Fatalf("Failed to load tuning config: %v", err)
	}

	loc, err := siteLocation()
	if err != nil {
		log.Fatalf("Failed to resolve observer location: %v", err)
	}

	mountDevice := envOr(*mountDev, "OGS_MOUNT_DEVICE")
	if *simMode {
		mountDevice = ""
	}

	var mount device.Mount
	if mountDevice != "" {
		m, err := device.NewNexStarMount("nexstar", mountDevice, device.NexStarConfig{MaxRate: tuning.GetMountMaxRate()})
		if err != nil {
			log.Fatalf("Failed to open mount on %s: %v", mountDevice, err)
		}
		mount = m
		log.Printf("NexStar mount on %s", mountDevice)
	} else {
		mount = device.NewSimMount("sim", device.SimMountConfig{StartAlt: 45, MaxRate: tuning.GetMountMaxRate()})
		log.Println("No mount device configured; using simulated mount")
	}
	defer mount.Close()

	// No camera hardware driver yet; the cameras render the active
	// target as a synthetic beacon, which also exercises the trackers
	// against a real mount on the bench.
	coarse := device.NewSimCamera("coarse", device.SimCameraConfig{})
	fine := device.NewSimCamera("fine", device.SimCameraConfig{PlateScale: 0.5})
	receiver := device.NewSimReceiver("receiver", nil, 0.02, nil)

	var solver align.PlateSolver
	solverAddr := envOr(*solverURL, "OGS_SOLVER_URL")
	if solverAddr != "" {
		solver = align.NewHTTPSolver(solverAddr, httputil.NewStandardClient(&http.Client{Timeout: 60 * time.Second}))
		log.Printf("Plate solver at %s", solverAddr)
	} else {
		log.Println("No plate solver configured; auto alignment unavailable (use ENU alignment)")
	}

	hub := api.NewTelemetryHub()

	st, err := system.New(system.Config{
		Tuning:     tuning,
		Mount:      mount,
		Coarse:     coarse,
		Fine:       fine,
		Receiver:   receiver,
		Solver:     solver,
		Location:   loc,
		DBPath:     *dbFile,
		ExtraSinks: []control.Sink{hub},
	})
	if err != nil {
		log.Fatalf("Failed to assemble station: %v", err)
	}
	defer st.Close()

	coarse.SetScene(simScene(st, mount, coarse))
	fine.SetScene(simScene(st, mount, fine))
	receiver.SetSource(simPower(st))

	// Create a wait group for the HTTP server, control loop, and
	// telemetry hub routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Fan telemetry out to websocket clients
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
		log.Print("telemetry hub terminated")
	}()

	// Run the station: cameras, trackers, and the control loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := st.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("station error: %v", err)
		}
		log.Print("station routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(st, hub).ServeMux()

		// Health check endpoint
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status": "ok", "service": "ogsd", "timestamp": "%s"}`, time.Now().UTC().Format(time.RFC3339))
		})

		// Basic info endpoint
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/" {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "text/html")

			mountStatus := "simulated"
			if mountDevice != "" {
				mountStatus = fmt.Sprintf("NexStar (%s)", mountDevice)
			}
			solverStatus := "not configured"
			if solverAddr != "" {
				solverStatus = solverAddr
			}

			fmt.Fprintf(w, `
<!DOCTYPE html>
<html>
<head><title>Lodestar Ground Station</title></head>
<body>
	<h1>Lodestar Ground Station</h1>
	<p>ogsd %s listening on %s</p>
	<p>Mount: %s</p>
	<p>Plate solver: %s</p>
	<ul>
		<li><a href="/api/status">Loop status</a></li>
		<li><a href="/debug/charts">Session charts</a></li>
		<li><a href="/debug/">Debug index</a></li>
		<li><a href="/health">Health check</a></li>
	</ul>
</body>
</html>`, version.Version, *listen, mountStatus, solverStatus)
		})

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			log.Printf("Starting HTTP server on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// Create a shutdown context with a shorter timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			// Force close the server if graceful shutdown fails
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
