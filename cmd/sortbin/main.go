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

	"github.com/banshee-data/sortbin/internal/actuator"
	"github.com/banshee-data/sortbin/internal/api"
	"github.com/banshee-data/sortbin/internal/config"
	"github.com/banshee-data/sortbin/internal/db"
	"github.com/banshee-data/sortbin/internal/detect"
	"github.com/banshee-data/sortbin/internal/monitoring"
	"github.com/banshee-data/sortbin/internal/orchestrator"
	"github.com/banshee-data/sortbin/internal/roi"
	"github.com/banshee-data/sortbin/internal/session"
	"github.com/banshee-data/sortbin/internal/timeutil"
	"github.com/banshee-data/sortbin/internal/tracking"
	"github.com/banshee-data/sortbin/internal/version"
)

var (
	listen          = flag.String("listen", ":8080", "Listen address")
	port            = flag.String("port", "", "Serial port of the actuator, overriding the paired device path")
	device          = flag.String("device", "", "Name of the paired actuator device (default from config)")
	dbPath          = flag.String("db-path", "sortbin.db", "Path to the SQLite database")
	configPath      = flag.String("config", "", "Path to a JSON bin config (default "+config.DefaultConfigPath+" when present)")
	mock            = flag.Bool("mock", false, "Use the simulated actuator firmware instead of a serial port")
	disableActuator = flag.Bool("disable-actuator", false, "Run without an actuator; confirmed items are logged only")
	detections      = flag.String("detections", "", "Replay recorded detections from this file instead of running the model")
	model           = flag.String("model", "", "Path to the ONNX detection model (overrides config)")
	debug           = flag.Bool("debug", false, "Enable debug logging")
	showVersion     = flag.Bool("version", false, "Print version and exit")
)

const (
	receiverQueue  = 8
	reconnectDelay = 10 * time.Second
)

// binActuator is what main needs from either the serial controller or the
// disabled stand-in.
type binActuator interface {
	orchestrator.Actuator
	api.Actuator
	AttachAdminRoutes(mux *http.ServeMux)
}

// frameSink accepts frames for analysis.
type frameSink interface {
	Submit(f detect.Frame) bool
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if flag.Arg(0) == "migrate" {
		os.Exit(db.RunMigrateCommand(flag.Args()[1:], *dbPath, os.Stdout))
	}

	monitoring.SetDebug(*debug)
	log.Printf("Starting %s", version.String())

	cfg, err := loadBinConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions := session.NewCoordinator(database, cfg.Session())
	defer sessions.Close()
	if err := resumeSessions(ctx, sessions, database); err != nil {
		log.Printf("Failed to resume sessions: %v", err)
	}

	var wg sync.WaitGroup

	var act binActuator = actuator.Disabled{}
	if *disableActuator {
		log.Printf("Actuator disabled; confirmed items will not be routed")
	} else {
		var opts []actuator.Option
		if *mock {
			sim := actuator.NewSimulatedPort()
			opts = append(opts, actuator.WithOpener(sim.OpenSimulated), actuator.WithPortLister(nil))
		}
		controller := actuator.NewController(actuatorConfig(cfg, *device, *port, *mock), opts...)
		defer controller.Close()
		act = controller

		wg.Add(1)
		go func() {
			defer wg.Done()
			keepConnected(ctx, controller, timeutil.RealClock{}, reconnectDelay)
		}()
	}

	detector, replay, err := buildDetector(cfg)
	if err != nil {
		log.Fatalf("Failed to start detector: %v", err)
	}
	if c, ok := detector.(io.Closer); ok {
		defer c.Close()
	}

	zoom := roi.NewController(cfg.GetBaseZoom())
	receiver := orchestrator.NewChanReceiver(receiverQueue)
	orch := orchestrator.New(cfg.Orchestrator(), orchestrator.Components{
		Detector:    detector,
		PlateFilter: cfg.PlateFilter(),
		Tracker:     tracking.NewTracker(cfg.Tracking()),
		Zoom:        zoom,
		Actuator:    act,
		Sessions:    sessions,
		Recorder:    database,
		Receiver:    receiver,
		Events:      database,
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sessions.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("session coordinator stopped: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("pipeline stopped: %v", err)
		}
	}()

	if replay {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replayFrames(ctx, orch, timeutil.RealClock{}, cfg.Orchestrator().MinFrameInterval)
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(api.Backends{
			Sessions:   sessions,
			Identifier: receiver,
			Pipeline:   orch,
			Actuator:   act,
			Users:      database,
			History:    database,
			Deposits:   database,
			Zoom:       zoom,
		}).ServeMux()
		act.AttachAdminRoutes(mux)
		database.AttachAdminRoutes(mux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			log.Printf("Listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server close error: %v", err)
			}
		}
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// loadBinConfig reads the config at path. With no path it uses the shipped
// defaults file when present and the compiled-in defaults otherwise.
func loadBinConfig(path string) (*config.BinConfig, error) {
	if path != "" {
		return config.LoadConfig(path)
	}
	if _, err := os.Stat(config.DefaultConfigPath); err == nil {
		return config.LoadConfig(config.DefaultConfigPath)
	}
	log.Printf("No config at %s, using built-in defaults", config.DefaultConfigPath)
	return config.EmptyBinConfig(), nil
}

// activeSessionLister lists the users with an ACTIVE session in the store.
type activeSessionLister interface {
	ActiveSessions(ctx context.Context) ([]string, error)
}

// resumeSessions hands the ACTIVE sessions of this bin that survived a
// restart back to the coordinator.
func resumeSessions(ctx context.Context, c *session.Coordinator, store activeSessionLister) error {
	ids, err := store.ActiveSessions(ctx)
	if err != nil {
		return err
	}
	n, err := c.Resume(ctx, ids)
	if n > 0 {
		log.Printf("Resumed %d active session(s) from the previous run", n)
	}
	return err
}

// actuatorConfig applies the command-line overrides. An explicit port is
// paired under the device name ahead of any configured path.
func actuatorConfig(cfg *config.BinConfig, deviceName, portPath string, simulated bool) actuator.Config {
	ac := cfg.Actuator()
	if deviceName != "" {
		ac.DeviceName = deviceName
	}
	switch {
	case portPath != "":
		ac.Paired = append([]actuator.PairedDevice{{Name: ac.DeviceName, Path: portPath}}, ac.Paired...)
	case simulated:
		ac.Paired = append(ac.Paired, actuator.PairedDevice{Name: ac.DeviceName, Path: "simulated"})
	}
	return ac
}

// keepConnected connects the controller and reconnects it whenever the link
// drops, until ctx is done.
func keepConnected(ctx context.Context, c *actuator.Controller, clock timeutil.Clock, every time.Duration) {
	connect := func() {
		if c.Connected() {
			return
		}
		if err := c.Connect(ctx); err != nil {
			log.Printf("actuator: %v (retrying in %v)", err, every)
			return
		}
		log.Printf("actuator: connected to %s", c.Status().Path)
	}

	connect()
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			connect()
		}
	}
}

// buildDetector returns the replay detector when -detections is set and
// the model otherwise. replay reports whether frames must be synthesized.
func buildDetector(cfg *config.BinConfig) (d detect.Detector, replay bool, err error) {
	if *detections != "" {
		rd, err := detect.OpenReplayDetector(*detections)
		if err != nil {
			return nil, false, err
		}
		log.Printf("Replaying %d recorded frames from %s", rd.Len(), *detections)
		return rd, true, nil
	}
	yolo, err := detect.NewYOLO(cfg.YOLO(*model))
	if err != nil {
		return nil, false, fmt.Errorf("%w (use -detections to replay recorded detections)", err)
	}
	return yolo, false, nil
}

// replayFrames stands in for the camera when detections are replayed. The
// frames carry no image; the replay detector ignores the pixels.
func replayFrames(ctx context.Context, sink frameSink, clock timeutil.Clock, every time.Duration) {
	ticker := clock.NewTicker(every)
	defer ticker.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			seq++
			sink.Submit(detect.Frame{Seq: seq, Timestamp: now})
		}
	}
}
