package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/williamyang98/QuaternionIMU/internal/api"
	"github.com/williamyang98/QuaternionIMU/internal/bus"
	"github.com/williamyang98/QuaternionIMU/internal/config"
	"github.com/williamyang98/QuaternionIMU/internal/db"
	"github.com/williamyang98/QuaternionIMU/internal/ekf"
	"github.com/williamyang98/QuaternionIMU/internal/fusion"
	"github.com/williamyang98/QuaternionIMU/internal/imu"
	"github.com/williamyang98/QuaternionIMU/internal/serialmux"
	"github.com/williamyang98/QuaternionIMU/internal/timeutil"
)

const (
	flushInterval   = time.Second
	shutdownTimeout = 5 * time.Second
)

type runOptions struct {
	configPath string
	port       string
	listen     string
	dbPath     string
	note       string
	noSerial   bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "open the serial link and serve the HTTP API",
		Long: `run opens the serial port, applies the configured register setup, starts
measurements and serves orientation, calibration and bus access over HTTP.

Settings come from --config when given, otherwise the built-in defaults.
The --port, --listen and --db flags override the file.`,
		Example: `  imu run --config config/imu.defaults.json
  imu run --port /dev/ttyACM0 --listen :9090
  imu run --no-serial --db ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to a JSON link configuration")
	cmd.Flags().StringVar(&opts.port, "port", "", "serial port to open")
	cmd.Flags().StringVar(&opts.listen, "listen", "", "HTTP listen address")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "sqlite recording path; empty disables recording")
	cmd.Flags().StringVar(&opts.note, "note", "", "note stored with the recording session")
	cmd.Flags().BoolVar(&opts.noSerial, "no-serial", false, "run without a device (API only)")
	return cmd
}

// loadRunConfig reads the configuration and applies the flags that were set.
func loadRunConfig(cmd *cobra.Command, opts runOptions) (*config.LinkConfig, error) {
	cfg := config.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := config.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = &opts.port
	}
	if flags.Changed("listen") {
		cfg.Listen = &opts.listen
	}
	if flags.Changed("db") {
		cfg.DBPath = &opts.dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// link is one assembled host link: transport, correlator, filter, fusion and
// the optional recording.
type link struct {
	mux        serialmux.FrameMuxInterface
	correlator *bus.Correlator
	manager    *fusion.Manager
	client     *imu.Client
	database   *db.DB
	recorder   *db.Recorder
	handler    http.Handler
}

func newLink(cfg *config.LinkConfig, mux serialmux.FrameMuxInterface, note string, clock timeutil.Clock) (*link, error) {
	l := &link{mux: mux}

	busCfg := cfg.GetBusConfig()
	busCfg.Clock = clock
	l.correlator = bus.NewCorrelator(mux, busCfg)

	filter := ekf.NewFilter(ekf.NewEstimator(cfg.GetProcessNoise(), cfg.GetRateNoise()), cfg.GetInitialCovariance())
	var stepper ekf.Stepper = filter

	clientCfg := imu.Config{
		Headers:   cfg.GetHeaders(),
		Converter: cfg.GetConverter(),
		Setup:     cfg.GetSetup(),
	}

	if path := cfg.GetDBPath(); path != "" {
		database, err := db.NewDB(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open recording database: %w", err)
		}
		recorder, err := db.NewRecorder(database, cfg.GetPort(), note, clock)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to start recording session: %w", err)
		}
		l.database = database
		l.recorder = recorder
		stepper = ekf.NewLoggedFilter(filter, recorder, clock)
		if cfg.GetRecordSamples() {
			clientCfg.Recorder = recorder
		}
		log.Printf("recording session %s to %s", recorder.Session().ID, path)
	}

	l.manager = fusion.NewManager(stepper, cfg.GetFusionConfig())
	if l.recorder != nil {
		l.manager.SetCalibrationSink(l.recorder)
	}
	l.client = imu.NewClient(mux, l.correlator, l.manager, clientCfg)

	httpMux := api.NewServer(l.client, l.manager, l.correlator, l.database).ServeMux()
	mux.AttachAdminRoutes(httpMux)
	if l.database != nil {
		l.database.AttachAdminRoutes(httpMux)
	}
	l.handler = api.LoggingMiddleware(httpMux)
	return l, nil
}

// run drives the transport, the device setup and the recorder until ctx ends.
func (l *link) run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := l.client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := l.client.Setup(ctx); err != nil {
			// keep serving so the bus can be inspected over the API
			log.Printf("device setup failed: %v", err)
			return
		}
		log.Print("device configured, measurements requested")
	}()

	if l.recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.recorder.Run(ctx, flushInterval); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("recorder stopped: %v", err)
			}
		}()
	}

	wg.Wait()
}

func (l *link) close() {
	if err := l.client.Stop(); err != nil && !errors.Is(err, serialmux.ErrDisabled) {
		log.Printf("failed to stop measurements: %v", err)
	}
	l.correlator.Close()
	if err := l.mux.Close(); err != nil {
		log.Printf("failed to close serial port: %v", err)
	}
	if l.database != nil {
		l.database.Close()
	}
}

func openMux(cfg *config.LinkConfig, noSerial bool) (serialmux.FrameMuxInterface, error) {
	if noSerial {
		return serialmux.NewDisabledFrameMux(), nil
	}
	mux, err := serialmux.NewRealFrameMux(cfg.GetPort(), cfg.GetPortOptions(),
		serialmux.WithPollInterval(cfg.GetPollInterval()))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.GetPort(), err)
	}
	return mux, nil
}

func serve(ctx context.Context, cfg *config.LinkConfig, opts runOptions) error {
	mux, err := openMux(cfg, opts.noSerial)
	if err != nil {
		return err
	}
	l, err := newLink(cfg, mux, opts.note, timeutil.RealClock{})
	if err != nil {
		mux.Close()
		return err
	}
	defer l.close()

	server := &http.Server{
		Addr:    cfg.GetListen(),
		Handler: l.handler,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	linkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	linkDone := make(chan struct{})
	go func() {
		l.run(linkCtx)
		close(linkDone)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			cancel()
			<-linkDone
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("failed to shut down http server: %v", err)
	}
	cancel()
	<-linkDone
	log.Print("graceful shutdown complete")
	return nil
}
