package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/chunker"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/discovery"
	"github.com/book-expert/narration-service/internal/ledger"
	"github.com/book-expert/narration-service/internal/naming"
	"github.com/book-expert/narration-service/internal/objectstore"
	"github.com/book-expert/narration-service/internal/scheduler"
	"github.com/book-expert/narration-service/internal/synth"
	"github.com/book-expert/narration-service/internal/telemetry"
	"github.com/book-expert/narration-service/internal/worker"
	"github.com/nats-io/nats.go"
)

// File names.
const (
	bootstrapLogFile = "narration-service-bootstrap.log"
	serviceLogFile   = "narration-service.log"
)

// Error and log messages.
const (
	errFailedToLoadConfig = "failed to load configuration: %w"
	logConfigLoaded       = "Configuration loaded successfully."
	logBootstrapCreated   = "Bootstrap logger created."
	logConnectedNATS      = "Connected to NATS at %s, bucket %s."
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

// loadConfig follows the bootstrap sequence: a temporary logger, the configuration, then the
// final logger in the configured directory.
func loadConfig(configPath string) (*config.Config, *logger.Logger, error) {
	bootstrapLog, err := setupLogger(os.TempDir(), bootstrapLogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return nil, nil, err
	}

	defer func() { _ = bootstrapLog.Close() }()

	bootstrapLog.Info(logBootstrapCreated)

	cfg, err := config.Load(configPath)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return nil, nil, fmt.Errorf(errFailedToLoadConfig, err)
	}

	bootstrapLog.Info(logConfigLoaded)

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, serviceLogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return nil, nil, err
	}

	return cfg, finalLog, nil
}

// app holds the long-lived resources shared by the commands.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	nc      *nats.Conn
	store   *objectstore.NatsObjectStore
	ledger  *ledger.Store
	metrics *telemetry.Metrics
}

func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, nc: nil, store: nil, ledger: nil, metrics: nil}

	openErr := a.open(ctx)
	if openErr != nil {
		log.Error("Startup failed: %v", openErr)
		a.Close()

		return nil, openErr
	}

	return a, nil
}

func (a *app) open(ctx context.Context) error {
	nc, err := nats.Connect(a.cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", a.cfg.NATS.URL, err)
	}

	a.nc = nc

	jetstreamContext, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	a.store, err = objectstore.New(jetstreamContext, a.cfg.NATS.ObjectStoreBucket, a.cfg.Store.DownloadURLFormat)
	if err != nil {
		return err
	}

	a.log.Info(logConnectedNATS, a.cfg.NATS.URL, a.cfg.NATS.ObjectStoreBucket)

	a.ledger, err = ledger.Open(ctx, a.cfg.Ledger.Path, a.cfg.LedgerBusyTimeout(), a.log)
	if err != nil {
		return err
	}

	a.metrics, err = telemetry.New()
	if err != nil {
		return err
	}

	return nil
}

// Close releases whatever open managed to acquire.
func (a *app) Close() {
	var errs []error

	if a.metrics != nil {
		errs = append(errs, a.metrics.Shutdown(context.Background()))
	}

	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}

	if a.nc != nil {
		errs = append(errs, a.nc.Drain())
	}

	closeErr := errors.Join(errs...)
	if closeErr != nil {
		a.log.Error("Shutdown error: %v", closeErr)
	}

	logErr := a.log.Close()
	if logErr != nil {
		fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", logErr)
	}
}

func (a *app) discovery() *discovery.Stage {
	return discovery.New(a.store, a.ledger, a.cfg.Store.SourcesPrefix, a.log)
}

func (a *app) scheduler() (*scheduler.Scheduler, error) {
	synthesizer, err := synth.New(synth.Options{
		BaseURL:           a.cfg.Synthesis.BaseURL,
		Model:             a.cfg.Synthesis.Model,
		Voice:             a.cfg.Synthesis.Voice,
		APIKey:            a.cfg.Synthesis.APIKey,
		Timeout:           a.cfg.SynthesisTimeout(),
		RequestsPerMinute: a.cfg.Synthesis.RequestsPerMinute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesizer: %w", err)
	}

	ocr := chunker.NewOCRClient(a.cfg.Extraction.OCRURL, a.cfg.ExtractionTimeout())

	return scheduler.New(scheduler.Dependencies{
		Ledger:      a.ledger,
		Splitter:    chunker.New(a.store, chunker.DefaultExtractors(ocr), a.log),
		Synthesizer: synthesizer,
		Store:       a.store,
		Resolver:    naming.NewResolver(a.store, a.cfg.Store.AudioPrefix),
		Strategies:  naming.DefaultStrategies(),
		Metrics:     a.metrics,
		Log:         a.log,
		Clock:       nil,
	}, a.cfg.Budget()), nil
}

func (a *app) passRunner() (*worker.PassRunner, error) {
	sched, err := a.scheduler()
	if err != nil {
		return nil, err
	}

	return worker.NewPassRunner(a.discovery(), sched, a.log), nil
}
