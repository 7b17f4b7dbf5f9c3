package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cok/internal/action"
	"cok/internal/capture"
	"cok/internal/config"
	"cok/internal/control"
	"cok/internal/enrich"
	"cok/internal/model"
	"cok/internal/parser"
	"cok/internal/registry"
	"cok/internal/store"
	"cok/internal/store/mariadb"
	"cok/internal/watch"
)

var (
	configFile   string
	iface        string
	promiscuous  bool
	verbose      bool
	clearStored  bool
	ignoreStored bool
	logLevel     string
	logFile      string
	controlAddr  string
)

// newSource builds the capture source for each session.
var newSource = func(snaplen int, logger *slog.Logger) capture.Source {
	return capture.NewPcapSource(snaplen, logger)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cokd",
		Short: "Covert one-time knock daemon",
		Long: `cokd passively watches network traffic for port-sequence, UDP one-time
password and DNS carried knocks and runs the configured rules when one completes.`,
		SilenceUsage: true,
		RunE:         run,
	}

	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	rootCmd.Flags().StringVarP(&iface, "interface", "i", "", "Capture interface (default: first non-loopback IPv4 device)")
	rootCmd.Flags().BoolVar(&promiscuous, "promiscuous", false, "Open the capture interface in promiscuous mode")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log at DEBUG level")
	rootCmd.Flags().BoolVarP(&clearStored, "clear", "C", false, "Clear stored knocks before starting")
	rootCmd.Flags().BoolVarP(&ignoreStored, "ignore", "I", false, "Start without loading stored knocks")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "Log file path (default: stderr)")
	rootCmd.Flags().StringVar(&controlAddr, "listen", "", "Control API listen address")

	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg)

	logger := setupLogger(cfg.LogLevel, cfg.LogFile)
	slog.SetDefault(logger)
	slog.Info("Starting cokd", "interface", cfg.Interface, "store", cfg.Store.Backend, "control", cfg.Control.Listen)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		slog.Error("Failed to open knock store", "backend", cfg.Store.Backend, "error", err)
		return err
	}
	defer closeBackend()
	knocks := store.New(backend)

	if clearStored {
		if err := knocks.Clear(ctx); err != nil {
			slog.Error("Failed to clear stored knocks", "error", err)
			return err
		}
		slog.Info("Stored knocks cleared")
	}

	launcher := action.NewExecLauncher(cfg.Launcher.Rate, cfg.Launcher.Burst, cfg.Launcher.Timeout, logger)
	defer launcher.Wait()
	env := &action.Env{Logger: logger, Stdout: cmd.OutOrStdout(), Launcher: launcher}

	enricher, err := enrich.New(cfg.ResolvePTR, cfg.GeoIPDirs...)
	if err != nil {
		slog.Warn("Failed to open GeoIP databases, continuing without enrichment", "error", err)
	} else {
		defer enricher.Close()
		if enricher.Enabled() {
			env.Enricher = enricher
		}
	}

	reg := registry.New(
		registry.Config{Interface: cfg.Interface, Promiscuous: cfg.Promiscuous},
		env,
		func() capture.Source { return newSource(cfg.Snaplen, logger) },
		registry.WithSaver(knocks),
		registry.WithLogger(logger),
	)

	if !ignoreStored {
		descs, err := knocks.LoadDescriptors(ctx)
		if err != nil {
			slog.Error("Failed to load stored knocks", "error", err)
		} else {
			slog.Info("Loaded stored knocks", "count", reg.Load(descs))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.KnocksFile != "" {
		w := watch.NewFile(cfg.KnocksFile)
		go w.Poll(runCtx, cfg.ReloadInterval, func(data []byte) {
			applyKnockFile(reg, w.Path(), data)
		})
	}

	srv := control.NewServer(reg, cfg.Control.Token, logger)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(runCtx, cfg.Control.Listen) }()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case <-reg.Done():
		slog.Info("Halted through the control API")
	case err := <-serveErr:
		if err != nil {
			slog.Error("Failed to serve control API", "error", err)
			runErr = err
		}
	}

	haltCtx, haltCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer haltCancel()
	if err := reg.Halt(haltCtx); err != nil && !errors.Is(err, registry.ErrHalted) {
		slog.Error("Failed to halt cleanly", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	cancel()
	slog.Info("cokd stopped")
	return runErr
}

// applyFlags lets explicitly set flags win over file and environment values.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("interface") {
		cfg.Interface = iface
	}
	if flags.Changed("promiscuous") {
		cfg.Promiscuous = promiscuous
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-file") {
		cfg.LogFile = logFile
	}
	if flags.Changed("listen") {
		cfg.Control.Listen = controlAddr
	}
	if verbose {
		cfg.LogLevel = "DEBUG"
	}
}

// openBackend returns the configured store backend and a function releasing it.
func openBackend(ctx context.Context, cfg config.Store) (store.Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemory(), func() {}, nil
	case config.BackendFile:
		if cfg.Path == "" {
			return nil, nil, fmt.Errorf("store path must be provided for the file backend")
		}
		f, err := store.OpenFile(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return f, func() {}, nil
	case config.BackendMariaDB:
		if cfg.DSN == "" {
			return nil, nil, fmt.Errorf("database connection string must be provided for the mariadb backend")
		}
		db, err := mariadb.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}

type knockSetter interface {
	SetKnock(d *model.Descriptor) model.SetResult
}

// applyKnockFile installs every definition in data and returns how many were
// accepted. A file that does not parse changes nothing.
func applyKnockFile(reg knockSetter, path string, data []byte) int {
	p := parser.NewKnockFileParser(bytes.NewReader(data))
	if err := p.Parse(); err != nil {
		slog.Error("Failed to parse knock file", "path", path, "error", err)
		return 0
	}
	applied := 0
	for _, d := range p.Knocks {
		if reg.SetKnock(d) != model.SetError {
			applied++
		}
	}
	slog.Info("Knock file applied", "path", path, "defined", len(p.Knocks), "applied", applied)
	return applied
}

func setupLogger(level, logFilePath string) *slog.Logger {
	var logWriter io.Writer = os.Stderr
	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err == nil {
			logWriter = f
		}
		// The logger does not exist yet, so a failed open falls back to stderr.
	}

	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "INFO":
		lvl = slog.LevelInfo
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: lvl}))
}
