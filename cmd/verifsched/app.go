package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/verifgui/verifsched/internal/build"
	"github.com/verifgui/verifsched/internal/config"
	"github.com/verifgui/verifsched/internal/events"
	"github.com/verifgui/verifsched/internal/scheduler"
	"github.com/verifgui/verifsched/internal/status"
	"github.com/verifgui/verifsched/internal/tasks"
	"github.com/verifgui/verifsched/internal/worker"
)

// shutdownTimeout bounds how long a killed task may take to report back.
const shutdownTimeout = 10 * time.Second

// app is one build opened for a command: config, store, catalog and a
// scheduler wired to an event bus.
type app struct {
	cfg         *config.Config
	projectPath string
	globalPath  string
	logger      zerolog.Logger
	builds      *build.Manager
	build       *build.Info
	store       status.Store
	bus         *events.EventBus
	pm          *worker.ProcessManager
	sched       *scheduler.Scheduler

	runDone   chan error
	runCancel context.CancelFunc
}

type appOptions struct {
	confirmer scheduler.Confirmer
	// logOut receives log output. The TUI logs to a file in the build.
	logOut io.Writer
}

// loadConfig loads, overrides from flags and validates the configuration.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.LoadDefault(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.build != "" {
		cfg.Build = flags.build
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func newBuildManager(cfg *config.Config) *build.Manager {
	return build.NewManager(build.ManagerConfig{
		BuildsDir: cfg.BuildsDir(),
		CoreDir:   cfg.CoreDir,
		TopModule: cfg.TopModule,
	})
}

func storeOptions(cfg *config.Config, dir string, logger zerolog.Logger) status.Options {
	return status.Options{
		Backend: cfg.Status.Backend,
		Dir:     dir,
		Redis: status.RedisOptions{
			Addr:     cfg.Status.RedisAddr,
			Password: cfg.Status.RedisPassword,
			DB:       cfg.Status.RedisDB,
			Prefix:   cfg.Status.RedisPrefix + ":" + cfg.Build,
		},
		Logger: logger,
	}
}

// openApp opens the configured build and builds a scheduler over it.
func openApp(ctx context.Context, flags *globalFlags, opts appOptions) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	logOut := opts.logOut
	if logOut == nil {
		logOut = os.Stderr
	}
	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	projectPath := flags.configPath
	if projectPath == "" {
		projectPath = config.ProjectFile
	}

	builds := newBuildManager(cfg)
	info, err := builds.Open(cfg.Build)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("build", info.Name).Logger()
	if info.New {
		logger.Info().Str("path", info.Path).Msg("created build")
	}

	store, err := status.Open(ctx, storeOptions(cfg, info.Path, logger))
	if err != nil {
		return nil, fmt.Errorf("open status store: %w", err)
	}

	a := &app{
		cfg:         cfg,
		projectPath: projectPath,
		globalPath:  config.GlobalPath(home),
		logger:      logger,
		builds:      builds,
		build:       info,
		store:       store,
		bus:         events.NewEventBus(),
		pm:          worker.NewProcessManager(),
	}

	env, err := tasks.NewEnv(cfg, store, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	catalog, err := tasks.NewCatalog(env)
	if err != nil {
		a.Close()
		return nil, err
	}

	schedOpts := []scheduler.Option{
		scheduler.WithEventBus(a.bus),
		scheduler.WithLogger(logger),
		scheduler.WithProcessManager(a.pm),
	}
	if opts.confirmer != nil {
		schedOpts = append(schedOpts, scheduler.WithConfirmer(opts.confirmer))
	}
	a.sched, err = scheduler.New(catalog, store, schedOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// start runs the scheduler loop until ctx is cancelled or shutdown is called.
func (a *app) start(ctx context.Context) {
	ctx, a.runCancel = context.WithCancel(ctx)
	a.runDone = make(chan error, 1)
	go func() {
		a.runDone <- a.sched.Run(ctx)
	}()
}

// shutdown kills whatever is still running and flushes the store.
func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := a.sched.Shutdown(ctx)
	if a.runDone != nil {
		a.runCancel()
		select {
		case runErr := <-a.runDone:
			if errors.Is(runErr, scheduler.ErrInvariant) {
				err = errors.Join(err, runErr)
			}
		case <-ctx.Done():
		}
	}
	return err
}

// Close releases the event bus and the store.
func (a *app) Close() error {
	a.bus.Close()
	return a.store.Close()
}

// logFile opens the log file in the working directory, next to the builds.
func logFile(flags *globalFlags) (*os.File, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(cfg.BuildsDir())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	return os.OpenFile(filepath.Join(dir, "verifsched.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}
