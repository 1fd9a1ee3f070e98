package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/missionkit/missiond/internal/config"
	"github.com/missionkit/missiond/internal/engine"
	"github.com/missionkit/missiond/internal/eventbus"
	"github.com/missionkit/missiond/internal/fileutil"
	"github.com/missionkit/missiond/internal/frontend"
	"github.com/missionkit/missiond/internal/logger"
	"github.com/missionkit/missiond/internal/logger/tag"
	"github.com/missionkit/missiond/internal/persis/filemission"
	"github.com/missionkit/missiond/internal/persis/fileproject"
	"github.com/missionkit/missiond/internal/persis/filerun"
	"github.com/missionkit/missiond/internal/persis/filesettings"
	"github.com/missionkit/missiond/internal/persis/filetask"
	"github.com/missionkit/missiond/internal/provider"
	"github.com/missionkit/missiond/internal/provider/claudecode"
	"github.com/missionkit/missiond/internal/teamwatch"
)

func serveCmd() *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, host, port)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen address (default 127.0.0.1)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default 3848, or PORT env)")
	return cmd
}

func runServe(cmd *cobra.Command, host string, port int) error {
	var loaderOpts []config.LoaderOption
	if configFile != "" {
		loaderOpts = append(loaderOpts, config.WithConfigFile(configFile))
	}
	if dataRoot != "" {
		loaderOpts = append(loaderOpts, config.WithDataRoot(dataRoot))
	}
	cfg, err := config.Load(loaderOpts...)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Host = host
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = port
	}
	if debug {
		cfg.Debug = true
	}

	logOpts := []logger.Option{logger.WithFormat(cfg.LogFormat)}
	if cfg.Debug {
		logOpts = append(logOpts, logger.WithDebug())
	}
	lg := logger.NewLogger(logOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, lg)

	if err := os.MkdirAll(cfg.Paths.DataRoot, fileutil.DirPermissions); err != nil {
		return fmt.Errorf("failed to create data root %s: %w", cfg.Paths.DataRoot, err)
	}

	// Single-instance lock. Two servers over one data root would break the
	// exclusive-writer discipline on the run files.
	instanceLock := flock.New(cfg.Paths.LockFile)
	locked, err := instanceLock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another instance is already running (lock: %s)", cfg.Paths.LockFile)
	}
	defer func() { _ = instanceLock.Unlock() }()

	missions, err := filemission.New(cfg.Paths.MissionsDir)
	if err != nil {
		return err
	}
	templates, err := filemission.New(cfg.Paths.TemplatesDir)
	if err != nil {
		return err
	}
	runs, err := filerun.New(cfg.Paths.RunsDir)
	if err != nil {
		return err
	}
	tasks, err := filetask.New(cfg.Paths.TeamsDir, cfg.Paths.TasksDir)
	if err != nil {
		return err
	}
	settings := filesettings.New(cfg.Paths.SettingsFile, cfg.Paths.LocalSettingsFile)
	projects := fileproject.New(cfg.Paths.ProjectsFile)

	bus := eventbus.New()
	registry := provider.NewRegistry()
	registry.Register(claudecode.New(tasks))

	eng := engine.New(missions, runs, tasks, registry, bus)
	eng.Start(ctx)
	if err := eng.ResumeActiveRuns(ctx); err != nil {
		logger.Warn(ctx, "Failed to resume active runs", tag.Error(err))
	}

	watcher := teamwatch.New(tasks, runs, bus)
	watcher.Start(ctx)

	server := frontend.New(cfg, eng, missions, templates, runs, settings, projects, watcher, registry, bus)
	serveErr := server.Serve(ctx)

	// Shutdown order: stop scheduling, then terminate children.
	eng.Stop()
	shutdownCtx := context.WithoutCancel(ctx)
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "Provider shutdown incomplete", tag.Error(err))
	}
	logger.Info(shutdownCtx, "Server stopped")
	return serveErr
}
