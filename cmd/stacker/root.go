package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/artpar/stacker/internal/core/compose"
	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/core/topology"
	"github.com/artpar/stacker/internal/shell/docker"
	"github.com/artpar/stacker/internal/shell/envfile"
	"github.com/artpar/stacker/internal/shell/metrics"
	"github.com/artpar/stacker/internal/shell/store"
)

// =============================================================================
// App
// =============================================================================

// app holds global flags and the collaborators shared by every command.
type app struct {
	configPath string
	file       string
	envFiles   []string
	project    string

	stdout  io.Writer
	stderr  io.Writer
	environ func() []string
	// newEngine connects to the Docker engine; replaced in tests.
	newEngine func(ctx context.Context, host string) (docker.Client, error)
	// runStep runs a command to completion; execMain replaces the process.
	runStep  func(ctx context.Context, argv, env []string) error
	execMain func(argv, env []string) error

	cfg    *Config
	logger *slog.Logger
}

func newApp() *app {
	return &app{
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		environ: os.Environ,
		newEngine: func(ctx context.Context, host string) (docker.Client, error) {
			return docker.NewDockerClient(ctx, host)
		},
		runStep:  runStep,
		execMain: execMain,
	}
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "stacker",
		Short:         "Run a multi-service topology on a Docker engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.file, "file", "f", "", "Topology file (default stack.yaml)")
	flags.StringArrayVar(&a.envFiles, "env-file", nil, "Variable file, repeatable (default .env next to the topology file)")
	flags.StringVarP(&a.project, "project", "p", "", "Project name (default topology directory name)")
	flags.StringVar(&a.configPath, "config", "", "Path to config file")

	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	cmd.AddCommand(
		upCmd(a),
		downCmd(a),
		buildCmd(a),
		logsCmd(a),
		configCmd(a),
		psCmd(a),
		entrypointCmd(a),
		versionCmd(a),
	)
	return cmd
}

func (a *app) init() error {
	cfg, err := LoadConfig(a.configPath)
	if err != nil {
		return &CommandError{Op: "config", Err: err, ExitCode: ExitConfigError}
	}
	a.cfg = cfg
	a.logger = SetupLogger(cfg, a.stderr)
	return nil
}

// =============================================================================
// Workspace
// =============================================================================

// workspace is a resolved topology together with where it came from.
type workspace struct {
	Project  string
	Dir      string
	File     string
	Topology *topology.Topology
}

// loadWorkspace reads, parses and resolves the topology file. Nothing
// touches the engine before this succeeds.
func (a *app) loadWorkspace() (*workspace, error) {
	path := a.file
	if path == "" {
		path = a.cfg.File
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, wrap("load", err)
	}
	dir := filepath.Dir(path)

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, &CommandError{Op: "load", Err: err, ExitCode: ExitConfigError}
	}
	file, err := compose.Parse(content)
	if err != nil {
		return nil, wrap("parse", err)
	}

	loader := envfile.NewLoader(a.logger)
	loader.Environ = a.environ
	env, err := loader.Load(dir, a.envFiles...)
	if err != nil {
		return nil, wrap("environment", err)
	}

	topo, err := topology.ResolveFile(file, env)
	if err != nil {
		return nil, wrap("resolve", err)
	}

	project, err := a.projectName(dir)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("topology resolved", "project", project, "file", path, "services", len(topo.Services))
	return &workspace{Project: project, Dir: dir, File: path, Topology: topo}, nil
}

// projectName picks the flag, then the config, then the directory name.
func (a *app) projectName(dir string) (string, error) {
	name := a.project
	if name == "" {
		name = a.cfg.Project
	}
	if name == "" {
		name = filepath.Base(dir)
	}
	normalized := domain.NormalizeProjectName(name)
	if normalized == "" {
		return "", &CommandError{
			Op:       "project",
			Err:      fmt.Errorf("project name %q has no usable characters", name),
			ExitCode: ExitConfigError,
		}
	}
	return normalized, nil
}

// =============================================================================
// Collaborators
// =============================================================================

// engine connects to Docker and checks that it answers.
func (a *app) engine(ctx context.Context) (docker.Client, error) {
	client, err := a.newEngine(ctx, a.cfg.Docker.Host)
	if err != nil {
		return nil, &CommandError{Op: "engine", Err: err, ExitCode: ExitInfraError}
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, &CommandError{Op: "engine", Err: err, ExitCode: ExitInfraError}
	}
	return client, nil
}

// history opens the run history store. It returns nil when history is
// disabled.
func (a *app) history(ws *workspace) (store.Store, error) {
	dsn := a.cfg.State.DSN
	if dsn == "" {
		return nil, nil
	}
	if dsn != ":memory:" && !filepath.IsAbs(dsn) {
		dsn = filepath.Join(ws.Dir, dsn)
	}
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, &CommandError{Op: "history", Err: err, ExitCode: ExitInfraError}
		}
	}
	s, err := store.NewSQLiteStore(dsn)
	if err != nil {
		return nil, &CommandError{Op: "history", Err: err, ExitCode: ExitInfraError}
	}
	return s, nil
}

// orchestrator builds an orchestrator wired to history and metrics. Either
// may be nil.
func (a *app) orchestrator(ws *workspace, client docker.Client, hist store.Store, m *metrics.Metrics, detached bool) *docker.Orchestrator {
	cfg := a.cfg.OrchestratorConfig(ws.Project, ws.Dir)
	cfg.Detached = detached

	var opts []docker.Option
	if hist != nil {
		opts = append(opts, docker.WithRecorder(&historyRecorder{store: hist, keep: a.cfg.State.Keep}))
	}
	if m != nil {
		opts = append(opts, docker.WithObserver(m))
	}
	return docker.NewOrchestrator(client, a.logger, cfg, opts...)
}

// historyRecorder records a run and prunes old ones in one transaction.
type historyRecorder struct {
	store store.Store
	keep  int
}

func (h *historyRecorder) RecordRun(ctx context.Context, report *domain.RunReport) error {
	return h.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.RecordRun(ctx, report); err != nil {
			return err
		}
		if h.keep > 0 {
			if _, err := tx.PruneRuns(ctx, report.Project, h.keep); err != nil {
				return err
			}
		}
		return nil
	})
}

// closeAll closes whatever was opened, logging failures.
func (a *app) closeAll(closers ...io.Closer) {
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			a.logger.Warn("close failed", "error", err)
		}
	}
}
