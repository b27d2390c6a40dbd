package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/artpar/stacker/internal/core/deployment"
	"github.com/artpar/stacker/internal/core/topology"
)

// =============================================================================
// entrypoint
// =============================================================================

// entrypointFlags holds the startup commands as shell-style strings.
type entrypointFlags struct {
	serve   string
	develop string
	migrate string
	dryRun  bool
}

func entrypointCmd(a *app) *cobra.Command {
	var f entrypointFlags

	c := &cobra.Command{
		Use:   "entrypoint [flags] [-- serve command...]",
		Short: "Select the startup mode from the environment and exec the service",
		Long: `Runs inside a service container. The startup mode is chosen from the
environment: RUN_MIGRATIONS selects serve-with-migrations, APP_ENV, FLASK_ENV
or NODE_ENV set to "development" selects develop, anything else selects serve.
Pre steps run to completion, then the main command replaces this process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmds, err := f.commands(args)
			if err != nil {
				return &CommandError{Op: "entrypoint", Err: err, ExitCode: ExitConfigError}
			}

			environ := a.environ()
			mode := deployment.SelectStartupMode(envMap(environ))
			launch := deployment.LaunchCommand(mode, cmds)
			a.logger.Info("startup mode selected", "mode", launch.Mode, "pre_steps", len(launch.Pre))

			if f.dryRun {
				return writeJSON(a.stdout, launch)
			}
			if len(launch.Main) == 0 {
				return &CommandError{Op: "entrypoint", Err: fmt.Errorf("no command for mode %s", launch.Mode), ExitCode: ExitConfigError}
			}

			for _, step := range launch.Pre {
				a.logger.Info("running pre step", "command", strings.Join(step, " "))
				if err := a.runStep(cmd.Context(), step, environ); err != nil {
					return &CommandError{Op: "entrypoint", Err: fmt.Errorf("pre step %q: %w", step[0], err), ExitCode: ExitStartError}
				}
			}

			a.logger.Info("starting main command", "command", strings.Join(launch.Main, " "))
			if err := a.execMain(launch.Main, environ); err != nil {
				return &CommandError{Op: "entrypoint", Err: err, ExitCode: ExitStartError}
			}
			return nil
		},
	}

	c.Flags().StringVar(&f.serve, "serve", "", "Serve command")
	c.Flags().StringVar(&f.develop, "develop", "", "Develop command")
	c.Flags().StringVar(&f.migrate, "migrate", "", "Migration command")
	c.Flags().BoolVar(&f.dryRun, "dry-run", false, "Print the selected launch as JSON instead of running it")
	return c
}

// commands parses the flag strings. Arguments after "--" are the serve
// command and take precedence over --serve.
func (f entrypointFlags) commands(args []string) (topology.StartupCommands, error) {
	var (
		cmds topology.StartupCommands
		err  error
	)
	if cmds.Serve, err = splitCommand("serve", f.serve); err != nil {
		return cmds, err
	}
	if len(args) > 0 {
		cmds.Serve = args
	}
	if cmds.Develop, err = splitCommand("develop", f.develop); err != nil {
		return cmds, err
	}
	if cmds.Migrate, err = splitCommand("migrate", f.migrate); err != nil {
		return cmds, err
	}
	return cmds, nil
}

func splitCommand(name, s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	argv, err := shellwords.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s command %q: %w", name, s, err)
	}
	return argv, nil
}

func envMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			out[k] = v
		}
	}
	return out
}

// runStep runs argv with the process's stdio attached.
func runStep(ctx context.Context, argv, env []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// execMain replaces the current process with argv.
func execMain(argv, env []string) error {
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return err
	}
	return syscall.Exec(path, argv, env)
}
