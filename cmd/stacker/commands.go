package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/stacker/internal/core/compose"
	"github.com/artpar/stacker/internal/core/deployment"
	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/shell/api"
	"github.com/artpar/stacker/internal/shell/docker"
	"github.com/artpar/stacker/internal/shell/metrics"
	"github.com/artpar/stacker/internal/shell/store"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// =============================================================================
// up
// =============================================================================

func upCmd(a *app) *cobra.Command {
	var detach bool

	c := &cobra.Command{
		Use:   "up",
		Short: "Build, create and start every service in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ws, err := a.loadWorkspace()
			if err != nil {
				return err
			}
			client, err := a.engine(ctx)
			if err != nil {
				return err
			}
			hist, err := a.history(ws)
			if err != nil {
				client.Close()
				return err
			}
			defer a.closeAll(client, hist)

			m := metrics.New(ws.Project)
			orch := a.orchestrator(ws, client, hist, m, detach)

			if detach {
				report, err := orch.Up(ctx, ws.Topology)
				printReport(a.stdout, report)
				if err != nil {
					return wrap("up", err)
				}
				return reportError("up", report)
			}
			return a.runAttached(ctx, ws, client, hist, m, orch)
		},
	}

	c.Flags().BoolVarP(&detach, "detach", "d", false, "Start services in the background and leave restarts to the engine")
	return c
}

// runAttached brings the topology up, serves the status API and keeps the
// services supervised until interrupted or until none is left running. It
// always brings the topology down before returning.
func (a *app) runAttached(ctx context.Context, ws *workspace, client docker.Client, hist store.Store, m *metrics.Metrics, orch *docker.Orchestrator) error {
	var srv *statusServer
	if a.cfg.Status.Enabled {
		opts := []api.Option{api.WithMetrics(m)}
		if hist != nil {
			opts = append(opts, api.WithHistory(hist))
		}
		h := api.NewHandler(ws.Project, ws.Topology, orch, client, a.logger, opts...)
		srv = newStatusServer(a.cfg.Status, h.Routes(), a.logger)
		srv.Start()
	}

	report, upErr := orch.Up(ctx, ws.Topology)
	printReport(a.stdout, report)

	if upErr == nil {
		exited := make(chan struct{})
		go func() {
			orch.Wait()
			close(exited)
		}()

		select {
		case <-ctx.Done():
			a.logger.Info("interrupted, bringing services down")
		case <-exited:
			a.logger.Info("no supervised service left running")
		case err := <-srv.Errors():
			a.logger.Error("status server failed", "error", err)
		}
	}

	final := domain.NewRunReport(ws.Project, domain.OperationUp, time.Now())
	final.Record(orch.State(), time.Now())

	downReport, downErr := orch.Down(context.WithoutCancel(ctx), ws.Topology)
	printReport(a.stdout, downReport)
	srv.Shutdown(context.WithoutCancel(ctx))

	if upErr != nil && !errors.Is(upErr, context.Canceled) {
		return wrap("up", upErr)
	}
	if err := reportError("up", final); err != nil {
		return err
	}
	return wrap("down", downErr)
}

// =============================================================================
// down
// =============================================================================

func downCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop and remove every service container and the project network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ws, err := a.loadWorkspace()
			if err != nil {
				return err
			}
			client, err := a.engine(ctx)
			if err != nil {
				return err
			}
			hist, err := a.history(ws)
			if err != nil {
				client.Close()
				return err
			}
			defer a.closeAll(client, hist)

			orch := a.orchestrator(ws, client, hist, nil, false)
			report, err := orch.Down(ctx, ws.Topology)
			printReport(a.stdout, report)
			return wrap("down", err)
		},
	}
}

// =============================================================================
// build
// =============================================================================

func buildCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Pull or build the image of every service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ws, err := a.loadWorkspace()
			if err != nil {
				return err
			}
			client, err := a.engine(ctx)
			if err != nil {
				return err
			}
			hist, err := a.history(ws)
			if err != nil {
				client.Close()
				return err
			}
			defer a.closeAll(client, hist)

			orch := a.orchestrator(ws, client, hist, nil, false)
			results, err := orch.Build(ctx, ws.Topology)
			printBuildResults(a.stdout, results)
			return wrap("build", err)
		},
	}
}

// =============================================================================
// logs
// =============================================================================

func logsCmd(a *app) *cobra.Command {
	var opts docker.LogOptions

	c := &cobra.Command{
		Use:   "logs <service>",
		Short: "Print the logs of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := a.loadWorkspace()
			if err != nil {
				return err
			}
			if _, ok := ws.Topology.Service(args[0]); !ok {
				return wrap("logs", fmt.Errorf("%w: %s", docker.ErrUnknownService, args[0]))
			}
			client, err := a.engine(ctx)
			if err != nil {
				return err
			}
			defer a.closeAll(client)

			orch := a.orchestrator(ws, client, nil, nil, false)
			return wrap("logs", orch.Logs(ctx, ws.Topology, args[0], a.stdout, opts))
		},
	}

	c.Flags().BoolVarP(&opts.Follow, "follow", "F", false, "Follow log output")
	c.Flags().StringVar(&opts.Tail, "tail", "all", "Number of lines to show from the end")
	c.Flags().BoolVarP(&opts.Timestamps, "timestamps", "t", false, "Show timestamps")
	return c
}

// =============================================================================
// config
// =============================================================================

func configCmd(a *app) *cobra.Command {
	var (
		services   bool
		dockerfile string
	)

	c := &cobra.Command{
		Use:   "config",
		Short: "Validate the topology and print it as a resolved compose document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := a.loadWorkspace()
			if err != nil {
				return err
			}

			if services {
				for _, group := range ws.Topology.Groups {
					fmt.Fprintln(a.stdout, strings.Join(group, " "))
				}
				return nil
			}

			if dockerfile != "" {
				def, ok := ws.Topology.Service(dockerfile)
				if !ok {
					return wrap("config", fmt.Errorf("%w: %s", docker.ErrUnknownService, dockerfile))
				}
				plan := deployment.PlanBuild(def, ws.Project)
				if plan.Kind != deployment.BuildKindGenerated {
					return &CommandError{
						Op:       "config",
						Err:      fmt.Errorf("service %s does not use a generated build (kind %s)", dockerfile, plan.Kind),
						ExitCode: ExitConfigError,
					}
				}
				fmt.Fprint(a.stdout, plan.Render())
				return nil
			}

			out, err := ws.Topology.RenderCompose(ws.Project)
			if err != nil {
				return wrap("config", err)
			}
			if _, err := compose.VerifyDocument(ws.Project, out); err != nil {
				return wrap("config", err)
			}
			_, err = a.stdout.Write(out)
			return err
		},
	}

	c.Flags().BoolVar(&services, "services", false, "Print the start groups, one per line")
	c.Flags().StringVar(&dockerfile, "dockerfile", "", "Print the generated build instructions of a service")
	return c
}

// =============================================================================
// ps
// =============================================================================

func psCmd(a *app) *cobra.Command {
	var (
		live   bool
		asJSON bool
	)

	c := &cobra.Command{
		Use:   "ps",
		Short: "Show the last recorded run, or live engine state with --live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ws, err := a.loadWorkspace()
			if err != nil {
				return err
			}

			if live {
				client, err := a.engine(ctx)
				if err != nil {
					return err
				}
				defer a.closeAll(client)
				views, err := a.orchestrator(ws, client, nil, nil, false).Status(ctx, ws.Topology)
				if err != nil {
					return wrap("ps", err)
				}
				if asJSON {
					return writeJSON(a.stdout, views)
				}
				printViews(a.stdout, views)
				return nil
			}

			hist, err := a.history(ws)
			if err != nil {
				return err
			}
			if hist == nil {
				return &CommandError{Op: "ps", Err: errors.New("run history is disabled"), ExitCode: ExitConfigError}
			}
			defer a.closeAll(hist)

			report, err := hist.LastRun(ctx, ws.Project, "")
			if errors.Is(err, store.ErrNotFound) {
				fmt.Fprintf(a.stdout, "no recorded run for project %s\n", ws.Project)
				return nil
			}
			if err != nil {
				return wrap("ps", err)
			}
			if asJSON {
				return writeJSON(a.stdout, report)
			}
			printReport(a.stdout, report)
			return nil
		},
	}

	c.Flags().BoolVar(&live, "live", false, "Query the engine instead of the run history")
	c.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return c
}

// =============================================================================
// version
// =============================================================================

func versionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(a.stdout, "stacker %s (built %s)\n", Version, BuildTime)
		},
	}
}

// =============================================================================
// Output
// =============================================================================

func printReport(w io.Writer, report *domain.RunReport) {
	if report == nil {
		return
	}
	fmt.Fprintf(w, "%s %s  run %s  %s\n", report.Project, report.Operation, report.RunID, report.Duration().Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tSTATUS\tRESTARTS\tERROR")
	for _, s := range report.Services {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.Name, s.Status, s.Attempts, s.Error)
	}
	tw.Flush()
}

func printViews(w io.Writer, views []docker.ServiceView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tSTATUS\tCONTAINER\tENGINE\tPORTS")
	for _, v := range views {
		ports := make([]string, 0, len(v.Ports))
		for _, p := range v.Ports {
			ports = append(ports, p.String())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.Service, v.Status, v.Container, v.Engine, strings.Join(ports, ","))
	}
	tw.Flush()
}

func printBuildResults(w io.Writer, results []docker.BuildResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tKIND\tIMAGE\tRESULT")
	for _, r := range results {
		result := "ok"
		if r.Err != nil {
			result = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Service, r.Kind, r.Image, result)
	}
	tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
