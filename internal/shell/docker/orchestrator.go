package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/artpar/stacker/internal/core/deployment"
	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/core/topology"
)

// =============================================================================
// Orchestrator - Manages Service Lifecycle
// =============================================================================

// Config tunes an Orchestrator.
type Config struct {
	Project    string
	ProjectDir string
	HomeDir    string

	ReadinessTimeout time.Duration
	ProbeInterval    time.Duration
	StopGrace        time.Duration
	Backoff          deployment.BackoffConfig

	// Detached leaves restarts to the engine and skips supervision.
	Detached bool
}

func (c *Config) setDefaults() {
	if c.ReadinessTimeout <= 0 {
		c.ReadinessTimeout = 60 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 500 * time.Millisecond
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.Backoff == (deployment.BackoffConfig{}) {
		c.Backoff = deployment.DefaultBackoff()
	}
}

// Recorder persists run reports.
type Recorder interface {
	RecordRun(ctx context.Context, report *domain.RunReport) error
}

// Observer is notified of service lifecycle events.
type Observer interface {
	ServiceStatusChanged(service string, from, to domain.ServiceStatus)
	ServiceRestarted(service string)
	ServiceStarted(service string, latency time.Duration)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProbe replaces the default TCP readiness probe.
func WithProbe(p ReadinessProbe) Option {
	return func(o *Orchestrator) { o.probe = p }
}

// WithRecorder records every run report.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithObserver reports lifecycle events.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithClock replaces time.Now and the backoff sleep.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// Orchestrator brings a topology up and down on one engine.
type Orchestrator struct {
	docker   Client
	logger   *slog.Logger
	cfg      Config
	probe    ReadinessProbe
	recorder Recorder
	observer Observer
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error

	mu            sync.Mutex
	state         *runState
	cancelUp      context.CancelFunc
	upDone        chan struct{}
	superviseCtx  context.Context
	stopSupervise context.CancelFunc
	watchers      sync.WaitGroup
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(docker Client, logger *slog.Logger, cfg Config, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()

	o := &Orchestrator{
		docker: docker,
		logger: logger.With("component", "orchestrator", "project", cfg.Project),
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.probe == nil {
		o.probe = NewTCPProbe(docker, time.Second)
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =============================================================================
// Up
// =============================================================================

// Up starts every service group by group. A service whose dependency is not
// ready stays pending; failures are contained to the failing service and its
// dependents. Up returns once every group was processed. In attached mode the
// started services stay supervised until Down.
func (o *Orchestrator) Up(ctx context.Context, topo *topology.Topology) (*domain.RunReport, error) {
	o.mu.Lock()
	if o.upDone != nil {
		o.mu.Unlock()
		return nil, ErrUpInProgress
	}
	if o.stopSupervise != nil {
		o.stopSupervise()
	}
	upCtx, cancel := context.WithCancel(ctx)
	superviseCtx, stopSupervise := context.WithCancel(context.Background())
	done := make(chan struct{})
	state := newRunState(topo.StartOrder(), o.now, o.statusChanged)
	o.state = state
	o.cancelUp = cancel
	o.upDone = done
	o.superviseCtx = superviseCtx
	o.stopSupervise = stopSupervise
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.cancelUp = nil
		o.upDone = nil
		o.mu.Unlock()
		close(done)
	}()

	report := domain.NewRunReport(o.cfg.Project, domain.OperationUp, o.now())
	o.logger.Info("bringing services up", "services", len(topo.Services), "groups", len(topo.Groups), "detached", o.cfg.Detached)

	if err := o.prepare(upCtx, topo); err != nil {
		return nil, err
	}

	for i, group := range topo.Groups {
		if upCtx.Err() != nil {
			break
		}
		o.logger.Debug("starting group", "group", i, "services", group)

		var wg sync.WaitGroup
		for _, name := range group {
			def, _ := topo.Service(name)
			if blocker, ok := o.blockedBy(state, def); !ok {
				o.logger.Warn("service not started, dependency not ready", "service", name, "dependency", blocker)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.startService(upCtx, state, def)
			}()
		}
		wg.Wait()
	}

	for _, name := range topo.StartOrder() {
		if s, ok := state.get(name); ok && s.Status == domain.StatusReady {
			_ = state.transition(name, domain.StatusRunning)
		}
	}

	report.Record(state.snapshot(), o.now())
	o.record(report)

	o.logger.Info("services up",
		"running", report.Count(domain.StatusRunning),
		"failed", report.Count(domain.StatusFailed),
		"pending", report.Count(domain.StatusPending),
	)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// blockedBy returns the first dependency that is not ready.
func (o *Orchestrator) blockedBy(state *runState, def topology.ServiceDefinition) (string, bool) {
	for _, dep := range def.DependsOn {
		s, ok := state.get(dep)
		if !ok || (s.Status != domain.StatusReady && s.Status != domain.StatusRunning) {
			return dep, false
		}
	}
	return "", true
}

// prepare creates the project network, named volumes and bind directories.
func (o *Orchestrator) prepare(ctx context.Context, topo *topology.Topology) error {
	labels := map[string]string{
		deployment.LabelManaged: "true",
		deployment.LabelProject: o.cfg.Project,
	}

	network := deployment.NetworkName(o.cfg.Project)
	if _, err := o.docker.CreateNetwork(ctx, NetworkSpec{Name: network, Labels: labels}); err != nil && !errors.Is(err, ErrNetworkAlreadyExists) {
		return fmt.Errorf("failed to create network %s: %w", network, err)
	}

	seen := make(map[string]bool)
	for _, svc := range topo.Services {
		for _, v := range svc.Volumes {
			if v.Type == topology.VolumeTypeBind {
				dir := deployment.HostPath(v.Source, o.cfg.ProjectDir, o.cfg.HomeDir)
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0o755); err != nil {
						return fmt.Errorf("failed to create bind directory %s: %w", dir, err)
					}
				}
				continue
			}
			name := deployment.VolumeName(o.cfg.Project, v.Source)
			if seen[name] {
				continue
			}
			seen[name] = true
			if _, err := o.docker.CreateVolume(ctx, VolumeSpec{Name: name, Labels: labels}); err != nil {
				return fmt.Errorf("failed to create volume %s: %w", name, err)
			}
		}
	}
	return nil
}

// startService takes one service from pending to ready, or to failed.
func (o *Orchestrator) startService(ctx context.Context, state *runState, def topology.ServiceDefinition) {
	log := o.logger.With("service", def.Name)
	started := o.now()

	if err := state.transition(def.Name, domain.StatusStarting); err != nil {
		log.Warn("cannot start service", "error", err)
		return
	}

	fail := func(err error) {
		if ctx.Err() != nil {
			return
		}
		log.Error("service failed", "error", err)
		_ = state.fail(def.Name, err)
	}

	plan := deployment.PlanBuild(def, o.cfg.Project)
	if err := o.ensureImage(ctx, plan, log); err != nil {
		fail(domain.BuildError(def.Name, err))
		return
	}

	cplan := deployment.BuildContainerPlan(deployment.BuildContainerPlanParams{
		Project:    o.cfg.Project,
		Service:    def,
		Image:      plan.Image,
		ProjectDir: o.cfg.ProjectDir,
		HomeDir:    o.cfg.HomeDir,
		Detached:   o.cfg.Detached,
	})
	log.Debug("container planned", "name", cplan.Name, "mode", cplan.Mode, "command", cplan.Command)

	o.removeStale(ctx, cplan.Name)

	containerID, err := o.docker.CreateContainer(ctx, specFromPlan(cplan))
	if err != nil {
		fail(domain.StartError(def.Name, "create container", err))
		return
	}
	state.setContainer(def.Name, containerID)

	if err := o.docker.StartContainer(ctx, containerID); err != nil {
		if errors.Is(err, ErrPortAlreadyAllocated) {
			fail(domain.StartError(def.Name, "port conflict", err))
			return
		}
		fail(domain.StartError(def.Name, "start container", err))
		return
	}

	if err := o.waitReady(ctx, def, containerID); err != nil {
		fail(domain.StartError(def.Name, "not ready", err))
		return
	}

	if err := state.transition(def.Name, domain.StatusReady); err != nil {
		return
	}
	if o.observer != nil {
		o.observer.ServiceStarted(def.Name, o.now().Sub(started))
	}
	log.Info("service ready", "container_id", shortID(containerID))

	if !o.cfg.Detached {
		o.watch(state, def, containerID)
	}
}

// ensureImage pulls or builds the image of a build plan.
func (o *Orchestrator) ensureImage(ctx context.Context, plan deployment.BuildInstructions, log *slog.Logger) error {
	if plan.Kind == deployment.BuildKindPull {
		exists, err := o.docker.ImageExists(ctx, plan.Image)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		log.Info("pulling image", "image", plan.Image)
		return o.docker.PullImage(ctx, plan.Image, PullOptions{})
	}

	log.Info("building image", "image", plan.Image, "kind", plan.Kind)
	spec := BuildSpec{
		ContextDir: deployment.HostPath(plan.Context, o.cfg.ProjectDir, o.cfg.HomeDir),
		Dockerfile: plan.Dockerfile,
		Tag:        plan.Image,
		Labels: map[string]string{
			deployment.LabelManaged: "true",
			deployment.LabelProject: o.cfg.Project,
			deployment.LabelService: plan.Service,
		},
	}
	if plan.Kind == deployment.BuildKindGenerated {
		spec.Content = []byte(plan.Render())
	}
	return o.docker.BuildImage(ctx, spec)
}

// removeStale removes a leftover container with the same name.
func (o *Orchestrator) removeStale(ctx context.Context, name string) {
	if err := o.docker.RemoveContainer(ctx, name, RemoveOptions{Force: true}); err == nil {
		o.logger.Debug("removed stale container", "name", name)
	}
}

// waitReady polls the readiness probe until it passes or the timeout elapses.
func (o *Orchestrator) waitReady(ctx context.Context, def topology.ServiceDefinition, containerID string) error {
	timeout := readinessTimeout(def, o.cfg.ReadinessTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(o.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		ready, err := o.probe.Ready(ctx, def, containerID)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w within %s", ErrNotReady, timeout)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Supervision
// =============================================================================

func (o *Orchestrator) watch(state *runState, def topology.ServiceDefinition, containerID string) {
	o.mu.Lock()
	ctx := o.superviseCtx
	o.mu.Unlock()
	if ctx == nil {
		return
	}

	o.watchers.Add(1)
	go func() {
		defer o.watchers.Done()
		o.supervise(ctx, state, def, containerID)
	}()
}

// supervise applies the restart policy every time the service process exits.
func (o *Orchestrator) supervise(ctx context.Context, state *runState, def topology.ServiceDefinition, containerID string) {
	log := o.logger.With("service", def.Name)

	exitCode, err := o.docker.WaitContainer(ctx, containerID)
	for {
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn("lost track of container", "error", err)
			_ = state.fail(def.Name, domain.RuntimeError(def.Name, -1, err.Error()))
			return
		}

		current, _ := state.get(def.Name)
		decision := deployment.DecideRestart(def.Restart, exitCode, current.Attempts, o.cfg.Backoff)
		log.Info("service exited", "exit_code", exitCode, "restart", decision.Restart, "reason", decision.Reason)

		if !decision.Restart {
			if decision.Status == domain.StatusStopped {
				_ = state.transition(def.Name, domain.StatusStopped)
			} else {
				_ = state.fail(def.Name, domain.RuntimeError(def.Name, exitCode, decision.Reason))
			}
			return
		}

		if err := o.sleep(ctx, decision.Delay); err != nil {
			return
		}

		state.incAttempts(def.Name)
		if o.observer != nil {
			o.observer.ServiceRestarted(def.Name)
		}
		// A process that died during a previous restart is still starting.
		if current.Status != domain.StatusStarting {
			if err := state.transition(def.Name, domain.StatusStarting); err != nil {
				return
			}
		}

		if err := o.docker.StartContainer(ctx, containerID); err != nil {
			if ctx.Err() == nil {
				_ = state.fail(def.Name, domain.StartError(def.Name, "restart container", err))
			}
			return
		}
		if readyErr := o.waitReady(ctx, def, containerID); readyErr != nil {
			if ctx.Err() != nil {
				return
			}
			var exited *ExitedError
			if errors.As(readyErr, &exited) {
				log.Warn("service exited before ready", "exit_code", exited.ExitCode)
				exitCode = exited.ExitCode
				continue
			}
			_ = state.fail(def.Name, domain.StartError(def.Name, "not ready", readyErr))
			return
		}
		_ = state.transition(def.Name, domain.StatusReady)
		_ = state.transition(def.Name, domain.StatusRunning)

		exitCode, err = o.docker.WaitContainer(ctx, containerID)
	}
}

// Wait blocks until every supervised service has reached a terminal state.
func (o *Orchestrator) Wait() {
	o.watchers.Wait()
}

// =============================================================================
// Down
// =============================================================================

// Down cancels an in-flight Up, stops services dependents first and removes
// containers and the project network. Volumes are kept.
func (o *Orchestrator) Down(ctx context.Context, topo *topology.Topology) (*domain.RunReport, error) {
	o.mu.Lock()
	cancelUp, upDone := o.cancelUp, o.upDone
	stopSupervise := o.stopSupervise
	o.mu.Unlock()

	if cancelUp != nil {
		o.logger.Info("cancelling in-flight up")
		cancelUp()
		select {
		case <-upDone:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if stopSupervise != nil {
		stopSupervise()
	}
	o.watchers.Wait()

	report := domain.NewRunReport(o.cfg.Project, domain.OperationDown, o.now())
	o.logger.Info("bringing services down")

	containers, err := o.docker.ListContainers(ctx, ListOptions{All: true, Filters: projectFilter(o.cfg.Project)})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	byService := make(map[string]ContainerInfo, len(containers))
	for _, c := range containers {
		byService[c.Labels[deployment.LabelService]] = c
	}

	var errs []error
	var errsMu sync.Mutex
	for _, group := range topo.StopGroups() {
		var wg sync.WaitGroup
		for _, name := range group {
			c, ok := byService[name]
			if !ok {
				continue
			}
			delete(byService, name)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := o.stopContainer(ctx, name, c); err != nil {
					errsMu.Lock()
					errs = append(errs, err)
					errsMu.Unlock()
				}
			}()
		}
		wg.Wait()
	}

	// Containers of services no longer in the topology.
	for name, c := range byService {
		if err := o.stopContainer(ctx, name, c); err != nil {
			errs = append(errs, err)
		}
	}

	network := deployment.NetworkName(o.cfg.Project)
	if err := o.docker.RemoveNetwork(ctx, network); err != nil && !errors.Is(err, ErrNetworkNotFound) {
		o.logger.Warn("failed to remove network", "network", network, "error", err)
		errs = append(errs, err)
	}

	states := o.finalStates(topo)
	report.Record(states, o.now())
	o.record(report)

	o.mu.Lock()
	o.state = nil
	o.superviseCtx = nil
	o.stopSupervise = nil
	o.mu.Unlock()

	o.logger.Info("services down", "containers", len(containers))
	return report, errors.Join(errs...)
}

// stopContainer stops with the grace period, kills what is left and removes.
func (o *Orchestrator) stopContainer(ctx context.Context, service string, c ContainerInfo) error {
	log := o.logger.With("service", service, "container_id", shortID(c.ID))

	grace := o.cfg.StopGrace
	if err := o.docker.StopContainer(ctx, c.ID, &grace); err != nil &&
		!errors.Is(err, ErrContainerNotRunning) && !errors.Is(err, ErrContainerNotFound) {
		log.Warn("graceful stop failed", "error", err)
	}

	if info, err := o.docker.InspectContainer(ctx, c.ID); err == nil && info.Status == ContainerStatusRunning {
		log.Warn("container still running after grace period, killing")
		if err := o.docker.KillContainer(ctx, c.ID); err != nil && !errors.Is(err, ErrContainerNotRunning) {
			log.Warn("kill failed", "error", err)
		}
	}

	if err := o.docker.RemoveContainer(ctx, c.ID, RemoveOptions{Force: true}); err != nil && !errors.Is(err, ErrContainerNotFound) {
		return fmt.Errorf("failed to remove %s: %w", service, err)
	}
	log.Debug("service stopped")
	return nil
}

// finalStates moves every tracked service to stopped.
func (o *Orchestrator) finalStates(topo *topology.Topology) []domain.ServiceState {
	o.mu.Lock()
	state := o.state
	o.mu.Unlock()

	if state == nil {
		state = newRunState(topo.StartOrder(), o.now, o.statusChanged)
	}
	for _, name := range topo.StartOrder() {
		s, ok := state.get(name)
		if !ok || s.Status == domain.StatusStopped {
			continue
		}
		_ = state.transition(name, domain.StatusStopped)
	}
	return state.snapshot()
}

// =============================================================================
// Build
// =============================================================================

// BuildResult is the outcome of building one service.
type BuildResult struct {
	Service string
	Kind    deployment.BuildKind
	Image   string
	Err     error
}

// Build pulls or builds the image of every service without starting it.
func (o *Orchestrator) Build(ctx context.Context, topo *topology.Topology) ([]BuildResult, error) {
	report := domain.NewRunReport(o.cfg.Project, domain.OperationBuild, o.now())
	results := make([]BuildResult, 0, len(topo.Services))
	states := make([]domain.ServiceState, 0, len(topo.Services))
	var errs []error

	for _, name := range topo.StartOrder() {
		def, _ := topo.Service(name)
		plan := deployment.PlanBuild(def, o.cfg.Project)
		res := BuildResult{Service: name, Kind: plan.Kind, Image: plan.Image}
		st := domain.ServiceState{Name: name, Status: domain.StatusStopped}

		if err := o.ensureImage(ctx, plan, o.logger.With("service", name)); err != nil {
			res.Err = domain.BuildError(name, err)
			st.Status = domain.StatusFailed
			st.Err = res.Err
			errs = append(errs, res.Err)
		}
		results = append(results, res)
		states = append(states, st)
	}

	report.Record(states, o.now())
	o.record(report)
	return results, errors.Join(errs...)
}

// =============================================================================
// Logs and Status
// =============================================================================

// Logs copies a service's output to w.
func (o *Orchestrator) Logs(ctx context.Context, topo *topology.Topology, service string, w io.Writer, opts LogOptions) error {
	if _, ok := topo.Service(service); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	name := deployment.ContainerName(o.cfg.Project, service)
	rc, err := o.docker.ContainerLogs(ctx, name, opts)
	if err != nil {
		return err
	}
	defer rc.Close()

	if _, err := stdcopy.StdCopy(w, w, rc); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to read logs of %s: %w", service, err)
	}
	return nil
}

// ServiceView is the engine-observed state of one service.
type ServiceView struct {
	Service     string                 `json:"service"`
	Status      domain.ServiceStatus   `json:"status"`
	Container   string                 `json:"container,omitempty"`
	ContainerID string                 `json:"container_id,omitempty"`
	Engine      ContainerStatus        `json:"engine_status,omitempty"`
	Attempts    int                    `json:"attempts"`
	Ports       []topology.PortMapping `json:"ports,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Status combines run state with what the engine reports.
func (o *Orchestrator) Status(ctx context.Context, topo *topology.Topology) ([]ServiceView, error) {
	containers, err := o.docker.ListContainers(ctx, ListOptions{All: true, Filters: projectFilter(o.cfg.Project)})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	byService := make(map[string]ContainerInfo, len(containers))
	for _, c := range containers {
		byService[c.Labels[deployment.LabelService]] = c
	}

	o.mu.Lock()
	state := o.state
	o.mu.Unlock()

	views := make([]ServiceView, 0, len(topo.Services))
	for _, name := range topo.StartOrder() {
		def, _ := topo.Service(name)
		v := ServiceView{
			Service:   name,
			Status:    domain.StatusStopped,
			Container: deployment.ContainerName(o.cfg.Project, name),
			Ports:     def.Ports,
		}
		if c, ok := byService[name]; ok {
			v.ContainerID = c.ID
			v.Engine = c.Status
			if c.Status == ContainerStatusRunning {
				v.Status = domain.StatusRunning
			}
		}
		if state != nil {
			if s, ok := state.get(name); ok {
				v.Status = s.Status
				v.Attempts = s.Attempts
				if s.Err != nil {
					v.Error = s.Err.Error()
				}
			}
		}
		views = append(views, v)
	}
	return views, nil
}

// State returns the current run state in start order; nil when not running.
func (o *Orchestrator) State() []domain.ServiceState {
	o.mu.Lock()
	state := o.state
	o.mu.Unlock()
	if state == nil {
		return nil
	}
	return state.snapshot()
}

// =============================================================================
// Helpers
// =============================================================================

func (o *Orchestrator) statusChanged(service string, from, to domain.ServiceStatus) {
	o.logger.Debug("status changed", "service", service, "from", from, "to", to)
	if o.observer != nil {
		o.observer.ServiceStatusChanged(service, from, to)
	}
}

func (o *Orchestrator) record(report *domain.RunReport) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordRun(context.Background(), report); err != nil {
		o.logger.Warn("failed to record run", "run_id", report.RunID, "error", err)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
