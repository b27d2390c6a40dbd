package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/artpar/stacker/internal/core/deployment"
	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/core/topology"
)

// =============================================================================
// Fake Engine
// =============================================================================

type fakeContainer struct {
	id     string
	spec   ContainerSpec
	status   ContainerStatus
	exitCode int
	exits    chan int64
}

// fakeClient is an in-memory engine. Containers run until exit is called.
type fakeClient struct {
	mu         sync.Mutex
	seq        int
	images     map[string]bool
	containers map[string]*fakeContainer
	networks   map[string]bool
	volumes    map[string]bool
	builds     []BuildSpec
	calls      []string

	pullErr   map[string]error // by image
	buildErr  map[string]error // by tag
	startErr  map[string]error // by container name
	ignoreSig map[string]bool  // by container name; stop leaves it running
	crashes   map[string][]int // by container name; exit codes for the next starts
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		images:     map[string]bool{},
		containers: map[string]*fakeContainer{},
		networks:   map[string]bool{},
		volumes:    map[string]bool{},
		pullErr:    map[string]error{},
		buildErr:   map[string]error{},
		startErr:   map[string]error{},
		ignoreSig:  map[string]bool{},
		crashes:    map[string][]int{},
	}
}

var _ Client = (*fakeClient)(nil)

func (f *fakeClient) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// callsWithPrefix returns recorded calls starting with prefix, in order.
func (f *fakeClient) callsWithPrefix(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// lookup finds a container by ID or name. Caller holds mu.
func (f *fakeClient) lookup(idOrName string) (*fakeContainer, bool) {
	if c, ok := f.containers[idOrName]; ok {
		return c, true
	}
	for _, c := range f.containers {
		if c.spec.Name == idOrName {
			return c, true
		}
	}
	return nil, false
}

// exit makes the named container's process exit with code.
func (f *fakeClient) exit(name string, code int64) {
	f.mu.Lock()
	c, ok := f.lookup(name)
	if ok {
		c.status = ContainerStatusExited
	}
	f.mu.Unlock()
	if ok {
		c.exits <- code
	}
}

func (f *fakeClient) running(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookup(name)
	return ok && c.status == ContainerStatusRunning
}

func (f *fakeClient) spec(name string) (ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookup(name)
	if !ok {
		return ContainerSpec{}, false
	}
	return c.spec, true
}

func (f *fakeClient) countRunning() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.containers {
		if c.status == ContainerStatusRunning {
			n++
		}
	}
	return n
}

func (f *fakeClient) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lookup(spec.Name); ok {
		return "", NewDockerError("CreateContainer", "container", spec.Name, "container already exists", ErrContainerAlreadyExists)
	}
	f.seq++
	id := fmt.Sprintf("%064d", f.seq)
	f.containers[id] = &fakeContainer{id: id, spec: spec, status: ContainerStatusCreated, exits: make(chan int64, 8)}
	f.record("create:%s", spec.Name)
	return id, nil
}

func (f *fakeClient) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookup(id)
	if !ok {
		return NewDockerError("StartContainer", "container", id, "container not found", ErrContainerNotFound)
	}
	if err := f.startErr[c.spec.Name]; err != nil {
		return err
	}
	c.status = ContainerStatusRunning
	f.record("start:%s", c.spec.Name)
	if codes := f.crashes[c.spec.Name]; len(codes) > 0 {
		c.status, c.exitCode = ContainerStatusExited, codes[0]
		f.crashes[c.spec.Name] = codes[1:]
	}
	return nil
}

func (f *fakeClient) StopContainer(_ context.Context, id string, _ *time.Duration) error {
	f.mu.Lock()
	c, ok := f.lookup(id)
	if !ok {
		f.mu.Unlock()
		return NewDockerError("StopContainer", "container", id, "container not found", ErrContainerNotFound)
	}
	f.record("stop:%s", c.spec.Name)
	if c.status != ContainerStatusRunning {
		f.mu.Unlock()
		return NewDockerError("StopContainer", "container", id, "container is not running", ErrContainerNotRunning)
	}
	if !f.ignoreSig[c.spec.Name] {
		c.status = ContainerStatusExited
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) KillContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookup(id)
	if !ok {
		return NewDockerError("KillContainer", "container", id, "container not found", ErrContainerNotFound)
	}
	f.record("kill:%s", c.spec.Name)
	c.status = ContainerStatusExited
	return nil
}

func (f *fakeClient) RemoveContainer(_ context.Context, id string, _ RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookup(id)
	if !ok {
		return NewDockerError("RemoveContainer", "container", id, "container not found", ErrContainerNotFound)
	}
	f.record("remove:%s", c.spec.Name)
	delete(f.containers, c.id)
	return nil
}

func (f *fakeClient) InspectContainer(_ context.Context, id string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookup(id)
	if !ok {
		return nil, NewDockerError("InspectContainer", "container", id, "container not found", ErrContainerNotFound)
	}
	return &ContainerInfo{ID: c.id, Name: c.spec.Name, Image: c.spec.Image, Status: c.status, ExitCode: c.exitCode, Labels: c.spec.Labels}, nil
}

func (f *fakeClient) ListContainers(_ context.Context, opts ListOptions) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := opts.Filters["label"]
	var out []ContainerInfo
	for _, c := range f.containers {
		if want != "" {
			k, v, _ := strings.Cut(want, "=")
			if c.spec.Labels[k] != v {
				continue
			}
		}
		out = append(out, ContainerInfo{ID: c.id, Name: c.spec.Name, Status: c.status, Labels: c.spec.Labels})
	}
	return out, nil
}

func (f *fakeClient) ContainerLogs(_ context.Context, id string, _ LogOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.lookup(id)
	if !ok {
		return nil, NewDockerError("ContainerLogs", "container", id, "container not found", ErrContainerNotFound)
	}
	var buf bytes.Buffer
	fmt.Fprintf(stdcopy.NewStdWriter(&buf, stdcopy.Stdout), "%s listening\n", c.spec.Labels[deployment.LabelService])
	fmt.Fprintf(stdcopy.NewStdWriter(&buf, stdcopy.Stderr), "%s warning\n", c.spec.Labels[deployment.LabelService])
	return io.NopCloser(&buf), nil
}

func (f *fakeClient) WaitContainer(ctx context.Context, id string) (int64, error) {
	f.mu.Lock()
	c, ok := f.lookup(id)
	f.mu.Unlock()
	if !ok {
		return 0, NewDockerError("WaitContainer", "container", id, "container not found", ErrContainerNotFound)
	}
	select {
	case code := <-c.exits:
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeClient) CreateNetwork(_ context.Context, spec NetworkSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.networks[spec.Name] {
		return "", NewDockerError("CreateNetwork", "network", spec.Name, "network already exists", ErrNetworkAlreadyExists)
	}
	f.networks[spec.Name] = true
	f.record("network:%s", spec.Name)
	return spec.Name, nil
}

func (f *fakeClient) RemoveNetwork(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.networks[id] {
		return NewDockerError("RemoveNetwork", "network", id, "network not found", ErrNetworkNotFound)
	}
	delete(f.networks, id)
	f.record("rmnetwork:%s", id)
	return nil
}

func (f *fakeClient) CreateVolume(_ context.Context, spec VolumeSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[spec.Name] = true
	return spec.Name, nil
}

func (f *fakeClient) PullImage(_ context.Context, image string, _ PullOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull:%s", image)
	if err := f.pullErr[image]; err != nil {
		return err
	}
	f.images[image] = true
	return nil
}

func (f *fakeClient) ImageExists(_ context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

func (f *fakeClient) BuildImage(_ context.Context, spec BuildSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("build:%s", spec.Tag)
	f.builds = append(f.builds, spec)
	if err := f.buildErr[spec.Tag]; err != nil {
		return err
	}
	f.images[spec.Tag] = true
	return nil
}

func (f *fakeClient) Ping(context.Context) error { return nil }
func (f *fakeClient) Close() error                { return nil }

// =============================================================================
// Fake Probe and Observers
// =============================================================================

// fakeProbe reports a service ready when its container runs, except for
// services listed in never. An exited container is reported like TCPProbe
// does.
type fakeProbe struct {
	client *fakeClient
	never  map[string]bool
}

func (p *fakeProbe) Ready(ctx context.Context, def topology.ServiceDefinition, containerID string) (bool, error) {
	if p.never[def.Name] {
		return false, nil
	}
	info, err := p.client.InspectContainer(ctx, containerID)
	if err != nil {
		return false, err
	}
	if info.Status == ContainerStatusExited {
		return false, &ExitedError{Status: info.Status, ExitCode: int64(info.ExitCode)}
	}
	return info.Status == ContainerStatusRunning, nil
}

type memRecorder struct {
	mu      sync.Mutex
	reports []*domain.RunReport
}

func (r *memRecorder) RecordRun(_ context.Context, report *domain.RunReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

type countingObserver struct {
	mu       sync.Mutex
	restarts map[string]int
	started  map[string]int
	changes  []string
}

func newCountingObserver() *countingObserver {
	return &countingObserver{restarts: map[string]int{}, started: map[string]int{}}
}

func (c *countingObserver) ServiceStatusChanged(service string, from, to domain.ServiceStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, fmt.Sprintf("%s:%s->%s", service, from, to))
}

func (c *countingObserver) ServiceRestarted(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarts[service]++
}

func (c *countingObserver) ServiceStarted(service string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started[service]++
}
