package docker

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/artpar/stacker/internal/core/topology"
)

// =============================================================================
// Readiness Probe
// =============================================================================

// ReadinessProbe decides whether a started service accepts work.
type ReadinessProbe interface {
	Ready(ctx context.Context, def topology.ServiceDefinition, containerID string) (bool, error)
}

// TCPProbe is the default probe: the container must be running and, when the
// service publishes a TCP port, the host side of that port must accept a
// connection.
type TCPProbe struct {
	client      Client
	dialTimeout time.Duration
}

// NewTCPProbe creates a TCPProbe.
func NewTCPProbe(client Client, dialTimeout time.Duration) *TCPProbe {
	if dialTimeout <= 0 {
		dialTimeout = time.Second
	}
	return &TCPProbe{client: client, dialTimeout: dialTimeout}
}

// Ready returns an error when the container has exited, since no amount of
// waiting will make it ready.
func (p *TCPProbe) Ready(ctx context.Context, def topology.ServiceDefinition, containerID string) (bool, error) {
	info, err := p.client.InspectContainer(ctx, containerID)
	if err != nil {
		return false, err
	}
	switch info.Status {
	case ContainerStatusExited, ContainerStatusDead:
		return false, &ExitedError{Status: info.Status, ExitCode: int64(info.ExitCode)}
	case ContainerStatusRunning:
	default:
		return false, nil
	}

	port, ok := def.PublishedPort()
	if !ok {
		return true, nil
	}

	host := port.HostIP
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}

	dialer := net.Dialer{Timeout: p.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port.HostPort)))
	if err != nil {
		return false, nil
	}
	conn.Close()
	return true, nil
}

// readinessTimeout returns the probe budget for a service.
func readinessTimeout(def topology.ServiceDefinition, fallback time.Duration) time.Duration {
	if def.Readiness != nil && def.Readiness.Timeout > 0 {
		return def.Readiness.Timeout
	}
	return fallback
}
