package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/rs/zerolog"

	"github.com/somesky/flocker/internal/domain"
	"github.com/somesky/flocker/internal/state"
)

type dockerClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Close() error
}

// publisher is the transport half the reporter needs.
type publisher interface {
	Publish(ctx context.Context, rep NodeReport) error
}

// DockerReporter observes the local Docker daemon and publishes this
// host's NodeState at least once per heartbeat interval. It reports what
// is actually running, not what should be.
type DockerReporter struct {
	cli       dockerClient
	bus       publisher
	hostname  string
	interval  time.Duration
	sequences state.SequenceSource
	logger    zerolog.Logger
}

func NewDockerReporter(cli dockerClient, bus publisher, hostname string, interval time.Duration, sequences state.SequenceSource, logger zerolog.Logger) *DockerReporter {
	return &DockerReporter{
		cli:       cli,
		bus:       bus,
		hostname:  hostname,
		interval:  interval,
		sequences: sequences,
		logger:    logger,
	}
}

// Run publishes immediately, then on every heartbeat tick until ctx is
// cancelled.
func (r *DockerReporter) Run(ctx context.Context) error {
	if err := r.reportOnce(ctx); err != nil {
		r.logger.Error().Err(err).Msg("initial report failed")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.reportOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("heartbeat report failed")
			}
		case <-ctx.Done():
			r.logger.Info().Msg("reporter shutting down")
			return ctx.Err()
		}
	}
}

func (r *DockerReporter) reportOnce(ctx context.Context) error {
	ns, err := r.observe(ctx)
	if err != nil {
		return err
	}
	rep := FromNodeState(r.hostname, r.sequences.Next(), time.Now(), ns)
	if err := r.bus.Publish(ctx, rep); err != nil {
		return err
	}
	r.logger.Debug().
		Uint64("sequence", rep.Sequence).
		Int("running", len(ns.Running)).
		Int("not_running", len(ns.NotRunning)).
		Msg("published node report")
	return nil
}

// observe builds the host's NodeState from the container list: running
// containers in the running set, everything else in the not-running set.
func (r *DockerReporter) observe(ctx context.Context) (domain.NodeState, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return domain.NodeState{}, fmt.Errorf("listing containers: %w", err)
	}
	ns := domain.NodeState{Hostname: r.hostname}
	for _, c := range containers {
		app := applicationFromSummary(c)
		if c.State == "running" {
			ns.Running = append(ns.Running, app)
		} else {
			ns.NotRunning = append(ns.NotRunning, app)
		}
	}
	return ns, nil
}

func applicationFromSummary(c container.Summary) domain.Application {
	name := c.ID
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	app := domain.Application{
		Name:  name,
		Image: domain.ParseImage(c.Image),
	}
	ports := make([]domain.PortMap, 0, len(c.Ports))
	for _, p := range c.Ports {
		ports = append(ports, domain.PortMap{Internal: int(p.PrivatePort), External: int(p.PublicPort)})
	}
	sort.Slice(ports, func(i, j int) bool {
		if ports[i].Internal != ports[j].Internal {
			return ports[i].Internal < ports[j].Internal
		}
		return ports[i].External < ports[j].External
	})
	app.Ports = ports
	return app
}
