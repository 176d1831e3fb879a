package app

import (
	"context"
	"fmt"
	"os"
	"time"

	dockerCli "github.com/docker/docker/client"
	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/somesky/flocker/internal/config"
	"github.com/somesky/flocker/internal/core"
	"github.com/somesky/flocker/internal/report"
	"github.com/somesky/flocker/internal/route"
	"github.com/somesky/flocker/internal/state"
)

func newEtcdClient(cfg *config.EtcdConfig) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: time.Duration(cfg.DialTimeout) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return client, nil
}

// Control is the control-plane process: report bus in, kernel rules out.
type Control struct {
	etcdClient *clientv3.Client
	engine     *core.Engine
	logger     zerolog.Logger
}

// NewControl wires the control-plane dependencies together.
func NewControl(cfg *config.Config, logger zerolog.Logger) (*Control, error) {
	etcdClient, err := newEtcdClient(&cfg.Etcd)
	if err != nil {
		return nil, err
	}

	backend, err := newBackend(&cfg.Routing, logger)
	if err != nil {
		etcdClient.Close()
		return nil, err
	}

	var storeOpts []state.Option
	if ttl := cfg.Control.HostExpiry(); ttl > 0 {
		storeOpts = append(storeOpts, state.WithExpiry(ttl))
	}
	store := state.NewStore(state.NewWallClockSource(), storeOpts...)

	bus := report.NewEtcdBus(etcdClient, cfg.Etcd.Prefix, logger)
	sync := route.NewSynchronizer(backend, logger)
	engine := core.NewEngine(
		logger,
		bus,
		store,
		cfg.Control.ServiceMap(),
		sync,
		time.Duration(cfg.Control.PollInterval)*time.Second,
	)

	return &Control{
		etcdClient: etcdClient,
		engine:     engine,
		logger:     logger,
	}, nil
}

func newBackend(cfg *config.RoutingConfig, logger zerolog.Logger) (route.Backend, error) {
	switch cfg.Backend {
	case "iptables":
		return route.NewIPTablesBackend(cfg.Chain, logger)
	case "memory":
		return route.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown routing backend %q", cfg.Backend)
	}
}

func (c *Control) Run(ctx context.Context) error {
	c.logger.Info().Msg("control plane starting")
	return c.engine.Run(ctx)
}

func (c *Control) Close() error {
	if c.etcdClient != nil {
		return c.etcdClient.Close()
	}
	return nil
}

// Agent is the per-node process reporting local container state.
type Agent struct {
	dockerClient *dockerCli.Client
	etcdClient   *clientv3.Client
	reporter     *report.DockerReporter
	logger       zerolog.Logger
}

// NewAgent wires the node-agent dependencies together.
func NewAgent(cfg *config.Config, logger zerolog.Logger) (*Agent, error) {
	dockerClient, err := dockerCli.NewClientWithOpts(dockerCli.FromEnv, dockerCli.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	etcdClient, err := newEtcdClient(&cfg.Etcd)
	if err != nil {
		dockerClient.Close()
		return nil, err
	}

	hostname := cfg.Agent.Hostname
	if hostname == "" {
		if hostname, err = os.Hostname(); err != nil {
			dockerClient.Close()
			etcdClient.Close()
			return nil, fmt.Errorf("determining hostname: %w", err)
		}
	}

	bus := report.NewEtcdBus(etcdClient, cfg.Etcd.Prefix, logger)
	reporter := report.NewDockerReporter(
		dockerClient,
		bus,
		hostname,
		time.Duration(cfg.Agent.HeartbeatInterval)*time.Second,
		state.NewWallClockSource(),
		logger,
	)

	return &Agent{
		dockerClient: dockerClient,
		etcdClient:   etcdClient,
		reporter:     reporter,
		logger:       logger,
	}, nil
}

func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().Msg("node agent starting")
	return a.reporter.Run(ctx)
}

func (a *Agent) Close() error {
	var firstErr error
	if a.dockerClient != nil {
		if err := a.dockerClient.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close docker client: %w", err)
		}
	}
	if a.etcdClient != nil {
		if err := a.etcdClient.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close etcd client: %w", err)
		}
	}
	return firstErr
}
