package report

import (
	"context"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somesky/flocker/internal/domain"
	"github.com/somesky/flocker/internal/state"
)

func TestNodeReportRoundTrip(t *testing.T) {
	ns := domain.NodeState{
		Hostname: "host1",
		Running: []domain.Application{{
			Name:        "webserver",
			Image:       domain.ParseImage("apache:2.4"),
			Ports:       []domain.PortMap{{Internal: 80, External: 8080}},
			Volume:      "/srv/www",
			Environment: []domain.EnvVar{{Name: "MODE", Value: "prod"}},
		}},
		NotRunning: []domain.Application{{
			Name:  "db",
			Image: domain.ParseImage("postgresql"),
		}},
	}

	rep := FromNodeState("host1", 7, time.Unix(1000, 0).UTC(), ns)
	encoded, err := rep.Encode()
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), decoded.Sequence)
	assert.Equal(t, "host1", decoded.Hostname)

	got := decoded.NodeState()
	require.Len(t, got.Running, 1)
	require.Len(t, got.NotRunning, 1)
	assert.True(t, got.Running[0].Equal(ns.Running[0]))
	assert.True(t, got.NotRunning[0].Equal(ns.NotRunning[0]))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)
}

type fakeDockerClient struct {
	containers []container.Summary
}

func (f *fakeDockerClient) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	return f.containers, nil
}

func (f *fakeDockerClient) Close() error { return nil }

type capturingBus struct {
	published []NodeReport
}

func (b *capturingBus) Publish(ctx context.Context, rep NodeReport) error {
	b.published = append(b.published, rep)
	return nil
}

func TestDockerReporterObservesRunningAndStopped(t *testing.T) {
	cli := &fakeDockerClient{containers: []container.Summary{
		{
			Names: []string{"/webserver"},
			Image: "apache:2.4",
			State: "running",
			Ports: []container.Port{{PrivatePort: 80, PublicPort: 8080, Type: "tcp"}},
		},
		{
			Names: []string{"/db"},
			Image: "postgresql",
			State: "exited",
		},
	}}
	bus := &capturingBus{}
	reporter := NewDockerReporter(cli, bus, "host1", time.Second, &state.CounterSource{}, zerolog.Nop())

	require.NoError(t, reporter.reportOnce(context.Background()))
	require.Len(t, bus.published, 1)

	rep := bus.published[0]
	assert.Equal(t, "host1", rep.Hostname)
	assert.Equal(t, uint64(1), rep.Sequence)

	ns := rep.NodeState()
	require.Len(t, ns.Running, 1)
	require.Len(t, ns.NotRunning, 1)
	assert.Equal(t, "webserver", ns.Running[0].Name)
	assert.Equal(t, []domain.PortMap{{Internal: 80, External: 8080}}, ns.Running[0].Ports)
	assert.Equal(t, "db", ns.NotRunning[0].Name)
}

func TestDockerReporterSequencesAdvancePerReport(t *testing.T) {
	cli := &fakeDockerClient{}
	bus := &capturingBus{}
	reporter := NewDockerReporter(cli, bus, "host1", time.Second, &state.CounterSource{}, zerolog.Nop())

	require.NoError(t, reporter.reportOnce(context.Background()))
	require.NoError(t, reporter.reportOnce(context.Background()))
	require.Len(t, bus.published, 2)
	assert.Greater(t, bus.published[1].Sequence, bus.published[0].Sequence)
}
