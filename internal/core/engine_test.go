package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somesky/flocker/internal/domain"
	"github.com/somesky/flocker/internal/report"
	"github.com/somesky/flocker/internal/state"
)

type fakeBus struct {
	stored  []report.NodeReport
	reports chan report.NodeReport
}

func (b *fakeBus) List(ctx context.Context) ([]report.NodeReport, error) {
	return b.stored, nil
}

func (b *fakeBus) Watch(ctx context.Context) <-chan report.NodeReport {
	return b.reports
}

func (b *fakeBus) Close() error { return nil }

type capturingSynchronizer struct {
	mu    sync.Mutex
	plans []*domain.RulePlan
}

func (s *capturingSynchronizer) Submit(ctx context.Context, target *domain.RulePlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = append(s.plans, target)
}

func (s *capturingSynchronizer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.plans)
}

func (s *capturingSynchronizer) latest() *domain.RulePlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.plans) == 0 {
		return nil
	}
	return s.plans[len(s.plans)-1]
}

func webReport(hostname string, sequence uint64, running bool) report.NodeReport {
	webserver := domain.Application{Name: "webserver", Image: domain.ParseImage("apache")}
	ns := domain.NodeState{Hostname: hostname}
	if running {
		ns.Running = []domain.Application{webserver}
	} else {
		ns.NotRunning = []domain.Application{webserver}
	}
	return report.FromNodeState(hostname, sequence, time.Now(), ns)
}

func TestEnginePrepopulatesAndCompiles(t *testing.T) {
	bus := &fakeBus{
		stored:  []report.NodeReport{webReport("host1", 1, true)},
		reports: make(chan report.NodeReport),
	}
	syncer := &capturingSynchronizer{}
	store := state.NewStore(&state.CounterSource{})
	services := domain.ServiceMap{
		"webserver": {{Protocol: domain.TCP, InternalPort: 80, ExternalPort: 8080}},
	}
	engine := NewEngine(zerolog.Nop(), bus, store, services, syncer, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	require.Eventually(t, func() bool {
		target := syncer.latest()
		if target == nil {
			return false
		}
		rule, ok := target.Get(domain.RuleKey{Protocol: domain.TCP, ExternalPort: 8080})
		return ok && rule.TargetHost == "host1"
	}, 2*time.Second, 10*time.Millisecond)

	// A report that withdraws the application empties the next plan.
	bus.reports <- webReport("host1", 2, false)
	require.Eventually(t, func() bool {
		target := syncer.latest()
		return target != nil && target.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEngineOrdersReportsBySequenceNotArrival(t *testing.T) {
	bus := &fakeBus{reports: make(chan report.NodeReport)}
	syncer := &capturingSynchronizer{}
	store := state.NewStore(&state.CounterSource{})
	services := domain.ServiceMap{
		"webserver": {{Protocol: domain.TCP, InternalPort: 80, ExternalPort: 8080}},
	}
	engine := NewEngine(zerolog.Nop(), bus, store, services, syncer, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	// Sequence 5 arrives first, the stale sequence 3 afterwards.
	bus.reports <- webReport("host1", 5, true)
	bus.reports <- webReport("host1", 3, false)

	require.Eventually(t, func() bool {
		return syncer.count() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	target := syncer.latest()
	rule, ok := target.Get(domain.RuleKey{Protocol: domain.TCP, ExternalPort: 8080})
	require.True(t, ok, "stale out-of-order report must not withdraw the rule")
	assert.Equal(t, "host1", rule.TargetHost)

	cancel()
	<-done
}
