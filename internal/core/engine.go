package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/somesky/flocker/internal/domain"
	"github.com/somesky/flocker/internal/plan"
	"github.com/somesky/flocker/internal/report"
	"github.com/somesky/flocker/internal/state"
)

// reportBus is the transport half the control plane consumes.
type reportBus interface {
	List(ctx context.Context) ([]report.NodeReport, error)
	Watch(ctx context.Context) <-chan report.NodeReport
	Close() error
}

// synchronizer accepts freshly compiled plans, coalescing under churn.
type synchronizer interface {
	Submit(ctx context.Context, target *domain.RulePlan)
}

// Engine is the control loop: node reports flow into the store, and on
// every poll tick (and on report arrival) the current snapshot is
// compiled against the service map and handed to the synchronizer.
type Engine struct {
	logger       zerolog.Logger
	bus          reportBus
	store        *state.Store
	services     domain.ServiceMap
	sync         synchronizer
	pollInterval time.Duration
}

func NewEngine(logger zerolog.Logger, bus reportBus, store *state.Store, services domain.ServiceMap, sync synchronizer, pollInterval time.Duration) *Engine {
	return &Engine{
		logger:       logger,
		bus:          bus,
		store:        store,
		services:     services,
		sync:         sync,
		pollInterval: pollInterval,
	}
}

func (e *Engine) applyReport(rep report.NodeReport) {
	e.store.Update(rep.Hostname, rep.NodeState(), rep.Sequence)
	e.logger.Debug().
		Str("hostname", rep.Hostname).
		Uint64("sequence", rep.Sequence).
		Msg("applied node report")
}

// prepopulate seeds the store from the last published report per host so
// the first compilation sees the whole cluster, not just hosts that
// happen to report after startup.
func (e *Engine) prepopulate(ctx context.Context) error {
	reports, err := e.bus.List(ctx)
	if err != nil {
		return err
	}
	for _, rep := range reports {
		e.applyReport(rep)
	}
	e.logger.Info().Int("hosts", len(reports)).Msg("prepopulated cluster state")
	return nil
}

func (e *Engine) compileAndSubmit(ctx context.Context) {
	deployment := e.store.Snapshot()
	target := plan.Compile(deployment, e.services, e.logger)
	e.logger.Debug().
		Int("nodes", len(deployment.Nodes)).
		Int("rules", target.Len()).
		Msg("compiled rule plan")
	e.sync.Submit(ctx, target)
}

// Run drives the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Msg("starting control engine")

	reportCh := e.bus.Watch(ctx)

	if err := e.prepopulate(ctx); err != nil {
		return fmt.Errorf("prepopulating cluster state: %w", err)
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case rep, ok := <-reportCh:
			if !ok {
				e.logger.Info().Msg("report channel closed")
				return nil
			}
			e.applyReport(rep)
			e.compileAndSubmit(ctx)
		case <-ticker.C:
			e.compileAndSubmit(ctx)
		case <-ctx.Done():
			e.logger.Info().Msg("control engine shutting down")
			if err := e.bus.Close(); err != nil {
				e.logger.Error().Err(err).Msg("error closing report bus")
			}
			return ctx.Err()
		}
	}
}
