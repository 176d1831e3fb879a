package route

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/somesky/flocker/internal/domain"
)

// Phase is the synchronizer's position within one attempt, exposed for
// logging and introspection.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseSnapshotting
	PhaseDiffing
	PhaseApplying
	PhaseRestoring
)

func (p Phase) String() string {
	switch p {
	case PhaseSnapshotting:
		return "snapshotting"
	case PhaseDiffing:
		return "diffing"
	case PhaseApplying:
		return "applying"
	case PhaseRestoring:
		return "restoring"
	default:
		return "idle"
	}
}

// replacement swaps the rule for one key. Applied add-new-then-remove-old
// so traffic for the key is never silently dropped.
type replacement struct {
	old domain.RoutingRule
	new domain.RoutingRule
}

type ruleDiff struct {
	adds     []domain.RoutingRule
	removes  []domain.RoutingRule
	replaces []replacement
}

func (d ruleDiff) empty() bool {
	return len(d.adds) == 0 && len(d.removes) == 0 && len(d.replaces) == 0
}

// changed counts the rule keys the diff will mutate.
func (d ruleDiff) changed() int {
	return len(d.adds) + len(d.removes) + len(d.replaces)
}

// diffRules computes the mutations that bring live into agreement with
// the target plan, keyed by (protocol, external port). For each desired
// key, the live rule kept as the match is the one already equal to the
// target, whichever position it holds; every other live rule for that
// key is scheduled for removal. The invariant is one rule per key.
func diffRules(target *domain.RulePlan, live []domain.RoutingRule) ruleDiff {
	var d ruleDiff
	matched := make(map[domain.RuleKey]domain.RoutingRule, len(live))
	for _, rule := range live {
		want, desired := target.Get(rule.Key())
		if !desired {
			d.removes = append(d.removes, rule)
			continue
		}
		prev, seen := matched[rule.Key()]
		switch {
		case !seen:
			matched[rule.Key()] = rule
		case want.Equal(rule):
			// The exact target turned up after a mismatched duplicate;
			// the duplicate loses its match.
			matched[rule.Key()] = rule
			d.removes = append(d.removes, prev)
		default:
			d.removes = append(d.removes, rule)
		}
	}
	for _, want := range target.Rules() {
		have, ok := matched[want.Key()]
		if !ok {
			d.adds = append(d.adds, want)
			continue
		}
		if !want.Equal(have) {
			d.replaces = append(d.replaces, replacement{old: have, new: want})
		}
	}

	domain.SortRules(d.adds)
	domain.SortRules(d.removes)
	sort.Slice(d.replaces, func(i, j int) bool {
		if d.replaces[i].new.Protocol != d.replaces[j].new.Protocol {
			return d.replaces[i].new.Protocol < d.replaces[j].new.Protocol
		}
		return d.replaces[i].new.ExternalPort < d.replaces[j].new.ExternalPort
	})
	return d
}

// Synchronizer reconciles a rule plan against a live backend. One attempt
// at a time holds the backend exclusively from snapshotting through its
// terminal state; a failed attempt restores the checkpointed rule set so
// a half-applied set is never observable.
type Synchronizer struct {
	mu      sync.Mutex // exclusive section for one attempt
	backend Backend
	logger  zerolog.Logger
	phase   atomic.Int32

	pendingMu sync.Mutex
	pending   *domain.RulePlan
	running   bool
}

func NewSynchronizer(backend Backend, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{backend: backend, logger: logger}
}

// Phase reports the current attempt phase.
func (s *Synchronizer) Phase() Phase {
	return Phase(s.phase.Load())
}

func (s *Synchronizer) setPhase(p Phase) {
	s.phase.Store(int32(p))
}

// Synchronize brings the backend into agreement with plan and returns the
// number of rule keys changed. It is idempotent: an already-applied plan
// yields an empty diff and zero backend mutations. A mid-attempt backend
// rejection triggers a full restore of the pre-attempt rule set before
// the failure is reported.
func (s *Synchronizer) Synchronize(ctx context.Context, target *domain.RulePlan) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.setPhase(PhaseIdle)

	s.setPhase(PhaseSnapshotting)
	live, err := s.backend.Query(ctx)
	if err != nil {
		return 0, fmt.Errorf("querying live rules: %w", err)
	}

	s.setPhase(PhaseDiffing)
	diff := diffRules(target, live)
	if diff.empty() {
		s.logger.Debug().Msg("rule set already in agreement with plan")
		return 0, nil
	}

	token, err := s.backend.Checkpoint(ctx)
	if err != nil {
		return 0, fmt.Errorf("checkpointing rules: %w", err)
	}

	s.setPhase(PhaseApplying)
	if op, rule, opErr := s.apply(ctx, diff); opErr != nil {
		return 0, s.restore(ctx, token, op, rule, opErr)
	}

	s.logger.Info().
		Int("added", len(diff.adds)).
		Int("removed", len(diff.removes)).
		Int("replaced", len(diff.replaces)).
		Msg("rule plan committed")
	return diff.changed(), nil
}

// apply runs the diff as an ordered sequence of single-rule operations,
// stopping at the first rejection.
func (s *Synchronizer) apply(ctx context.Context, diff ruleDiff) (string, domain.RoutingRule, error) {
	for _, swap := range diff.replaces {
		if err := s.backend.Apply(ctx, swap.new); err != nil {
			return "apply", swap.new, err
		}
		if err := s.backend.Remove(ctx, swap.old); err != nil {
			return "remove", swap.old, err
		}
		s.logger.Debug().Str("rule", swap.new.Render()).Msg("replaced rule")
	}
	for _, rule := range diff.adds {
		if err := s.backend.Apply(ctx, rule); err != nil {
			return "apply", rule, err
		}
		s.logger.Debug().Str("rule", rule.Render()).Msg("added rule")
	}
	for _, rule := range diff.removes {
		if err := s.backend.Remove(ctx, rule); err != nil {
			return "remove", rule, err
		}
		s.logger.Debug().Str("rule", rule.Render()).Msg("removed rule")
	}
	return "", domain.RoutingRule{}, nil
}

// restore rolls the backend back to the checkpoint after a rejected
// operation. If the rollback itself fails the backend's true state is
// unknown, which escalates rather than being absorbed.
func (s *Synchronizer) restore(ctx context.Context, token Token, op string, rule domain.RoutingRule, opErr error) error {
	s.setPhase(PhaseRestoring)
	s.logger.Warn().
		Err(opErr).
		Str("op", op).
		Str("rule", rule.Render()).
		Msg("backend rejected operation, restoring checkpoint")

	if restoreErr := s.backend.Restore(ctx, token); restoreErr != nil {
		lastKnown, queryErr := s.backend.Query(ctx)
		if queryErr != nil {
			s.logger.Error().Err(queryErr).Msg("could not query rules after failed restore")
			lastKnown = nil
		}
		s.logger.Error().Err(restoreErr).Msg("checkpoint restore failed, backend state unknown")
		return &SyncError{
			Kind:      RestoreFailed,
			Op:        op,
			Rule:      rule,
			Err:       restoreErr,
			LastKnown: lastKnown,
		}
	}
	return &SyncError{Kind: RuleApplyFailed, Op: op, Rule: rule, Err: opErr}
}

// Submit hands the synchronizer a freshly compiled plan without blocking.
// While an attempt is running, only the most recent submitted plan is
// kept; superseded plans are dropped without running. A running attempt
// is never interrupted mid-mutation.
func (s *Synchronizer) Submit(ctx context.Context, target *domain.RulePlan) {
	s.pendingMu.Lock()
	if s.running {
		s.pending = target
		s.pendingMu.Unlock()
		return
	}
	s.running = true
	s.pendingMu.Unlock()

	go func() {
		next := target
		for {
			if _, err := s.Synchronize(ctx, next); err != nil {
				s.logger.Error().Err(err).Msg("synchronization attempt failed")
			}
			s.pendingMu.Lock()
			if s.pending == nil || ctx.Err() != nil {
				s.running = false
				s.pendingMu.Unlock()
				return
			}
			next = s.pending
			s.pending = nil
			s.pendingMu.Unlock()
		}
	}()
}
