package route

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/somesky/flocker/internal/domain"
)

var (
	ruleA = domain.RoutingRule{Protocol: domain.TCP, ExternalPort: 8080, TargetHost: "host1", TargetPort: 80}
	ruleB = domain.RoutingRule{Protocol: domain.TCP, ExternalPort: 8443, TargetHost: "host1", TargetPort: 443}
	ruleC = domain.RoutingRule{Protocol: domain.UDP, ExternalPort: 5353, TargetHost: "host2", TargetPort: 53}
)

func seedBackend(t *testing.T, backend *MemoryBackend, rules ...domain.RoutingRule) {
	t.Helper()
	for _, rule := range rules {
		require.NoError(t, backend.Apply(context.Background(), rule))
	}
}

func liveRules(t *testing.T, backend *MemoryBackend) []domain.RoutingRule {
	t.Helper()
	rules, err := backend.Query(context.Background())
	require.NoError(t, err)
	return rules
}

func TestSynchronizeAppliesAdditionsAndRemovals(t *testing.T) {
	backend := NewMemoryBackend()
	seedBackend(t, backend, ruleA, ruleC)
	syncer := NewSynchronizer(backend, zerolog.Nop())

	applied, err := syncer.Synchronize(context.Background(), domain.NewRulePlan(ruleA, ruleB))
	require.NoError(t, err)
	assert.Equal(t, 2, applied) // add B, remove C

	assert.Equal(t, []domain.RoutingRule{ruleA, ruleB}, liveRules(t, backend))
}

func TestSynchronizeIsIdempotent(t *testing.T) {
	backend := NewMemoryBackend()
	syncer := NewSynchronizer(backend, zerolog.Nop())
	target := domain.NewRulePlan(ruleA, ruleB)

	applied, err := syncer.Synchronize(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, 2, applied)

	var mutations int
	backend.OnApply = func(domain.RoutingRule) error { mutations++; return nil }
	backend.OnRemove = func(domain.RoutingRule) error { mutations++; return nil }

	applied, err = syncer.Synchronize(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
	assert.Equal(t, 0, mutations)
}

func TestReplacementAddsNewBeforeRemovingOld(t *testing.T) {
	backend := NewMemoryBackend()
	seedBackend(t, backend, ruleA)
	syncer := NewSynchronizer(backend, zerolog.Nop())

	var ops []string
	backend.OnApply = func(r domain.RoutingRule) error {
		ops = append(ops, "apply "+r.Render())
		return nil
	}
	backend.OnRemove = func(r domain.RoutingRule) error {
		ops = append(ops, "remove "+r.Render())
		return nil
	}

	// Same key as ruleA, different target: a replacement.
	moved := domain.RoutingRule{Protocol: domain.TCP, ExternalPort: 8080, TargetHost: "host2", TargetPort: 80}
	applied, err := syncer.Synchronize(context.Background(), domain.NewRulePlan(moved))
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	require.Equal(t, []string{"apply " + moved.Render(), "remove " + ruleA.Render()}, ops)
	assert.Equal(t, []domain.RoutingRule{moved}, liveRules(t, backend))
}

func TestFailedRemoveLeavesLiveSetUnchanged(t *testing.T) {
	backend := NewMemoryBackend()
	seedBackend(t, backend, ruleA, ruleC)
	before := liveRules(t, backend)

	backend.OnRemove = func(r domain.RoutingRule) error {
		if r.Equal(ruleC) {
			return errors.New("operation rejected")
		}
		return nil
	}
	syncer := NewSynchronizer(backend, zerolog.Nop())

	_, err := syncer.Synchronize(context.Background(), domain.NewRulePlan(ruleA, ruleB))
	require.Error(t, err)

	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, RuleApplyFailed, syncErr.Kind)
	assert.Equal(t, "remove", syncErr.Op)

	backend.OnRemove = nil
	assert.Equal(t, before, liveRules(t, backend))
}

func TestAnySingleFaultRestoresPreAttemptState(t *testing.T) {
	// Target {A', B} against live {A, C}: replace A, add B, remove C —
	// four backend operations. Whichever one is rejected, the live set
	// afterwards must equal the live set before the attempt.
	movedA := domain.RoutingRule{Protocol: domain.TCP, ExternalPort: 8080, TargetHost: "host9", TargetPort: 80}
	for fault := 0; fault < 4; fault++ {
		t.Run(fmt.Sprintf("fault_at_op_%d", fault), func(t *testing.T) {
			backend := NewMemoryBackend()
			seedBackend(t, backend, ruleA, ruleC)
			before := liveRules(t, backend)

			opIndex := 0
			fail := func(domain.RoutingRule) error {
				defer func() { opIndex++ }()
				if opIndex == fault {
					return errors.New("injected fault")
				}
				return nil
			}
			backend.OnApply = fail
			backend.OnRemove = fail

			syncer := NewSynchronizer(backend, zerolog.Nop())
			applied, err := syncer.Synchronize(context.Background(), domain.NewRulePlan(movedA, ruleB))
			require.Error(t, err)
			assert.Equal(t, 0, applied)

			backend.OnApply = nil
			backend.OnRemove = nil
			assert.Equal(t, before, liveRules(t, backend))
		})
	}
}

func TestRestoreFailureEscalatesWithLastKnownRules(t *testing.T) {
	backend := NewMemoryBackend()
	seedBackend(t, backend, ruleA)

	backend.OnApply = func(domain.RoutingRule) error { return errors.New("rejected") }
	backend.OnRestore = func() error { return errors.New("restore broken") }
	syncer := NewSynchronizer(backend, zerolog.Nop())

	_, err := syncer.Synchronize(context.Background(), domain.NewRulePlan(ruleA, ruleB))
	require.Error(t, err)

	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, RestoreFailed, syncErr.Kind)
	// Best-effort diagnostics: the rule set as last observed.
	assert.Equal(t, []domain.RoutingRule{ruleA}, syncErr.LastKnown)
}

func TestSubmitCoalescesToMostRecentPlan(t *testing.T) {
	backend := NewMemoryBackend()
	syncer := NewSynchronizer(backend, zerolog.Nop())

	release := make(chan struct{})
	var mu sync.Mutex
	var appliedRules []domain.RoutingRule
	started := make(chan struct{}, 1)
	backend.OnApply = func(r domain.RoutingRule) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		mu.Lock()
		appliedRules = append(appliedRules, r)
		mu.Unlock()
		return nil
	}

	ctx := context.Background()
	syncer.Submit(ctx, domain.NewRulePlan(ruleA))
	<-started // first attempt is mid-apply

	// Both queued while the first attempt runs; only the last survives.
	syncer.Submit(ctx, domain.NewRulePlan(ruleB))
	syncer.Submit(ctx, domain.NewRulePlan(ruleC))
	close(release)

	require.Eventually(t, func() bool {
		rules, err := backend.Query(ctx)
		if err != nil {
			return false
		}
		return domain.NewRulePlan(ruleC).Equal(domain.NewRulePlan(rules...))
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, r := range appliedRules {
		assert.False(t, r.Equal(ruleB), "superseded plan must never run")
	}
}

func TestDiffSchedulesDuplicateKeyedLiveRulesForRemoval(t *testing.T) {
	// A backend should never hold two rules for one key, but if it does,
	// the diff keeps the rule matching the target and removes the extras,
	// whichever order the backend lists them in.
	duplicate := domain.RoutingRule{Protocol: domain.TCP, ExternalPort: 8080, TargetHost: "host3", TargetPort: 80}

	orderings := [][]domain.RoutingRule{
		{ruleA, duplicate},
		{duplicate, ruleA},
	}
	for _, live := range orderings {
		d := diffRules(domain.NewRulePlan(ruleA), live)
		assert.Empty(t, d.adds)
		assert.Empty(t, d.replaces)
		assert.Equal(t, []domain.RoutingRule{duplicate}, d.removes)
	}
}

func TestSynchronizeKeepsTargetWhenDuplicateListedFirst(t *testing.T) {
	// The mismatched rule precedes the one equal to the target in the
	// live set; the attempt must end with exactly the target rule live,
	// never with the key emptied.
	stray := domain.RoutingRule{Protocol: domain.TCP, ExternalPort: 8080, TargetHost: "host1", TargetPort: 80}
	want := domain.RoutingRule{Protocol: domain.TCP, ExternalPort: 8080, TargetHost: "host2", TargetPort: 80}

	backend := NewMemoryBackend()
	seedBackend(t, backend, stray, want)
	syncer := NewSynchronizer(backend, zerolog.Nop())

	applied, err := syncer.Synchronize(context.Background(), domain.NewRulePlan(want))
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, []domain.RoutingRule{want}, liveRules(t, backend))

	// And again with the backend listing them in the other order.
	backend = NewMemoryBackend()
	seedBackend(t, backend, want, stray)
	syncer = NewSynchronizer(backend, zerolog.Nop())

	applied, err = syncer.Synchronize(context.Background(), domain.NewRulePlan(want))
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, []domain.RoutingRule{want}, liveRules(t, backend))
}
