package route

import (
	"context"
	"fmt"
	"sync"

	"github.com/somesky/flocker/internal/domain"
)

// MemoryBackend is a user-space rule table implementing the full Backend
// contract. Like a packet-filter chain, it holds an ordered list of
// rules, so both rules of an add-new-then-remove-old replacement coexist
// briefly. It backs deployments that forward through a proxy table
// instead of the kernel, and doubles as the fault-injectable backend in
// tests via the On* hooks.
type MemoryBackend struct {
	mu          sync.Mutex
	rules       []domain.RoutingRule
	checkpoints map[Token][]domain.RoutingRule
	nextToken   int

	// Optional hooks invoked before the corresponding mutation. A non-nil
	// error rejects the operation without changing the table.
	OnApply   func(rule domain.RoutingRule) error
	OnRemove  func(rule domain.RoutingRule) error
	OnRestore func() error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		checkpoints: make(map[Token][]domain.RoutingRule),
	}
}

func (b *MemoryBackend) Query(ctx context.Context) ([]domain.RoutingRule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(), nil
}

func (b *MemoryBackend) Apply(ctx context.Context, rule domain.RoutingRule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OnApply != nil {
		if err := b.OnApply(rule); err != nil {
			return err
		}
	}
	for _, existing := range b.rules {
		if existing.Equal(rule) {
			return nil
		}
	}
	b.rules = append(b.rules, rule)
	return nil
}

func (b *MemoryBackend) Remove(ctx context.Context, rule domain.RoutingRule) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OnRemove != nil {
		if err := b.OnRemove(rule); err != nil {
			return err
		}
	}
	for i, existing := range b.rules {
		if existing.Equal(rule) {
			b.rules = append(b.rules[:i], b.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rule not present: %s", rule.Render())
}

func (b *MemoryBackend) Checkpoint(ctx context.Context) (Token, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextToken++
	token := Token(fmt.Sprintf("checkpoint-%d", b.nextToken))
	saved := make([]domain.RoutingRule, len(b.rules))
	copy(saved, b.rules)
	b.checkpoints[token] = saved
	return token, nil
}

func (b *MemoryBackend) Restore(ctx context.Context, token Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OnRestore != nil {
		if err := b.OnRestore(); err != nil {
			return err
		}
	}
	saved, ok := b.checkpoints[token]
	if !ok {
		return fmt.Errorf("unknown checkpoint token %q", token)
	}
	b.rules = make([]domain.RoutingRule, len(saved))
	copy(b.rules, saved)
	delete(b.checkpoints, token)
	return nil
}

func (b *MemoryBackend) snapshotLocked() []domain.RoutingRule {
	out := make([]domain.RoutingRule, len(b.rules))
	copy(out, b.rules)
	domain.SortRules(out)
	return out
}
