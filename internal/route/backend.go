package route

import (
	"context"

	"github.com/somesky/flocker/internal/domain"
)

// Token identifies a checkpoint of a backend's full rule set. Its content
// is backend-defined and opaque to the synchronizer.
type Token string

// Backend is the entire contract between the synchronizer and a rule
// store. Anything implementing these five primitives — a kernel packet
// filter, a user-space proxy table, a cloud load-balancer API — is
// substitutable without change to the synchronizer.
type Backend interface {
	// Query returns the current live rule set.
	Query(ctx context.Context) ([]domain.RoutingRule, error)
	// Apply installs a single rule atomically.
	Apply(ctx context.Context, rule domain.RoutingRule) error
	// Remove deletes a single rule atomically.
	Remove(ctx context.Context, rule domain.RoutingRule) error
	// Checkpoint captures the full current rule set for later Restore.
	Checkpoint(ctx context.Context) (Token, error)
	// Restore replaces the live rule set with a checkpointed one.
	Restore(ctx context.Context, token Token) error
}
