package route

import (
	"fmt"

	"github.com/somesky/flocker/internal/domain"
)

// ErrorKind classifies a synchronization failure.
type ErrorKind string

const (
	// RuleApplyFailed: a backend operation was rejected mid-attempt. The
	// pre-attempt rule set was restored; no data was lost, but the plan
	// was not applied.
	RuleApplyFailed ErrorKind = "rule_apply_failed"
	// RestoreFailed: the recovery path itself failed, so the backend's
	// true state is unknown. Never retried silently.
	RestoreFailed ErrorKind = "restore_failed"
)

// SyncError is the structured failure returned by Synchronize.
type SyncError struct {
	Kind ErrorKind
	// Op and Rule identify the backend operation that was rejected.
	Op   string
	Rule domain.RoutingRule
	Err  error
	// LastKnown is the best-effort live rule set after a failed restore,
	// for diagnostics. Only populated when Kind is RestoreFailed.
	LastKnown []domain.RoutingRule
}

func (e *SyncError) Error() string {
	switch e.Kind {
	case RestoreFailed:
		return fmt.Sprintf("restore failed after rejected %s of %s: %v", e.Op, e.Rule.Render(), e.Err)
	default:
		return fmt.Sprintf("%s of %s rejected: %v", e.Op, e.Rule.Render(), e.Err)
	}
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
