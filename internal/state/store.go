package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/somesky/flocker/internal/domain"
)

// record is one host's applied report. Records are immutable; Update
// swaps in a fresh one rather than mutating in place, so Snapshot never
// observes a partially written state.
type record struct {
	state      domain.NodeState
	sequence   uint64
	reportedAt time.Time
}

type entry struct {
	current atomic.Pointer[record]
}

// Store holds the last-reported state per host. It is an explicit,
// instantiable handle; nothing here is process-global.
type Store struct {
	mu    sync.RWMutex
	hosts map[string]*entry

	sequences SequenceSource
	expiry    time.Duration
	now       func() time.Time
}

type Option func(*Store)

// WithExpiry makes Snapshot skip hosts whose last report is older than
// ttl. Without it, entries persist for the life of the store.
func WithExpiry(ttl time.Duration) Option {
	return func(s *Store) {
		s.expiry = ttl
	}
}

// WithClock overrides the time source used for report timestamps and
// expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func NewStore(sequences SequenceSource, opts ...Option) *Store {
	s := &Store{
		hosts:     make(map[string]*entry),
		sequences: sequences,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Update applies a host's report carrying the given sequence number. The
// replacement is total: the previous state for the host is discarded
// entirely. A report whose sequence does not exceed the applied one is
// dropped, which is how out-of-order delivery from the transport is
// resolved. Unknown hosts are accepted.
func (s *Store) Update(hostname string, ns domain.NodeState, sequence uint64) {
	ns.Hostname = hostname
	rec := &record{state: ns, sequence: sequence, reportedAt: s.now()}

	s.mu.RLock()
	e, ok := s.hosts[hostname]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if e, ok = s.hosts[hostname]; !ok {
			e = &entry{}
			s.hosts[hostname] = e
		}
		s.mu.Unlock()
	}

	for {
		cur := e.current.Load()
		if cur != nil && cur.sequence >= sequence {
			return
		}
		if e.current.CompareAndSwap(cur, rec) {
			return
		}
	}
}

// Report stamps a report with the next sequence number from the injected
// source and applies it. It returns the assigned sequence.
func (s *Store) Report(hostname string, ns domain.NodeState) uint64 {
	seq := s.sequences.Next()
	s.Update(hostname, ns, seq)
	return seq
}

// Snapshot projects the store's current contents into a Deployment. It is
// deterministic with respect to contents and safe to call concurrently
// with updates; it never blocks an in-flight Update.
func (s *Store) Snapshot() domain.Deployment {
	s.mu.RLock()
	records := make(map[string]record, len(s.hosts))
	for hostname, e := range s.hosts {
		if rec := e.current.Load(); rec != nil {
			records[hostname] = *rec
		}
	}
	s.mu.RUnlock()

	if s.expiry > 0 {
		cutoff := s.now().Add(-s.expiry)
		for hostname, rec := range records {
			if rec.reportedAt.Before(cutoff) {
				delete(records, hostname)
			}
		}
	}
	return project(records)
}
