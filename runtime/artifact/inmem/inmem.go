// Package inmem provides the in-memory artifact.Store used for single-session
// research runs. Artifacts live in process memory for the lifetime of the run;
// durability across processes is out of scope for the runtime. All operations
// are thread-safe and writes are append-only.
package inmem

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finsight-ai/finsight/runtime/artifact"
)

// DefaultMaxPayloadBytes bounds individual payload size unless overridden.
// Large enough for multi-year price tables and filing excerpts, small enough
// to catch a runaway producer.
const DefaultMaxPayloadBytes = 16 << 20

type (
	// Store implements artifact.Store with a mutex-guarded map plus an
	// insertion-order slice. Each Put is independently atomic; Get and Query
	// take the read lock and return defensive copies so callers can never
	// mutate stored state. UIDs come from uuid.NewString and are checked for
	// collisions, which keeps them unique for the run even across retries.
	Store struct {
		mu     sync.RWMutex
		byUID  map[string]artifact.Artifact
		order  []string
		maxLen int
		now    func() time.Time
	}

	// Option configures a Store.
	Option func(*Store)
)

// WithMaxPayloadBytes overrides the payload size bound. Zero or negative
// disables the check.
func WithMaxPayloadBytes(n int) Option {
	return func(s *Store) { s.maxLen = n }
}

// WithClock overrides the timestamp source. Tests use this to make CreatedAt
// deterministic.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs an empty store ready for use.
func New(opts ...Option) *Store {
	s := &Store{
		byUID:  make(map[string]artifact.Artifact),
		maxLen: DefaultMaxPayloadBytes,
		now:    time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Put stores a new artifact and returns its UID. The payload and tags are
// copied so the caller's slices remain independent of the stored record.
func (s *Store) Put(_ context.Context, kind artifact.Kind, payload []byte, producer string, tags ...string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", artifact.ErrInvalidKind, kind)
	}
	if s.maxLen > 0 && len(payload) > s.maxLen {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", artifact.ErrPayloadTooLarge, len(payload), s.maxLen)
	}
	a := artifact.Artifact{
		Kind:     kind,
		Payload:  append([]byte(nil), payload...),
		Producer: producer,
		Tags:     append([]string(nil), tags...),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	uid := uuid.NewString()
	for {
		if _, exists := s.byUID[uid]; !exists {
			break
		}
		uid = uuid.NewString()
	}
	a.UID = uid
	a.CreatedAt = s.now()
	s.byUID[uid] = a
	s.order = append(s.order, uid)
	return uid, nil
}

// Get returns the artifact with the given UID or artifact.ErrNotFound.
func (s *Store) Get(_ context.Context, uid string) (artifact.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byUID[uid]
	if !ok {
		return artifact.Artifact{}, fmt.Errorf("%w: %s", artifact.ErrNotFound, uid)
	}
	return clone(a), nil
}

// Query returns a restartable sequence over artifacts matching f in insertion
// order. The matching set is captured when the sequence is first ranged, so a
// consumer never observes writes that race with its iteration; re-ranging
// captures a fresh set.
func (s *Store) Query(_ context.Context, f artifact.Filter) iter.Seq[artifact.Artifact] {
	return func(yield func(artifact.Artifact) bool) {
		for _, a := range s.capture(f) {
			if !yield(a) {
				return
			}
		}
	}
}

// Snapshot captures a consistent point-in-time view of every artifact in
// insertion order.
func (s *Store) Snapshot(_ context.Context) (artifact.Snapshot, error) {
	all := s.capture(artifact.Filter{})
	return artifact.NewSnapshot(s.now(), all), nil
}

// Len reports the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Store) capture(f artifact.Filter) []artifact.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []artifact.Artifact
	for _, uid := range s.order {
		a := s.byUID[uid]
		if f.Matches(a) {
			out = append(out, clone(a))
		}
	}
	return out
}

func clone(a artifact.Artifact) artifact.Artifact {
	a.Payload = append([]byte(nil), a.Payload...)
	a.Tags = append([]string(nil), a.Tags...)
	return a
}
