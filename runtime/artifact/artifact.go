// Package artifact defines the variable space at the heart of the FinSight
// runtime: an append-only, UID-addressed store of every intermediate and final
// research result. All pipeline components exchange artifact UIDs rather than
// payload copies, so the store is the single writable copy of every result and
// the sole synchronization boundary of a run. Citations in the final memo
// resolve against this store, which is why no delete operation exists.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"
)

type (
	// Kind classifies artifact payloads. The enumeration is closed: the store
	// rejects unknown kinds so downstream consumers can switch exhaustively
	// without defending against open-ended values. The store never interprets
	// payload bytes beyond this tag.
	Kind string

	// Artifact is an immutable, UID-addressed unit of stored evidence. Once
	// inserted its fields never change; revision means storing a new artifact
	// and tagging it as a successor of the old one (see SuccessorTag).
	Artifact struct {
		// UID is the globally unique identifier assigned by the store at Put
		// time. UIDs are never reused within a run, even across failed or
		// retried operations.
		UID string

		// Kind tags the payload with one of the closed Kind values.
		Kind Kind

		// Payload is the opaque blob: tabular data encoded as JSON, document
		// text, a chart specification, or a binary reference. Consumers decode
		// it according to Kind; the store does not look inside.
		Payload []byte

		// Producer names the component or adapter that stored the artifact
		// (for example "market_data_adapter" or "chain_compiler"). Used for
		// audit trails and citation tables.
		Producer string

		// CreatedAt is the store-assigned insertion timestamp.
		CreatedAt time.Time

		// Tags carry free-form retrieval labels ("macro", "fred:CPIAUCSL",
		// successor markers). Order is preserved as given to Put.
		Tags []string
	}

	// Filter narrows Query results. Zero values match everything: an empty
	// Kind matches all kinds and an empty Tags slice matches all artifacts.
	// When Tags has entries, an artifact matches if it carries every listed
	// tag.
	Filter struct {
		Kind Kind
		Tags []string
	}

	// Snapshot is a consistent, point-in-time enumeration of the store taken
	// by Store.Snapshot. It never observes partial writes: artifacts appear in
	// insertion order and the set is fixed at capture time. The writing
	// compiler resolves citations against a snapshot, and callers export it
	// for audit.
	Snapshot struct {
		// TakenAt records when the snapshot was captured.
		TakenAt time.Time

		// Artifacts lists every stored artifact in insertion order.
		Artifacts []Artifact

		index map[string]int
	}

	// Store is the variable space contract. Implementations must make each
	// Put independently atomic and safe under concurrent writers; artifacts
	// are immutable so there are no read-modify-write races. There is
	// deliberately no delete: the evidentiary trail must remain resolvable
	// for the lifetime of the run.
	Store interface {
		// Put stores a new artifact and returns its freshly assigned UID. It
		// fails only when kind is not a known Kind value or the payload
		// violates the store's size constraints.
		Put(ctx context.Context, kind Kind, payload []byte, producer string, tags ...string) (string, error)

		// Get returns the artifact with the given UID or ErrNotFound.
		Get(ctx context.Context, uid string) (Artifact, error)

		// Query returns a lazy, finite, restartable sequence of artifacts
		// matching the filter. Insertion order is preserved for equal
		// filters, and re-ranging the sequence restarts it from the
		// beginning.
		Query(ctx context.Context, f Filter) iter.Seq[Artifact]

		// Snapshot captures a consistent point-in-time view of all artifacts.
		Snapshot(ctx context.Context) (Snapshot, error)
	}
)

// Artifact kinds. The set mirrors the stages of the research pipeline: raw
// evidence in, memo sections out, with error records preserving failure traces
// alongside the results they interrupted.
const (
	KindRawTable      Kind = "raw-table"
	KindTimeSeries    Kind = "time-series"
	KindDocumentText  Kind = "document-text"
	KindCodeResult    Kind = "code-result"
	KindChartSpec     Kind = "chart-spec"
	KindChartImageRef Kind = "chart-image-ref"
	KindAnalysisNote  Kind = "analysis-note"
	KindMemoSection   Kind = "memo-section"
	KindErrorRecord   Kind = "error-record"
)

// ErrNotFound indicates an unknown artifact UID. It signals a programmer or
// logic error upstream and is never retried.
var ErrNotFound = errors.New("artifact: not found")

// ErrInvalidKind indicates a Put with a kind outside the closed enumeration.
var ErrInvalidKind = errors.New("artifact: invalid kind")

// ErrPayloadTooLarge indicates a Put whose payload exceeds the store's
// configured size bound.
var ErrPayloadTooLarge = errors.New("artifact: payload too large")

// Valid reports whether k is a member of the closed Kind enumeration.
func (k Kind) Valid() bool {
	switch k {
	case KindRawTable, KindTimeSeries, KindDocumentText, KindCodeResult,
		KindChartSpec, KindChartImageRef, KindAnalysisNote, KindMemoSection,
		KindErrorRecord:
		return true
	}
	return false
}

// SuccessorTag builds the tag that marks an artifact as the revision of a
// prior one. Overwriting is forbidden, so revision is expressed as a new
// artifact carrying this tag.
func SuccessorTag(uid string) string { return "successor:" + uid }

// JSONPayload marshals v into an artifact payload. It is a convenience for
// producers storing structured results.
func JSONPayload(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode payload: %w", err)
	}
	return b, nil
}

// NewSnapshot builds a Snapshot over the given artifacts. The slice is assumed
// to be in insertion order and owned by the snapshot from this point on.
func NewSnapshot(takenAt time.Time, artifacts []Artifact) Snapshot {
	idx := make(map[string]int, len(artifacts))
	for i, a := range artifacts {
		idx[a.UID] = i
	}
	return Snapshot{TakenAt: takenAt, Artifacts: artifacts, index: idx}
}

// Get returns the artifact with the given UID from the snapshot, or
// ErrNotFound if the UID was not present at capture time.
func (s Snapshot) Get(uid string) (Artifact, error) {
	i, ok := s.index[uid]
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	return s.Artifacts[i], nil
}

// Contains reports whether the snapshot holds the given UID.
func (s Snapshot) Contains(uid string) bool {
	_, ok := s.index[uid]
	return ok
}

// Matches reports whether the artifact satisfies the filter.
func (f Filter) Matches(a Artifact) bool {
	if f.Kind != "" && a.Kind != f.Kind {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, got := range a.Tags {
			if got == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
