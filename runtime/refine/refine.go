// Package refine implements the generic iterate–evaluate–improve pattern the
// pipeline reuses for chart generation and citation-aware drafting. A loop is
// parameterized by a generator (spec -> candidate artifact), an evaluator
// (candidate -> score + feedback), and a refiner (spec + feedback -> next
// spec). Scores are expected to move non-monotonically; only the score
// threshold and the iteration bound terminate the loop, and the result is the
// best-scoring iteration, not the last. Every iteration is persisted to the
// artifact store so the refinement history is itself auditable.
package refine

import (
	"context"
	"errors"
	"fmt"

	"github.com/finsight-ai/finsight/runtime/artifact"
	"github.com/finsight-ai/finsight/runtime/telemetry"
)

type (
	// Generator produces a candidate artifact from the current spec and
	// returns its UID. Implementations go through the code execution engine
	// or an external model; the loop only tracks the UID.
	Generator[S any] func(ctx context.Context, spec S, iteration int) (string, error)

	// Evaluator scores a candidate against the session goal. Score semantics
	// are caller-defined but must be monotone in quality (higher is better).
	// Feedback is free text passed to the refiner.
	Evaluator[S any] func(ctx context.Context, spec S, candidateUID string) (float64, string, error)

	// Refiner produces the next spec from the prior spec, its score, and the
	// evaluator feedback.
	Refiner[S any] func(ctx context.Context, spec S, score float64, feedback string) (S, error)

	// Iteration records one pass of the loop. Records are retained in full,
	// never overwritten.
	Iteration[S any] struct {
		// Index is 1-based.
		Index int `json:"index"`
		// Spec is the spec the candidate was generated from.
		Spec S `json:"spec"`
		// ArtifactUID identifies the generated candidate.
		ArtifactUID string `json:"artifact_uid"`
		// Score is the evaluator's judgment of the candidate.
		Score float64 `json:"score"`
		// Feedback is the evaluator's guidance for the next spec.
		Feedback string `json:"feedback"`
	}

	// Outcome is the result of a completed session.
	Outcome[S any] struct {
		// Best is the highest-scoring iteration; ties go to the earliest.
		Best Iteration[S]
		// History lists every iteration in order.
		History []Iteration[S]
		// RecordUIDs are the stored per-iteration record artifacts, parallel
		// to History.
		RecordUIDs []string
	}

	// Config bounds a session.
	Config struct {
		// Session names the refinement session; it tags the persisted
		// iteration records.
		Session string
		// Threshold stops the loop once an iteration scores at or above it.
		Threshold float64
		// MaxIterations bounds the loop. Must be at least 1.
		MaxIterations int
		// StopOnNoImprovement enables early termination when a score fails
		// to beat the running best. Off by default: regression is a normal
		// part of refinement and must not end a session unless explicitly
		// requested.
		StopOnNoImprovement bool
	}

	// Loop runs refinement sessions against a store.
	Loop[S any] struct {
		store    artifact.Store
		generate Generator[S]
		evaluate Evaluator[S]
		refine   Refiner[S]
		logger   telemetry.Logger
	}
)

// ErrNoIterations indicates a session configured with MaxIterations < 1.
var ErrNoIterations = errors.New("refine: max iterations must be at least 1")

// New constructs a refinement loop. A nil logger defaults to noop.
func New[S any](store artifact.Store, g Generator[S], e Evaluator[S], r Refiner[S], logger telemetry.Logger) *Loop[S] {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Loop[S]{store: store, generate: g, evaluate: e, refine: r, logger: logger}
}

// Run executes one session: generate, evaluate, persist the iteration record,
// then refine and repeat until the threshold is met or iterations are
// exhausted. Generate, evaluate, and refine are strictly sequential within an
// iteration.
func (l *Loop[S]) Run(ctx context.Context, spec S, cfg Config) (Outcome[S], error) {
	if cfg.MaxIterations < 1 {
		return Outcome[S]{}, ErrNoIterations
	}

	var out Outcome[S]
	best := -1
	current := spec

	for i := 1; i <= cfg.MaxIterations; i++ {
		uid, err := l.generate(ctx, current, i)
		if err != nil {
			return Outcome[S]{}, fmt.Errorf("refine: generate iteration %d: %w", i, err)
		}
		score, feedback, err := l.evaluate(ctx, current, uid)
		if err != nil {
			return Outcome[S]{}, fmt.Errorf("refine: evaluate iteration %d: %w", i, err)
		}

		iter := Iteration[S]{Index: i, Spec: current, ArtifactUID: uid, Score: score, Feedback: feedback}
		recordUID, err := l.persist(ctx, cfg.Session, iter)
		if err != nil {
			return Outcome[S]{}, err
		}
		out.History = append(out.History, iter)
		out.RecordUIDs = append(out.RecordUIDs, recordUID)
		l.logger.Debug(ctx, "refinement iteration",
			"session", cfg.Session, "iteration", i, "score", score)

		improved := best < 0 || score > out.History[best].Score
		if improved {
			best = len(out.History) - 1
		}
		if score >= cfg.Threshold {
			break
		}
		if cfg.StopOnNoImprovement && !improved {
			break
		}
		if i == cfg.MaxIterations {
			break
		}
		current, err = l.refine(ctx, current, score, feedback)
		if err != nil {
			return Outcome[S]{}, fmt.Errorf("refine: refine iteration %d: %w", i, err)
		}
	}

	out.Best = out.History[best]
	return out, nil
}

func (l *Loop[S]) persist(ctx context.Context, session string, iter Iteration[S]) (string, error) {
	payload, err := artifact.JSONPayload(iter)
	if err != nil {
		return "", err
	}
	uid, err := l.store.Put(ctx, artifact.KindAnalysisNote, payload, "refinement_loop",
		"refinement", "session:"+session)
	if err != nil {
		return "", fmt.Errorf("refine: persist iteration %d: %w", iter.Index, err)
	}
	return uid, nil
}
