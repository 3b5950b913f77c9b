// Package pipeline sequences a full research run: evidence collection, deep
// search, chain-of-analysis execution, chart refinement, and memo writing. The
// orchestrator is a state machine; each stage runs under its own timeout with
// retry and backoff, and every stage failure is recorded as an error-record
// artifact so the run's failure history is part of its evidentiary trail.
// Degradable stages (search, visualization) may fail without ending the run
// when the failure policy allows it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/finsight-ai/finsight/runtime/analysis"
	"github.com/finsight-ai/finsight/runtime/artifact"
	"github.com/finsight-ai/finsight/runtime/collect"
	"github.com/finsight-ai/finsight/runtime/retry"
	"github.com/finsight-ai/finsight/runtime/telemetry"
	"github.com/finsight-ai/finsight/runtime/viz"
	"github.com/finsight-ai/finsight/runtime/writing"
)

// Stage names a state of the orchestrator.
type Stage string

const (
	StageInit      Stage = "init"
	StageCollect   Stage = "collect"
	StageSearch    Stage = "search"
	StageAnalyze   Stage = "analyze"
	StageVisualize Stage = "visualize"
	StageWrite     Stage = "write"
	StageDone      Stage = "done"
	StageFailed    Stage = "failed"
)

// StageStatus is the terminal status of one stage within a run.
type StageStatus string

const (
	StageOK      StageStatus = "ok"
	StageErr     StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// FailurePolicy selects how the run treats a degradable stage failure.
type FailurePolicy string

const (
	// Abort fails the run on any stage failure.
	Abort FailurePolicy = "abort"
	// ContinueDegraded lets search and visualization failures degrade the run
	// instead of ending it; later stages use whatever evidence exists.
	ContinueDegraded FailurePolicy = "continue-degraded"
)

// DefaultStageTimeout bounds one stage including its retries.
const DefaultStageTimeout = 5 * time.Minute

type (
	// Pipeline is the orchestrator. Construct with New, run with Run. A
	// pipeline is reusable across runs; each Run is independent except for the
	// shared artifact store.
	Pipeline struct {
		store        artifact.Store
		collector    *collect.Collector
		searcher     *collect.DeepSearcher
		planner      *analysis.Planner
		executor     *analysis.Executor
		visualizer   *viz.Visualizer
		writer       *writing.Compiler
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		tracer       telemetry.Tracer
		stageTimeout time.Duration
		retryCfg     retry.Config
		policy       FailurePolicy
	}

	// Option configures a Pipeline.
	Option func(*Pipeline)

	// Request describes one research run.
	Request struct {
		CompanyName string
		Ticker      string
		// AnalysisGoal frames the chain-of-analysis and the memo.
		AnalysisGoal string
		// MacroSeriesIDs maps labels to provider series IDs.
		MacroSeriesIDs map[string]string
		// HistoryPeriod is the stock history window; empty uses the default.
		HistoryPeriod string
		// SearchQuery seeds the deep search; empty derives one from the
		// company and goal.
		SearchQuery string
		// Charts are the visualizations to produce. A spec with an empty
		// DataUID plots the collected stock history.
		Charts []viz.Spec
		// VizGoal states what the charts must communicate. Specs without a
		// goal of their own inherit it; the critic judges against it.
		VizGoal string
	}

	// StageRecord is one entry of a run's ordered stage history.
	StageRecord struct {
		// Stage names the stage.
		Stage Stage
		// Status is the stage's terminal status.
		Status StageStatus
		// StartedAt and EndedAt bound the stage, retries included. Skipped
		// stages carry equal timestamps.
		StartedAt time.Time
		EndedAt   time.Time
		// Error holds the failure text for failed stages.
		Error string
	}

	// Result is everything a run produced, by reference into the store.
	Result struct {
		// RunID uniquely identifies the run.
		RunID string
		// State is the terminal state, StageDone or StageFailed.
		State Stage
		// Stages records each stage's terminal status.
		Stages map[Stage]StageStatus
		// StageHistory records every stage the run reached, in execution
		// order.
		StageHistory []StageRecord
		// Evidence holds the raw-evidence UIDs from collection.
		Evidence collect.Evidence
		// SearchLogUID is the stored search log, empty when search was
		// skipped or failed.
		SearchLogUID string
		// Chain is the executed chain-of-analysis.
		Chain *analysis.Result
		// Charts are the finished charts, one per requested spec.
		Charts []viz.Chart
		// Memo is the stored final memo.
		Memo *writing.Memo
		// Snapshot is the store's state at the end of the run; every citation
		// in the memo resolves against it.
		Snapshot artifact.Snapshot
	}
)

// WithStageTimeout bounds each stage, retries included.
func WithStageTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.stageTimeout = d }
}

// WithRetryConfig sets the per-stage retry policy.
func WithRetryConfig(cfg retry.Config) Option {
	return func(p *Pipeline) { p.retryCfg = cfg }
}

// WithFailurePolicy selects degraded-mode behavior.
func WithFailurePolicy(policy FailurePolicy) Option {
	return func(p *Pipeline) { p.policy = policy }
}

// WithLogger sets the pipeline logger. Nil keeps the noop default.
func WithLogger(l telemetry.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Nil keeps the noop default.
func WithMetrics(m telemetry.Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithTracer sets the tracer. Nil keeps the noop default.
func WithTracer(t telemetry.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// New constructs a pipeline over the given components. The searcher and
// visualizer may be nil; their stages are then skipped.
func New(
	store artifact.Store,
	collector *collect.Collector,
	searcher *collect.DeepSearcher,
	planner *analysis.Planner,
	executor *analysis.Executor,
	visualizer *viz.Visualizer,
	writer *writing.Compiler,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		store:        store,
		collector:    collector,
		searcher:     searcher,
		planner:      planner,
		executor:     executor,
		visualizer:   visualizer,
		writer:       writer,
		logger:       telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
		tracer:       telemetry.NewNoopTracer(),
		stageTimeout: DefaultStageTimeout,
		retryCfg:     retry.DefaultConfig(),
		policy:       ContinueDegraded,
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	return p
}

// Run executes the full state machine. The returned Result is populated as
// far as the run got even when err is non-nil; Result.State and Result.Stages
// always describe the terminal state.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.run")
	defer span.End()

	res := &Result{RunID: uuid.NewString(), State: StageInit, Stages: make(map[Stage]StageStatus)}

	// Collect is essential: without raw evidence nothing downstream can run.
	err := p.runStage(ctx, res, StageCollect, func(ctx context.Context) error {
		ev, err := p.collector.Run(ctx, collect.CollectorRequest{
			CompanyName:    req.CompanyName,
			Ticker:         req.Ticker,
			MacroSeriesIDs: req.MacroSeriesIDs,
			HistoryPeriod:  req.HistoryPeriod,
		})
		if err != nil {
			return err
		}
		res.Evidence = ev
		return nil
	})
	if p.record(ctx, res, StageCollect, err, false) {
		return p.finishFailed(ctx, res, err)
	}

	if p.searcher == nil {
		p.skip(res, StageSearch)
	} else {
		query := req.SearchQuery
		if query == "" {
			query = fmt.Sprintf("%s (%s) %s", req.CompanyName, req.Ticker, req.AnalysisGoal)
		}
		err = p.runStage(ctx, res, StageSearch, func(ctx context.Context) error {
			uid, err := p.searcher.Run(ctx, query)
			if err != nil {
				return err
			}
			res.SearchLogUID = uid
			return nil
		})
		if p.record(ctx, res, StageSearch, err, true) {
			return p.finishFailed(ctx, res, err)
		}
	}

	evidenceUIDs := res.Evidence.UIDs()
	if res.SearchLogUID != "" {
		evidenceUIDs = append(evidenceUIDs, res.SearchLogUID)
	}

	err = p.runStage(ctx, res, StageAnalyze, func(ctx context.Context) error {
		specs, err := p.planner.Plan(ctx, req.AnalysisGoal, evidenceUIDs)
		if err != nil {
			return err
		}
		graph, err := analysis.BuildGraph(specs)
		if err != nil {
			return err
		}
		chain, err := p.executor.Execute(ctx, graph, req.AnalysisGoal)
		if err != nil {
			return err
		}
		res.Chain = chain
		return nil
	})
	if p.record(ctx, res, StageAnalyze, err, false) {
		return p.finishFailed(ctx, res, err)
	}

	if p.visualizer == nil || len(req.Charts) == 0 {
		p.skip(res, StageVisualize)
	} else {
		err = p.runStage(ctx, res, StageVisualize, func(ctx context.Context) error {
			charts := make([]viz.Chart, 0, len(req.Charts))
			for _, spec := range req.Charts {
				if spec.DataUID == "" {
					spec.DataUID = res.Evidence.StockHistoryUID
				}
				if spec.Goal == "" {
					spec.Goal = req.VizGoal
				}
				chart, err := p.visualizer.Produce(ctx, spec)
				if err != nil {
					return fmt.Errorf("chart %s: %w", spec.ID, err)
				}
				charts = append(charts, chart)
			}
			res.Charts = charts
			return nil
		})
		if p.record(ctx, res, StageVisualize, err, true) {
			return p.finishFailed(ctx, res, err)
		}
	}

	err = p.runStage(ctx, res, StageWrite, func(ctx context.Context) error {
		chartUIDs := make([]string, 0, len(res.Charts))
		for _, c := range res.Charts {
			chartUIDs = append(chartUIDs, c.SpecUID)
		}
		outline, err := p.writer.Compile(ctx, writing.CompileRequest{
			Goal:      req.AnalysisGoal,
			Chain:     res.Chain,
			ChartUIDs: chartUIDs,
		})
		if err != nil {
			return err
		}
		// Failed sections retry independently; the outline keeps completed
		// sections across attempts so only failures re-expand.
		var memo *writing.Memo
		for attempt := 0; attempt < 2; attempt++ {
			memo, err = p.writer.Expand(ctx, outline)
			if err == nil || !errors.Is(err, writing.ErrSectionsFailed) {
				break
			}
		}
		if err != nil {
			return err
		}
		res.Memo = memo
		return nil
	})
	if p.record(ctx, res, StageWrite, err, false) {
		return p.finishFailed(ctx, res, err)
	}

	snap, err := p.store.Snapshot(ctx)
	if err != nil {
		return p.finishFailed(ctx, res, err)
	}
	res.Snapshot = snap
	res.State = StageDone
	p.logger.Info(ctx, "run complete", "run_id", res.RunID,
		"ticker", req.Ticker, "memo_uid", res.Memo.UID, "artifacts", int64(len(snap.Artifacts)))
	return res, nil
}

// runStage executes fn under the stage timeout with retry on transient
// failures, appending the outcome to the run's stage history.
func (p *Pipeline) runStage(ctx context.Context, res *Result, stage Stage, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline."+string(stage))
	defer span.End()

	if p.stageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.stageTimeout)
		defer cancel()
	}
	err := retry.Do(ctx, p.retryCfg, fn)
	rec := StageRecord{Stage: stage, Status: StageOK, StartedAt: start, EndedAt: time.Now()}
	if err != nil {
		rec.Status = StageErr
		rec.Error = err.Error()
		span.RecordError(err)
	}
	res.StageHistory = append(res.StageHistory, rec)
	p.metrics.IncCounter("pipeline.stage.total", 1, "stage", string(stage), "status", string(rec.Status))
	p.metrics.RecordTimer("pipeline.stage.duration", time.Since(start), "stage", string(stage))
	return err
}

// skip marks an optional stage that did not run.
func (p *Pipeline) skip(res *Result, stage Stage) {
	now := time.Now()
	res.Stages[stage] = StageSkipped
	res.StageHistory = append(res.StageHistory, StageRecord{Stage: stage, Status: StageSkipped, StartedAt: now, EndedAt: now})
}

// record stores the stage outcome, persisting failures as error-record
// artifacts. It returns true when the failure must end the run: always for
// essential stages, and for degradable ones under the Abort policy.
func (p *Pipeline) record(ctx context.Context, res *Result, stage Stage, err error, degradable bool) bool {
	if err == nil {
		res.Stages[stage] = StageOK
		return false
	}
	res.Stages[stage] = StageErr
	p.logger.Error(ctx, err, "stage failed", "stage", string(stage))
	p.storeFailure(ctx, stage, err)
	if degradable && p.policy == ContinueDegraded {
		return false
	}
	return true
}

// storeFailure records a stage failure in the artifact trail. A store error
// here is logged and dropped; it must not mask the stage failure itself.
func (p *Pipeline) storeFailure(ctx context.Context, stage Stage, stageErr error) {
	payload, err := artifact.JSONPayload(map[string]string{
		"stage": string(stage),
		"error": stageErr.Error(),
	})
	if err == nil {
		_, err = p.store.Put(ctx, artifact.KindErrorRecord, payload, "pipeline",
			"pipeline", "stage:"+string(stage))
	}
	if err != nil {
		p.logger.Error(ctx, err, "store stage failure", "stage", string(stage))
	}
}

func (p *Pipeline) finishFailed(ctx context.Context, res *Result, err error) (*Result, error) {
	if snap, serr := p.store.Snapshot(ctx); serr == nil {
		res.Snapshot = snap
	}
	res.State = StageFailed
	return res, err
}
