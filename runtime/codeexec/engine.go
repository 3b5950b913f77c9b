// Package codeexec runs model-generated analysis code against a bounded view
// of the artifact store. Each invocation executes a Starlark fragment in a
// fresh, isolated thread: the code sees only the payloads of its declared
// input UIDs plus a small builtin surface, and the only side effects visible
// to the rest of the system are the artifacts it explicitly stores. The engine
// enforces a wall-clock timeout and an execution step budget; exceeding either
// yields a timeout result and drops anything not already flushed.
package codeexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/finsight-ai/finsight/runtime/artifact"
	"github.com/finsight-ai/finsight/runtime/telemetry"
)

// Status reports the outcome of one execution.
type Status string

const (
	// StatusOK means the fragment ran to completion and all buffered
	// artifacts were committed.
	StatusOK Status = "ok"
	// StatusRuntimeError means evaluation failed; the error text is returned
	// verbatim for downstream repair and no unflushed artifact was committed.
	StatusRuntimeError Status = "runtime-error"
	// StatusTimeout means the wall-clock timeout or step budget was exceeded.
	StatusTimeout Status = "timeout"
)

// Defaults applied when the engine options leave them unset.
const (
	DefaultTimeout  = 30 * time.Second
	DefaultMaxSteps = 5_000_000
)

type (
	// Engine executes code fragments against the artifact store. It is safe
	// for concurrent use; every Execute call builds a fresh Starlark thread
	// and globals dictionary, so no state leaks between invocations.
	Engine struct {
		store    artifact.Store
		timeout  time.Duration
		maxSteps uint64
		logger   telemetry.Logger
	}

	// Option configures an Engine.
	Option func(*Engine)

	// Request describes one execution.
	Request struct {
		// Code is the Starlark fragment to run.
		Code string

		// InputUIDs declares the artifacts the fragment may read. They are
		// exposed inside the sandbox as the `inputs` dict keyed by UID.
		// Artifacts outside this list are unreachable.
		InputUIDs []string

		// Bindings optionally maps friendly names to input UIDs; each named
		// payload becomes a top-level variable. Every bound UID must also be
		// declared in InputUIDs.
		Bindings map[string]string

		// Producer is recorded on artifacts the fragment stores.
		Producer string

		// PreserveFailure stores an error-record artifact when evaluation
		// fails, keeping the failure trace auditable.
		PreserveFailure bool
	}

	// Result is the outcome of one execution.
	Result struct {
		// Status classifies the outcome.
		Status Status

		// Output is the text printed by the fragment.
		Output string

		// ErrText holds the verbatim evaluation error for runtime-error and
		// timeout outcomes.
		ErrText string

		// ArtifactUIDs lists the artifacts the fragment committed, in commit
		// order. Includes flushed artifacts even when the run later failed.
		ArtifactUIDs []string

		// Steps is the number of Starlark execution steps consumed.
		Steps uint64
	}

	// errorRecord is the payload of the optional error-record artifact.
	errorRecord struct {
		Error  string `json:"error"`
		Code   string `json:"code"`
		Output string `json:"output,omitempty"`
	}
)

// WithTimeout sets the wall-clock bound per execution.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithMaxSteps sets the Starlark execution step budget per execution.
func WithMaxSteps(n uint64) Option {
	return func(e *Engine) { e.maxSteps = n }
}

// WithLogger sets the engine logger. Nil keeps the noop default.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New constructs an execution engine writing to the given store.
func New(store artifact.Store, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		timeout:  DefaultTimeout,
		maxSteps: DefaultMaxSteps,
		logger:   telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e
}

// fileOptions enables the imperative dialect analysts expect: set literals,
// while loops, top-level control flow, reassignment, and recursion.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Execute runs the fragment and returns its result. The returned error is
// reserved for infrastructure failures (unknown input UID, store write
// failure); evaluation failures are reported through Result.Status.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	predeclared, err := e.predeclare(ctx, req)
	if err != nil {
		return Result{}, err
	}

	var out bytes.Buffer
	thread := &starlark.Thread{
		Name: "codeexec",
		Print: func(_ *starlark.Thread, msg string) {
			out.WriteString(msg)
			out.WriteByte('\n')
		},
	}
	var stepsExceeded atomic.Bool
	if e.maxSteps > 0 {
		thread.SetMaxExecutionSteps(e.maxSteps)
		thread.OnMaxSteps = func(th *starlark.Thread) {
			stepsExceeded.Store(true)
			th.Cancel("step budget exceeded")
		}
	}

	// Pending artifacts buffer until flush() or successful completion, so a
	// failed or timed-out run commits nothing it did not explicitly flush.
	sandbox := &sandboxState{
		ctx:      ctx,
		store:    e.store,
		producer: req.Producer,
	}
	predeclared["store_artifact"] = starlark.NewBuiltin("store_artifact", sandbox.storeArtifact)
	predeclared["flush"] = starlark.NewBuiltin("flush", sandbox.flush)

	runCtx := ctx
	var cancel context.CancelFunc
	if e.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	watchdogDone := make(chan struct{})
	var timedOut atomic.Bool
	go func() {
		select {
		case <-runCtx.Done():
			timedOut.Store(true)
			thread.Cancel("wall-clock timeout")
		case <-watchdogDone:
		}
	}()

	_, evalErr := starlark.ExecFileOptions(fileOptions, thread, "fragment.star", req.Code, predeclared)
	close(watchdogDone)

	res := Result{
		Output:       out.String(),
		ArtifactUIDs: sandbox.committed,
		Steps:        thread.ExecutionSteps(),
	}

	if evalErr == nil {
		if err := sandbox.commitPending(); err != nil {
			return Result{}, err
		}
		res.ArtifactUIDs = sandbox.committed
		res.Status = StatusOK
		return res, nil
	}

	res.ErrText = evalText(evalErr)
	if timedOut.Load() || stepsExceeded.Load() {
		res.Status = StatusTimeout
	} else {
		res.Status = StatusRuntimeError
	}
	e.logger.Warn(ctx, "code execution failed",
		"status", string(res.Status), "steps", int64(res.Steps), "error", res.ErrText)

	if req.PreserveFailure {
		uid, err := e.storeErrorRecord(ctx, req, res)
		if err != nil {
			return Result{}, err
		}
		res.ArtifactUIDs = append(res.ArtifactUIDs, uid)
	}
	return res, nil
}

// predeclare builds the sandbox globals: the inputs dict, any friendly-name
// bindings, and the json/math stdlib modules.
func (e *Engine) predeclare(ctx context.Context, req Request) (starlark.StringDict, error) {
	declared := make(map[string]bool, len(req.InputUIDs))
	inputs := starlark.NewDict(len(req.InputUIDs))
	payloads := make(map[string]starlark.Value, len(req.InputUIDs))
	for _, uid := range req.InputUIDs {
		a, err := e.store.Get(ctx, uid)
		if err != nil {
			return nil, fmt.Errorf("codeexec: resolve input %s: %w", uid, err)
		}
		declared[uid] = true
		val := payloadValue(a.Payload)
		payloads[uid] = val
		if err := inputs.SetKey(starlark.String(uid), val); err != nil {
			return nil, fmt.Errorf("codeexec: bind input %s: %w", uid, err)
		}
	}

	predeclared := starlark.StringDict{
		"inputs": inputs,
		"json":   starjson.Module,
		"math":   starmath.Module,
	}
	for name, uid := range req.Bindings {
		if !declared[uid] {
			return nil, fmt.Errorf("codeexec: binding %q references undeclared input %s", name, uid)
		}
		predeclared[name] = payloads[uid]
	}
	return predeclared, nil
}

func (e *Engine) storeErrorRecord(ctx context.Context, req Request, res Result) (string, error) {
	payload, err := artifact.JSONPayload(errorRecord{
		Error:  res.ErrText,
		Code:   req.Code,
		Output: res.Output,
	})
	if err != nil {
		return "", err
	}
	uid, err := e.store.Put(ctx, artifact.KindErrorRecord, payload, req.Producer, "code-execution", string(res.Status))
	if err != nil {
		return "", fmt.Errorf("codeexec: store error record: %w", err)
	}
	return uid, nil
}

type sandboxState struct {
	ctx       context.Context
	store     artifact.Store
	producer  string
	pending   []pendingArtifact
	committed []string
}

type pendingArtifact struct {
	kind    artifact.Kind
	payload []byte
	tags    []string
}

// storeArtifact implements the store_artifact(kind, payload, tags=[]) builtin.
// The artifact buffers until flush() or successful completion of the run.
func (s *sandboxState) storeArtifact(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		kindStr string
		payload starlark.Value
		tags    = starlark.NewList(nil)
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"kind", &kindStr, "payload", &payload, "tags?", &tags); err != nil {
		return nil, err
	}
	kind := artifact.Kind(kindStr)
	if !kind.Valid() {
		return nil, fmt.Errorf("store_artifact: unknown kind %q", kindStr)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("store_artifact: %w", err)
	}
	goTags := make([]string, 0, tags.Len())
	for i := 0; i < tags.Len(); i++ {
		t, ok := starlark.AsString(tags.Index(i))
		if !ok {
			return nil, fmt.Errorf("store_artifact: tag %d is not a string", i)
		}
		goTags = append(goTags, t)
	}
	s.pending = append(s.pending, pendingArtifact{kind: kind, payload: raw, tags: goTags})
	return starlark.None, nil
}

// flush implements the flush() builtin: it commits all buffered artifacts
// immediately and returns their UIDs. Artifacts flushed before a timeout or
// error survive; everything else is dropped.
func (s *sandboxState) flush(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) > 0 || len(kwargs) > 0 {
		return nil, fmt.Errorf("flush: no arguments expected")
	}
	before := len(s.committed)
	if err := s.commitPending(); err != nil {
		return nil, err
	}
	uids := make([]starlark.Value, 0, len(s.committed)-before)
	for _, uid := range s.committed[before:] {
		uids = append(uids, starlark.String(uid))
	}
	return starlark.NewList(uids), nil
}

func (s *sandboxState) commitPending() error {
	for _, p := range s.pending {
		uid, err := s.store.Put(s.ctx, p.kind, p.payload, s.producer, p.tags...)
		if err != nil {
			return fmt.Errorf("codeexec: commit artifact: %w", err)
		}
		s.committed = append(s.committed, uid)
	}
	s.pending = nil
	return nil
}

func evalText(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Backtrace()
	}
	return err.Error()
}
