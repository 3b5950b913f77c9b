package analysis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/finsight-ai/finsight/runtime/artifact"
	"github.com/finsight-ai/finsight/runtime/cite"
	"github.com/finsight-ai/finsight/runtime/codeexec"
	"github.com/finsight-ai/finsight/runtime/model"
	"github.com/finsight-ai/finsight/runtime/retry"
	"github.com/finsight-ai/finsight/runtime/telemetry"
)

// DependencyPolicy selects how a perspective treats a failed dependency.
type DependencyPolicy string

const (
	// PolicyDegrade substitutes a stored placeholder note for each missing
	// dependency output and runs the perspective anyway, marked degraded.
	PolicyDegrade DependencyPolicy = "degrade"
	// PolicyFail fails any perspective whose dependency failed.
	PolicyFail DependencyPolicy = "fail"
)

// DefaultRepairAttempts bounds code generation/repair cycles per perspective.
const DefaultRepairAttempts = 3

type (
	// Executor runs a validated graph: for each perspective it has the model
	// generate analysis code, executes it in the sandbox against the declared
	// inputs, repairs and retries on runtime errors up to a bound, then
	// synthesizes a narrative that may cite only the perspective's inputs.
	// Perspectives within a topological level run concurrently.
	Executor struct {
		store          artifact.Store
		engine         *codeexec.Engine
		client         model.Client
		logger         telemetry.Logger
		retryCfg       retry.Config
		repairAttempts int
		maxConcurrent  int
		policy         DependencyPolicy
	}

	// ExecutorOption configures an Executor.
	ExecutorOption func(*Executor)

	// Result is the outcome of executing a graph.
	Result struct {
		// Perspectives holds the execution record of every node, keyed by ID.
		Perspectives map[string]*Perspective
		// Order lists perspective IDs in completion-schedule order (level by
		// level).
		Order []string
		// ChainUID is the stored chain-of-analysis summary artifact.
		ChainUID string
		// Failed lists the IDs of failed perspectives.
		Failed []string
	}
)

// WithRepairAttempts bounds code repair cycles per perspective.
func WithRepairAttempts(n int) ExecutorOption {
	return func(e *Executor) { e.repairAttempts = n }
}

// WithMaxConcurrent bounds how many perspectives run at once within a level.
// Zero means no bound.
func WithMaxConcurrent(n int) ExecutorOption {
	return func(e *Executor) { e.maxConcurrent = n }
}

// WithDependencyPolicy selects failed-dependency handling.
func WithDependencyPolicy(p DependencyPolicy) ExecutorOption {
	return func(e *Executor) { e.policy = p }
}

// WithRetryConfig sets the retry policy for transient model failures.
func WithRetryConfig(cfg retry.Config) ExecutorOption {
	return func(e *Executor) { e.retryCfg = cfg }
}

// WithLogger sets the executor logger. Nil keeps the noop default.
func WithLogger(l telemetry.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor constructs an executor.
func NewExecutor(store artifact.Store, engine *codeexec.Engine, client model.Client, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:          store,
		engine:         engine,
		client:         client,
		logger:         telemetry.NewNoopLogger(),
		retryCfg:       retry.DefaultConfig(),
		repairAttempts: DefaultRepairAttempts,
		policy:         PolicyDegrade,
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e
}

// Execute runs every perspective in the graph, honoring the dependency
// partial order. A failed perspective never blocks unrelated ones; its
// dependents follow the configured DependencyPolicy.
func (e *Executor) Execute(ctx context.Context, g *Graph, goal string) (*Result, error) {
	res := &Result{Perspectives: make(map[string]*Perspective, g.Len())}
	var mu sync.Mutex

	for _, level := range g.Levels() {
		// Dependencies always live in earlier levels, so a stable view taken
		// here is complete for every node of this level.
		completed := make(map[string]*Perspective, len(res.Perspectives))
		for id, p := range res.Perspectives {
			completed[id] = p
		}

		eg, gctx := errgroup.WithContext(ctx)
		if e.maxConcurrent > 0 {
			eg.SetLimit(e.maxConcurrent)
		}
		for _, id := range level {
			spec, _ := g.Spec(id)
			eg.Go(func() error {
				p := e.runPerspective(gctx, spec, goal, completed)
				mu.Lock()
				res.Perspectives[id] = p
				res.Order = append(res.Order, id)
				if p.Status == StatusFailed {
					res.Failed = append(res.Failed, id)
				}
				mu.Unlock()
				return nil
			})
		}
		// Worker errors surface through perspective status, not the group;
		// Wait only propagates context cancellation.
		if err := eg.Wait(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	chainUID, err := e.storeChain(ctx, goal, res)
	if err != nil {
		return nil, err
	}
	res.ChainUID = chainUID
	return res, nil
}

// runPerspective executes one node end to end. All failure modes land in the
// returned perspective's status rather than an error so sibling nodes keep
// running.
func (e *Executor) runPerspective(ctx context.Context, spec Spec, goal string, completed map[string]*Perspective) *Perspective {
	p := &Perspective{Spec: spec, Status: StatusRunning}

	inputs, degraded, reason := e.resolveInputs(ctx, spec, completed)
	if reason != "" {
		p.Status = StatusFailed
		p.FailureReason = reason
		return p
	}
	p.Degraded = degraded
	p.InputUIDs = inputs

	outputs, execErr := e.generateAndRun(ctx, p, goal)
	if execErr != nil {
		e.logger.Warn(ctx, "perspective failed", "id", spec.ID, "error", execErr.Error())
		p.Status = StatusFailed
		p.FailureReason = execErr.Error()
		return p
	}
	p.OutputUIDs = outputs

	if err := e.synthesizeNarrative(ctx, p, goal); err != nil {
		e.logger.Warn(ctx, "narrative failed", "id", spec.ID, "error", err.Error())
		p.Status = StatusFailed
		p.FailureReason = err.Error()
		return p
	}
	p.Status = StatusDone
	return p
}

// resolveInputs joins the declared evidence with dependency outputs. A failed
// dependency either fails the perspective or is replaced by a stored
// placeholder, per policy.
func (e *Executor) resolveInputs(ctx context.Context, spec Spec, completed map[string]*Perspective) (inputs []string, degraded bool, failReason string) {
	inputs = append(inputs, spec.InputUIDs...)
	for _, dep := range spec.DependsOn {
		d := completed[dep]
		if d != nil && d.Status == StatusDone {
			inputs = append(inputs, d.OutputUIDs...)
			continue
		}
		if e.policy == PolicyFail {
			return nil, false, fmt.Sprintf("dependency %s failed", dep)
		}
		uid, err := e.storePlaceholder(ctx, spec.ID, dep)
		if err != nil {
			return nil, false, err.Error()
		}
		inputs = append(inputs, uid)
		degraded = true
	}
	return inputs, degraded, ""
}

func (e *Executor) storePlaceholder(ctx context.Context, id, dep string) (string, error) {
	payload, err := artifact.JSONPayload(map[string]string{
		"placeholder_for": dep,
		"note":            "dependency failed; analysis proceeds without its outputs",
	})
	if err != nil {
		return "", err
	}
	return e.store.Put(ctx, artifact.KindAnalysisNote, payload, "analysis_executor",
		"placeholder", "perspective:"+id)
}

const codegenSystemPrompt = `You are the quantitative stage of a financial research pipeline.
Write a Starlark fragment that advances the stated analytical focus using the
bound input variables. Starlark is Python-like: no imports, while loops and
reassignment allowed, json and math modules are predeclared. Store every
result worth keeping with store_artifact("code-result", value, tags=[...]).
Respond with JSON only: {"code": "<fragment>"}.`

var codegenSchema = []byte(`{
	"type": "object",
	"required": ["code"],
	"properties": {"code": {"type": "string", "minLength": 1}}
}`)

// generateAndRun asks the model for code and executes it, feeding runtime
// errors back for repair up to the configured bound.
func (e *Executor) generateAndRun(ctx context.Context, p *Perspective, goal string) ([]string, error) {
	bindings := make(map[string]string, len(p.InputUIDs))
	var describe strings.Builder
	for i, uid := range p.InputUIDs {
		name := fmt.Sprintf("input_%d", i)
		bindings[name] = uid
		a, err := e.store.Get(ctx, uid)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&describe, "- %s: uid=%s kind=%s tags=%s\n", name, uid, a.Kind, strings.Join(a.Tags, ","))
	}

	user := fmt.Sprintf("Research goal: %s\nFocus: %s\nBound inputs:\n%s", goal, p.Focus, describe.String())
	messages := model.UserPrompt(codegenSystemPrompt, user)

	var lastErr string
	for attempt := 1; attempt <= e.repairAttempts; attempt++ {
		var gen struct {
			Code string `json:"code"`
		}
		req := model.Request{Messages: messages}
		if err := e.completeJSONRetry(ctx, req, codegenSchema, &gen); err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}

		final := attempt == e.repairAttempts
		exec, err := e.engine.Execute(ctx, codeexec.Request{
			Code:            gen.Code,
			InputUIDs:       p.InputUIDs,
			Bindings:        bindings,
			Producer:        "perspective:" + p.ID,
			PreserveFailure: final,
		})
		if err != nil {
			return nil, err
		}
		if exec.Status == codeexec.StatusOK {
			return exec.ArtifactUIDs, nil
		}
		lastErr = exec.ErrText
		messages = append(messages,
			model.Message{Role: model.RoleAssistant, Content: gen.Code},
			model.Message{Role: model.RoleUser, Content: fmt.Sprintf(
				"Execution ended with status %s:\n%s\nRepair the fragment and respond with JSON only.",
				exec.Status, exec.ErrText)},
		)
	}
	return nil, fmt.Errorf("code execution failed after %d attempts: %s", e.repairAttempts, lastErr)
}

const narrativeSystemPrompt = `You are the narrative stage of a financial research pipeline.
Write a concise analytical narrative for the stated focus, grounded in the
computed results. Support every factual claim with an inline citation of the
form [Ref: <uid>] where <uid> is one of the allowed UIDs. Do not cite
anything else.`

// synthesizeNarrative produces and stores the perspective narrative. The
// narrative may cite only the perspective's input UIDs; invalid citations are
// sent back for one rewrite, then stripped.
func (e *Executor) synthesizeNarrative(ctx context.Context, p *Perspective, goal string) error {
	allowed := make(map[string]bool, len(p.InputUIDs))
	for _, uid := range p.InputUIDs {
		allowed[uid] = true
	}

	results, err := e.describeOutputs(ctx, p.OutputUIDs)
	if err != nil {
		return err
	}
	user := fmt.Sprintf("Research goal: %s\nFocus: %s\nAllowed citation UIDs: %s\nComputed results:\n%s",
		goal, p.Focus, strings.Join(p.InputUIDs, ", "), results)
	messages := model.UserPrompt(narrativeSystemPrompt, user)

	narrative, err := e.completeRetry(ctx, model.Request{Messages: messages})
	if err != nil {
		return fmt.Errorf("synthesize narrative: %w", err)
	}
	if bad := cite.Invalid(narrative, allowed); len(bad) > 0 {
		messages = append(messages,
			model.Message{Role: model.RoleAssistant, Content: narrative},
			model.Message{Role: model.RoleUser, Content: fmt.Sprintf(
				"These citations are not in the allowed set and must be removed or replaced: %s",
				strings.Join(bad, ", "))},
		)
		narrative, err = e.completeRetry(ctx, model.Request{Messages: messages})
		if err != nil {
			return fmt.Errorf("rewrite narrative: %w", err)
		}
		// The model gets one rewrite; after that the discipline is enforced
		// mechanically.
		narrative = cite.Strip(narrative, allowed)
	}
	p.Narrative = cite.Dedupe(narrative)

	payload, err := artifact.JSONPayload(map[string]any{
		"perspective": p.ID,
		"focus":       p.Focus,
		"narrative":   p.Narrative,
		"degraded":    p.Degraded,
	})
	if err != nil {
		return err
	}
	uid, err := e.store.Put(ctx, artifact.KindAnalysisNote, payload, "analysis_executor",
		"perspective", "id:"+p.ID)
	if err != nil {
		return err
	}
	p.NarrativeUID = uid
	p.OutputUIDs = append(p.OutputUIDs, uid)
	return nil
}

func (e *Executor) describeOutputs(ctx context.Context, uids []string) (string, error) {
	if len(uids) == 0 {
		return "(no stored results)", nil
	}
	var b strings.Builder
	for _, uid := range uids {
		a, err := e.store.Get(ctx, uid)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "- %s: %s\n", uid, string(a.Payload))
	}
	return b.String(), nil
}

// storeChain persists the full chain-of-analysis record.
func (e *Executor) storeChain(ctx context.Context, goal string, res *Result) (string, error) {
	ordered := make([]*Perspective, 0, len(res.Order))
	for _, id := range res.Order {
		ordered = append(ordered, res.Perspectives[id])
	}
	payload, err := artifact.JSONPayload(map[string]any{
		"goal":         goal,
		"perspectives": ordered,
	})
	if err != nil {
		return "", err
	}
	return e.store.Put(ctx, artifact.KindAnalysisNote, payload, "analysis_executor", "chain-of-analysis")
}

func (e *Executor) completeRetry(ctx context.Context, req model.Request) (string, error) {
	var text string
	err := retry.Do(ctx, e.retryCfg, func(ctx context.Context) error {
		resp, err := e.client.Complete(ctx, req)
		if err != nil {
			return err
		}
		text = resp.Text
		return nil
	})
	return text, err
}

func (e *Executor) completeJSONRetry(ctx context.Context, req model.Request, schema []byte, out any) error {
	return retry.Do(ctx, e.retryCfg, func(ctx context.Context) error {
		return model.CompleteJSON(ctx, e.client, req, schema, out)
	})
}
