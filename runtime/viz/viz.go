// Package viz produces charts through iterative refinement: a model renders a
// chart specification into a stored chart artifact, a critic judges it, and
// heuristic revisions fold the critique back into the next attempt. The loop
// keeps the best-scoring attempt, which is not necessarily the last one.
package viz

import (
	"context"
	"fmt"
	"strings"

	"github.com/finsight-ai/finsight/runtime/artifact"
	"github.com/finsight-ai/finsight/runtime/codeexec"
	"github.com/finsight-ai/finsight/runtime/model"
	"github.com/finsight-ai/finsight/runtime/refine"
	"github.com/finsight-ai/finsight/runtime/telemetry"
)

// Defaults applied when options leave them unset.
const (
	DefaultMaxIterations  = 3
	DefaultScoreThreshold = 0.9
)

type (
	// Spec describes the chart to produce. The refinement loop mutates it
	// between iterations; Directives accumulate critic-driven revision
	// instructions that are folded into the next generation prompt.
	Spec struct {
		// ID names the chart within the run (e.g. "revenue-trend").
		ID string `json:"id"`
		// Title is the chart headline.
		Title string `json:"title"`
		// Goal states what the chart must communicate; the critic judges
		// candidates against it.
		Goal string `json:"goal,omitempty"`
		// ChartType is the visual form ("line", "bar", "scatter").
		ChartType string `json:"chart_type"`
		// DataUID is the artifact holding the data to plot.
		DataUID string `json:"data_uid"`
		// XLabel and YLabel label the axes.
		XLabel string `json:"x_label,omitempty"`
		YLabel string `json:"y_label,omitempty"`
		// Palette names the color scheme.
		Palette string `json:"palette,omitempty"`
		// ShowLegend toggles the legend.
		ShowLegend bool `json:"show_legend,omitempty"`
		// Annotations are callouts to draw on the chart.
		Annotations []string `json:"annotations,omitempty"`
		// Directives carry revision instructions from prior critiques.
		Directives []string `json:"directives,omitempty"`
	}

	// Chart is a finished chart: the best-scoring attempt of a session.
	Chart struct {
		// SpecUID is the stored chart-spec artifact.
		SpecUID string
		// Spec is the spec that produced the winning attempt.
		Spec Spec
		// Score is the critic's judgment of the winning attempt.
		Score float64
		// Iterations is how many attempts the session ran.
		Iterations int
	}

	// Visualizer runs chart refinement sessions.
	Visualizer struct {
		store     artifact.Store
		engine    *codeexec.Engine
		client    model.Client
		logger    telemetry.Logger
		threshold float64
		maxIters  int
	}

	// Option configures a Visualizer.
	Option func(*Visualizer)
)

// WithScoreThreshold sets the critic score that ends a session early.
func WithScoreThreshold(s float64) Option {
	return func(v *Visualizer) { v.threshold = s }
}

// WithMaxIterations bounds refinement attempts per chart.
func WithMaxIterations(n int) Option {
	return func(v *Visualizer) { v.maxIters = n }
}

// WithLogger sets the visualizer logger. Nil keeps the noop default.
func WithLogger(l telemetry.Logger) Option {
	return func(v *Visualizer) {
		if l != nil {
			v.logger = l
		}
	}
}

// New constructs a visualizer.
func New(store artifact.Store, engine *codeexec.Engine, client model.Client, opts ...Option) *Visualizer {
	v := &Visualizer{
		store:     store,
		engine:    engine,
		client:    client,
		logger:    telemetry.NewNoopLogger(),
		threshold: DefaultScoreThreshold,
		maxIters:  DefaultMaxIterations,
	}
	for _, o := range opts {
		if o != nil {
			o(v)
		}
	}
	return v
}

const renderSystemPrompt = `You are the charting stage of a financial research pipeline.
Write a Starlark fragment that reads the bound variable data, derives the
series to plot, and stores the complete chart specification with
store_artifact("chart-spec", spec, tags=["chart"]). The spec must be a dict
with keys: title, chart_type, x_label, y_label, palette, show_legend, series,
annotations. Respond with JSON only: {"code": "<fragment>"}.`

var renderSchema = []byte(`{
	"type": "object",
	"required": ["code"],
	"properties": {"code": {"type": "string", "minLength": 1}}
}`)

// Produce runs one refinement session and returns the best chart. The loop
// terminates on the score threshold or the iteration bound; a mid-session
// score regression does not end it.
func (v *Visualizer) Produce(ctx context.Context, spec Spec) (Chart, error) {
	loop := refine.New(v.store, v.generate, v.evaluate, v.refineSpec, v.logger)
	out, err := loop.Run(ctx, spec, refine.Config{
		Session:       "viz:" + spec.ID,
		Threshold:     v.threshold,
		MaxIterations: v.maxIters,
	})
	if err != nil {
		return Chart{}, err
	}
	return Chart{
		SpecUID:    out.Best.ArtifactUID,
		Spec:       out.Best.Spec,
		Score:      out.Best.Score,
		Iterations: len(out.History),
	}, nil
}

// generate has the model render the spec into a chart-spec artifact via the
// sandbox. A fragment that fails at runtime gets one repair pass with the
// error text before the iteration is abandoned.
func (v *Visualizer) generate(ctx context.Context, spec Spec, iteration int) (string, error) {
	messages := model.UserPrompt(renderSystemPrompt, v.renderPrompt(spec))
	var lastErr string
	for attempt := 0; attempt < 2; attempt++ {
		var gen struct {
			Code string `json:"code"`
		}
		if err := model.CompleteJSON(ctx, v.client, model.Request{Messages: messages}, renderSchema, &gen); err != nil {
			return "", fmt.Errorf("viz: render chart %s: %w", spec.ID, err)
		}
		res, err := v.engine.Execute(ctx, codeexec.Request{
			Code:      gen.Code,
			InputUIDs: []string{spec.DataUID},
			Bindings:  map[string]string{"data": spec.DataUID},
			Producer:  "visualizer:" + spec.ID,
		})
		if err != nil {
			return "", err
		}
		if res.Status == codeexec.StatusOK && len(res.ArtifactUIDs) > 0 {
			// The chart spec is the last artifact the fragment stored.
			return res.ArtifactUIDs[len(res.ArtifactUIDs)-1], nil
		}
		if res.Status == codeexec.StatusOK {
			lastErr = "fragment stored no chart-spec artifact"
		} else {
			lastErr = res.ErrText
		}
		messages = append(messages,
			model.Message{Role: model.RoleAssistant, Content: gen.Code},
			model.Message{Role: model.RoleUser, Content: "The fragment failed: " + lastErr + "\nRepair it and respond with JSON only."},
		)
	}
	return "", fmt.Errorf("viz: render chart %s iteration %d: %s", spec.ID, iteration, lastErr)
}

func (v *Visualizer) renderPrompt(spec Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Chart %q: %s chart titled %q.\n", spec.ID, spec.ChartType, spec.Title)
	if spec.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s.\n", spec.Goal)
	}
	if spec.XLabel != "" || spec.YLabel != "" {
		fmt.Fprintf(&b, "Axes: x=%q y=%q.\n", spec.XLabel, spec.YLabel)
	}
	if spec.Palette != "" {
		fmt.Fprintf(&b, "Palette: %s.\n", spec.Palette)
	}
	if spec.ShowLegend {
		b.WriteString("Include a legend.\n")
	}
	for _, a := range spec.Annotations {
		fmt.Fprintf(&b, "Annotate: %s.\n", a)
	}
	for _, d := range spec.Directives {
		fmt.Fprintf(&b, "Revision: %s.\n", d)
	}
	return b.String()
}

// evaluate asks the critic to judge the stored chart spec.
func (v *Visualizer) evaluate(ctx context.Context, spec Spec, candidateUID string) (float64, string, error) {
	a, err := v.store.Get(ctx, candidateUID)
	if err != nil {
		return 0, "", err
	}
	verdict, err := v.critique(ctx, spec, string(a.Payload))
	if err != nil {
		return 0, "", err
	}
	return verdict.score(), verdict.Feedback, nil
}

// refineSpec folds the critique back into the spec through fixed heuristics.
func (v *Visualizer) refineSpec(_ context.Context, spec Spec, _ float64, feedback string) (Spec, error) {
	return Revise(spec, feedback), nil
}
