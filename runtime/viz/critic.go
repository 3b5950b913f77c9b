package viz

import (
	"context"
	"fmt"
	"strings"

	"github.com/finsight-ai/finsight/runtime/model"
)

// Issue categories the critic may raise. Each maps to a fixed revision
// heuristic in Revise.
const (
	IssueTitle  = "TITLE"
	IssueAxis   = "AXIS"
	IssueColor  = "COLOR"
	IssueAnnot  = "ANNOT"
	IssueLegend = "LEGEND"
)

// issuePenalty is subtracted from a perfect score per raised category.
const issuePenalty = 0.2

// Verdict is the parsed critic response.
type Verdict struct {
	// Approved means the chart is publication-ready as is.
	Approved bool
	// Issues lists the raised categories, deduplicated, in response order.
	Issues []string
	// Feedback is the critic's full response text.
	Feedback string
}

const criticSystemPrompt = `You review charts for an investment research memo.
If the chart specification is publication-ready, respond with the single word
APPROVED. Otherwise respond with REVISE on the first line, followed by one
line per problem, each starting with one of TITLE, AXIS, COLOR, ANNOT, LEGEND
and a colon, then a short explanation.`

// critique sends the chart spec to the critic model and parses the verdict.
func (v *Visualizer) critique(ctx context.Context, spec Spec, payload string) (Verdict, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Chart %q (%s): intended title %q.\n", spec.ID, spec.ChartType, spec.Title)
	if spec.Goal != "" {
		fmt.Fprintf(&b, "Goal: %s\nJudge the specification against this goal.\n", spec.Goal)
	}
	fmt.Fprintf(&b, "Specification:\n%s", payload)
	user := b.String()
	resp, err := v.client.Complete(ctx, model.Request{
		Messages: model.UserPrompt(criticSystemPrompt, user),
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("viz: critique chart %s: %w", spec.ID, err)
	}
	return ParseVerdict(resp.Text), nil
}

// ParseVerdict interprets a critic response. Anything that does not open with
// APPROVED counts as a revision request; unknown lines are kept as feedback
// but raise no category.
func ParseVerdict(text string) Verdict {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(strings.ToUpper(trimmed), "APPROVED") {
		return Verdict{Approved: true, Feedback: trimmed}
	}
	v := Verdict{Feedback: trimmed}
	seen := make(map[string]bool)
	for _, line := range strings.Split(trimmed, "\n") {
		upper := strings.ToUpper(strings.TrimSpace(line))
		for _, cat := range []string{IssueTitle, IssueAxis, IssueColor, IssueAnnot, IssueLegend} {
			if strings.HasPrefix(upper, cat) && !seen[cat] {
				seen[cat] = true
				v.Issues = append(v.Issues, cat)
			}
		}
	}
	return v
}

// score maps a verdict to the refinement loop's quality scale.
func (v Verdict) score() float64 {
	if v.Approved {
		return 1.0
	}
	s := 1.0 - issuePenalty*float64(len(v.Issues))
	if len(v.Issues) == 0 {
		// REVISE without a recognized category still signals rejection.
		s = 1.0 - issuePenalty
	}
	if s < 0 {
		s = 0
	}
	return s
}

// palettes is the cycle the COLOR heuristic walks through.
var palettes = []string{"default", "muted", "colorblind-safe", "high-contrast"}

// Revise applies the fixed per-category heuristics to the spec: title and
// axis critiques become generation directives, color critiques advance the
// palette, annotation critiques request callouts, and legend critiques turn
// the legend on.
func Revise(spec Spec, feedback string) Spec {
	verdict := ParseVerdict(feedback)
	next := spec
	next.Annotations = append([]string(nil), spec.Annotations...)
	next.Directives = append([]string(nil), spec.Directives...)
	for _, issue := range verdict.Issues {
		switch issue {
		case IssueTitle:
			next.Directives = append(next.Directives, "make the title specific: name the metric, entity, and period")
		case IssueAxis:
			next.Directives = append(next.Directives, "label both axes with units")
		case IssueColor:
			next.Palette = nextPalette(next.Palette)
		case IssueAnnot:
			next.Directives = append(next.Directives, "annotate the key inflection points")
		case IssueLegend:
			next.ShowLegend = true
		}
	}
	return next
}

func nextPalette(current string) string {
	for i, p := range palettes {
		if p == current {
			return palettes[(i+1)%len(palettes)]
		}
	}
	return palettes[0]
}
