package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/finsight-ai/finsight/runtime/artifact"
	"github.com/finsight-ai/finsight/runtime/model"
)

// Planner partitions an analysis goal into independent perspectives, each
// with a declared input set drawn from the available evidence UIDs. The model
// proposes the partition; the planner validates it against the evidence
// actually in the store so a perspective can never declare evidence that does
// not exist.
type Planner struct {
	store  artifact.Store
	client model.Client
}

// ErrEmptyPlan indicates the model produced no usable perspectives.
var ErrEmptyPlan = errors.New("analysis: empty plan")

// NewPlanner constructs a planner.
func NewPlanner(store artifact.Store, client model.Client) *Planner {
	return &Planner{store: store, client: client}
}

const plannerSystemPrompt = `You are the planning stage of a financial research pipeline.
Partition the analysis goal into 2-5 independent analytical angles (for example
profitability, growth, risk). Each angle becomes a perspective with a declared
input set drawn from the available evidence UIDs. Use depends_on only when an
angle genuinely needs another angle's computed outputs.
Respond with JSON only.`

var planSchema = []byte(`{
	"type": "object",
	"required": ["perspectives"],
	"properties": {
		"perspectives": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "focus", "input_uids"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"focus": {"type": "string", "minLength": 1},
					"input_uids": {"type": "array", "items": {"type": "string"}},
					"depends_on": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`)

// Plan proposes the perspective specs for the goal. Malformed model output is
// repaired once by re-prompting with the validation error before giving up.
func (p *Planner) Plan(ctx context.Context, goal string, evidenceUIDs []string) ([]Spec, error) {
	inventory, known, err := p.describeEvidence(ctx, evidenceUIDs)
	if err != nil {
		return nil, err
	}
	user := fmt.Sprintf("Analysis goal: %s\n\nAvailable evidence:\n%s", goal, inventory)

	var plan struct {
		Perspectives []Spec `json:"perspectives"`
	}
	req := model.Request{Messages: model.UserPrompt(plannerSystemPrompt, user)}
	if err := model.CompleteJSON(ctx, p.client, req, planSchema, &plan); err != nil {
		if !errors.Is(err, model.ErrMalformedOutput) {
			return nil, fmt.Errorf("analysis: plan: %w", err)
		}
		repair := req
		repair.Messages = append(repair.Messages, model.Message{
			Role:    model.RoleUser,
			Content: "Your previous response was not valid: " + err.Error() + "\nRespond again with JSON only.",
		})
		if err := model.CompleteJSON(ctx, p.client, repair, planSchema, &plan); err != nil {
			return nil, fmt.Errorf("analysis: plan: %w", err)
		}
	}

	specs := make([]Spec, 0, len(plan.Perspectives))
	for _, s := range plan.Perspectives {
		// Drop hallucinated evidence references; the citation discipline
		// downstream depends on input sets being real.
		var inputs []string
		for _, uid := range s.InputUIDs {
			if known[uid] {
				inputs = append(inputs, uid)
			}
		}
		s.InputUIDs = inputs
		specs = append(specs, s)
	}
	if len(specs) == 0 {
		return nil, ErrEmptyPlan
	}
	return specs, nil
}

func (p *Planner) describeEvidence(ctx context.Context, uids []string) (string, map[string]bool, error) {
	var b strings.Builder
	known := make(map[string]bool, len(uids))
	for _, uid := range uids {
		a, err := p.store.Get(ctx, uid)
		if err != nil {
			return "", nil, fmt.Errorf("analysis: describe evidence: %w", err)
		}
		known[uid] = true
		fmt.Fprintf(&b, "- %s kind=%s producer=%s tags=%s\n", a.UID, a.Kind, a.Producer, strings.Join(a.Tags, ","))
	}
	return b.String(), known, nil
}
