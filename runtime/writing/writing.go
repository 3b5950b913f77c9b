// Package writing compiles the completed chain-of-analysis into the final
// research memo in two strictly sequential stages. Compile builds a structured
// outline: ordered sections, each annotated with the artifact UIDs its prose
// is permitted to cite. Expand synthesizes prose per section through the model
// and holds every draft to the outline's citation contract: a citation outside
// a section's allowed set is rejected and rewritten, never passed through.
// Sections fail independently so the orchestrator can retry one section
// without recompiling the outline.
package writing

import (
	"context"
	"errors"
	"fmt"

	"github.com/finsight-ai/finsight/runtime/analysis"
	"github.com/finsight-ai/finsight/runtime/artifact"
	"github.com/finsight-ai/finsight/runtime/model"
	"github.com/finsight-ai/finsight/runtime/telemetry"
)

// SectionStatus tracks a section through expansion.
type SectionStatus string

const (
	SectionPending SectionStatus = "pending"
	SectionDone    SectionStatus = "done"
	SectionFailed  SectionStatus = "failed"
)

// ErrIncompleteEvidence indicates the chain-of-analysis left no completed
// perspective for a required section to draw from.
var ErrIncompleteEvidence = errors.New("writing: incomplete evidence")

// ErrSectionsFailed indicates one or more sections did not expand; the memo
// was not stored.
var ErrSectionsFailed = errors.New("writing: sections failed")

type (
	// Section is one outline entry. AllowedUIDs is the closed citation set for
	// the section's prose.
	Section struct {
		// ID names the section within the outline.
		ID string `json:"id"`
		// Title is the section heading.
		Title string `json:"title"`
		// Goal tells the model what the section must cover.
		Goal string `json:"goal"`
		// AllowedUIDs is the complete set of artifacts the section may cite.
		AllowedUIDs []string `json:"allowed_uids"`
		// Text is the expanded prose. Empty until the section is done.
		Text string `json:"text,omitempty"`
		// Status is the section's expansion state.
		Status SectionStatus `json:"status"`
		// FailureReason explains a failed status.
		FailureReason string `json:"failure_reason,omitempty"`
	}

	// Outline is the compile stage's output: the memo skeleton.
	Outline struct {
		// Title is the memo headline.
		Title string `json:"title"`
		// Sections are ordered as they will appear in the memo.
		Sections []Section `json:"sections"`
	}

	// Memo is the stored final document.
	Memo struct {
		// UID is the stored memo artifact.
		UID string
		// Text is the full memo markdown, references table included.
		Text string
		// SectionUIDs are the per-section artifacts, in outline order.
		SectionUIDs []string
	}

	// Compiler runs both stages against a store and a model.
	Compiler struct {
		store  artifact.Store
		client model.Client
		logger telemetry.Logger
	}

	// Option configures a Compiler.
	Option func(*Compiler)

	// CompileRequest is the compile stage's input: the executed chain plus any
	// chart artifacts produced by the visualization stage.
	CompileRequest struct {
		// Goal is the overall research goal, used for the memo title and the
		// framing sections.
		Goal string
		// Chain is the executed chain-of-analysis.
		Chain *analysis.Result
		// ChartUIDs are the final chart artifacts, citable from any section.
		ChartUIDs []string
	}
)

// WithLogger sets the compiler logger. Nil keeps the noop default.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Compiler) {
		if l != nil {
			c.logger = l
		}
	}
}

// New constructs a writing compiler.
func New(store artifact.Store, client model.Client, opts ...Option) *Compiler {
	c := &Compiler{store: store, client: client, logger: telemetry.NewNoopLogger()}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}
	return c
}

// Compile builds the memo outline from the executed chain: an executive
// summary over every narrative, one body section per completed perspective,
// and a closing synthesis. It fails with ErrIncompleteEvidence when no
// perspective completed, since every section draws its citable evidence from
// the chain.
func (c *Compiler) Compile(ctx context.Context, req CompileRequest) (*Outline, error) {
	if req.Chain == nil {
		return nil, fmt.Errorf("%w: no chain", ErrIncompleteEvidence)
	}

	var done []*analysis.Perspective
	for _, id := range req.Chain.Order {
		p := req.Chain.Perspectives[id]
		if p != nil && p.Status == analysis.StatusDone {
			done = append(done, p)
		}
	}
	if len(done) == 0 {
		return nil, fmt.Errorf("%w: no completed perspective", ErrIncompleteEvidence)
	}

	// Narrative notes anchor the framing sections; body sections may
	// additionally cite their perspective's own inputs and outputs.
	var narrativeUIDs []string
	for _, p := range done {
		narrativeUIDs = append(narrativeUIDs, p.NarrativeUID)
	}
	framing := append(append([]string(nil), narrativeUIDs...), req.ChartUIDs...)

	outline := &Outline{Title: req.Goal}
	outline.Sections = append(outline.Sections, Section{
		ID:          "executive-summary",
		Title:       "Executive Summary",
		Goal:        "Summarize the key findings across all analytical angles in a few paragraphs.",
		AllowedUIDs: framing,
		Status:      SectionPending,
	})
	for _, p := range done {
		allowed := append([]string(nil), p.InputUIDs...)
		allowed = append(allowed, p.OutputUIDs...)
		allowed = append(allowed, req.ChartUIDs...)
		outline.Sections = append(outline.Sections, Section{
			ID:          "perspective-" + p.ID,
			Title:       sectionTitle(p.Focus),
			Goal:        fmt.Sprintf("Present the %s analysis in depth, grounded in its computed results.", p.Focus),
			AllowedUIDs: dedupeUIDs(allowed),
			Status:      SectionPending,
		})
	}
	outline.Sections = append(outline.Sections, Section{
		ID:          "conclusion",
		Title:       "Conclusion",
		Goal:        "Synthesize the perspectives into an overall assessment and outlook.",
		AllowedUIDs: framing,
		Status:      SectionPending,
	})

	c.logger.Info(ctx, "outline compiled",
		"sections", int64(len(outline.Sections)), "perspectives", int64(len(done)))
	return outline, nil
}

func sectionTitle(focus string) string {
	if focus == "" {
		return "Analysis"
	}
	// Capitalize the first byte only; focus strings are short ASCII phrases.
	b := []byte(focus)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}

func dedupeUIDs(uids []string) []string {
	seen := make(map[string]bool, len(uids))
	out := uids[:0]
	for _, uid := range uids {
		if uid != "" && !seen[uid] {
			seen[uid] = true
			out = append(out, uid)
		}
	}
	return out
}
