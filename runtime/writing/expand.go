package writing

import (
	"context"
	"fmt"
	"strings"

	"github.com/finsight-ai/finsight/runtime/artifact"
	"github.com/finsight-ai/finsight/runtime/cite"
	"github.com/finsight-ai/finsight/runtime/model"
)

const expandSystemPrompt = `You write sections of an investment research memo.
Write the requested section in flowing markdown prose without a heading.
Support every factual claim with an inline citation of the form [Ref: <uid>]
where <uid> is one of the section's allowed UIDs. Citing anything outside the
allowed set is a contract violation.`

// Expand runs the second stage: every pending section is expanded, reviewed,
// and stored. When all sections are done the memo is assembled, self-reviewed,
// and stored; otherwise Expand returns ErrSectionsFailed and the outline's
// per-section statuses tell the caller what to retry via ExpandSection.
func (c *Compiler) Expand(ctx context.Context, outline *Outline) (*Memo, error) {
	for i := range outline.Sections {
		s := &outline.Sections[i]
		if s.Status == SectionDone {
			continue
		}
		if err := c.ExpandSection(ctx, s); err != nil {
			s.Status = SectionFailed
			s.FailureReason = err.Error()
			c.logger.Warn(ctx, "section expansion failed", "section", s.ID, "error", err.Error())
		}
	}

	var failed []string
	for _, s := range outline.Sections {
		if s.Status != SectionDone {
			failed = append(failed, s.ID)
		}
	}
	if len(failed) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrSectionsFailed, strings.Join(failed, ", "))
	}
	return c.assemble(ctx, outline)
}

// ExpandSection expands one section and enforces its citation contract: a
// draft citing outside the allowed set gets one rewrite with the violations
// named; a second violation fails the section. The expanded text is
// self-reviewed so every paragraph carries at least one citation.
func (c *Compiler) ExpandSection(ctx context.Context, s *Section) error {
	allowed := make(map[string]bool, len(s.AllowedUIDs))
	for _, uid := range s.AllowedUIDs {
		allowed[uid] = true
	}

	evidence, err := c.describeAllowed(ctx, s.AllowedUIDs)
	if err != nil {
		return err
	}
	user := fmt.Sprintf("Section: %s\nGoal: %s\nAllowed citation UIDs:\n%s", s.Title, s.Goal, evidence)
	messages := model.UserPrompt(expandSystemPrompt, user)

	resp, err := c.client.Complete(ctx, model.Request{Messages: messages})
	if err != nil {
		return fmt.Errorf("expand %s: %w", s.ID, err)
	}
	text := resp.Text

	if bad := cite.Invalid(text, allowed); len(bad) > 0 {
		messages = append(messages,
			model.Message{Role: model.RoleAssistant, Content: text},
			model.Message{Role: model.RoleUser, Content: fmt.Sprintf(
				"These citations violate the section's allowed set and must be removed or replaced: %s",
				strings.Join(bad, ", "))},
		)
		resp, err = c.client.Complete(ctx, model.Request{Messages: messages})
		if err != nil {
			return fmt.Errorf("rewrite %s: %w", s.ID, err)
		}
		text = resp.Text
		if bad := cite.Invalid(text, allowed); len(bad) > 0 {
			return fmt.Errorf("section %s cites outside its allowed set after rewrite: %s",
				s.ID, strings.Join(bad, ", "))
		}
	}

	s.Text = reviewSection(text, s.AllowedUIDs)
	s.Status = SectionDone
	s.FailureReason = ""
	return nil
}

// assemble stitches the sections into the final memo, appends the references
// table, and stores each section plus the memo itself.
func (c *Compiler) assemble(ctx context.Context, outline *Outline) (*Memo, error) {
	memo := &Memo{}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", outline.Title)
	for _, s := range outline.Sections {
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", s.Title, s.Text)

		payload, err := artifact.JSONPayload(s)
		if err != nil {
			return nil, err
		}
		uid, err := c.store.Put(ctx, artifact.KindMemoSection, payload, "writing_compiler",
			"memo", "section:"+s.ID)
		if err != nil {
			return nil, fmt.Errorf("writing: store section %s: %w", s.ID, err)
		}
		memo.SectionUIDs = append(memo.SectionUIDs, uid)
	}

	refs, err := c.referencesTable(ctx, b.String())
	if err != nil {
		return nil, err
	}
	b.WriteString(refs)
	memo.Text = b.String()

	uid, err := c.store.Put(ctx, artifact.KindMemoSection, []byte(memo.Text), "writing_compiler",
		"memo", "final")
	if err != nil {
		return nil, fmt.Errorf("writing: store memo: %w", err)
	}
	memo.UID = uid
	c.logger.Info(ctx, "memo stored", "uid", uid, "sections", int64(len(memo.SectionUIDs)))
	return memo, nil
}

// referencesTable lists every UID cited anywhere in the memo, in order of
// first appearance, with its kind and producer from the store.
func (c *Compiler) referencesTable(ctx context.Context, text string) (string, error) {
	uids := cite.Extract(text)
	if len(uids) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("\n## References\n\n| Ref | Kind | Producer |\n|---|---|---|\n")
	for _, uid := range uids {
		a, err := c.store.Get(ctx, uid)
		if err != nil {
			return "", fmt.Errorf("writing: resolve reference %s: %w", uid, err)
		}
		fmt.Fprintf(&b, "| %s | %s | %s |\n", uid, a.Kind, a.Producer)
	}
	return b.String(), nil
}

func (c *Compiler) describeAllowed(ctx context.Context, uids []string) (string, error) {
	var b strings.Builder
	for _, uid := range uids {
		a, err := c.store.Get(ctx, uid)
		if err != nil {
			return "", fmt.Errorf("writing: resolve allowed uid %s: %w", uid, err)
		}
		fmt.Fprintf(&b, "- %s kind=%s producer=%s: %s\n", uid, a.Kind, a.Producer, excerpt(a.Payload, 200))
	}
	return b.String(), nil
}

func excerpt(payload []byte, n int) string {
	s := string(payload)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
