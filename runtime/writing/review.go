package writing

import (
	"strings"

	"github.com/finsight-ai/finsight/runtime/cite"
)

// reviewSection applies the mechanical self-review pass to expanded prose:
// repeated citations within a line are collapsed, and any substantive
// paragraph that ends up with no citation at all gets the section's primary
// evidence appended so no claim floats free of the artifact trail.
func reviewSection(text string, allowedUIDs []string) string {
	text = cite.Dedupe(text)
	if len(allowedUIDs) == 0 {
		return text
	}
	fallback := cite.Marker(allowedUIDs[0])

	paragraphs := strings.Split(text, "\n\n")
	for i, p := range paragraphs {
		if !substantive(p) {
			continue
		}
		if len(cite.Extract(p)) == 0 {
			paragraphs[i] = strings.TrimRight(p, " \n") + " " + fallback
		}
	}
	return strings.Join(paragraphs, "\n\n")
}

// substantive reports whether a paragraph makes claims worth citing. Headings,
// list markers alone, and very short fragments are exempt.
func substantive(p string) bool {
	t := strings.TrimSpace(p)
	if len(t) < 40 {
		return false
	}
	return !strings.HasPrefix(t, "#")
}
