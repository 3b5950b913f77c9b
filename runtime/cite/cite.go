// Package cite handles the inline citation markers that tie generated prose
// back to stored artifacts. Markers have the form "[Ref: <uid>]" and every
// marker in a final memo must resolve against the run's artifact snapshot.
package cite

import (
	"regexp"
	"strings"
)

// Marker builds the inline citation marker for a UID.
func Marker(uid string) string { return "[Ref: " + uid + "]" }

var markerRE = regexp.MustCompile(`\[Ref:\s*([^\]\s]+)\s*\]`)

// Extract returns the UIDs cited in text, in order of first appearance,
// without duplicates.
func Extract(text string) []string {
	var uids []string
	seen := make(map[string]bool)
	for _, m := range markerRE.FindAllStringSubmatch(text, -1) {
		uid := m[1]
		if !seen[uid] {
			seen[uid] = true
			uids = append(uids, uid)
		}
	}
	return uids
}

// Invalid returns the cited UIDs that are not in the allowed set.
func Invalid(text string, allowed map[string]bool) []string {
	var out []string
	for _, uid := range Extract(text) {
		if !allowed[uid] {
			out = append(out, uid)
		}
	}
	return out
}

// Strip removes every marker whose UID is not in the allowed set and tidies
// the whitespace the removal leaves behind. Prose is preserved; only the
// offending markers disappear.
func Strip(text string, allowed map[string]bool) string {
	out := markerRE.ReplaceAllStringFunc(text, func(m string) string {
		sub := markerRE.FindStringSubmatch(m)
		if allowed[sub[1]] {
			return m
		}
		return ""
	})
	// Collapse double spaces introduced by removals, line by line so layout
	// is untouched.
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		for strings.Contains(line, "  ") {
			line = strings.ReplaceAll(line, "  ", " ")
		}
		lines[i] = strings.TrimRight(line, " ")
	}
	return strings.Join(lines, "\n")
}

// Dedupe removes repeated markers for the same UID within a single line,
// keeping the first occurrence.
func Dedupe(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		seen := make(map[string]bool)
		lines[i] = markerRE.ReplaceAllStringFunc(line, func(m string) string {
			uid := markerRE.FindStringSubmatch(m)[1]
			if seen[uid] {
				return ""
			}
			seen[uid] = true
			return m
		})
	}
	return strings.Join(lines, "\n")
}
