package worker

import "strings"

// maxQuestionLength bounds how long a tail line can be and still plausibly
// be a short clarifying question rather than an explanation or a status
// update.
const maxQuestionLength = 500

// LooksLikeQuestion applies the interactive-input heuristic to a worker's
// most recent output: it ends in a question mark, contains no fenced code
// block, stays under the length bound, and shows no sign of a tool or file
// operation (which would mean the agent is still working, not waiting).
func LooksLikeQuestion(tail string) bool {
	trimmed := strings.TrimSpace(tail)
	if trimmed == "" {
		return false
	}
	if len(trimmed) > maxQuestionLength {
		return false
	}
	if !strings.HasSuffix(trimmed, "?") {
		return false
	}
	if strings.Contains(trimmed, "```") {
		return false
	}
	if looksLikeToolActivity(trimmed) {
		return false
	}
	return true
}

// looksLikeToolActivity catches lines that happen to end in "?" but are
// clearly describing an in-progress operation rather than asking the user
// something (e.g. a shell command echoed back, or a path-shaped token).
func looksLikeToolActivity(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range []string{"running ", "executing ", "reading ", "writing ", "$ ", "> "} {
		if strings.HasPrefix(lower, marker) {
			return true
		}
	}
	return false
}
