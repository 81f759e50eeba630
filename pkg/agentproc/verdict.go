// Package agentproc invokes the agent as an external subprocess,
// parses its readiness verdict, and handles CONTEXT_HANDOFF
// continuation across sessions.
package agentproc

import (
	"regexp"
	"strings"
)

// Verdict is the closed set of readiness-pass outcomes.
type Verdict string

const (
	VerdictReady       Verdict = "READY"
	VerdictCorrected   Verdict = "CORRECTED"
	VerdictNotReady    Verdict = "NOT_READY"
	VerdictNeedsReview Verdict = "NEEDS_REVIEW"
	VerdictClose       Verdict = "CLOSE"
	VerdictUnknown     Verdict = "UNKNOWN"
)

var knownVerdicts = map[string]Verdict{
	"READY":        VerdictReady,
	"CORRECTED":    VerdictCorrected,
	"NOT_READY":    VerdictNotReady,
	"NEEDS_REVIEW": VerdictNeedsReview,
	"CLOSE":        VerdictClose,
	"UNKNOWN":      VerdictUnknown,
}

// Proceeds reports whether the implementation pass should run.
func (v Verdict) Proceeds() bool {
	return v == VerdictReady || v == VerdictCorrected
}

var (
	headingPattern     = regexp.MustCompile(`(?i)^##\s*VERDICT\s*$`)
	prefixPattern      = regexp.MustCompile(`(?i)^VERDICT:\s*(\S+)`)
	bareKeywordPattern = regexp.MustCompile(`\b(READY|CORRECTED|NOT_READY|NEEDS_REVIEW|CLOSE|UNKNOWN)\b`)
	readyForPattern    = regexp.MustCompile(`(?i)##\s*READY_FOR`)
	implYesPattern     = regexp.MustCompile(`(?i)Implementation:\s*Yes`)
	closeReasonPattern = regexp.MustCompile(`(?i)close[_ ]reason:\s*(.+)`)
)

// ParseVerdict extracts the agent's readiness verdict from its stdout,
// trying each recognized format in order:
//  1. a "## VERDICT" heading, with the verdict keyword on the next line,
//  2. a "VERDICT: <keyword>" prefix line,
//  3. a bare keyword mention anywhere in the text,
//  4. an inferred verdict from an adjacent "## READY_FOR" block stating
//     "Implementation: Yes".
//
// It returns VerdictUnknown if none match; callers treat UNKNOWN as a
// non-fatal issue-level failure, never an error.
func ParseVerdict(stdout string) Verdict {
	lines := strings.Split(stdout, "\n")

	for i, line := range lines {
		if headingPattern.MatchString(strings.TrimSpace(line)) {
			for j := i + 1; j < len(lines) && j < i+4; j++ {
				if v, ok := verdictFromToken(strings.TrimSpace(lines[j])); ok {
					return v
				}
			}
		}
	}

	for _, line := range lines {
		if m := prefixPattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			if v, ok := verdictFromToken(m[1]); ok {
				return v
			}
		}
	}

	if m := bareKeywordPattern.FindStringSubmatch(stdout); m != nil {
		return knownVerdicts[strings.ToUpper(m[1])]
	}

	if readyForPattern.MatchString(stdout) && implYesPattern.MatchString(stdout) {
		return VerdictReady
	}

	return VerdictUnknown
}

func verdictFromToken(token string) (Verdict, bool) {
	token = strings.ToUpper(strings.Trim(token, " .:-*"))
	v, ok := knownVerdicts[token]
	return v, ok
}

// CloseReason extracts a "close_reason: ..." line from the agent's
// output, if present.
func CloseReason(stdout string) string {
	if m := closeReasonPattern.FindStringSubmatch(stdout); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// handoffPattern matches a CONTEXT_HANDOFF sentinel carrying a path to
// a continuation prompt, e.g. "CONTEXT_HANDOFF: /tmp/continuation.md".
var handoffPattern = regexp.MustCompile(`CONTEXT_HANDOFF:\s*(\S+)`)

// ScanHandoff returns the continuation prompt path from stdout, if the
// agent emitted a handoff sentinel.
func ScanHandoff(stdout string) (path string, found bool) {
	m := handoffPattern.FindStringSubmatch(stdout)
	if m == nil {
		return "", false
	}
	return m[1], true
}
