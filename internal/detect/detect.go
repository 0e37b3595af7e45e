// Package detect extracts corroborated flag candidates from noisy worker
// output. Detection is a fixed-priority cascade of pure extractor rules so the
// corroboration logic stays auditable and testable in isolation from I/O.
package detect

import (
	"regexp"
	"strings"
)

// ConfirmedMarker is the sentinel emitted only by the trusted in-sandbox
// submission helper once the platform has accepted a flag. Lines carrying it
// are trusted unconditionally.
const ConfirmedMarker = "FLAG_CONFIRMED_CORRECT:"

// flagRe matches candidate-shaped tokens: an identifier followed by a
// brace-delimited body of at least 3 characters.
var flagRe = regexp.MustCompile(`[A-Za-z0-9_]+\{[^}]{3,}\}`)

// submissionRe and escapedSubmissionRe track the submission value in raw and
// shell-escaped JSON output respectively.
var (
	submissionRe        = regexp.MustCompile(`"submission"\s*:\s*"([^"]+)"`)
	escapedSubmissionRe = regexp.MustCompile(`\\?"submission\\?"\s*:\\?\s*\\?"([^"\\]+)\\?"`)
)

// placeholders are example flags that agents echo back from the prompt.
// Never accepted as candidates.
var placeholders = map[string]struct{}{
	"flag{example_flag_123}": {},
	"flag{...}":              {},
	"FLAG{...}":              {},
	"CTF{...}":               {},
	"flag{FLAG}":             {},
	"YOUR_FLAG_HERE":         {},
	"DISCOVERED_FLAG":        {},
}

// successKeywords corroborate a candidate-shaped token on the same line.
// Covers English and Japanese phrasing used by the agent CLIs.
var successKeywords = []string{
	"correct", "accepted", "success", "submitted",
	"正解", "成功", "提出しました",
	"already_solved",
}

// Detector recognizes corroborated candidates. Stateless apart from the
// submission-value register, which callers thread explicitly via StreamState.
type Detector struct {
	denylist map[string]struct{}
}

// StreamState is the single-slot register tracking the most recently observed
// submission value across lines of one log stream. One StreamState per worker
// run; never shared.
type StreamState struct {
	lastSubmission string
}

// New creates a Detector. denied lists known-rejected candidates (on top of
// the built-in placeholders), typically the shared wrong-flag history.
func New(denied []string) *Detector {
	d := &Detector{denylist: make(map[string]struct{}, len(denied))}
	for _, v := range denied {
		d.denylist[v] = struct{}{}
	}
	return d
}

// Scan feeds a chunk of new log bytes through the cascade and returns the
// first corroborated candidate, or "" when the chunk contains none. The
// register in st is updated as a side effect even on lines that corroborate
// nothing.
func (d *Detector) Scan(st *StreamState, chunk string) string {
	for _, line := range strings.Split(chunk, "\n") {
		if c := d.detectLine(st, line); c != "" {
			return c
		}
	}
	return ""
}

// ScanAll runs the cascade over a complete log with a fresh register. Used
// for the final full-log pass after a sandbox exits.
func (d *Detector) ScanAll(text string) string {
	var st StreamState
	return d.Scan(&st, text)
}

// ExtractLast returns the last non-denylisted candidate-shaped token in text,
// with no corroboration requirement. Last-resort extraction from a deliverable
// artifact, never from live logs.
func (d *Detector) ExtractLast(text string) string {
	var last string
	for _, tok := range flagRe.FindAllString(text, -1) {
		if !d.denied(tok) {
			last = tok
		}
	}
	return last
}

// Rejections returns every submission value observed to be rejected in text,
// in order, duplicates preserved. Each occurrence is one rejection event. The
// denylist is deliberately ignored here: re-submitting an already-rejected
// value is still a rejection.
func (d *Detector) Rejections(text string) []string {
	var out []string
	var last string
	for _, line := range strings.Split(text, "\n") {
		if m := submissionRe.FindStringSubmatch(line); m != nil {
			if _, ok := placeholders[m[1]]; !ok {
				last = m[1]
			}
		}
		if m := escapedSubmissionRe.FindStringSubmatch(line); m != nil {
			if _, ok := placeholders[m[1]]; !ok {
				last = m[1]
			}
		}
		if strings.Contains(line, ConfirmedMarker) {
			continue
		}
		if strings.Contains(strings.ToLower(line), "incorrect") && last != "" {
			out = append(out, last)
			// One submission, one rejection, even when the verdict is
			// echoed across several lines.
			last = ""
		}
	}
	return out
}

// detectLine applies the rule cascade to one line; first match wins.
func (d *Detector) detectLine(st *StreamState, line string) string {
	lower := strings.ToLower(line)

	// The register tracks every submission value seen, success or not.
	d.trackSubmission(st, line)

	// Rule 1: explicit confirmed marker. Highest trust; overrides the
	// "incorrect" suppression below.
	if strings.Contains(line, ConfirmedMarker) {
		if c := d.lastFlagToken(line); c != "" {
			return c
		}
	}

	// A line reporting "incorrect" corroborates nothing.
	if strings.Contains(lower, "incorrect") {
		return ""
	}

	// Rule 2: structured status field says correct → the most recently
	// observed submission value is the candidate.
	if strings.Contains(line, `"status"`) && strings.Contains(line, `"correct"`) {
		if st.lastSubmission != "" {
			return st.lastSubmission
		}
	}

	// Rule 3: candidate-shaped token plus a success keyword on the same line.
	// The last token wins; in typical phrasing it sits closest to the keyword.
	if c := d.lastFlagToken(line); c != "" {
		for _, kw := range successKeywords {
			if strings.Contains(lower, kw) {
				return c
			}
		}
	}

	return ""
}

// trackSubmission updates the single-slot register from raw or escaped
// "submission" JSON fields.
func (d *Detector) trackSubmission(st *StreamState, line string) {
	if m := submissionRe.FindStringSubmatch(line); m != nil && !d.denied(m[1]) {
		st.lastSubmission = m[1]
	}
	if m := escapedSubmissionRe.FindStringSubmatch(line); m != nil && !d.denied(m[1]) {
		st.lastSubmission = m[1]
	}
}

// lastFlagToken returns the last candidate-shaped token on the line that is
// neither a placeholder nor denylisted.
func (d *Detector) lastFlagToken(line string) string {
	var last string
	for _, tok := range flagRe.FindAllString(line, -1) {
		if !d.denied(tok) {
			last = tok
		}
	}
	return last
}

func (d *Detector) denied(tok string) bool {
	if _, ok := placeholders[tok]; ok {
		return true
	}
	_, ok := d.denylist[tok]
	return ok
}
