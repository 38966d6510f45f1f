package agent

import (
	"regexp"
	"strconv"
	"strings"

	v1 "github.com/haivemind/haivemind/pkg/api/v1"
)

var (
	createdFileRe  = regexp.MustCompile(`(?m)^\s*Creating file:\s+(\S+)`)
	modifiedFileRe = regexp.MustCompile(`(?m)^\s*Modified file:\s+(\S+)`)
	diffFileRe     = regexp.MustCompile(`(?m)^diff --git a/(\S+) b/\S+`)
	errorLineRe    = regexp.MustCompile(`(?im)^.*\b(?:error|fatal)\b[:\s].*$`)
	warnLineRe     = regexp.MustCompile(`(?im)^.*\bwarning\b[:\s].*$`)
	commandRe      = regexp.MustCompile(`(?m)^\s*\$\s+(.+)$`)
	testCountsRe   = regexp.MustCompile(`(?i)(\d+)\s+passed(?:,\s*(\d+)\s+failed)?(?:,\s*(\d+)\s+skipped)?`)
)

const digestMaxLen = 200

// Summarize derives a structured summary from an agent's raw output.
// It is a pure function over the transcript: file changes, error and
// warning lines, shell commands, test counts and a short digest.
func Summarize(output string) *v1.AgentSummary {
	s := &v1.AgentSummary{}

	seen := make(map[string]bool)
	addFile := func(path string) {
		if path != "" && !seen[path] {
			seen[path] = true
			s.FilesChanged = append(s.FilesChanged, path)
		}
	}
	for _, m := range createdFileRe.FindAllStringSubmatch(output, -1) {
		addFile(m[1])
	}
	for _, m := range modifiedFileRe.FindAllStringSubmatch(output, -1) {
		addFile(m[1])
	}
	for _, m := range diffFileRe.FindAllStringSubmatch(output, -1) {
		addFile(m[1])
	}

	for _, line := range errorLineRe.FindAllString(output, -1) {
		s.Errors = append(s.Errors, strings.TrimSpace(line))
	}
	for _, line := range warnLineRe.FindAllString(output, -1) {
		s.Warnings = append(s.Warnings, strings.TrimSpace(line))
	}
	for _, m := range commandRe.FindAllStringSubmatch(output, -1) {
		s.Commands = append(s.Commands, strings.TrimSpace(m[1]))
	}

	if m := testCountsRe.FindStringSubmatch(output); m != nil {
		s.Tests.Passed = atoiOrZero(m[1])
		s.Tests.Failed = atoiOrZero(m[2])
		s.Tests.Skipped = atoiOrZero(m[3])
	}

	s.Digest = digest(output)
	return s
}

// digest is the last non-empty line of the transcript, truncated.
func digest(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if len(line) > digestMaxLen {
			return line[:digestMaxLen]
		}
		return line
	}
	return ""
}

// EscalationContext renders a previous attempt's summary as extra
// prompt context for the next attempt at the same task.
func EscalationContext(prev *v1.AgentSummary) string {
	if prev == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Previous Attempt Summary\n")
	if len(prev.FilesChanged) > 0 {
		b.WriteString("Files changed: " + strings.Join(prev.FilesChanged, ", ") + "\n")
	}
	for _, e := range prev.Errors {
		b.WriteString("Error: " + e + "\n")
	}
	for _, w := range prev.Warnings {
		b.WriteString("Warning: " + w + "\n")
	}
	if prev.Digest != "" {
		b.WriteString(prev.Digest + "\n")
	}
	return b.String()
}

func atoiOrZero(s string) int {
	if s == "" {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}
