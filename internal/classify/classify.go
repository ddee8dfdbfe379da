// Package classify assigns a task kind from task body content using
// ordered pattern rules. Classification is deterministic: the same body
// always routes to the same executor capability.
package classify

import (
	"log/slog"
	"regexp"
)

// TaskKind names an executor capability.
type TaskKind string

const (
	KindCommand       TaskKind = "command"        // Executable command block
	KindCodeWrite     TaskKind = "code_write"     // File path plus source block
	KindConfig        TaskKind = "config"         // key=value / environment-style lines
	KindInteractive   TaskKind = "interactive"    // URL plus navigation verbs
	KindVerify        TaskKind = "verify"         // Verification command with Expected: assertion
	KindHumanRequired TaskKind = "human_required" // Always pauses for out-of-band confirmation
	KindUnclassified  TaskKind = "unclassified"   // No rule matched; routes to the generic executor
)

var (
	humanPattern    = regexp.MustCompile(`(?im)^\s*(\[HUMAN\]|HUMAN[- ]REQUIRED:|Requires human\b)`)
	commandPattern  = regexp.MustCompile("(?m)^```(sh|bash|shell|console)?\\s*$")
	filePathPattern = regexp.MustCompile(`(?m)(^|\s)` + "`?" + `[\w./-]+\.(go|py|js|ts|rs|c|h|java|rb|sql|sh|ya?ml|json|toml|proto)` + "`?" + `(\s|:|$)`)
	sourcePattern   = regexp.MustCompile("(?m)^```[a-zA-Z]+\\s*$")
	configPattern   = regexp.MustCompile(`(?m)^\s*(export\s+)?[A-Z][A-Z0-9_]*=\S+`)
	urlPattern      = regexp.MustCompile(`https?://\S+`)
	navigatePattern = regexp.MustCompile(`(?i)\b(navigate|open|visit|browse|click|log ?in|sign ?in)\b`)
	expectedPattern = regexp.MustCompile(`(?m)^\s*Expected:`)
)

// rule pairs a kind with its match predicate. Order matters: first match
// wins, and Verify precedes Command because a verification step is a
// command block narrowed by an Expected: assertion.
var rules = []struct {
	kind  TaskKind
	match func(body string) bool
}{
	{KindHumanRequired, func(b string) bool { return humanPattern.MatchString(b) }},
	{KindVerify, func(b string) bool {
		return expectedPattern.MatchString(b) && (commandPattern.MatchString(b) || checkInlineCommand(b))
	}},
	{KindCommand, func(b string) bool { return commandPattern.MatchString(b) }},
	{KindCodeWrite, func(b string) bool { return filePathPattern.MatchString(b) && sourcePattern.MatchString(b) }},
	{KindConfig, func(b string) bool { return configPattern.MatchString(b) }},
	{KindInteractive, func(b string) bool { return urlPattern.MatchString(b) && navigatePattern.MatchString(b) }},
}

var inlineCmdPattern = regexp.MustCompile("`[^`]+`")

func checkInlineCommand(b string) bool {
	return inlineCmdPattern.MatchString(b)
}

// Classify inspects a task body and returns its kind. An unmatched body
// is KindUnclassified with a logged warning, never an error.
func Classify(body string) TaskKind {
	for _, r := range rules {
		if r.match(body) {
			return r.kind
		}
	}
	slog.Warn("task body matched no classification rule, routing to generic executor")
	return KindUnclassified
}
