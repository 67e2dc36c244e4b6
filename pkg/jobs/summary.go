package jobs

import "strings"

// Failure reason labels. Bounded so the metrics cardinality stays
// fixed no matter what agents emit.
const (
	ReasonAgentUnavailable = "agent_unavailable"
	ReasonImageMissing     = "image_missing"
	ReasonTimeout          = "timeout"
	ReasonDiskFull         = "disk_full"
	ReasonOOMKilled        = "oom_killed"
	ReasonPermission       = "permission_denied"
	ReasonCallbackFailed   = "callback_failed"
	ReasonConflict         = "conflict"
	ReasonStuck            = "stuck"
	ReasonUnknown          = "unknown"
)

// summaryPatterns maps log substrings to reason labels. First match
// wins, so more specific patterns come first.
var summaryPatterns = []struct {
	substr string
	reason string
}{
	{"callback delivery failed", ReasonCallbackFailed},
	{"no such image", ReasonImageMissing},
	{"image not found", ReasonImageMissing},
	{"pull access denied", ReasonImageMissing},
	{"no space left on device", ReasonDiskFull},
	{"disk full", ReasonDiskFull},
	{"out of memory", ReasonOOMKilled},
	{"oom-kill", ReasonOOMKilled},
	{"oomkilled", ReasonOOMKilled},
	{"permission denied", ReasonPermission},
	{"context deadline exceeded", ReasonTimeout},
	{"i/o timeout", ReasonTimeout},
	{"timed out", ReasonTimeout},
	{"connection refused", ReasonAgentUnavailable},
	{"no route to host", ReasonAgentUnavailable},
	{"unavailable", ReasonAgentUnavailable},
}

// SummarizeFailure classifies a failure log into one of the bounded
// reason labels.
func SummarizeFailure(logText string) string {
	lower := strings.ToLower(logText)
	for _, p := range summaryPatterns {
		if strings.Contains(lower, p.substr) {
			return p.reason
		}
	}
	return ReasonUnknown
}
