package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarizeFailure(t *testing.T) {
	tests := []struct {
		name string
		log  string
		want string
	}{
		{"image missing", "Error response from daemon: No such image: ceos:4.30", ReasonImageMissing},
		{"pull denied", "pull access denied for internal/router", ReasonImageMissing},
		{"disk full", "write /var/lib/docker: no space left on device", ReasonDiskFull},
		{"oom", "container killed: Out of memory", ReasonOOMKilled},
		{"permission", "open /dev/kvm: permission denied", ReasonPermission},
		{"timeout", "context deadline exceeded while waiting for boot", ReasonTimeout},
		{"refused", "dial tcp 10.0.0.5:9443: connection refused", ReasonAgentUnavailable},
		{"dead letter", "callback delivery failed after retries", ReasonCallbackFailed},
		{"unmatched", "something entirely novel happened", ReasonUnknown},
		{"empty", "", ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SummarizeFailure(tt.log))
		})
	}
}

func TestSummarizeFailureFirstMatchWins(t *testing.T) {
	// Dead-letter text also contains "failed"; the specific pattern
	// must win over later generic ones.
	got := SummarizeFailure("callback delivery failed: connection refused")
	assert.Equal(t, ReasonCallbackFailed, got)
}
