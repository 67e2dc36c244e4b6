package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpersChainDirectly(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	// Each helper's result must support chaining a level method without
	// an intermediate assignment.
	WithComponent("api").Info().Msg("component line")
	WithLab("lab-1").Warn().Msg("lab line")
	WithAgent("host-a").Error().Msg("agent line")
	WithJob("j-1").Debug().Msg("job line")
	WithLink("r1:eth1-r2:eth1").Info().Msg("link line")

	wantFields := []struct {
		key, value string
	}{
		{"component", "api"},
		{"lab_id", "lab-1"},
		{"agent_id", "host-a"},
		{"job_id", "j-1"},
		{"link", "r1:eth1-r2:eth1"},
	}
	dec := json.NewDecoder(&buf)
	for _, want := range wantFields {
		var line map[string]any
		require.NoError(t, dec.Decode(&line))
		assert.Equal(t, want.value, line[want.key])
	}
}

func TestInitLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})

	WithComponent("api").Info().Msg("suppressed")
	assert.Zero(t, buf.Len())

	WithComponent("api").Error().Msg("emitted")
	assert.NotZero(t, buf.Len())
}
