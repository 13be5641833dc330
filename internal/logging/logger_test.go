package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf})

	logger.Info("chain established", "hops", 2)

	out := buf.String()
	assert.Contains(t, out, "nexusd[")
	assert.Contains(t, out, "[info]")
	assert.Contains(t, out, "chain established")
	assert.Contains(t, out, "hops=2")
}

func TestWithComponentPromotedToHeader(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf})

	logger.WithComponent("orchestrator").Warn("cleanup step failed", "step", "netns")

	out := buf.String()
	assert.Contains(t, out, "orchestrator: cleanup step failed")
	assert.Contains(t, out, "step=netns")
	// The component must not be duplicated as a trailing attribute.
	assert.NotContains(t, out, "component=orchestrator")
}

func TestQuotedAttrValues(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf})

	logger.Error("command failed", "stderr", "no such device tun0")
	assert.Contains(t, buf.String(), `stderr="no such device tun0"`)
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, JSON: true, Output: &buf})

	logger.WithComponent("tunnel").Info("tunnel up", "namespace", "vpnns0")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tunnel up", entry["msg"])
	assert.Equal(t, "tunnel", entry["component"])
	assert.Equal(t, "vpnns0", entry["namespace"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})

	logger.Debug("hidden")
	logger.Info("also hidden")
	assert.Empty(t, buf.String())

	logger.SetLevel(LevelDebug)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestDiscardLoggerSilent(t *testing.T) {
	logger := Discard()
	logger.Error("should go nowhere")
	assert.Greater(t, int(logger.GetLevel()), int(LevelError))
}
