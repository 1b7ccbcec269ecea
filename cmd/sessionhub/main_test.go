package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kandev/sessionhub/internal/common/config"
)

func TestConfigCommand_PrintsYAML(t *testing.T) {
	t.Setenv("SESSIONHUB_LIFECYCLE_MAX_AGENTS_PER_SESSION", "7")

	cmd := newConfigCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Execute())

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &cfg))
	assert.Equal(t, 7, cfg.Lifecycle.MaxAgentsPerSession)
	assert.Equal(t, 8, cfg.Tasks.FanoutConcurrency)
	assert.True(t, cfg.Lifecycle.RemoveEntryOnFailure)
}

func TestDemoCommand(t *testing.T) {
	t.Setenv("SESSIONHUB_LOGGING_LEVEL", "error")

	cmd := newDemoCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--users", "2"})
	require.NoError(t, cmd.Execute())

	var report struct {
		TotalSessions int `yaml:"total_sessions"`
		TotalAgents   int `yaml:"total_agents"`
	}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 2, report.TotalSessions)
	assert.Equal(t, 2, report.TotalAgents)
}
