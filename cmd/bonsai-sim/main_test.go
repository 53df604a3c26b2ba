package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/microsoft-bonsai-api/pkg/config"
)

func TestPromptCredentials(t *testing.T) {
	var out bytes.Buffer
	values, err := promptCredentials(strings.NewReader("ws-1\n  key-2  \n"), &out)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"SIM_WORKSPACE": "ws-1", "SIM_ACCESS_KEY": "key-2"}, values)
	assert.Contains(t, out.String(), "workspace id")
	assert.Contains(t, out.String(), "access key")
}

func TestPromptCredentials_Empty(t *testing.T) {
	_, err := promptCredentials(strings.NewReader("ws-1\n\n"), &bytes.Buffer{})
	assert.ErrorContains(t, err, "SIM_ACCESS_KEY must not be empty")
}

func TestRegistrationInfo(t *testing.T) {
	cfg := config.Defaults()

	info, err := registrationInfo(cfg)
	require.NoError(t, err)
	assert.Equal(t, "Adder", info.Name)
	assert.Equal(t, cfg.SimulatorContext, info.SimulatorContext)

	path := filepath.Join(t.TempDir(), "sim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: Cartpole\ntimeout: 30\nsimulatorContext: '{\"deploymentMode\":\"Testing\"}'\n"), 0o644))
	cfg.InterfacePath = path

	info, err = registrationInfo(cfg)
	require.NoError(t, err)
	assert.Equal(t, "Cartpole", info.Name)
	assert.Equal(t, 30.0, info.Timeout)
	assert.JSONEq(t, `{"deploymentMode":"Testing"}`, info.SimulatorContext)
}

func TestPolicyLogPath(t *testing.T) {
	now := time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC)

	cfg := config.Defaults()
	cfg.LogIterations = true
	assert.Equal(t, "2024-03-05-14-07-09_coast_log.csv", policyLogPath(cfg, "coast", now))

	// a path from the file, env or flags is kept
	cfg.LogPath = "runs/from-env.csv"
	assert.Equal(t, "runs/from-env.csv", policyLogPath(cfg, "coast", now))

	cfg = config.Defaults()
	assert.Equal(t, cfg.LogPath, policyLogPath(cfg, "random", now), "nothing to name without iteration logging")
}
