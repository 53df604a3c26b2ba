package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, DefaultServer, cfg.Server)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NoError(t, cfg.Validate())

	var simCtx map[string]string
	require.NoError(t, json.Unmarshal([]byte(cfg.SimulatorContext), &simCtx))
	assert.Len(t, simCtx["simulatorClientId"], 36)
	assert.NotEqual(t, cfg.SimulatorContext, Defaults().SimulatorContext)
}

func TestResolve_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "sim.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
workspace: from-file
access_key: file-key
log_level: debug
log_iterations: true
sim_context:
  simulatorClientId: fixed
`), 0o644))

	fileLayer, err := FromFile(file)
	require.NoError(t, err)

	env := FromEnv(lookupFrom(map[string]string{
		"SIM_WORKSPACE":  "from-env",
		"SIM_ACCESS_KEY": "",
		"UNRELATED":      "x",
	}))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--accesskey", "flag-key", "--log-format", "json"}))

	cfg, err := Resolve(Defaults(), fileLayer, env, FromFlags(fs))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Workspace)
	assert.Equal(t, "flag-key", cfg.AccessKey)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.LogIterations)
	assert.JSONEq(t, `{"simulatorClientId":"fixed"}`, cfg.SimulatorContext)
	assert.Equal(t, DefaultServer, cfg.Server)
}

func TestBrainURL(t *testing.T) {
	legacy := FromEnv(lookupFrom(map[string]string{"EXPORTED_BRAIN_URL": "http://legacy:5000"}))
	cfg, err := Resolve(Defaults(), legacy)
	require.NoError(t, err)
	assert.Equal(t, "http://legacy:5000", cfg.BrainURL)

	both := FromEnv(lookupFrom(map[string]string{
		"EXPORTED_BRAIN_URL": "http://legacy:5000",
		"SIM_BRAIN_URL":      "http://brain:5000",
	}))
	assert.Equal(t, Layer{KeyBrainURL: "http://brain:5000"}, both)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--brain-url", "http://flag:5000"}))
	cfg, err = Resolve(Defaults(), both, FromFlags(fs))
	require.NoError(t, err)
	assert.Equal(t, "http://flag:5000", cfg.BrainURL)
}

func TestFromFlags_OnlyChanged(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	fs.Int("episodes", 5, "")
	require.NoError(t, fs.Parse([]string{"--workspace", "w", "--episodes", "3"}))

	assert.Equal(t, Layer{KeyWorkspace: "w"}, FromFlags(fs))
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("empty path", func(t *testing.T) {
		l, err := FromFile("")
		require.NoError(t, err)
		assert.Empty(t, l)
	})

	t.Run("unknown keys", func(t *testing.T) {
		p := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(p, []byte("workspace: a\nzeta: 1\nalpha: 2\n"), 0o644))
		_, err := FromFile(p)
		assert.ErrorContains(t, err, "unknown keys alpha, zeta")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := FromFile(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "not a valid logrus Level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "must be text or json"},
		{"unregister", func(c *Config) { c.UnregisterPolicy = "sometimes" }, "reregister or terminate"},
		{"context", func(c *Config) { c.SimulatorContext = "{" }, "not valid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestResolve_BadBool(t *testing.T) {
	_, err := Resolve(Defaults(), Layer{KeyLogIterations: "maybe"})
	assert.ErrorContains(t, err, KeyLogIterations)
}

func TestNewLogger(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "warn"
	cfg.LogFormat = "json"

	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestRedacted(t *testing.T) {
	cfg := Defaults()
	cfg.AccessKey = "secret"
	assert.Equal(t, "****", cfg.Redacted().AccessKey)
	assert.Equal(t, "secret", cfg.AccessKey)
}

func TestWriteDotenv_Merges(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, WriteDotenv(p, map[string]string{"SIM_WORKSPACE": "old", "KEEP": "1"}))
	require.NoError(t, WriteDotenv(p, map[string]string{"SIM_WORKSPACE": "new"}))

	got, err := godotenv.Read(p)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"SIM_WORKSPACE": "new", "KEEP": "1"}, got)
}

func TestLoadDotenv(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(p, []byte("SIM_TEST_DOTENV=loaded\n"), 0o644))
	t.Setenv("SIM_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("SIM_TEST_DOTENV"))

	got := LoadDotenv(filepath.Join(dir, "missing.env"), p)

	assert.Equal(t, p, got)
	assert.Equal(t, "loaded", os.Getenv("SIM_TEST_DOTENV"))
	assert.Equal(t, "", LoadDotenv(filepath.Join(dir, "missing.env")))
}

func TestLoadInterface(t *testing.T) {
	dir := t.TempDir()

	t.Run("json", func(t *testing.T) {
		p := filepath.Join(dir, "adder.json")
		require.NoError(t, os.WriteFile(p, []byte(`{"name": "Adder", "timeout": 60, "description": {"action": {"category": "Struct"}}}`), 0o644))

		info, err := LoadInterface(p)
		require.NoError(t, err)
		assert.Equal(t, "Adder", info.Name)
		assert.Equal(t, 60.0, info.Timeout)
		assert.Equal(t, map[string]any{"action": map[string]any{"category": "Struct"}}, info.Description)
	})

	t.Run("name required", func(t *testing.T) {
		p := filepath.Join(dir, "anon.yaml")
		require.NoError(t, os.WriteFile(p, []byte("timeout: 5\n"), 0o644))
		_, err := LoadInterface(p)
		assert.ErrorContains(t, err, "name is required")
	})
}
