// Package config resolves simulator settings from defaults, a YAML file,
// the environment and command line flags, in that order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const DefaultServer = "https://api.bons.ai"

// Canonical setting names. File keys use them as is.
const (
	KeyServer           = "api_host"
	KeyWorkspace        = "workspace"
	KeyAccessKey        = "access_key"
	KeySimContext       = "sim_context"
	KeyLogLevel         = "log_level"
	KeyLogFormat        = "log_format"
	KeyInterface        = "interface"
	KeyLogIterations    = "log_iterations"
	KeyLogPath          = "log_path"
	KeyLogDB            = "log_db"
	KeyUnregisterPolicy = "unregister_policy"
	KeyBrainURL         = "brain_url"
)

var envNames = map[string]string{
	"SIM_API_HOST":          KeyServer,
	"SIM_WORKSPACE":         KeyWorkspace,
	"SIM_ACCESS_KEY":        KeyAccessKey,
	"SIM_CONTEXT":           KeySimContext,
	"SIM_LOG_LEVEL":         KeyLogLevel,
	"SIM_LOG_FORMAT":        KeyLogFormat,
	"SIM_INTERFACE":         KeyInterface,
	"SIM_LOG_ITERATIONS":    KeyLogIterations,
	"SIM_LOG_PATH":          KeyLogPath,
	"SIM_LOG_DB":            KeyLogDB,
	"SIM_UNREGISTER_POLICY": KeyUnregisterPolicy,
	"EXPORTED_BRAIN_URL":    KeyBrainURL,
	"SIM_BRAIN_URL":         KeyBrainURL,
}

var flagNames = map[string]string{
	"api-host":       KeyServer,
	"workspace":      KeyWorkspace,
	"accesskey":      KeyAccessKey,
	"sim-context":    KeySimContext,
	"log-level":      KeyLogLevel,
	"log-format":     KeyLogFormat,
	"interface":      KeyInterface,
	"log-iterations": KeyLogIterations,
	"log-path":       KeyLogPath,
	"log-db":         KeyLogDB,
	"unregister":     KeyUnregisterPolicy,
	"brain-url":      KeyBrainURL,
}

// Config is the resolved simulator configuration.
type Config struct {
	Server           string
	Workspace        string
	AccessKey        string
	SimulatorContext string
	LogLevel         string
	LogFormat        string
	InterfacePath    string
	LogIterations    bool
	LogPath          string
	LogDB            string
	UnregisterPolicy string
	BrainURL         string
}

// Layer holds settings from one source, keyed by canonical name.
type Layer map[string]string

// Defaults returns the base layer. The simulator context carries a fresh
// client id so concurrent simulators can be told apart.
func Defaults() Config {
	ctx, _ := json.Marshal(map[string]string{"simulatorClientId": uuid.NewString()})
	return Config{
		Server:           DefaultServer,
		SimulatorContext: string(ctx),
		LogLevel:         "info",
		LogFormat:        "text",
		LogPath:          "iterations.csv",
		UnregisterPolicy: "reregister",
	}
}

// FromEnv reads the SIM_* variables through lookup, usually os.LookupEnv.
// When two variables name the same setting, the SIM_ one wins.
func FromEnv(lookup func(string) (string, bool)) Layer {
	names := make([]string, 0, len(envNames))
	for env := range envNames {
		names = append(names, env)
	}
	sort.Strings(names)

	l := Layer{}
	for _, env := range names {
		if v, ok := lookup(env); ok && v != "" {
			l[envNames[env]] = v
		}
	}
	return l
}

// RegisterFlags adds the simulator flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("api-host", "", "service URL (SIM_API_HOST)")
	fs.String("workspace", "", "workspace id (SIM_WORKSPACE)")
	fs.String("accesskey", "", "access key (SIM_ACCESS_KEY)")
	fs.String("sim-context", "", "simulator context JSON (SIM_CONTEXT)")
	fs.String("log-level", "", "log level: trace, debug, info, warn, error")
	fs.String("log-format", "", "log format: text or json")
	fs.String("interface", "", "YAML or JSON file describing the simulator interface")
	fs.Bool("log-iterations", false, "record every iteration")
	fs.String("log-path", "", "CSV file for iteration logs")
	fs.String("log-db", "", "SQLite file for iteration logs")
	fs.String("unregister", "", "on Unregister: reregister or terminate")
	fs.String("brain-url", "", "exported brain URL for test-policy (SIM_BRAIN_URL)")
}

// FromFlags returns the flags the user set explicitly. Unknown flags are
// ignored so commands can carry their own.
func FromFlags(fs *pflag.FlagSet) Layer {
	l := Layer{}
	fs.Visit(func(f *pflag.Flag) {
		if key, ok := flagNames[f.Name]; ok {
			l[key] = f.Value.String()
		}
	})
	return l
}

// FromFile reads a YAML file of canonical keys. A missing path yields an
// empty layer.
func FromFile(path string) (Layer, error) {
	if path == "" {
		return Layer{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	l := Layer{}
	var unknown []string
	for k, v := range raw {
		if !knownKey(k) {
			unknown = append(unknown, k)
			continue
		}
		if v == nil {
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			buf, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("config key %s: %w", k, err)
			}
			l[k] = string(buf)
		default:
			l[k] = fmt.Sprint(val)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(unknown, ", "))
	}
	return l, nil
}

func knownKey(k string) bool {
	for _, key := range flagNames {
		if key == k {
			return true
		}
	}
	return false
}

// Resolve applies layers over base, later layers winning, and validates
// the result.
func Resolve(base Config, layers ...Layer) (Config, error) {
	cfg := base
	for _, l := range layers {
		if err := cfg.apply(l); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) apply(l Layer) error {
	for key, v := range l {
		switch key {
		case KeyServer:
			c.Server = v
		case KeyWorkspace:
			c.Workspace = v
		case KeyAccessKey:
			c.AccessKey = v
		case KeySimContext:
			c.SimulatorContext = v
		case KeyLogLevel:
			c.LogLevel = v
		case KeyLogFormat:
			c.LogFormat = v
		case KeyInterface:
			c.InterfacePath = v
		case KeyLogIterations:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			c.LogIterations = b
		case KeyLogPath:
			c.LogPath = v
		case KeyLogDB:
			c.LogDB = v
		case KeyUnregisterPolicy:
			c.UnregisterPolicy = v
		case KeyBrainURL:
			c.BrainURL = v
		default:
			return fmt.Errorf("unknown setting %q", key)
		}
	}
	return nil
}

// Validate checks the settings every command depends on. Credentials are
// checked by the client since not every command needs them.
func (c Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log format %q must be text or json", c.LogFormat))
	}
	switch c.UnregisterPolicy {
	case "", "reregister", "terminate":
	default:
		errs = append(errs, fmt.Errorf("unregister policy %q must be reregister or terminate", c.UnregisterPolicy))
	}
	if c.SimulatorContext != "" && !json.Valid([]byte(c.SimulatorContext)) {
		errs = append(errs, errors.New("simulator context is not valid JSON"))
	}
	return errors.Join(errs...)
}

// NewLogger builds a logger with the configured level and format.
func (c Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// Redacted returns a copy safe to log.
func (c Config) Redacted() Config {
	if c.AccessKey != "" {
		c.AccessKey = "****"
	}
	return c
}
