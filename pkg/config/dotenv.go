package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/microsoft/microsoft-bonsai-api/pkg/core"
)

// DotenvPaths are tried in order when no explicit path is given, so the
// binary picks up the repository .env when run from a subdirectory.
var DotenvPaths = []string{
	".env",
	"../../.env",
	"../../../.env",
}

// LoadDotenv loads the first readable file in paths (DotenvPaths when
// empty) into the process environment and returns its path. Variables that
// are already set win. Finding no file is not an error.
func LoadDotenv(paths ...string) string {
	if len(paths) == 0 {
		paths = DotenvPaths
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err == nil {
			return p
		}
	}
	return ""
}

// WriteDotenv merges values into the .env file at path, creating it when
// missing.
func WriteDotenv(path string, values map[string]string) error {
	merged, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read %s: %w", path, err)
		}
		merged = map[string]string{}
	}
	for k, v := range values {
		merged[k] = v
	}
	if err := godotenv.Write(merged, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LoadInterface reads a simulator interface description. JSON files parse
// as YAML.
func LoadInterface(path string) (core.RegistrationInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.RegistrationInfo{}, fmt.Errorf("read interface: %w", err)
	}
	var info core.RegistrationInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return core.RegistrationInfo{}, fmt.Errorf("parse interface %s: %w", path, err)
	}
	if info.Name == "" {
		return core.RegistrationInfo{}, fmt.Errorf("interface %s: name is required", path)
	}
	return info, nil
}
