// Package config holds plannersync's configuration: built-in defaults, an
// optional plannersync.yaml and PLANNERSYNC_* environment variables, layered
// through a package-level viper instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override (redis.url -> PLANNERSYNC_REDIS_URL).
const EnvPrefix = "PLANNERSYNC"

// FileName is the config file searched for when --config is not given.
const FileName = "plannersync"

var v *viper.Viper

// Initialize sets up the viper instance with defaults, environment binding
// and the first config file found in the search path.
func Initialize() error {
	return InitializeWithFile("")
}

// InitializeWithFile is Initialize with an explicit config file. An empty
// path falls back to the search path; a missing file in the search path is
// not an error, a missing explicit file is.
func InitializeWithFile(path string) error {
	v = viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	RegisterDefaults()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(FileName)
	v.AddConfigPath(".")
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		v.AddConfigPath(filepath.Join(xdg, "plannersync"))
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "plannersync"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	return nil
}

// ResetForTesting discards all configuration and reinstalls the defaults.
func ResetForTesting() {
	v = viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	RegisterDefaults()
}

// ConfigFileUsed returns the path of the loaded config file, or "".
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// Set overrides a key at runtime (flags, tests).
func Set(key string, value interface{}) {
	ensure()
	v.Set(key, value)
}

func ensure() {
	if v == nil {
		ResetForTesting()
	}
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	ensure()
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	ensure()
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	ensure()
	return v.GetInt(key)
}

// GetFloat64 retrieves a float configuration value.
func GetFloat64(key string) float64 {
	ensure()
	return v.GetFloat64(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	ensure()
	return v.GetDuration(key)
}

// GetStringSlice retrieves a string slice. Comma-separated strings (as set
// through the environment) are split.
func GetStringSlice(key string) []string {
	ensure()
	raw := v.GetStringSlice(key)
	var out []string
	for _, s := range raw {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// GetStringMapString retrieves a map of strings.
func GetStringMapString(key string) map[string]string {
	ensure()
	return v.GetStringMapString(key)
}
