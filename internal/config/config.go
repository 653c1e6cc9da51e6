// Package config resolves kvsd's runtime settings from flags, environment
// variables, and an optional on-disk file, layered through a single viper
// instance the way claude-ops layers its flags and env vars.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"github.com/tailscale/hujson"
)

// Config holds every setting the serve and run-jobs subcommands need.
type Config struct {
	JobsDir     string
	MaxThreads  int
	MaxBackups  int
	ServerPipe  string
	MetricsAddr string
}

// Load reads configuration out of v, which the caller has already populated
// by binding cobra flags and calling viper.AutomaticEnv.
func Load(v *viper.Viper) Config {
	return Config{
		JobsDir:     v.GetString("jobs_dir"),
		MaxThreads:  v.GetInt("max_threads"),
		MaxBackups:  v.GetInt("max_backups"),
		ServerPipe:  v.GetString("pipe"),
		MetricsAddr: v.GetString("metrics_addr"),
	}
}

// LoadFile decodes an optional commented-JSON config file and merges it into
// v below whatever flags and env vars are already bound — so a value in the
// file only takes effect when neither a flag nor an env var set it. Missing
// files are not an error: the file is entirely optional.
func LoadFile(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fmt.Errorf("config: %s is not valid JSONC: %w", path, err)
	}

	var raw map[string]any
	if err := json.Unmarshal(standardized, &raw); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}

	return v.MergeConfigMap(raw)
}
