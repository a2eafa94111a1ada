package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	logpkg "github.com/rzbill/cmdfeed/pkg/log"
)

// Load reads configuration from a JSON or YAML file (by extension) and
// overlays CMDFEED_* environment variables. An empty path yields defaults
// plus env.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch loads path and calls onChange with every later valid version of
// the file. Invalid edits are logged and skipped.
func Watch(path string, logger logpkg.Logger, onChange func(Config)) (Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			logger.Warn("config reload rejected", logpkg.Str("file", e.Name), logpkg.Err(err))
			return
		}
		logger.Info("config reloaded", logpkg.Str("file", e.Name), logpkg.Str("op", e.Op.String()))
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}
