// watch.go implements hot-reload of the lifecycle tunables. Only the
// instances.* values are reloaded at runtime: the reaper threshold and the
// admission cap are the knobs operators turn mid-event, and neither requires
// re-wiring any component. Everything else (listeners, provider, images)
// needs a restart anyway.
package config

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Tunables is the atomically swappable subset of the configuration that may
// change while the process runs.
type Tunables struct {
	MaxInstances  int
	IdleThreshold time.Duration
}

// TunableStore hands out the current Tunables snapshot. Readers call Load on
// every use; there is no caching beyond the pointer swap.
type TunableStore struct {
	current atomic.Pointer[Tunables]
}

// NewTunableStore seeds the store from cfg.
func NewTunableStore(cfg *Config) *TunableStore {
	s := &TunableStore{}
	s.current.Store(&Tunables{
		MaxInstances:  cfg.Instances.Max,
		IdleThreshold: cfg.Instances.IdleThreshold,
	})
	return s
}

// Load returns the current tunables snapshot.
func (s *TunableStore) Load() Tunables {
	return *s.current.Load()
}

// Watch re-reads the config file on change events and swaps the tunables.
// A reload that fails validation is logged and discarded; the previous
// values stay in effect.
func (s *TunableStore) Watch(configPath string) {
	v := viper.New()
	setDefaults(v)
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/ctf-party")
	}
	if err := v.ReadInConfig(); err != nil {
		slog.Warn("config watch disabled, no readable config file", "error", err)
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			slog.Error("config reload failed to unmarshal, keeping previous tunables", "file", e.Name, "error", err)
			return
		}
		if cfg.Instances.Max < 1 || cfg.Instances.IdleThreshold <= 0 {
			slog.Error("config reload rejected, invalid instance tunables",
				"max", cfg.Instances.Max, "idle_threshold", cfg.Instances.IdleThreshold)
			return
		}
		s.current.Store(&Tunables{
			MaxInstances:  cfg.Instances.Max,
			IdleThreshold: cfg.Instances.IdleThreshold,
		})
		slog.Info("reloaded instance tunables",
			"max", cfg.Instances.Max, "idle_threshold", cfg.Instances.IdleThreshold)
	})
	v.WatchConfig()
}
