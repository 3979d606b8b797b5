// Package config loads and hot-reloads taskcore's runtime configuration
// via viper, with fsnotify watching the backing file for changes.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/swarmforge/taskcore/internal/balancer"
	"github.com/swarmforge/taskcore/internal/coordinator"
	"github.com/swarmforge/taskcore/internal/health"
	"github.com/swarmforge/taskcore/internal/registry"
	"github.com/swarmforge/taskcore/internal/scheduler"
)

// Config is every component's tunables in one document, named per §6.
type Config struct {
	Scheduler   scheduler.Config
	Registry    registry.Config
	Balancer    balancer.Config
	Coordinator coordinator.Config
	Health      health.Config

	StorePath   string
	NATSUrl     string
	JSONLogging bool
}

// Default returns every component's defaults bundled together.
func Default() Config {
	return Config{
		Scheduler:   scheduler.DefaultConfig(),
		Registry:    registry.DefaultConfig(),
		Balancer:    balancer.DefaultConfig(),
		Coordinator: coordinator.DefaultConfig(),
		Health:      health.DefaultConfig(),
		StorePath:   "./taskcore.db",
		JSONLogging: true,
	}
}

// Loader reads configuration from a file via viper and can watch it for
// changes, invoking onChange with the freshly parsed Config.
type Loader struct {
	v   *viper.Viper
	log *slog.Logger
}

// NewLoader builds a Loader bound to path (any viper-supported format:
// yaml, json, toml). Missing files fall back to Default().
func NewLoader(path string, log *slog.Logger) (*Loader, Config, error) {
	v := viper.New()
	cfg := Default()
	bindDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, os.ErrNotExist) {
				return nil, Config{}, fmt.Errorf("read config %q: %w", path, err)
			}
			log.Warn("config file not found, using defaults", "path", path)
		}
	}

	out := Default()
	if err := v.Unmarshal(&out); err != nil {
		return nil, Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return &Loader{v: v, log: log}, out, nil
}

func bindDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("storepath", cfg.StorePath)
	v.SetDefault("jsonlogging", cfg.JSONLogging)
	v.SetDefault("scheduler.strategy", int(cfg.Scheduler.Strategy))
	v.SetDefault("scheduler.maxstarvationtime", cfg.Scheduler.MaxStarvationTime)
	v.SetDefault("scheduler.lookaheaddepth", cfg.Scheduler.LookAheadDepth)
	v.SetDefault("balancer.strategy", int(cfg.Balancer.Strategy))
	v.SetDefault("balancer.circuitfailurethreshold", cfg.Balancer.CircuitFailureThreshold)
	v.SetDefault("coordinator.maxconcurrentdispatch", cfg.Coordinator.MaxConcurrentDispatch)
}

// Watch debounces fsnotify events on the backing config file and invokes
// onChange with a freshly re-parsed Config after each settled burst of writes.
func (l *Loader) Watch(stop <-chan struct{}, onChange func(Config)) error {
	path := l.v.ConfigFileUsed()
	if path == "" {
		return nil // nothing on disk to watch; defaults only
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir %q: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		debounce := time.NewTimer(time.Hour)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) == filepath.Clean(path) {
					debounce.Reset(200 * time.Millisecond)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log.Warn("config watcher error", "error", err)
			case <-debounce.C:
				if err := l.v.ReadInConfig(); err != nil {
					l.log.Warn("config reload failed", "error", err)
					continue
				}
				var fresh Config
				if err := l.v.Unmarshal(&fresh); err != nil {
					l.log.Warn("config reload unmarshal failed", "error", err)
					continue
				}
				l.log.Info("config reloaded")
				onChange(fresh)
			}
		}
	}()
	return nil
}
