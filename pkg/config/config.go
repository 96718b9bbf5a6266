// Package config loads the gateway's single YAML configuration document and,
// when asked, watches it for changes so an operator can flip dev_mode or the
// wildcard token without a restart. Grounded on the teacher's own
// FileBasedConfiguration/configurationUpdates channel in
// pkg/gateway/run.go, scoped down to this gateway's much smaller config
// surface (no catalog/registry/tools.yaml layering: bundles, MCPs, and
// permissions live in the store, not in files).
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jrbemt/mcpbundler-gateway/pkg/log"
	"github.com/jrbemt/mcpbundler-gateway/pkg/namespace"
)

// Server carries the downstream-facing listener settings.
type Server struct {
	Host    string `yaml:"host" validate:"required"`
	Port    int    `yaml:"port" validate:"required,min=1,max=65535"`
	Name    string `yaml:"name" validate:"required"`
	Version string `yaml:"version" validate:"required"`
}

// Concurrency tunes per-session limits.
type Concurrency struct {
	MaxConcurrent int   `yaml:"max_concurrent" validate:"min=0"`
	IdleTimeoutMs int64 `yaml:"idle_timeout_ms" validate:"min=0"`
}

// WildcardToken configures the debug/bootstrap token described in spec §4.1
// and §6.
type WildcardToken struct {
	Allow bool   `yaml:"allow"`
	Value string `yaml:"value" validate:"required_if=Allow true"`
}

// Namespace configures the namespace resolver's separator and hash policy.
type Namespace struct {
	Separator     string `yaml:"separator"`
	HashMode      string `yaml:"hash_mode" validate:"omitempty,oneof=never always threshold"`
	HashThreshold int    `yaml:"hash_threshold" validate:"min=0"`
}

// Config is the complete runtime configuration document, spec §6
// "Configuration".
type Config struct {
	Server       Server        `yaml:"server" validate:"required"`
	Concurrency  Concurrency   `yaml:"concurrency"`
	Wildcard     WildcardToken `yaml:"wildcard_token"`
	Namespace    Namespace     `yaml:"namespace"`
	DevMode      bool          `yaml:"dev_mode"`
	Secret       string        `yaml:"secret" validate:"required"`
	DatabaseFile string        `yaml:"database_file"`
}

var validate = validator.New()

// HashMode resolves the configured string into a namespace.HashMode, the
// package default when unset.
func (c Config) HashMode() namespace.HashMode {
	switch c.Namespace.HashMode {
	case string(namespace.HashAlways):
		return namespace.HashAlways
	case string(namespace.HashThreshold):
		return namespace.HashThreshold
	case string(namespace.HashNever), "":
		return namespace.HashNever
	default:
		return namespace.HashNever
	}
}

// Load reads and validates a YAML config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("config: validate %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher watches a config file for changes, re-parsing and republishing a
// validated Config on every write. Mirrors the teacher's
// configurationUpdates channel pattern in pkg/gateway/run.go.
type Watcher struct {
	path    string
	updates chan Config

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching path for changes and returns a channel of
// successfully reparsed configs. Call Stop to release the underlying
// fsnotify watcher.
func Watch(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: new watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{
		path:    path,
		updates: make(chan Config, 1),
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Updates returns the channel of successfully reparsed configs.
func (w *Watcher) Updates() <-chan Config { return w.updates }

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Errorf("config: reload %s: %v", w.path, err)
				continue
			}
			select {
			case w.updates <- cfg:
			default:
				log.Warnf("config: update channel full, dropping reload of %s", w.path)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("config: watcher error: %v", err)
		}
	}
}

// Stop releases the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.watcher.Close()
}
