package vmi

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// PolicyConfig is the YAML form of a Policy.
//
//	version: 1
//	intercept:
//	  - kind: msr
//	    vcpus: [0]
//	  - kind: memory_access_violation
//	    ranges:
//	      - {start: 0x100000, end: 0x200000}
type PolicyConfig struct {
	Version   int          `yaml:"version"`
	Intercept []RuleConfig `yaml:"intercept"`
}

// RuleConfig is one intercept rule. Rules with enabled: false are ignored.
type RuleConfig struct {
	Kind    string         `yaml:"kind"`
	VCPUs   []uint32       `yaml:"vcpus,omitempty"`
	Ranges  []AddressRange `yaml:"ranges,omitempty"`
	Enabled *bool          `yaml:"enabled,omitempty"`
}

// Policy compiles the configuration.
func (c *PolicyConfig) Policy() (*Policy, error) {
	if c.Version > 1 {
		return nil, fmt.Errorf("vmi: policy version %d not supported: %w", c.Version, ErrVersionMismatch)
	}
	rules := make([]Rule, 0, len(c.Intercept))
	for i, rc := range c.Intercept {
		if rc.Enabled != nil && !*rc.Enabled {
			continue
		}
		kind, err := ParseEventKind(rc.Kind)
		if err != nil {
			return nil, fmt.Errorf("intercept[%d]: %w", i, err)
		}
		rules = append(rules, Rule{Kind: kind, VCPUs: rc.VCPUs, Ranges: rc.Ranges})
	}
	return NewPolicy(rules...)
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var cfg PolicyConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return cfg.Policy()
}

// LoadPolicyFile reads and compiles a YAML policy file.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

const policyReloadDebounce = 100 * time.Millisecond

// PolicyWatcher reloads a policy file whenever it changes.
type PolicyWatcher struct {
	path    string
	apply   func(*Policy)
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// WatchPolicyFile loads path, hands the policy to apply and keeps doing so on
// every change until Close. A file that fails to parse keeps the previous
// policy in place.
func WatchPolicyFile(path string, apply func(*Policy), logger *zap.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := LoadPolicyFile(path)
	if err != nil {
		return nil, fmt.Errorf("initial policy load failed: %w", err)
	}
	apply(p)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch policy file: %w", err)
	}

	w := &PolicyWatcher{
		path:    filepath.Clean(path),
		apply:   apply,
		logger:  logger,
		watcher: watcher,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *PolicyWatcher) loop() {
	defer close(w.done)

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				debounce.Reset(policyReloadDebounce)
			}

		case <-debounce.C:
			p, err := LoadPolicyFile(w.path)
			if err != nil {
				w.logger.Error("Failed to reload policy",
					zap.String("path", w.path),
					zap.Error(err))
				continue
			}
			w.apply(p)
			w.logger.Info("Reloaded policy",
				zap.String("path", w.path),
				zap.Stringer("policy", p))

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Policy watcher error", zap.Error(err))

		case <-w.stop:
			return
		}
	}
}

// Close stops watching. It is safe to call more than once.
func (w *PolicyWatcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
