package config

import (
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/mcpgov/policy-gateway/internal/log"
	"github.com/mcpgov/policy-gateway/internal/policymodel"
	"github.com/mcpgov/policy-gateway/internal/servermodel"
)

// Seed is an optional YAML file describing the servers, groups, and
// policies to create or update in the store -- useful for local
// development and for declarative, GitOps-style deployments that don't
// want to drive the CRUD API by hand.
type Seed struct {
	Servers  []servermodel.ServerDescriptor `yaml:"servers"`
	Groups   []servermodel.ServerGroup      `yaml:"groups"`
	Policies []policymodel.Policy           `yaml:"policies"`
}

// LoadSeed parses the YAML file at path.
func LoadSeed(path string) (Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("reading seed file %s: %w", path, err)
	}
	var s Seed
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Seed{}, fmt.Errorf("parsing seed file %s: %w", path, err)
	}
	return s, nil
}

// WatchSeed watches path for writes and invokes onChange with the
// reparsed Seed after each one. Parse errors are logged and skipped
// rather than propagated, since a transient editor save (e.g. a
// half-written file) must not crash the watcher.
func WatchSeed(path string, onChange func(Seed)) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating seed watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching seed file %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				seed, err := LoadSeed(path)
				if err != nil {
					log.Logf("seed watcher: %v", err)
					continue
				}
				onChange(seed)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Logf("seed watcher error: %v", err)
			}
		}
	}()

	return w, nil
}
