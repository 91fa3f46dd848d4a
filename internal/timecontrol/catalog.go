// Package timecontrol loads named time-control presets (bullet, blitz,
// rapid, classical, ...) from an embedded defaults file, optionally
// overridden by a directory of YAML files supplied at startup.
package timecontrol

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	yaml "gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var defaultFiles embed.FS

// Preset is one named time control: starting clock and per-move
// increment, both in milliseconds.
type Preset struct {
	BaseMs      int64 `yaml:"base_ms"`
	IncrementMs int64 `yaml:"increment_ms"`
}

// Catalog holds the resolved set of presets, safe for concurrent reads.
type Catalog struct {
	mu   sync.RWMutex
	data map[string]Preset
}

// New loads the embedded defaults and then applies overrides from dir,
// if dir is non-empty.
func New(overrideDir string) (*Catalog, error) {
	c := &Catalog{data: make(map[string]Preset)}
	if err := c.loadEmbedded(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(overrideDir) != "" {
		if err := c.applyDir(overrideDir); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) loadEmbedded() error {
	raw, err := fs.ReadFile(defaultFiles, "presets.yaml")
	if err != nil {
		return fmt.Errorf("read embedded presets: %w", err)
	}
	return c.applyYAML(raw)
}

func (c *Catalog) applyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read preset override dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, name := range files {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if err := c.applyYAML(b); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
	}
	return nil
}

func (c *Catalog) applyYAML(b []byte) error {
	var m map[string]Preset
	if err := yaml.Unmarshal(b, &m); err != nil {
		return err
	}
	c.mu.Lock()
	for k, v := range m {
		c.data[strings.ToLower(strings.TrimSpace(k))] = v
	}
	c.mu.Unlock()
	return nil
}

// ErrUnknownPreset is returned by Lookup for an unrecognized name.
type ErrUnknownPreset string

func (e ErrUnknownPreset) Error() string {
	return fmt.Sprintf("timecontrol: unknown preset %q", string(e))
}

// Lookup resolves a preset by name (case-insensitive).
func (c *Catalog) Lookup(name string) (Preset, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.data[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Preset{}, ErrUnknownPreset(name)
	}
	return p, nil
}

// Names returns the sorted list of known preset names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.data))
	for k := range c.data {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
