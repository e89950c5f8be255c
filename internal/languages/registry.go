// Package languages loads and serves the per-language execution descriptors.
//
// One JSON file per language lives in the configured directory. Descriptors
// are immutable once loaded; operators restart the process to pick up
// changes.
package languages

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"sentinel/internal/logging"
)

// CompileStep describes an optional compilation phase. Args may contain the
// substitution tokens {file}, {dir} and {filename}.
type CompileStep struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Timeout int      `json:"timeout"`
}

// Descriptor defines how to materialize, optionally compile, and run user
// source for one language. Timeouts are milliseconds.
type Descriptor struct {
	Name        string       `json:"name"`
	DisplayName string       `json:"displayName"`
	Extension   string       `json:"extension"`
	Filename    string       `json:"filename,omitempty"`
	Command     string       `json:"command"`
	Args        []string     `json:"args"`
	Timeout     int          `json:"timeout"`
	Compile     *CompileStep `json:"compile,omitempty"`
}

// SourceFilename returns the file name the source is written to.
func (d *Descriptor) SourceFilename() string {
	if d.Filename != "" {
		return d.Filename
	}
	return "main" + d.Extension
}

// Validate checks the fields every descriptor must carry.
func (d *Descriptor) Validate() error {
	switch {
	case d.Name == "":
		return fmt.Errorf("missing name")
	case d.DisplayName == "":
		return fmt.Errorf("missing displayName")
	case d.Extension == "":
		return fmt.Errorf("missing extension")
	case d.Command == "":
		return fmt.Errorf("missing command")
	case d.Args == nil:
		return fmt.Errorf("missing args")
	case d.Timeout <= 0:
		return fmt.Errorf("missing or invalid timeout")
	}
	if !strings.HasPrefix(d.Extension, ".") {
		return fmt.Errorf("extension %q must be dot-prefixed", d.Extension)
	}
	return nil
}

// Registry is the immutable set of loaded descriptors.
type Registry struct {
	byName map[string]*Descriptor
	names  []string
}

// Load reads every *.json file in dir. Files that fail to parse or validate
// are skipped with a logged error; the registry still serves the rest.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read language config dir %s: %w", dir, err)
	}

	r := &Registry{byName: make(map[string]*Descriptor)}
	log := logging.L()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			log.Error("failed to read language config", zap.String("file", path), zap.Error(err))
			continue
		}

		var desc Descriptor
		if err := json.Unmarshal(data, &desc); err != nil {
			log.Error("failed to parse language config", zap.String("file", path), zap.Error(err))
			continue
		}
		if err := desc.Validate(); err != nil {
			log.Error("invalid language config", zap.String("file", path), zap.Error(err))
			continue
		}
		if _, dup := r.byName[desc.Name]; dup {
			log.Error("duplicate language name, keeping earlier descriptor",
				zap.String("file", path), zap.String("language", desc.Name))
			continue
		}

		r.byName[desc.Name] = &desc
		r.names = append(r.names, desc.Name)
		log.Info("loaded language", zap.String("language", desc.Name),
			zap.Bool("compiled", desc.Compile != nil))
	}

	sort.Strings(r.names)
	return r, nil
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// IsSupported reports whether name is a loaded language.
func (r *Registry) IsSupported(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// List returns all descriptors in name order.
func (r *Registry) List() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.byName[n])
	}
	return out
}

// Len reports the number of loaded languages.
func (r *Registry) Len() int {
	return len(r.byName)
}
