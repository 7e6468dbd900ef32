// Package loader reads decision-function definitions from YAML files and
// registers them as drafts. Definitions can ship alongside the service or be
// mounted into container images, so new drafts land without code deployments.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/data-riot/policy-as-code/pkg/contracts"
)

// Definition is one decision-function draft as authored on disk.
type Definition struct {
	FunctionID       string         `yaml:"function_id"`
	Version          string         `yaml:"version"`
	Logic            LogicDef       `yaml:"logic"`
	InputSchema      map[string]any `yaml:"input_schema"`
	OutputSchema     map[string]any `yaml:"output_schema"`
	RequiredFeatures []string       `yaml:"required_features"`
	Author           string         `yaml:"author"`
	Tags             []string       `yaml:"tags"`
	LegalRefs        []string       `yaml:"legal_refs"`
}

// LogicDef holds the logic kind plus its source, which may be a scalar (a CEL
// expression or a native name) or a structured rule set.
type LogicDef struct {
	Kind   string    `yaml:"kind"`
	Source yaml.Node `yaml:"source"`
}

// sourceBytes renders the logic source as the bytes the registry expects:
// scalars verbatim, structured nodes as JSON.
func (l LogicDef) sourceBytes() ([]byte, error) {
	if l.Source.Kind == yaml.ScalarNode {
		return []byte(l.Source.Value), nil
	}
	var doc any
	if err := l.Source.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode logic source: %w", err)
	}
	return json.Marshal(doc)
}

// Artifact converts the definition into a registry draft.
func (d Definition) Artifact() (contracts.Artifact, error) {
	source, err := d.Logic.sourceBytes()
	if err != nil {
		return contracts.Artifact{}, err
	}
	input, err := json.Marshal(d.InputSchema)
	if err != nil {
		return contracts.Artifact{}, fmt.Errorf("encode input schema: %w", err)
	}
	output, err := json.Marshal(d.OutputSchema)
	if err != nil {
		return contracts.Artifact{}, fmt.Errorf("encode output schema: %w", err)
	}
	return contracts.Artifact{
		FunctionID:       d.FunctionID,
		Version:          d.Version,
		Logic:            contracts.LogicSpec{Kind: contracts.LogicKind(d.Logic.Kind), Source: source},
		InputSchema:      input,
		OutputSchema:     output,
		RequiredFeatures: d.RequiredFeatures,
		Metadata: contracts.Metadata{
			Author:    d.Author,
			Tags:      d.Tags,
			LegalRefs: d.LegalRefs,
		},
	}, nil
}

// Registrar accepts drafts. Satisfied by *registry.Registry.
type Registrar interface {
	RegisterDraft(ctx context.Context, art contracts.Artifact) (contracts.Artifact, error)
}

// Loader loads definitions from a directory of YAML files.
type Loader struct {
	mu     sync.RWMutex
	defs   map[string]*Definition // function_id@version -> definition
	dir    string
	onLoad func(def *Definition)
}

// NewLoader creates a loader reading from the given directory.
func NewLoader(dir string) *Loader {
	return &Loader{
		defs: make(map[string]*Definition),
		dir:  dir,
	}
}

// OnLoad registers a callback invoked when a definition is loaded or reloaded.
func (l *Loader) OnLoad(fn func(def *Definition)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLoad = fn
}

// LoadAll loads every .yaml and .yml file from the configured directory.
func (l *Loader) LoadAll() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("loader: read dir %s: %w", l.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		if err := l.LoadFile(path); err != nil {
			return fmt.Errorf("loader: load %s: %w", entry.Name(), err)
		}
	}

	return nil
}

// LoadFile loads a single definition from a YAML file.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("parse definition: %w", err)
	}
	if def.FunctionID == "" {
		return fmt.Errorf("definition %s: function_id is required", filepath.Base(path))
	}
	if def.Version == "" {
		return fmt.Errorf("definition %s: version is required", filepath.Base(path))
	}

	l.mu.Lock()
	l.defs[def.FunctionID+"@"+def.Version] = &def
	callback := l.onLoad
	l.mu.Unlock()

	if callback != nil {
		callback(&def)
	}

	return nil
}

// Get returns a loaded definition by function ID and version.
func (l *Loader) Get(functionID, version string) (*Definition, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.defs[functionID+"@"+version]
	return d, ok
}

// Definitions returns all loaded definitions.
func (l *Loader) Definitions() []*Definition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Definition, 0, len(l.defs))
	for _, d := range l.defs {
		result = append(result, d)
	}
	return result
}

// RegisterAll submits every loaded definition as a draft. Versions already
// registered are skipped, so re-running against the same directory is safe.
func (l *Loader) RegisterAll(ctx context.Context, reg Registrar) error {
	for _, def := range l.Definitions() {
		art, err := def.Artifact()
		if err != nil {
			return fmt.Errorf("loader: %s@%s: %w", def.FunctionID, def.Version, err)
		}
		if _, err := reg.RegisterDraft(ctx, art); err != nil {
			if contracts.IsCode(err, contracts.CodeDuplicateVersion) {
				continue
			}
			return fmt.Errorf("loader: register %s@%s: %w", def.FunctionID, def.Version, err)
		}
	}
	return nil
}
