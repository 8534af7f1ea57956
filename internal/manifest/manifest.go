package manifest

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// Kinds of content a stage input can reference.
const (
	InputPipeline = "pipeline"
	InputSource   = "source"
)

// The root artifact: an ordered set of named pipelines plus the external
// sources their stages reference.
//
// A manifest is immutable after Resolve. Pipelines are kept in declaration
// order; byName provides reference lookups during validation and
// orchestration.
type Manifest struct {
	Version   string               // Schema version the document was loaded from ("1" or "2").
	Pipelines []*Pipeline          // Pipelines in declaration order.
	Sources   map[string]Source    // External content keyed by checksum string.
	byName    map[string]*Pipeline // Name index, built at load time.
}

// An ordered sequence of stages producing exactly one output tree.
//
// Build names the pipeline whose committed tree forms this pipeline's
// execution root; an empty Build means the stages run against an empty
// root. Fingerprints are computed once by Resolve and never change.
type Pipeline struct {
	Name   string   // Unique name within the manifest.
	Build  string   // Name of the build-root pipeline, or empty.
	Runner string   // In-sandbox runner binary; empty selects the default.
	Stages []*Stage // Transformation steps in execution order.

	fingerprints []digest.Digest // Chained per-stage fingerprints, set by Resolve.
}

// One filesystem transformation step.
type Stage struct {
	Type    string            // Stage type identifier, resolved through the registry.
	Options json.RawMessage   // Stage configuration; opaque to the engine.
	Inputs  map[string]Input  // Content supplied to the stage, by input name.
	Devices map[string]Device // Block-device-like resources, by device name.
	Mounts  []Mount           // Filesystem mounts exposed to the stage, in mount order.
}

// Content supplied to a stage: another pipeline's output tree or a source
// cache entry.
type Input struct {
	Kind      string // InputPipeline or InputSource.
	Reference string // Pipeline name, or source checksum string.
}

// A block-device-like resource attached for one stage, such as a loopback
// device over a disk image in the tree.
type Device struct {
	Type    string          // Device type identifier (e.g. "loopback").
	Options json.RawMessage // Device configuration; opaque to the engine.
}

// A filesystem mounted from a device and exposed to the stage.
type Mount struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`              // Filesystem type identifier.
	Device  string          `json:"device,omitempty"`  // Name of the backing device.
	Target  string          `json:"target,omitempty"`  // Mount point inside the mounts root.
	Options json.RawMessage `json:"options,omitempty"` // Mount options; opaque to the engine.
}

// Externally fetched content, keyed by a strong checksum.
type Source struct {
	Kind     string        // Fetcher kind: "url", "file", or "container".
	URL      string        // Remote location for url sources.
	Path     string        // Local path for file sources.
	Ref      string        // Image reference for container sources.
	Checksum digest.Digest // Expected content digest; entries are verified on write.
}

// Reads a manifest document and dispatches to the loader for its declared
// schema version.
func Load(r io.Reader) (*Manifest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}

	var header struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}

	switch header.Version {
	case "", "1":
		return loadV1(raw)
	case "2":
		return loadV2(raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrVersion, header.Version)
	}
}

// Returns the pipeline with the given name.
func (m *Manifest) Pipeline(name string) (*Pipeline, bool) {
	p, ok := m.byName[name]
	return p, ok
}

// Builds the name index and checks for duplicate pipeline names.
func (m *Manifest) index() error {
	m.byName = make(map[string]*Pipeline, len(m.Pipelines))
	for _, p := range m.Pipelines {
		if p.Name == "" {
			return fmt.Errorf("%w: pipeline with empty name", ErrManifest)
		}
		if _, ok := m.byName[p.Name]; ok {
			return fmt.Errorf("%w: duplicate pipeline %q", ErrManifest, p.Name)
		}
		m.byName[p.Name] = p
	}
	return nil
}

// Validates the manifest against the registry and computes the fingerprint
// chain for every pipeline.
//
// Resolution is fatal on the first violation: an unknown build or input
// reference, a reference to a stage-less pipeline, a reference cycle, an
// unknown stage type, or stage options rejected by the stage's validation
// capability. On success the manifest is
// complete: every stage of every pipeline has a fingerprint.
func (m *Manifest) Resolve(reg *Registry) error {
	if err := m.validate(reg); err != nil {
		return err
	}

	order, err := m.Order()
	if err != nil {
		return err
	}

	// Build roots are fingerprint inputs, so walk in dependency order.
	for _, p := range order {
		if err := m.fingerprintPipeline(p); err != nil {
			return err
		}
	}

	return nil
}

// Checks references and stage options for every pipeline.
func (m *Manifest) validate(reg *Registry) error {
	for _, p := range m.Pipelines {
		if p.Build != "" {
			dep, ok := m.byName[p.Build]
			if !ok {
				return fmt.Errorf("%w: pipeline %q: build %q", ErrReference, p.Name, p.Build)
			}
			// A stage-less pipeline produces no tree to build against.
			if len(dep.Stages) == 0 {
				return fmt.Errorf("%w: pipeline %q: build %q has no stages", ErrManifest, p.Name, p.Build)
			}
		}

		for i, stage := range p.Stages {
			if err := m.validateStage(reg, p, i, stage); err != nil {
				return err
			}
		}
	}
	return nil
}

// Checks one stage's type, options, and input references.
func (m *Manifest) validateStage(reg *Registry, p *Pipeline, index int, stage *Stage) error {
	desc, ok := reg.Describe(stage.Type)
	if !ok {
		return fmt.Errorf("%w: pipeline %q stage %d: %q", ErrUnknownStage, p.Name, index, stage.Type)
	}

	if desc.ValidateOptions != nil {
		if err := desc.ValidateOptions(stage.Options); err != nil {
			return fmt.Errorf("%w: pipeline %q stage %d (%s): %w", ErrOptions, p.Name, index, stage.Type, err)
		}
	}

	for name, input := range stage.Inputs {
		switch input.Kind {
		case InputPipeline:
			dep, ok := m.byName[input.Reference]
			if !ok {
				return fmt.Errorf("%w: pipeline %q stage %d input %q: pipeline %q",
					ErrReference, p.Name, index, name, input.Reference)
			}
			if len(dep.Stages) == 0 {
				return fmt.Errorf("%w: pipeline %q stage %d input %q: pipeline %q has no stages",
					ErrManifest, p.Name, index, name, input.Reference)
			}
		case InputSource:
			if _, ok := m.Sources[input.Reference]; !ok {
				return fmt.Errorf("%w: pipeline %q stage %d input %q: source %q",
					ErrReference, p.Name, index, name, input.Reference)
			}
		default:
			return fmt.Errorf("%w: pipeline %q stage %d input %q: kind %q",
				ErrManifest, p.Name, index, name, input.Kind)
		}
	}

	for _, mount := range stage.Mounts {
		if mount.Device == "" {
			continue
		}
		if _, ok := stage.Devices[mount.Device]; !ok {
			return fmt.Errorf("%w: pipeline %q stage %d mount %q: device %q",
				ErrReference, p.Name, index, mount.Name, mount.Device)
		}
	}

	return nil
}

// Names of the pipelines this pipeline depends on: its build root plus any
// pipeline inputs of its stages.
func (p *Pipeline) Dependencies() []string {
	seen := make(map[string]bool)
	var deps []string

	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		deps = append(deps, name)
	}

	add(p.Build)
	for _, stage := range p.Stages {
		for _, input := range stage.Inputs {
			if input.Kind == InputPipeline {
				add(input.Reference)
			}
		}
	}

	return deps
}

// Returns the fingerprint of the stage at the given index.
//
// Only valid after Resolve.
func (p *Pipeline) StageFingerprint(index int) digest.Digest {
	return p.fingerprints[index]
}

// Returns the fingerprint of the pipeline's final stage, identifying its
// output tree. Empty for a pipeline with no stages.
func (p *Pipeline) Fingerprint() digest.Digest {
	if len(p.fingerprints) == 0 {
		return ""
	}
	return p.fingerprints[len(p.fingerprints)-1]
}
