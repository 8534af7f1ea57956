package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Describes one stage type's capability surface.
//
// Stages are independent executables; the engine never branches on a stage
// type. Everything it needs to know is carried here: where the executable
// lives, which privileged capabilities the stage may request from the
// sandbox, and how to validate options. Schema ownership belongs to the
// stage, so ValidateOptions is a capability the descriptor exposes, not
// logic the engine provides.
type Descriptor struct {
	Type            string                          // Stage type identifier (e.g. "org.osbuild.mkdir").
	Path            string                          // Invocation path of the stage executable.
	Capabilities    []string                        // Privileged capabilities the stage may declare needing.
	ValidateOptions func(json.RawMessage) error     // Option validation capability; nil accepts anything.
}

// Maps stage type identifiers to their descriptors.
//
// The registry is constructed once per build invocation and injected into
// manifest resolution and the stage runner.
type Registry struct {
	stages map[string]Descriptor
}

// Creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: make(map[string]Descriptor)}
}

// Adds a descriptor to the registry.
func (r *Registry) Register(desc Descriptor) error {
	if desc.Type == "" {
		return fmt.Errorf("%w: descriptor with empty type", ErrManifest)
	}
	if _, ok := r.stages[desc.Type]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, desc.Type)
	}
	r.stages[desc.Type] = desc
	return nil
}

// Returns the descriptor for a stage type.
func (r *Registry) Describe(stageType string) (Descriptor, bool) {
	desc, ok := r.stages[stageType]
	return desc, ok
}

// Metadata file a stage may install next to its executable.
//
// The capabilities list is the stage's declared privilege allow-list,
// granted (or narrowed) by host policy at sandbox construction time.
type stageMeta struct {
	Capabilities []string `json:"capabilities"`
}

// Discovers stage executables under libdir/stages and registers a
// descriptor for each.
//
// Every executable file is a stage; its file name is the stage type. A
// sibling "<type>.meta.json" file can declare capabilities. The default
// option validator only requires options to be a JSON object, since the
// option schema is owned by the stage itself.
func LoadRegistry(libdir string) (*Registry, error) {
	r := NewRegistry()

	stageDir := filepath.Join(libdir, "stages")
	entries, err := os.ReadDir(stageDir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrManifest, stageDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) == ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrManifest, err)
		}
		if info.Mode()&0111 == 0 {
			continue
		}

		desc := Descriptor{
			Type:            entry.Name(),
			Path:            filepath.Join(stageDir, entry.Name()),
			ValidateOptions: ValidateObjectOptions,
		}

		meta, err := loadStageMeta(filepath.Join(stageDir, entry.Name()+".meta.json"))
		if err != nil {
			return nil, err
		}
		desc.Capabilities = meta.Capabilities

		if err := r.Register(desc); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Reads a stage metadata file. A missing file yields empty metadata.
func loadStageMeta(path string) (stageMeta, error) {
	var meta stageMeta

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return meta, nil
	}
	if err != nil {
		return meta, fmt.Errorf("%w: %w", ErrManifest, err)
	}

	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("%w: %s: %w", ErrManifest, path, err)
	}
	return meta, nil
}

// The default option validation capability: options must be absent or a
// JSON object.
func ValidateObjectOptions(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("options must be an object: %w", err)
	}
	return nil
}
