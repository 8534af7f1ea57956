package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// The identity of one stage for caching purposes.
//
// Two stages with equal payloads are guaranteed to produce bit-for-bit
// equivalent trees, so the digest over the canonical encoding of this
// struct is the stage's fingerprint. Parent chains the preceding stage of
// the same pipeline; BuildRoot chains the output of the build pipeline.
// Input references to pipelines are replaced by those pipelines' output
// fingerprints, and source references by their content checksums, so the
// payload captures resolved content rather than names.
type fingerprintPayload struct {
	Type      string                     `json:"type"`
	Options   json.RawMessage            `json:"options,omitempty"`
	Inputs    map[string]resolvedInput   `json:"inputs,omitempty"`
	Devices   map[string]json.RawMessage `json:"devices,omitempty"`
	Mounts    []json.RawMessage          `json:"mounts,omitempty"`
	Runner    string                     `json:"runner,omitempty"`
	BuildRoot digest.Digest              `json:"build,omitempty"`
	Parent    digest.Digest              `json:"parent,omitempty"`
}

// An input with its reference resolved to content identity.
type resolvedInput struct {
	Kind    string        `json:"kind"`
	Content digest.Digest `json:"content"`
}

// Computes the chained fingerprints for every stage of a pipeline.
//
// The build pipeline and all pipeline inputs must already be
// fingerprinted; Resolve guarantees this by walking in dependency order.
func (m *Manifest) fingerprintPipeline(p *Pipeline) error {
	var buildRoot digest.Digest
	if p.Build != "" {
		buildRoot = m.byName[p.Build].Fingerprint()
	}

	p.fingerprints = make([]digest.Digest, len(p.Stages))
	parent := digest.Digest("")

	for i, stage := range p.Stages {
		fp, err := m.fingerprintStage(stage, p.Runner, buildRoot, parent)
		if err != nil {
			return fmt.Errorf("%w: pipeline %q stage %d: %w", ErrManifest, p.Name, i, err)
		}
		p.fingerprints[i] = fp
		parent = fp
	}

	return nil
}

// Computes one stage's fingerprint from its identity tuple and chain links.
func (m *Manifest) fingerprintStage(stage *Stage, runner string, buildRoot, parent digest.Digest) (digest.Digest, error) {
	payload := fingerprintPayload{
		Type:      stage.Type,
		Runner:    runner,
		BuildRoot: buildRoot,
		Parent:    parent,
	}

	var err error
	if payload.Options, err = canonicalRaw(stage.Options); err != nil {
		return "", err
	}

	if len(stage.Inputs) > 0 {
		payload.Inputs = make(map[string]resolvedInput, len(stage.Inputs))
		for name, input := range stage.Inputs {
			content, err := m.resolveInputContent(input)
			if err != nil {
				return "", err
			}
			payload.Inputs[name] = resolvedInput{Kind: input.Kind, Content: content}
		}
	}

	if len(stage.Devices) > 0 {
		payload.Devices = make(map[string]json.RawMessage, len(stage.Devices))
		for name, dev := range stage.Devices {
			opts, err := canonicalRaw(dev.Options)
			if err != nil {
				return "", err
			}
			entry, err := json.Marshal(struct {
				Type    string          `json:"type"`
				Options json.RawMessage `json:"options,omitempty"`
			}{dev.Type, opts})
			if err != nil {
				return "", err
			}
			payload.Devices[name] = entry
		}
	}

	for _, mount := range stage.Mounts {
		id, err := mount.ID()
		if err != nil {
			return "", err
		}
		payload.Mounts = append(payload.Mounts, json.RawMessage(fmt.Sprintf("%q", id)))
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	return digest.Canonical.FromBytes(encoded), nil
}

// Maps an input reference to the digest identifying its content: the
// referenced pipeline's output fingerprint or the source checksum.
func (m *Manifest) resolveInputContent(input Input) (digest.Digest, error) {
	switch input.Kind {
	case InputPipeline:
		dep, ok := m.byName[input.Reference]
		if !ok {
			return "", fmt.Errorf("%w: pipeline %q", ErrReference, input.Reference)
		}
		return dep.Fingerprint(), nil
	case InputSource:
		src, ok := m.Sources[input.Reference]
		if !ok {
			return "", fmt.Errorf("%w: source %q", ErrReference, input.Reference)
		}
		return src.Checksum, nil
	default:
		return "", fmt.Errorf("%w: input kind %q", ErrManifest, input.Kind)
	}
}

// The mount's stable identity: a digest over the canonical encoding of its
// name, device, target, and options.
func (mnt Mount) ID() (digest.Digest, error) {
	opts, err := canonicalRaw(mnt.Options)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(struct {
		Name    string          `json:"name"`
		Type    string          `json:"type"`
		Device  string          `json:"device,omitempty"`
		Target  string          `json:"target,omitempty"`
		Options json.RawMessage `json:"options,omitempty"`
	}{mnt.Name, mnt.Type, mnt.Device, mnt.Target, opts})
	if err != nil {
		return "", err
	}
	return digest.Canonical.FromBytes(encoded), nil
}

// Re-encodes a raw JSON value into its canonical form.
//
// Manifest documents may order object keys arbitrarily; decoding into
// generic values and re-encoding sorts keys, making the bytes stable for
// fingerprinting. A nil or empty raw value canonicalizes to nil so that an
// absent options object and an explicit empty one hash identically.
func canonicalRaw(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	if obj, ok := v.(map[string]any); ok && len(obj) == 0 {
		return nil, nil
	}

	return json.Marshal(v)
}
