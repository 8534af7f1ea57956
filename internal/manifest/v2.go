package manifest

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Wire form of a version 2 manifest: a flat list of named pipelines plus a
// sources section keyed by fetcher kind.
type documentV2 struct {
	Version   string                 `json:"version"`
	Pipelines []pipelineV2           `json:"pipelines"`
	Sources   map[string]sourceSetV2 `json:"sources,omitempty"`
}

type pipelineV2 struct {
	Name   string    `json:"name"`
	Build  string    `json:"build,omitempty"`
	Runner string    `json:"runner,omitempty"`
	Stages []stageV2 `json:"stages,omitempty"`
}

type stageV2 struct {
	Type    string               `json:"type"`
	Options json.RawMessage      `json:"options,omitempty"`
	Inputs  map[string]inputV2   `json:"inputs,omitempty"`
	Devices map[string]deviceV2  `json:"devices,omitempty"`
	Mounts  []Mount              `json:"mounts,omitempty"`
}

type inputV2 struct {
	Type      string `json:"type"`
	Reference string `json:"reference"`
}

type deviceV2 struct {
	Type    string          `json:"type"`
	Options json.RawMessage `json:"options,omitempty"`
}

type sourceSetV2 struct {
	Items map[string]sourceItemV2 `json:"items"`
}

type sourceItemV2 struct {
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
	Ref  string `json:"ref,omitempty"`
}

// Loads a version 2 document.
func loadV2(raw []byte) (*Manifest, error) {
	var doc documentV2
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}

	m := &Manifest{
		Version: "2",
		Sources: make(map[string]Source),
	}

	for kind, set := range doc.Sources {
		for checksum, item := range set.Items {
			src, err := buildSource(kind, checksum, item)
			if err != nil {
				return nil, err
			}
			m.Sources[checksum] = src
		}
	}

	for _, pl := range doc.Pipelines {
		p := &Pipeline{
			Name:   pl.Name,
			Build:  stripNameRef(pl.Build),
			Runner: pl.Runner,
		}
		for _, st := range pl.Stages {
			stage := &Stage{
				Type:    st.Type,
				Options: st.Options,
				Mounts:  st.Mounts,
			}
			if len(st.Inputs) > 0 {
				stage.Inputs = make(map[string]Input, len(st.Inputs))
				for name, in := range st.Inputs {
					input, err := buildInput(in)
					if err != nil {
						return nil, fmt.Errorf("pipeline %q input %q: %w", pl.Name, name, err)
					}
					stage.Inputs[name] = input
				}
			}
			if len(st.Devices) > 0 {
				stage.Devices = make(map[string]Device, len(st.Devices))
				for name, dev := range st.Devices {
					stage.Devices[name] = Device{Type: dev.Type, Options: dev.Options}
				}
			}
			p.Stages = append(p.Stages, stage)
		}
		m.Pipelines = append(m.Pipelines, p)
	}

	if err := m.index(); err != nil {
		return nil, err
	}
	return m, nil
}

// Maps a wire input to the model, normalizing pipeline references.
func buildInput(in inputV2) (Input, error) {
	switch in.Type {
	case InputPipeline:
		return Input{Kind: InputPipeline, Reference: stripNameRef(in.Reference)}, nil
	case InputSource:
		if _, err := digest.Parse(in.Reference); err != nil {
			return Input{}, fmt.Errorf("%w: source reference %q: %w", ErrManifest, in.Reference, err)
		}
		return Input{Kind: InputSource, Reference: in.Reference}, nil
	default:
		return Input{}, fmt.Errorf("%w: input type %q", ErrManifest, in.Type)
	}
}

// Builds a source entry from its wire form, verifying the checksum key.
func buildSource(kind, checksum string, item sourceItemV2) (Source, error) {
	sum, err := digest.Parse(checksum)
	if err != nil {
		return Source{}, fmt.Errorf("%w: source checksum %q: %w", ErrManifest, checksum, err)
	}

	src := Source{Kind: kind, Checksum: sum, URL: item.URL, Path: item.Path, Ref: item.Ref}

	switch kind {
	case "url":
		if src.URL == "" {
			return Source{}, fmt.Errorf("%w: url source %s has no url", ErrManifest, checksum)
		}
	case "file":
		if src.Path == "" {
			return Source{}, fmt.Errorf("%w: file source %s has no path", ErrManifest, checksum)
		}
	case "container":
		if src.Ref == "" {
			return Source{}, fmt.Errorf("%w: container source %s has no ref", ErrManifest, checksum)
		}
	default:
		return Source{}, fmt.Errorf("%w: source kind %q", ErrManifest, kind)
	}

	return src, nil
}

// Removes the optional "name:" prefix from a pipeline reference.
//
// Version 2 documents may qualify pipeline references as "name:<pipeline>".
func stripNameRef(ref string) string {
	return strings.TrimPrefix(ref, "name:")
}
