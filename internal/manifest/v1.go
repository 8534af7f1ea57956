package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Wire form of a legacy version 1 manifest: a single root pipeline with a
// recursively nested build pipeline and an optional assembler.
type documentV1 struct {
	Version  string                     `json:"version,omitempty"`
	Pipeline pipelineV1                 `json:"pipeline"`
	Sources  map[string]json.RawMessage `json:"sources,omitempty"`
}

type pipelineV1 struct {
	Build     *buildV1  `json:"build,omitempty"`
	Stages    []stageV1 `json:"stages,omitempty"`
	Assembler *stageV1  `json:"assembler,omitempty"`
}

type buildV1 struct {
	Pipeline pipelineV1 `json:"pipeline"`
	Runner   string     `json:"runner,omitempty"`
}

type stageV1 struct {
	Name    string          `json:"name"`
	Options json.RawMessage `json:"options,omitempty"`
}

// Names given to translated v1 pipelines. The nested build chain becomes
// "build", "build-2", ... from the outside in; the root stage list becomes
// "tree" and the assembler its own final pipeline.
const (
	v1BuildName     = "build"
	v1TreeName      = "tree"
	v1AssemblerName = "assembler"
)

// Loads a version 1 document by translating it into the flat pipeline
// model used everywhere else.
//
// The nested build chain is flattened into named pipelines, the root stage
// list becomes the "tree" pipeline, and the assembler becomes a final
// "assembler" pipeline that consumes the tree as a read-only input — the
// same upgrade the original tool performs on legacy manifests.
func loadV1(raw []byte) (*Manifest, error) {
	var doc documentV1
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifest, err)
	}

	m := &Manifest{
		Version: "1",
		Sources: make(map[string]Source),
	}

	if err := loadV1Sources(doc.Sources, m.Sources); err != nil {
		return nil, err
	}

	buildName, runner, err := flattenV1Build(m, doc.Pipeline.Build, 1)
	if err != nil {
		return nil, err
	}

	tree := &Pipeline{
		Name:   v1TreeName,
		Build:  buildName,
		Runner: runner,
	}
	for _, st := range doc.Pipeline.Stages {
		tree.Stages = append(tree.Stages, &Stage{Type: st.Name, Options: st.Options})
	}
	m.Pipelines = append(m.Pipelines, tree)

	if doc.Pipeline.Assembler != nil {
		assembler := &Pipeline{
			Name:   v1AssemblerName,
			Build:  buildName,
			Runner: runner,
			Stages: []*Stage{{
				Type:    doc.Pipeline.Assembler.Name,
				Options: doc.Pipeline.Assembler.Options,
				Inputs: map[string]Input{
					"tree": {Kind: InputPipeline, Reference: v1TreeName},
				},
			}},
		}
		m.Pipelines = append(m.Pipelines, assembler)
	}

	if err := m.index(); err != nil {
		return nil, err
	}
	return m, nil
}

// Recursively translates the nested v1 build chain into named pipelines.
//
// Returns the name of the pipeline serving as the caller's build root and
// the runner declared for it. Pipelines are appended deepest-first so that
// declaration order matches dependency order.
func flattenV1Build(m *Manifest, build *buildV1, depth int) (name, runner string, err error) {
	if build == nil {
		return "", "", nil
	}

	parentName, parentRunner, err := flattenV1Build(m, build.Pipeline.Build, depth+1)
	if err != nil {
		return "", "", err
	}

	name = v1BuildName
	if depth > 1 {
		name = fmt.Sprintf("%s-%d", v1BuildName, depth)
	}

	p := &Pipeline{
		Name:   name,
		Build:  parentName,
		Runner: parentRunner,
	}
	for _, st := range build.Pipeline.Stages {
		p.Stages = append(p.Stages, &Stage{Type: st.Name, Options: st.Options})
	}
	m.Pipelines = append(m.Pipelines, p)

	return name, build.Runner, nil
}

// Wire form of the v1 files source: a map of checksum to URL.
type filesSourceV1 struct {
	URLs map[string]string `json:"urls"`
}

// Translates the v1 sources section.
//
// Only the files source ("org.osbuild.files") exists in version 1; its
// entries become url sources keyed by checksum.
func loadV1Sources(raw map[string]json.RawMessage, out map[string]Source) error {
	for name, body := range raw {
		if name != "org.osbuild.files" {
			return fmt.Errorf("%w: v1 source %q", ErrManifest, name)
		}

		var files filesSourceV1
		if err := json.Unmarshal(body, &files); err != nil {
			return fmt.Errorf("%w: source %q: %w", ErrManifest, name, err)
		}

		for checksum, url := range files.URLs {
			sum, err := digest.Parse(checksum)
			if err != nil {
				return fmt.Errorf("%w: source checksum %q: %w", ErrManifest, checksum, err)
			}
			out[checksum] = Source{Kind: "url", URL: url, Checksum: sum}
		}
	}
	return nil
}
