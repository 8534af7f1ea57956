package cli

import (
	"context"
	"encoding/json"
	"os"
)

// Represents the 'osbuild inspect' command.
type InspectCmd struct {
	ManifestPath string `arg:"" name:"manifest" help:"Manifest file to inspect." type:"existingfile"`
}

type inspectStage struct {
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
}

type inspectPipeline struct {
	Name   string         `json:"name"`
	Build  string         `json:"build,omitempty"`
	Runner string         `json:"runner,omitempty"`
	Stages []inspectStage `json:"stages"`
}

// Executes the inspect command, printing the resolved pipelines with
// their per-stage fingerprints as JSON.
func (c *InspectCmd) Run(ctx context.Context) error {
	m, _, err := loadManifest(c.ManifestPath)
	if err != nil {
		return err
	}

	order, err := m.Order()
	if err != nil {
		return err
	}

	out := struct {
		Version   string            `json:"version"`
		Pipelines []inspectPipeline `json:"pipelines"`
	}{Version: m.Version}

	for _, p := range order {
		ip := inspectPipeline{
			Name:   p.Name,
			Build:  p.Build,
			Runner: p.Runner,
			Stages: make([]inspectStage, 0, len(p.Stages)),
		}
		for i, stage := range p.Stages {
			ip.Stages = append(ip.Stages, inspectStage{
				Type:        stage.Type,
				Fingerprint: p.StageFingerprint(i).String(),
			})
		}
		out.Pipelines = append(out.Pipelines, ip)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
