package cli

import (
	"context"
	"fmt"
)

// Represents the 'osbuild validate' command.
type ValidateCmd struct {
	ManifestPath string `arg:"" name:"manifest" help:"Manifest file to validate." type:"existingfile"`
}

// Executes the validate command. Loading and resolving the manifest
// performs full validation; a clean pass prints the pipeline count.
func (c *ValidateCmd) Run(ctx context.Context) error {
	m, _, err := loadManifest(c.ManifestPath)
	if err != nil {
		return err
	}

	fmt.Printf("%s: %d pipelines, %d sources\n", c.ManifestPath, len(m.Pipelines), len(m.Sources))
	return nil
}
