package cli

import (
	"context"
	"fmt"

	"github.com/tobias-urdin/osbuild/internal"
)

// Represents the 'osbuild version' command.
type VersionCmd struct{}

// Executes the version command.
func (c *VersionCmd) Run(ctx context.Context) error {
	fmt.Println(internal.VersionString())
	return nil
}
