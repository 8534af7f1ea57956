package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/tobias-urdin/osbuild/internal/build"
	"github.com/tobias-urdin/osbuild/internal/sources"
	"github.com/tobias-urdin/osbuild/internal/store"
)

// Represents the 'osbuild build' command.
type BuildCmd struct {
	ManifestPath string   `arg:"" name:"manifest" help:"Manifest file to build." type:"existingfile"`
	Output       string   `short:"o" default:"." help:"Directory receiving exported trees." placeholder:"DIR"`
	Export       []string `short:"e" help:"Name of a pipeline to export. Repeatable." placeholder:"PIPELINE"`
	Workers      int      `help:"Concurrent pipeline limit. Zero means unbounded."`
	FailFast     bool     `help:"Stop scheduling new pipelines after the first failure."`
}

// Executes the build command.
//
// Loads and resolves the manifest, opens the store and source cache, and
// runs every pipeline. The exit status reflects the overall outcome: any
// failed or skipped pipeline makes the command fail.
func (c *BuildCmd) Run(ctx context.Context) error {
	m, reg, err := loadManifest(c.ManifestPath)
	if err != nil {
		return err
	}

	st, err := store.Open(storeDir())
	if err != nil {
		return err
	}
	if err := st.Clean(); err != nil {
		slog.Warn("failed to clean staging leftovers", "error", err)
	}

	cache, err := sources.OpenCache(cacheDir())
	if err != nil {
		return err
	}
	resolver := sources.NewResolver(cache)

	var monitor build.Monitor = build.NewLogMonitor()
	if RootCmd.JSON {
		monitor = build.NewJSONMonitor(os.Stdout)
	}

	result, err := build.Run(ctx, st, resolver, build.Options{
		Manifest: m,
		Registry: reg,
		Libdir:   libdir(),
		Output:   c.Output,
		Exports:  c.Export,
		Monitor:  monitor,
		Workers:  c.Workers,
		FailFast: c.FailFast,
	})
	if err != nil {
		return err
	}

	if result.Failed() {
		var failed []string
		for name, pr := range result.Pipelines {
			if pr.Status != build.StatusDone {
				failed = append(failed, fmt.Sprintf("%s (%s)", name, pr.Status))
			}
		}
		return fmt.Errorf("%w: %s", build.ErrBuild, strings.Join(failed, ", "))
	}

	slog.Info("build finished", "pipelines", len(result.Pipelines), "exported", len(c.Export))
	return nil
}
