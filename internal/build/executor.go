package build

import (
	"context"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/tobias-urdin/osbuild/internal/manifest"
	"github.com/tobias-urdin/osbuild/internal/runner"
	"github.com/tobias-urdin/osbuild/internal/sandbox"
	"github.com/tobias-urdin/osbuild/internal/sources"
)

// Everything needed to run one stage: the staged tree, its execution
// root, and resolved input directories.
type stageExecution struct {
	Pipeline  *manifest.Pipeline
	Stage     *manifest.Stage
	Tree      string
	BuildTree string
	Inputs    map[string]string
}

// Stage execution backend.
type executor interface {
	execute(ctx context.Context, x *stageExecution) error
	sourcePath(sum digest.Digest) string
}

// Runs stages inside bubblewrap sandboxes.
type sandboxExecutor struct {
	runner   *runner.Runner
	resolver *sources.Resolver
	registry *manifest.Registry
	policy   *sandbox.Policy
	libdir   string
}

func newSandboxExecutor(resolver *sources.Resolver, reg *manifest.Registry, libdir string) *sandboxExecutor {
	return &sandboxExecutor{
		runner:   runner.New(libdir),
		resolver: resolver,
		registry: reg,
		policy:   sandbox.LoadPolicy(),
		libdir:   libdir,
	}
}

// Environment every stage starts from; the sandbox clears the rest.
func stageEnvironment() map[string]string {
	return map[string]string{
		"PATH":   "/usr/sbin:/usr/bin:/sbin:/bin",
		"LC_ALL": "C.UTF-8",
		"TERM":   "dumb",
	}
}

func (e *sandboxExecutor) sourcePath(sum digest.Digest) string {
	return e.resolver.Path(sum)
}

// Assembles the sandbox, attaches declared devices and mounts, runs the
// stage, and tears everything down. A teardown failure fails the stage
// even when the stage itself exited cleanly.
func (e *sandboxExecutor) execute(ctx context.Context, x *stageExecution) error {
	var caps []string
	if desc, ok := e.registry.Describe(x.Stage.Type); ok {
		caps = sandbox.Effective(desc.Capabilities, e.policy)
	}

	root := &sandbox.BuildRoot{
		BuildTree:    x.BuildTree,
		Tree:         x.Tree,
		Inputs:       x.Inputs,
		Libdir:       e.libdir,
		Capabilities: caps,
		Environment:  stageEnvironment(),
	}
	if err := root.Assemble(); err != nil {
		return err
	}

	for name, dev := range x.Stage.Devices {
		if _, err := root.Devices().Acquire(name, dev.Type, dev.Options); err != nil {
			root.Teardown()
			return err
		}
	}
	for _, mnt := range x.Stage.Mounts {
		if _, err := root.Mounts().Mount(mnt); err != nil {
			root.Teardown()
			return err
		}
	}

	result, err := e.runner.Run(ctx, x.Stage, root)
	terr := root.Teardown()
	if err != nil {
		return err
	}
	if terr != nil {
		return terr
	}

	if !result.Success() {
		return stageError(x.Stage.Type, result)
	}
	return nil
}

// Formats a failed stage result into one error carrying the structured
// failure and the captured output.
func stageError(stageType string, result *runner.Result) error {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %s exited with code %d", stageType, result.ExitCode)
	if result.Error != nil {
		fmt.Fprintf(&b, ": %s: %s", result.Error.Name, result.Error.Message)
	}
	if output := strings.TrimSpace(result.Output); output != "" {
		fmt.Fprintf(&b, "\n%s", output)
	}
	return fmt.Errorf("%w: %s", runner.ErrStage, b.String())
}
