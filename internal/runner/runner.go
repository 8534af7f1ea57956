package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/tobias-urdin/osbuild/internal/manifest"
	"github.com/tobias-urdin/osbuild/internal/sandbox"
)

// Executes stages inside their sandboxes.
type Runner struct {
	libdir string
}

// Creates a runner loading stage executables from libdir.
func New(libdir string) *Runner {
	return &Runner{libdir: libdir}
}

// Outcome of one stage execution.
type Result struct {
	ExitCode int           // Exit code of the stage process.
	Error    *StageFailure // Structured failure reported over the API channel.
	Output   string        // Captured stdout, stderr, and channel messages.
}

// Reports whether the stage succeeded: exit code zero and no reported
// error.
func (r *Result) Success() bool {
	return r.ExitCode == 0 && r.Error == nil
}

// Runs one stage to completion inside the assembled build root.
//
// The stage arguments document goes to the process on stdin; a socketpair
// passed as fd 3 carries structured messages back. A non-zero exit code is
// not an error here, the result records it and the caller decides. Context
// cancellation kills the stage and surfaces as a failed result.
func (r *Runner) Run(ctx context.Context, stage *manifest.Stage, root *sandbox.BuildRoot) (*Result, error) {
	args, err := buildArguments(stage, root)
	if err != nil {
		return nil, err
	}
	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRunner, err)
	}

	if _, err := os.Stat(filepath.Join(r.libdir, "stages", stage.Type)); err != nil {
		return nil, fmt.Errorf("%w: stage executable %s: %w", ErrRunner, stage.Type, err)
	}

	executable := path.Join(sandbox.LibTarget, "stages", stage.Type)
	argv, err := root.Command(executable)
	if err != nil {
		return nil, err
	}

	ours, theirs, err := apiSocketpair()
	if err != nil {
		return nil, err
	}
	defer ours.Close()

	output := &syncBuffer{}
	session := &apiSession{
		stage:   stage.Type,
		output:  output,
		devices: root.Devices(),
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.ExtraFiles = []*os.File{theirs} // fd 3 inside the stage

	slog.Debug("stage starting", "stage", stage.Type)

	if err := cmd.Start(); err != nil {
		theirs.Close()
		return nil, fmt.Errorf("%w: starting %s: %w", ErrRunner, stage.Type, err)
	}
	theirs.Close()

	served := make(chan struct{})
	go func() {
		defer close(served)
		session.serve(ours)
	}()

	waitErr := cmd.Wait()

	// Closing our end unblocks the session reader if the stage leaked the
	// descriptor to a surviving child.
	ours.Close()
	<-served

	result := &Result{
		Output: output.String(),
		Error:  session.reported(),
	}

	switch {
	case waitErr == nil:
		result.ExitCode = 0
	case ctx.Err() != nil:
		result.ExitCode = -1
		if result.Error == nil {
			result.Error = &StageFailure{
				Name:    "timeout",
				Message: fmt.Sprintf("stage %s: %v", stage.Type, ctx.Err()),
			}
		}
	default:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("%w: running %s: %w", ErrRunner, stage.Type, waitErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	slog.Debug("stage finished", "stage", stage.Type, "exit", result.ExitCode)
	return result, nil
}

// Creates the API channel: a connected socketpair, one end for the
// session, the other inherited by the stage process.
func apiSocketpair() (ours, theirs *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrRunner, err)
	}
	return os.NewFile(uintptr(fds[0]), "api"), os.NewFile(uintptr(fds[1]), "api-stage"), nil
}
