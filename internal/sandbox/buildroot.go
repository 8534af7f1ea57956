package sandbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tobias-urdin/osbuild/internal/paths"
)

// Well-known paths inside the sandbox. Stages find their working surfaces
// here regardless of host layout.
const (
	TreeTarget   = "/run/osbuild/tree"
	InputsTarget = "/run/osbuild/inputs"
	MountsTarget = "/run/osbuild/mounts"
	LibTarget    = "/run/osbuild/lib"
)

// Describes the environment for exactly one stage execution.
//
// All host paths are resolved before Assemble; the struct itself performs
// no I/O until then.
type BuildRoot struct {
	// BuildTree is the committed tree forming the read-only root
	// filesystem. Empty means the stage runs over a bare tmpfs root.
	BuildTree string

	// Tree is the staging tree the stage mutates, bound read-write.
	Tree string

	// Inputs maps input names to host paths, each bound read-only under
	// InputsTarget.
	Inputs map[string]string

	// Libdir is the host directory holding stage executables, bound
	// read-only at LibTarget.
	Libdir string

	// Capabilities is the effective allow-list for the stage, already
	// narrowed by host policy.
	Capabilities []string

	// Environment for the stage process. The sandbox clears everything
	// else.
	Environment map[string]string

	devices *DeviceManager
	mounts  *MountManager
	scratch string
}

// Prepares the host-side pieces of the sandbox: the scratch directory,
// attached devices, and mounted filesystems.
//
// Devices and mounts are created on the host before bwrap starts; the
// recursive bind of the mounts root makes them visible inside. On any
// failure the partially assembled state is torn down before returning.
func (b *BuildRoot) Assemble() (err error) {
	if err := os.MkdirAll(paths.Runtime(), paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %w", ErrSandbox, err)
	}
	b.scratch, err = os.MkdirTemp(paths.Runtime(), "buildroot-")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSandbox, err)
	}
	if err := os.MkdirAll(b.mountsRoot(), paths.DefaultDirMode); err != nil {
		os.RemoveAll(b.scratch)
		return fmt.Errorf("%w: %w", ErrSandbox, err)
	}

	b.devices = NewDeviceManager(b.Tree)
	b.mounts = NewMountManager(b.devices, b.mountsRoot())

	defer func() {
		if err != nil {
			if terr := b.Teardown(); terr != nil {
				slog.Error("teardown after failed assembly", "error", terr)
			}
		}
	}()

	return nil
}

// Attaches a declared device. Only valid between Assemble and Teardown.
func (b *BuildRoot) Devices() *DeviceManager {
	return b.devices
}

// Mounts filesystems from attached devices. Only valid between Assemble
// and Teardown.
func (b *BuildRoot) Mounts() *MountManager {
	return b.mounts
}

// Host directory that backs MountsTarget inside the sandbox.
func (b *BuildRoot) mountsRoot() string {
	return filepath.Join(b.scratch, "mounts")
}

// Unwinds everything Assemble and the managers created, in reverse order:
// mounts first, then devices, then the scratch directory.
//
// Failures are collected and escalated; a leaked mount is a host-visible
// defect even when the stage itself succeeded.
func (b *BuildRoot) Teardown() error {
	var errs []error

	if b.mounts != nil {
		if err := b.mounts.UnmountAll(); err != nil {
			errs = append(errs, err)
		}
		b.mounts = nil
	}
	if b.devices != nil {
		if err := b.devices.DetachAll(); err != nil {
			errs = append(errs, err)
		}
		b.devices = nil
	}
	if b.scratch != "" {
		if err := os.RemoveAll(b.scratch); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrTeardown, err))
		}
		b.scratch = ""
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrTeardown, errs)
	}
	return nil
}

// Builds the complete command line that runs an executable inside this
// sandbox.
func (b *BuildRoot) Command(executable string, args ...string) ([]string, error) {
	return bwrapArgs(b, executable, args)
}
