package sandbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tobias-urdin/osbuild/internal/manifest"
	"github.com/tobias-urdin/osbuild/internal/paths"
)

// A filesystem mounted for the duration of one stage.
type activeMount struct {
	name   string
	target string
}

// Mounts filesystems from attached devices under a private root and
// unwinds them in LIFO order.
type MountManager struct {
	devices *DeviceManager
	root    string
	active  []activeMount
}

// Creates a mount manager placing all targets under root.
func NewMountManager(devices *DeviceManager, root string) *MountManager {
	return &MountManager{devices: devices, root: root}
}

// Options accepted by filesystem mounts.
type mountOptions struct {
	ReadOnly bool   `json:"readonly,omitempty"`
	Options  string `json:"options,omitempty"`
}

// Mounts the declared filesystem and returns the host-side target path.
//
// The target is the declared path resolved under the private mounts root;
// a declaration that escapes the root is rejected before any syscall.
func (m *MountManager) Mount(mnt manifest.Mount) (string, error) {
	target, err := m.resolveTarget(mnt.Target)
	if err != nil {
		return "", err
	}

	fstype := mountFilesystem(mnt.Type)
	if fstype == "" {
		return "", fmt.Errorf("%w: unsupported mount type %q", ErrMount, mnt.Type)
	}

	source := "none"
	if mnt.Device != "" {
		dev, ok := m.devices.Device(mnt.Device)
		if !ok {
			return "", fmt.Errorf("%w: mount %q references unattached device %q", ErrMount, mnt.Name, mnt.Device)
		}
		source = dev.Node
	}

	var opts mountOptions
	if len(mnt.Options) > 0 {
		if err := json.Unmarshal(mnt.Options, &opts); err != nil {
			return "", fmt.Errorf("%w: mount %q: %w", ErrMount, mnt.Name, err)
		}
	}

	var flags uintptr
	if opts.ReadOnly {
		flags |= unix.MS_RDONLY
	}

	if err := os.MkdirAll(target, paths.DefaultDirMode); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMount, err)
	}
	if err := unix.Mount(source, target, fstype, flags, opts.Options); err != nil {
		return "", fmt.Errorf("%w: mounting %q at %s: %w", ErrMount, mnt.Name, target, err)
	}

	slog.Debug("filesystem mounted", "name", mnt.Name, "source", source, "target", target, "fstype", fstype)
	m.active = append(m.active, activeMount{name: mnt.Name, target: target})
	return target, nil
}

// Returns the host-side target of an active mount.
func (m *MountManager) Target(name string) (string, bool) {
	for _, am := range m.active {
		if am.name == name {
			return am.target, true
		}
	}
	return "", false
}

// Unmounts everything in reverse mount order. Failures are collected and
// escalated; an unmount that fails leaves later entries still attempted.
func (m *MountManager) UnmountAll() error {
	var errs []error
	for i := len(m.active) - 1; i >= 0; i-- {
		am := m.active[i]
		if err := unix.Unmount(am.target, 0); err != nil {
			errs = append(errs, fmt.Errorf("%w: unmounting %q at %s: %w", ErrTeardown, am.name, am.target, err))
		}
	}
	m.active = nil

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrTeardown, errs)
	}
	return nil
}

// Resolves a declared mount target under the private root, rejecting
// anything that would land outside it.
func (m *MountManager) resolveTarget(declared string) (string, error) {
	cleaned := filepath.Clean("/" + declared)
	target := filepath.Join(m.root, cleaned)

	root := filepath.Clean(m.root)
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: target %q escapes the mounts root", ErrMount, declared)
	}
	return target, nil
}

// Maps a declared mount type to the kernel filesystem name.
func mountFilesystem(declared string) string {
	name := strings.TrimPrefix(declared, "org.osbuild.")
	switch name {
	case "ext4", "xfs", "btrfs", "fat", "vfat", "tmpfs":
		if name == "fat" {
			return "vfat"
		}
		return name
	}
	return ""
}
