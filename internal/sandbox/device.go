package sandbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Size of one device sector; loopback start and size options count these.
const sectorSize = 512

// Options accepted by loopback devices: a backing file relative to the
// tree plus an optional sector window into it.
type loopbackOptions struct {
	Filename string `json:"filename"`
	Start    uint64 `json:"start,omitempty"`
	Size     uint64 `json:"size,omitempty"`
}

// An attached loopback device.
type LoopDevice struct {
	Name string // Declared device name from the manifest.
	Node string // Host device node (e.g. /dev/loop3).

	fd int // Open descriptor on the node, held until detach.
}

// Attaches loopback devices over files in the tree and tracks them for
// LIFO detach.
type DeviceManager struct {
	tree     string
	attached []*LoopDevice
}

// Creates a device manager resolving backing files relative to the given
// tree.
func NewDeviceManager(tree string) *DeviceManager {
	return &DeviceManager{tree: tree}
}

// Attaches a device of the given type.
//
// Only the loopback type exists today; the options decide the backing
// file and the sector window exposed through the device.
func (m *DeviceManager) Acquire(name, devType string, options json.RawMessage) (*LoopDevice, error) {
	if devType != "org.osbuild.loopback" && devType != "loopback" {
		return nil, fmt.Errorf("%w: unsupported device type %q", ErrDevice, devType)
	}

	var opts loopbackOptions
	if len(options) > 0 {
		if err := json.Unmarshal(options, &opts); err != nil {
			return nil, fmt.Errorf("%w: device %q: %w", ErrDevice, name, err)
		}
	}
	if opts.Filename == "" {
		return nil, fmt.Errorf("%w: device %q has no filename", ErrDevice, name)
	}

	backing := opts.Filename
	if !filepath.IsAbs(backing) {
		backing = filepath.Join(m.tree, backing)
	}

	dev, err := attachLoop(name, backing, opts.Start*sectorSize, opts.Size*sectorSize)
	if err != nil {
		return nil, err
	}

	slog.Debug("loop device attached", "name", name, "node", dev.Node, "backing", backing)
	m.attached = append(m.attached, dev)
	return dev, nil
}

// Returns the currently attached devices in attach order.
func (m *DeviceManager) Attached() []*LoopDevice {
	return m.attached
}

// Returns the attached device with the given declared name.
func (m *DeviceManager) Device(name string) (*LoopDevice, bool) {
	for _, dev := range m.attached {
		if dev.Name == name {
			return dev, true
		}
	}
	return nil, false
}

// Detaches all devices in reverse attach order. Every failure is
// collected; a loop device left attached is host-visible state.
func (m *DeviceManager) DetachAll() error {
	var errs []error
	for i := len(m.attached) - 1; i >= 0; i-- {
		if err := m.attached[i].detach(); err != nil {
			errs = append(errs, err)
		}
	}
	m.attached = nil

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrTeardown, errs)
	}
	return nil
}

// Binds a free loop device to the backing file and applies the sector
// window.
func attachLoop(name, backing string, offset, sizelimit uint64) (*LoopDevice, error) {
	ctl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDevice, err)
	}
	defer ctl.Close()

	num, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return nil, fmt.Errorf("%w: no free loop device: %w", ErrDevice, err)
	}
	node := fmt.Sprintf("/dev/loop%d", num)

	back, err := os.OpenFile(backing, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDevice, err)
	}
	defer back.Close()

	loopFd, err := unix.Open(node, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDevice, node, err)
	}

	if err := unix.IoctlSetInt(loopFd, unix.LOOP_SET_FD, int(back.Fd())); err != nil {
		unix.Close(loopFd)
		return nil, fmt.Errorf("%w: %s: %w", ErrDevice, node, err)
	}

	var info unix.LoopInfo64
	copy(info.File_name[:], backing)
	info.Offset = offset
	info.Sizelimit = sizelimit

	if err := unix.IoctlLoopSetStatus64(loopFd, &info); err != nil {
		unix.IoctlSetInt(loopFd, unix.LOOP_CLR_FD, 0)
		unix.Close(loopFd)
		return nil, fmt.Errorf("%w: %s: %w", ErrDevice, node, err)
	}

	return &LoopDevice{Name: name, Node: node, fd: loopFd}, nil
}

// Releases the loop device and closes its descriptor.
func (d *LoopDevice) detach() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.IoctlSetInt(d.fd, unix.LOOP_CLR_FD, 0)
	unix.Close(d.fd)
	d.fd = -1

	if err != nil {
		return fmt.Errorf("%w: detaching %s: %w", ErrTeardown, d.Node, err)
	}
	return nil
}
