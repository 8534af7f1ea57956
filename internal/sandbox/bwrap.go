package sandbox

import (
	"fmt"
	"path"
	"sort"
)

// The bubblewrap binary used to enter the sandbox namespaces.
const bwrapBinary = "bwrap"

// Translates a BuildRoot into a bwrap command line.
//
// Pure: no filesystem access, so the translation is testable without
// privileges. Argument order matters to bwrap — namespaces and the root
// come first, then binds from broad to narrow, then environment, then the
// command.
func bwrapArgs(b *BuildRoot, executable string, extra []string) ([]string, error) {
	if b.Tree == "" {
		return nil, fmt.Errorf("%w: build root has no tree", ErrSandbox)
	}
	if executable == "" {
		return nil, fmt.Errorf("%w: no executable", ErrSandbox)
	}

	args := []string{bwrapBinary}

	// Fresh namespaces for everything. Stages must not assume network
	// access or host process visibility.
	args = append(args,
		"--unshare-user",
		"--unshare-pid",
		"--unshare-net",
		"--unshare-ipc",
		"--unshare-uts",
		"--die-with-parent",
		"--new-session",
	)

	// Root filesystem: the committed build tree read-only, or a bare
	// tmpfs when the pipeline declares no build root.
	if b.BuildTree != "" {
		args = append(args, "--ro-bind", b.BuildTree, "/")
	} else {
		args = append(args, "--tmpfs", "/")
	}

	args = append(args,
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--tmpfs", "/run",
	)

	// The tree under construction, read-write.
	args = append(args, "--bind", b.Tree, TreeTarget)

	// Inputs read-only, sorted for deterministic command lines.
	inputNames := make([]string, 0, len(b.Inputs))
	for name := range b.Inputs {
		inputNames = append(inputNames, name)
	}
	sort.Strings(inputNames)
	for _, name := range inputNames {
		args = append(args, "--ro-bind", b.Inputs[name], path.Join(InputsTarget, name))
	}

	// Stage executables.
	if b.Libdir != "" {
		args = append(args, "--ro-bind", b.Libdir, LibTarget)
	}

	// Mounted filesystems, prepared on the host; the bind is recursive so
	// mounts made under the scratch root are visible inside.
	if b.scratch != "" {
		args = append(args, "--bind", b.mountsRoot(), MountsTarget)
	}

	// Attached loop devices keep their host node paths.
	if b.devices != nil {
		for _, dev := range b.devices.Attached() {
			args = append(args, "--dev-bind", dev.Node, dev.Node)
		}
	}

	for _, cap := range b.Capabilities {
		args = append(args, "--cap-add", cap)
	}

	args = append(args, "--clearenv")
	envKeys := make([]string, 0, len(b.Environment))
	for key := range b.Environment {
		envKeys = append(envKeys, key)
	}
	sort.Strings(envKeys)
	for _, key := range envKeys {
		args = append(args, "--setenv", key, b.Environment[key])
	}

	args = append(args, "--chdir", "/")
	args = append(args, "--", executable)
	args = append(args, extra...)

	return args, nil
}
