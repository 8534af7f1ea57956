// Package sandbox constructs the isolated execution environment one stage
// runs in.
//
// A BuildRoot assembles a private root filesystem for a single stage
// execution: a read-only base tree at /, the mutable tree bind-mounted
// read-write at a well-known path, declared inputs bind-mounted read-only,
// loopback devices attached over files in the tree, and filesystems
// mounted from those devices under a private mounts root. The stage
// process runs inside fresh user, mount, PID, network, IPC, and UTS
// namespaces with a cleared environment and an explicit capability
// allow-list; there is no implicit host visibility.
//
// Namespace and mount setup is delegated to bubblewrap: bwrapArgs
// translates a BuildRoot into a bwrap command line, keeping the builder a
// pure function that is testable without privileges. Devices and mounts
// are prepared on the host before the sandbox starts and unwound in LIFO
// order afterwards. Teardown failures are escalated, never ignored, since
// a leaked mount or loop device outlives the build and is visible to the
// host.
package sandbox
