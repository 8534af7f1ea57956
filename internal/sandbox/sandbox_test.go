package sandbox

import (
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"testing"

	"github.com/adrg/xdg"

	"github.com/tobias-urdin/osbuild/internal/paths"
)

func argIndex(t *testing.T, args []string, want ...string) int {
	t.Helper()

	for i := 0; i+len(want) <= len(args); i++ {
		if slices.Equal(args[i:i+len(want)], want) {
			return i
		}
	}
	t.Fatalf("arguments %v not found in %v", want, args)
	return -1
}

func TestBwrapArgsTmpfsRoot(t *testing.T) {
	b := &BuildRoot{
		Tree:   "/host/tree",
		Libdir: "/usr/lib/osbuild",
	}

	args, err := b.Command("/run/osbuild/lib/stages/org.osbuild.noop")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if args[0] != "bwrap" {
		t.Fatalf("expected bwrap, got %q", args[0])
	}
	argIndex(t, args, "--tmpfs", "/")
	argIndex(t, args, "--unshare-net")
	argIndex(t, args, "--bind", "/host/tree", TreeTarget)
	argIndex(t, args, "--ro-bind", "/usr/lib/osbuild", LibTarget)
	argIndex(t, args, "--clearenv")
	argIndex(t, args, "--", "/run/osbuild/lib/stages/org.osbuild.noop")
}

func TestBwrapArgsBuildTreeRoot(t *testing.T) {
	b := &BuildRoot{
		BuildTree: "/host/buildtree",
		Tree:      "/host/tree",
	}

	args, err := b.Command("/bin/true")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	argIndex(t, args, "--ro-bind", "/host/buildtree", "/")
	for i, arg := range args[:len(args)-1] {
		if arg == "--tmpfs" && args[i+1] == "/" {
			t.Fatal("tmpfs root set alongside build tree root")
		}
	}
}

func TestBwrapArgsInputsSorted(t *testing.T) {
	b := &BuildRoot{
		Tree: "/host/tree",
		Inputs: map[string]string{
			"zeta":  "/host/z",
			"alpha": "/host/a",
		},
	}

	args, err := b.Command("/bin/true")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first := argIndex(t, args, "--ro-bind", "/host/a", InputsTarget+"/alpha")
	second := argIndex(t, args, "--ro-bind", "/host/z", InputsTarget+"/zeta")
	if first > second {
		t.Fatal("inputs not bound in sorted order")
	}
}

func TestBwrapArgsEnvironment(t *testing.T) {
	b := &BuildRoot{
		Tree: "/host/tree",
		Environment: map[string]string{
			"PATH": "/usr/bin",
			"LANG": "C.UTF-8",
		},
		Capabilities: []string{"CAP_CHOWN"},
	}

	args, err := b.Command("/bin/true", "--flag")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clearenv := argIndex(t, args, "--clearenv")
	lang := argIndex(t, args, "--setenv", "LANG", "C.UTF-8")
	path := argIndex(t, args, "--setenv", "PATH", "/usr/bin")
	if clearenv > lang || lang > path {
		t.Fatal("environment not cleared before sorted setenv arguments")
	}
	argIndex(t, args, "--cap-add", "CAP_CHOWN")

	if args[len(args)-1] != "--flag" {
		t.Fatalf("expected trailing stage argument, got %q", args[len(args)-1])
	}
}

func TestBwrapArgsValidation(t *testing.T) {
	tests := []struct {
		name       string
		buildRoot  *BuildRoot
		executable string
	}{
		{"missing tree", &BuildRoot{}, "/bin/true"},
		{"missing executable", &BuildRoot{Tree: "/host/tree"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.buildRoot.Command(tt.executable); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestAssembleCreatesRuntimeDir(t *testing.T) {
	// Point the runtime base at a directory that does not exist yet, as on
	// a host that never ran a build before.
	runtime := filepath.Join(t.TempDir(), "run")
	old, had := os.LookupEnv("XDG_RUNTIME_DIR")
	os.Setenv("XDG_RUNTIME_DIR", runtime)
	xdg.Reload()
	t.Cleanup(func() {
		if had {
			os.Setenv("XDG_RUNTIME_DIR", old)
		} else {
			os.Unsetenv("XDG_RUNTIME_DIR")
		}
		xdg.Reload()
	})

	b := &BuildRoot{Tree: t.TempDir()}
	if err := b.Assemble(); err != nil {
		t.Fatalf("assemble: %v", err)
	}
	defer func() {
		if err := b.Teardown(); err != nil {
			t.Fatalf("teardown: %v", err)
		}
	}()

	if _, err := os.Stat(paths.Runtime()); err != nil {
		t.Fatalf("runtime directory not created: %v", err)
	}
}

func TestResolveTarget(t *testing.T) {
	m := NewMountManager(nil, "/scratch/mounts")

	tests := []struct {
		declared string
		want     string
		wantErr  bool
	}{
		{declared: "/", want: "/scratch/mounts"},
		{declared: "/boot", want: "/scratch/mounts/boot"},
		{declared: "boot/efi", want: "/scratch/mounts/boot/efi"},
		{declared: "/../escape", want: "/scratch/mounts/escape"},
		{declared: "/a/../../b", want: "/scratch/mounts/b"},
	}

	for _, tt := range tests {
		t.Run(tt.declared, func(t *testing.T) {
			got, err := m.resolveTarget(tt.declared)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestMountFilesystem(t *testing.T) {
	tests := []struct {
		declared string
		want     string
	}{
		{"org.osbuild.ext4", "ext4"},
		{"org.osbuild.xfs", "xfs"},
		{"org.osbuild.fat", "vfat"},
		{"btrfs", "btrfs"},
		{"org.osbuild.nosuchfs", ""},
	}

	for _, tt := range tests {
		if got := mountFilesystem(tt.declared); got != tt.want {
			t.Errorf("mountFilesystem(%q) = %q, expected %q", tt.declared, got, tt.want)
		}
	}
}

func TestEffectiveCapabilities(t *testing.T) {
	tests := []struct {
		name     string
		declared []string
		allowed  map[string]struct{}
		want     []string
	}{
		{
			name:     "no policy permits declared",
			declared: []string{"CAP_SYS_ADMIN", "CAP_CHOWN"},
			want:     []string{"CAP_CHOWN", "CAP_SYS_ADMIN"},
		},
		{
			name:     "policy narrows",
			declared: []string{"CAP_SYS_ADMIN", "CAP_CHOWN"},
			allowed:  map[string]struct{}{"CAP_CHOWN": {}},
			want:     []string{"CAP_CHOWN"},
		},
		{
			name:     "empty policy denies all",
			declared: []string{"CAP_SYS_ADMIN"},
			allowed:  map[string]struct{}{},
			want:     nil,
		},
		{
			name:     "duplicates collapsed",
			declared: []string{"CAP_CHOWN", "CAP_CHOWN"},
			want:     []string{"CAP_CHOWN"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Effective(tt.declared, &Policy{allowed: tt.allowed})
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestLoadPolicyFromEnvironment(t *testing.T) {
	t.Setenv(CapabilitiesEnv, "CAP_CHOWN, CAP_MKNOD,")

	policy := LoadPolicy()
	if !policy.Allows("CAP_CHOWN") || !policy.Allows("CAP_MKNOD") {
		t.Fatal("expected listed capabilities to be allowed")
	}
	if policy.Allows("CAP_SYS_ADMIN") {
		t.Fatal("expected unlisted capability to be denied")
	}
}
