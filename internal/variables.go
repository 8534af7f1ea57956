// Package internal carries build-time identity and global runtime modes
// shared across the tool.
package internal

import (
	"fmt"
	"runtime"
	"strings"
)

// Name used for the binary, directories, and logging.
const Name = "osbuild"

// Placeholder for variables a release build should have set.
const defaultUndefined = "(undefined)"

// Version string reported by builds made outside the release pipeline.
const defaultLocalBuild = "(local)"

// Set via ldflags by the release pipeline. A local build leaves them
// empty.
var (
	version   = "" // Release version (e.g. "1.2.3").
	gitCommit = "" // Git commit hash the build was made from.
	branch    = "" // Git branch the build was made from.

	rawQuiet = "false" // Default for quiet mode.
	rawDebug = "false" // Default for debug mode.
)

// Returns the release version, with any "v" prefix stripped. Returns
// "(undefined)" for local builds.
func Version() string {
	v := strings.ToLower(strings.TrimSpace(version))
	if v == "" {
		return defaultUndefined
	}
	return strings.TrimPrefix(v, "v")
}

// Returns the git commit hash the build was made from.
func GitCommit() string {
	c := strings.TrimSpace(gitCommit)
	if c == "" {
		return defaultUndefined
	}
	return c
}

// Returns the git branch the build was made from.
func Branch() string {
	b := strings.TrimSpace(branch)
	if b == "" {
		return defaultUndefined
	}
	return strings.ToLower(b)
}

// Returns the build architecture.
func Arch() string {
	return runtime.GOARCH
}

// Reports whether this is a local build: release builds set version,
// commit, and branch via linker flags.
func IsLocal() bool {
	return strings.TrimSpace(version) == "" ||
		strings.TrimSpace(gitCommit) == "" ||
		strings.TrimSpace(branch) == ""
}

// Returns a detailed version string for display.
//
// Local builds report "(local)". Release builds report
// "<version>+<branch> <commit> [<arch>]", with the branch suffix omitted
// on main.
func VersionString() string {
	if IsLocal() {
		return defaultLocalBuild
	}

	suffix := ""
	if b := Branch(); b != "main" {
		suffix = "+" + b
	}
	return fmt.Sprintf("%s%s %s [%s]", Version(), suffix, GitCommit(), Arch())
}
