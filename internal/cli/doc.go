// Parses flags and configures logging for the osbuild tool.
//
// The tool accepts the following global flags:
//
//	-q, --quiet     Suppress informational output.
//	-d, --debug     Enable debug output.
//	    --json      Emit machine-readable progress events on stdout.
//	    --store     Object store directory.
//	    --cache     Source cache directory.
//	    --libdir    Directory holding stage executables.
//
// Flags override build-time defaults set via linker flags. After parsing,
// the global logger is reconfigured to reflect the final level before the
// selected command runs.
package cli
