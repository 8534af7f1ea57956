// Provides platform-appropriate paths for the build engine.
//
// All paths follow XDG conventions on Linux and platform-native conventions
// on macOS. The tool name "osbuild" is used as the subdirectory under each
// base path. The object store and source cache locations can be overridden
// through environment variables, keeping host policy out of manifests.
package paths
