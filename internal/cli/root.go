package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/tobias-urdin/osbuild/internal"
	"github.com/tobias-urdin/osbuild/internal/paths"
)

// Represents the root command for the osbuild tool.
var RootCmd struct {
	Quiet  bool   `short:"q" help:"Suppress informational output."`
	Debug  bool   `short:"d" help:"Enable debug output."`
	JSON   bool   `help:"Emit machine-readable progress events on stdout."`
	Store  string `help:"Override the object store directory." placeholder:"DIR"`
	Cache  string `help:"Override the source cache directory." placeholder:"DIR"`
	Libdir string `help:"Directory holding stage executables." placeholder:"DIR"`

	Build    BuildCmd    `cmd:"" help:"Build a manifest and export pipeline trees."`
	Inspect  InspectCmd  `cmd:"" help:"Show a manifest's resolved pipelines and fingerprints."`
	Validate ValidateCmd `cmd:"" help:"Validate a manifest without building."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Build OS artifacts from pipeline manifests.\n\nExecutes each pipeline's stages in isolated sandboxes, caching every intermediate tree in a content-addressed store."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	if RootCmd.Quiet {
		internal.SetQuiet(true)
	}
	if RootCmd.Debug {
		internal.SetDebug(true)
	}

	level := slog.LevelInfo
	if internal.IsDebug() {
		level = slog.LevelDebug
	} else if internal.IsQuiet() {
		level = slog.LevelWarn
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// Effective object store directory.
func storeDir() string {
	if RootCmd.Store != "" {
		return RootCmd.Store
	}
	return paths.Store()
}

// Effective source cache directory.
func cacheDir() string {
	if RootCmd.Cache != "" {
		return RootCmd.Cache
	}
	return paths.SourceCache()
}

// Effective stage library directory.
func libdir() string {
	if RootCmd.Libdir != "" {
		return RootCmd.Libdir
	}
	return paths.Libdir()
}
