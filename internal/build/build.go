package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/tobias-urdin/osbuild/internal/manifest"
	"github.com/tobias-urdin/osbuild/internal/paths"
	"github.com/tobias-urdin/osbuild/internal/sources"
	"github.com/tobias-urdin/osbuild/internal/store"
)

// Lifecycle of one pipeline during a build.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResolving Status = "resolving-cache"
	StatusBuilding  Status = "building"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Controls manifest execution.
type Options struct {
	Manifest *manifest.Manifest // Resolved manifest to execute.
	Registry *manifest.Registry // Stage registry for capability lookups.
	Libdir   string             // Directory holding stage executables.
	Output   string             // Directory receiving exported trees.
	Exports  []string           // Names of pipelines to export.
	Monitor  Monitor            // Progress sink. Nil discards events.
	Workers  int                // Concurrent pipeline limit. Zero means unbounded.
	FailFast bool               // Stop dispatching new pipelines after the first failure.

	executor executor // Stage execution backend. Nil selects the sandbox.
}

// Terminal state of one pipeline.
type PipelineResult struct {
	Name        string
	Status      Status
	Fingerprint digest.Digest
	Error       error
}

// Outcome of a whole manifest execution.
type Result struct {
	Pipelines map[string]*PipelineResult
}

// Reports whether any pipeline failed or was skipped.
func (r *Result) Failed() bool {
	for _, pr := range r.Pipelines {
		if pr.Status != StatusDone {
			return true
		}
	}
	return false
}

// Shared state across pipeline goroutines.
type runState struct {
	mu      sync.Mutex
	results map[string]*PipelineResult
	entries map[string]*store.Entry // Final committed tree per finished pipeline.
	failed  bool                    // Set on the first failure.

	sourcesDone chan struct{}
	sourceErrs  map[digest.Digest]error // Written once, before sourcesDone closes.
}

func (s *runState) setStatus(name string, status Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[name].Status = status
	s.results[name].Error = err
	if status == StatusFailed {
		s.failed = true
	}
}

func (s *runState) status(name string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[name].Status
}

func (s *runState) anyFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *runState) setEntry(name string, entry *store.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = entry
}

func (s *runState) entry(name string) *store.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[name]
}

// Returns the fetch failure for the given source, blocking until fetching
// has finished.
func (s *runState) sourceError(ctx context.Context, sum digest.Digest) error {
	select {
	case <-s.sourcesDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.sourceErrs[sum]
}

// Executes a resolved manifest against the store.
//
// Declared sources are fetched concurrently with pipeline execution; a
// source that cannot be fetched fails only the pipelines whose stages
// reference it. Pipelines run concurrently in dependency order. A
// pipeline whose dependency did not finish as done is skipped without
// entering building; independent pipelines keep building after an
// unrelated failure unless FailFast is set. Run returns an error only
// for faults outside pipeline execution; per-pipeline failures are
// recorded in the result.
func Run(ctx context.Context, st *store.Store, resolver *sources.Resolver, opts Options) (*Result, error) {
	if opts.Monitor == nil {
		opts.Monitor = nopMonitor{}
	}
	if opts.executor == nil {
		opts.executor = newSandboxExecutor(resolver, opts.Registry, opts.Libdir)
	}

	order, err := opts.Manifest.Order()
	if err != nil {
		return nil, err
	}

	state := &runState{
		results:     make(map[string]*PipelineResult, len(order)),
		entries:     make(map[string]*store.Entry, len(order)),
		sourcesDone: make(chan struct{}),
	}
	done := make(map[string]chan struct{}, len(order))
	for _, p := range order {
		state.results[p.Name] = &PipelineResult{
			Name:        p.Name,
			Status:      StatusPending,
			Fingerprint: p.Fingerprint(),
		}
		done[p.Name] = make(chan struct{})
	}

	go func() {
		defer close(state.sourcesDone)
		state.sourceErrs = fetchSources(ctx, resolver, opts.Manifest)
	}()

	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}

	for _, p := range order {
		g.Go(func() error {
			defer close(done[p.Name])
			runPipeline(gctx, st, state, opts, p, done)
			return nil
		})
	}
	g.Wait()
	<-state.sourcesDone

	result := &Result{Pipelines: state.results}

	if err := export(state, opts); err != nil {
		return result, err
	}
	return result, nil
}

// Runs one pipeline once its dependencies have finished.
func runPipeline(ctx context.Context, st *store.Store, state *runState, opts Options, p *manifest.Pipeline, done map[string]chan struct{}) {
	for _, dep := range p.Dependencies() {
		select {
		case <-done[dep]:
		case <-ctx.Done():
			state.setStatus(p.Name, StatusSkipped, ctx.Err())
			opts.Monitor.PipelineFinished(p.Name, StatusSkipped, ctx.Err())
			return
		}
		if state.status(dep) != StatusDone {
			err := fmt.Errorf("%w: dependency %q did not finish", ErrBuild, dep)
			state.setStatus(p.Name, StatusSkipped, err)
			opts.Monitor.PipelineFinished(p.Name, StatusSkipped, err)
			return
		}
	}

	// With fail-fast requested, nothing new is dispatched after a failure
	// anywhere in the graph.
	if opts.FailFast && state.anyFailed() {
		state.setStatus(p.Name, StatusSkipped, nil)
		opts.Monitor.PipelineFinished(p.Name, StatusSkipped, nil)
		return
	}

	opts.Monitor.PipelineStarted(p.Name, p.Fingerprint())
	state.setStatus(p.Name, StatusResolving, nil)

	entry, err := buildPipeline(ctx, st, state, opts, p)
	if err != nil {
		slog.Error("pipeline failed", "pipeline", p.Name, "error", err)
		state.setStatus(p.Name, StatusFailed, err)
		opts.Monitor.PipelineFinished(p.Name, StatusFailed, err)
		return
	}

	state.setEntry(p.Name, entry)
	state.setStatus(p.Name, StatusDone, nil)
	opts.Monitor.PipelineFinished(p.Name, StatusDone, nil)
}

// Runs the stages of one pipeline, returning the final committed entry.
//
// Each stage fingerprint is resolved against the store first. A hit
// reuses the committed tree; the first miss claims a build ticket and
// every later stage builds as well, since chained fingerprints cannot hit
// once a parent missed.
func buildPipeline(ctx context.Context, st *store.Store, state *runState, opts Options, p *manifest.Pipeline) (*store.Entry, error) {
	var buildTree string
	if p.Build != "" {
		dep := state.entry(p.Build)
		if dep == nil {
			return nil, fmt.Errorf("%w: build root %q has no committed tree", ErrBuild, p.Build)
		}
		buildTree = dep.Tree()
	}

	var prevTree string
	var last *store.Entry
	building := false

	for i, stage := range p.Stages {
		fp := p.StageFingerprint(i)

		ticket, entry, err := st.Resolve(ctx, fp)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			opts.Monitor.StageFinished(p.Name, stage.Type, fp, true, nil)
			prevTree = entry.Tree()
			last = entry
			continue
		}

		if !building {
			building = true
			state.setStatus(p.Name, StatusBuilding, nil)
		}
		opts.Monitor.StageStarted(p.Name, stage.Type, fp)

		entry, err = buildStage(ctx, state, opts, p, stage, ticket, buildTree, prevTree)
		opts.Monitor.StageFinished(p.Name, stage.Type, fp, false, err)
		if err != nil {
			return nil, err
		}

		prevTree = entry.Tree()
		last = entry
	}

	return last, nil
}

// Builds one stage under its ticket and commits the result.
func buildStage(ctx context.Context, state *runState, opts Options, p *manifest.Pipeline, stage *manifest.Stage, ticket *store.Ticket, buildTree, prevTree string) (*store.Entry, error) {
	discard := func(err error) (*store.Entry, error) {
		if derr := ticket.Discard(); derr != nil {
			slog.Error("discard failed", "fingerprint", ticket.Fingerprint(), "error", derr)
		}
		return nil, err
	}

	if prevTree != "" {
		if err := store.CopyTree(ticket.Tree(), prevTree); err != nil {
			return discard(err)
		}
	}

	inputs, refs, cleanup, err := materializeInputs(ctx, state, opts, stage)
	if err != nil {
		return discard(err)
	}
	defer cleanup()

	exec := &stageExecution{
		Pipeline:  p,
		Stage:     stage,
		Tree:      ticket.Tree(),
		BuildTree: buildTree,
		Inputs:    inputs,
	}
	if err := opts.executor.execute(ctx, exec); err != nil {
		return discard(err)
	}

	return ticket.Commit(store.Metadata{
		StageType: stage.Type,
		Pipeline:  p.Name,
		Inputs:    refs,
		Outputs:   []string{"tree"},
	})
}

// Resolves the stage's declared inputs to host directories.
//
// Pipeline inputs use the dependency's committed tree directly. Source
// inputs wait for fetching to finish, then are materialized into a
// private directory holding the cached file, named by its checksum. The
// returned cleanup removes the materialized directories.
func materializeInputs(ctx context.Context, state *runState, opts Options, stage *manifest.Stage) (map[string]string, []string, func(), error) {
	var scratch []string
	cleanup := func() {
		for _, dir := range scratch {
			os.RemoveAll(dir)
		}
	}

	inputs := make(map[string]string, len(stage.Inputs))
	var refs []string

	for name, input := range stage.Inputs {
		switch input.Kind {
		case manifest.InputPipeline:
			entry := state.entry(input.Reference)
			if entry == nil {
				cleanup()
				return nil, nil, nil, fmt.Errorf("%w: input pipeline %q has no committed tree", ErrBuild, input.Reference)
			}
			inputs[name] = entry.Tree()
			refs = append(refs, entry.Fingerprint.String())

		case manifest.InputSource:
			sum, err := digest.Parse(input.Reference)
			if err != nil {
				cleanup()
				return nil, nil, nil, fmt.Errorf("%w: input %q: %w", ErrBuild, name, err)
			}
			if err := state.sourceError(ctx, sum); err != nil {
				cleanup()
				return nil, nil, nil, fmt.Errorf("%w: input %q: source %s: %w", ErrBuild, name, sum, err)
			}
			dir, err := materializeSource(opts, sum)
			if err != nil {
				cleanup()
				return nil, nil, nil, err
			}
			scratch = append(scratch, dir)
			inputs[name] = dir
			refs = append(refs, sum.String())

		default:
			cleanup()
			return nil, nil, nil, fmt.Errorf("%w: input %q has unknown kind %q", ErrBuild, name, input.Kind)
		}
	}

	return inputs, refs, cleanup, nil
}

// Places the cached source file into a fresh directory, named by its
// checksum the way stages expect to address it.
func materializeSource(opts Options, sum digest.Digest) (string, error) {
	dir, err := os.MkdirTemp("", "osbuild-input-")
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBuild, err)
	}
	src := opts.executor.sourcePath(sum)
	if err := store.LinkFile(filepath.Join(dir, sum.Encoded()), src); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// Fetches every source the manifest declares, keyed failures by checksum.
func fetchSources(ctx context.Context, resolver *sources.Resolver, m *manifest.Manifest) map[digest.Digest]error {
	if len(m.Sources) == 0 {
		return nil
	}
	srcs := make([]manifest.Source, 0, len(m.Sources))
	for _, src := range m.Sources {
		srcs = append(srcs, src)
	}
	return resolver.FetchAll(ctx, srcs)
}

// Copies the exported pipelines' trees into the output directory, one
// subdirectory per pipeline name.
func export(state *runState, opts Options) error {
	for _, name := range opts.Exports {
		result, ok := state.results[name]
		if !ok {
			return fmt.Errorf("%w: unknown pipeline %q", ErrExport, name)
		}
		if result.Status != StatusDone {
			return fmt.Errorf("%w: pipeline %q is %s", ErrExport, name, result.Status)
		}
		entry := state.entry(name)
		if entry == nil {
			return fmt.Errorf("%w: pipeline %q produced no tree", ErrExport, name)
		}

		dst := filepath.Join(opts.Output, name)
		if err := os.MkdirAll(dst, paths.DefaultDirMode); err != nil {
			return fmt.Errorf("%w: %w", ErrExport, err)
		}
		if err := store.CopyTree(dst, entry.Tree()); err != nil {
			return fmt.Errorf("%w: %w", ErrExport, err)
		}
		slog.Info("pipeline exported", "pipeline", name, "output", dst)
	}
	return nil
}
