package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/tobias-urdin/osbuild/internal/manifest"
	"github.com/tobias-urdin/osbuild/internal/sources"
	"github.com/tobias-urdin/osbuild/internal/store"
)

// Executor recording every stage it ran, writing one marker file per
// stage into the tree.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]bool
	sources map[digest.Digest]string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{fail: make(map[string]bool)}
}

func (f *fakeExecutor) execute(_ context.Context, x *stageExecution) error {
	f.mu.Lock()
	f.calls = append(f.calls, x.Pipeline.Name+"/"+x.Stage.Type)
	f.mu.Unlock()

	if f.fail[x.Stage.Type] {
		return errors.New("stage exploded")
	}
	marker := strings.ReplaceAll(x.Stage.Type, "/", "_")
	return os.WriteFile(filepath.Join(x.Tree, marker), []byte(x.Pipeline.Name), 0644)
}

func (f *fakeExecutor) sourcePath(sum digest.Digest) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sources[sum]
}

func (f *fakeExecutor) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testRegistry(t *testing.T, types ...string) *manifest.Registry {
	t.Helper()

	r := manifest.NewRegistry()
	for _, name := range types {
		if err := r.Register(manifest.Descriptor{
			Type: name,
			Path: "/usr/lib/osbuild/stages/" + name,
		}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return r
}

func resolvedManifest(t *testing.T, doc string, reg *manifest.Registry) *manifest.Manifest {
	t.Helper()

	m, err := manifest.Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := m.Resolve(reg); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return m
}

func testStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func testResolver(t *testing.T) *sources.Resolver {
	t.Helper()

	cache, err := sources.OpenCache(t.TempDir())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	return sources.NewResolver(cache)
}

const chainDoc = `{
	"version": "2",
	"pipelines": [
		{
			"name": "build",
			"stages": [
				{"type": "org.osbuild.one"},
				{"type": "org.osbuild.two"}
			]
		},
		{
			"name": "os",
			"build": "name:build",
			"stages": [
				{"type": "org.osbuild.three"}
			]
		}
	]
}`

func TestRunExportsPipeline(t *testing.T) {
	reg := testRegistry(t, "org.osbuild.one", "org.osbuild.two", "org.osbuild.three")
	m := resolvedManifest(t, chainDoc, reg)
	exec := newFakeExecutor()
	output := t.TempDir()

	result, err := Run(context.Background(), testStore(t), testResolver(t), Options{
		Manifest: m,
		Registry: reg,
		Output:   output,
		Exports:  []string{"build"},
		executor: exec,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed() {
		t.Fatalf("unexpected failure: %+v", result.Pipelines)
	}

	for _, name := range []string{"build", "os"} {
		if status := result.Pipelines[name].Status; status != StatusDone {
			t.Fatalf("pipeline %s status = %s, want done", name, status)
		}
	}

	// The exported tree accumulated both of the pipeline's stages.
	for _, marker := range []string{"org.osbuild.one", "org.osbuild.two"} {
		if _, err := os.Stat(filepath.Join(output, "build", marker)); err != nil {
			t.Fatalf("missing marker %s: %v", marker, err)
		}
	}
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	reg := testRegistry(t, "org.osbuild.one", "org.osbuild.two", "org.osbuild.three")
	m := resolvedManifest(t, chainDoc, reg)
	exec := newFakeExecutor()

	if _, err := Run(context.Background(), testStore(t), testResolver(t), Options{
		Manifest: m,
		Registry: reg,
		executor: exec,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"build/org.osbuild.one", "build/org.osbuild.two", "os/org.osbuild.three"}
	got := exec.executed()
	if len(got) != len(want) {
		t.Fatalf("executed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("executed %v, want %v", got, want)
		}
	}
}

func TestFailedPipelineSkipsDependents(t *testing.T) {
	reg := testRegistry(t, "org.osbuild.one", "org.osbuild.two", "org.osbuild.three")
	m := resolvedManifest(t, chainDoc, reg)
	exec := newFakeExecutor()
	exec.fail["org.osbuild.one"] = true

	result, err := Run(context.Background(), testStore(t), testResolver(t), Options{
		Manifest: m,
		Registry: reg,
		executor: exec,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if status := result.Pipelines["build"].Status; status != StatusFailed {
		t.Fatalf("build status = %s, want failed", status)
	}
	if status := result.Pipelines["os"].Status; status != StatusSkipped {
		t.Fatalf("os status = %s, want skipped", status)
	}
	if !result.Failed() {
		t.Fatal("expected overall failure")
	}

	// The dependent pipeline never started a stage.
	for _, call := range exec.executed() {
		if strings.HasPrefix(call, "os/") {
			t.Fatalf("dependent pipeline executed stage %s", call)
		}
	}
}

// Two pipelines with no dependency between them.
const forkDoc = `{
	"version": "2",
	"pipelines": [
		{
			"name": "a",
			"stages": [{"type": "org.osbuild.one"}]
		},
		{
			"name": "b",
			"stages": [{"type": "org.osbuild.two"}]
		}
	]
}`

func TestIndependentPipelineSurvivesFailure(t *testing.T) {
	reg := testRegistry(t, "org.osbuild.one", "org.osbuild.two")
	m := resolvedManifest(t, forkDoc, reg)
	exec := newFakeExecutor()
	exec.fail["org.osbuild.one"] = true

	// One worker so a's failure is recorded before b is dispatched.
	result, err := Run(context.Background(), testStore(t), testResolver(t), Options{
		Manifest: m,
		Registry: reg,
		Workers:  1,
		executor: exec,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if status := result.Pipelines["a"].Status; status != StatusFailed {
		t.Fatalf("a status = %s, want failed", status)
	}
	if status := result.Pipelines["b"].Status; status != StatusDone {
		t.Fatalf("b status = %s, want done", status)
	}
}

func TestFailFastSkipsUnrelatedPipelines(t *testing.T) {
	reg := testRegistry(t, "org.osbuild.one", "org.osbuild.two")
	m := resolvedManifest(t, forkDoc, reg)
	exec := newFakeExecutor()
	exec.fail["org.osbuild.one"] = true

	result, err := Run(context.Background(), testStore(t), testResolver(t), Options{
		Manifest: m,
		Registry: reg,
		Workers:  1,
		FailFast: true,
		executor: exec,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if status := result.Pipelines["b"].Status; status != StatusSkipped {
		t.Fatalf("b status = %s, want skipped", status)
	}
	for _, call := range exec.executed() {
		if strings.HasPrefix(call, "b/") {
			t.Fatalf("unrelated pipeline executed stage %s", call)
		}
	}
}

func TestSecondRunHitsCache(t *testing.T) {
	reg := testRegistry(t, "org.osbuild.one", "org.osbuild.two", "org.osbuild.three")
	st := testStore(t)
	resolver := testResolver(t)

	first := newFakeExecutor()
	if _, err := Run(context.Background(), st, resolver, Options{
		Manifest: resolvedManifest(t, chainDoc, reg),
		Registry: reg,
		executor: first,
	}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if len(first.executed()) != 3 {
		t.Fatalf("first run executed %v", first.executed())
	}

	second := newFakeExecutor()
	result, err := Run(context.Background(), st, resolver, Options{
		Manifest: resolvedManifest(t, chainDoc, reg),
		Registry: reg,
		executor: second,
	})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if calls := second.executed(); len(calls) != 0 {
		t.Fatalf("second run executed %v, want none", calls)
	}
	if result.Failed() {
		t.Fatalf("second run failed: %+v", result.Pipelines)
	}
}

func TestSourceInputMaterialized(t *testing.T) {
	content := []byte("source payload")
	sum := digest.FromBytes(content)
	cached := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(cached, content, 0644); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	doc := fmt.Sprintf(`{
		"version": "2",
		"pipelines": [
			{
				"name": "os",
				"stages": [
					{
						"type": "org.osbuild.copy",
						"inputs": {"file": {"type": "source", "reference": "%s"}}
					}
				]
			}
		],
		"sources": {
			"url": {"items": {"%s": {"url": "https://example.com/payload"}}}
		}
	}`, sum, sum)

	reg := testRegistry(t, "org.osbuild.copy")
	m := resolvedManifest(t, doc, reg)

	exec := newFakeExecutor()
	exec.sources = map[digest.Digest]string{sum: cached}

	// The materialized directory is removed after the stage runs, so the
	// contents must be captured during execution.
	var seen []byte
	wrapped := &inspectingExecutor{inner: exec, onExecute: func(x *stageExecution) {
		dir, ok := x.Inputs["file"]
		if !ok {
			return
		}
		seen, _ = os.ReadFile(filepath.Join(dir, sum.Encoded()))
	}}

	// Seed the source cache so the resolver never goes to the network.
	cache, err := sources.OpenCache(t.TempDir())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	if err := cache.Put(sum, strings.NewReader(string(content))); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	resolver := sources.NewResolver(cache)

	result, err := Run(context.Background(), testStore(t), resolver, Options{
		Manifest: m,
		Registry: reg,
		executor: wrapped,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed() {
		t.Fatalf("run failed: %+v", result.Pipelines)
	}

	if string(seen) != string(content) {
		t.Fatalf("materialized content = %q, want %q", seen, content)
	}
}

// Fetcher that never delivers.
type failingFetcher struct{}

func (failingFetcher) Fetch(context.Context, manifest.Source, *sources.Cache) error {
	return errors.New("connection refused")
}

func TestSourceFetchFailureScopedToPipeline(t *testing.T) {
	sum := digest.FromString("unreachable payload")
	doc := fmt.Sprintf(`{
		"version": "2",
		"pipelines": [
			{
				"name": "net",
				"stages": [
					{
						"type": "org.osbuild.copy",
						"inputs": {"file": {"type": "source", "reference": "%s"}}
					}
				]
			},
			{
				"name": "plain",
				"stages": [{"type": "org.osbuild.one"}]
			}
		],
		"sources": {
			"url": {"items": {"%s": {"url": "https://example.com/gone"}}}
		}
	}`, sum, sum)

	reg := testRegistry(t, "org.osbuild.copy", "org.osbuild.one")
	m := resolvedManifest(t, doc, reg)

	cache, err := sources.OpenCache(t.TempDir())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	resolver := sources.NewResolver(cache)
	resolver.RegisterFetcher("url", failingFetcher{})

	result, err := Run(context.Background(), testStore(t), resolver, Options{
		Manifest: m,
		Registry: reg,
		executor: newFakeExecutor(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Only the pipeline referencing the broken source fails.
	if status := result.Pipelines["net"].Status; status != StatusFailed {
		t.Fatalf("net status = %s, want failed", status)
	}
	if status := result.Pipelines["plain"].Status; status != StatusDone {
		t.Fatalf("plain status = %s, want done", status)
	}
}

// Executor wrapper observing each execution.
type inspectingExecutor struct {
	inner     *fakeExecutor
	onExecute func(*stageExecution)
}

func (i *inspectingExecutor) execute(ctx context.Context, x *stageExecution) error {
	i.onExecute(x)
	return i.inner.execute(ctx, x)
}

func (i *inspectingExecutor) sourcePath(sum digest.Digest) string {
	return i.inner.sourcePath(sum)
}

func TestExportUnknownPipeline(t *testing.T) {
	reg := testRegistry(t, "org.osbuild.one", "org.osbuild.two", "org.osbuild.three")
	m := resolvedManifest(t, chainDoc, reg)

	_, err := Run(context.Background(), testStore(t), testResolver(t), Options{
		Manifest: m,
		Registry: reg,
		Output:   t.TempDir(),
		Exports:  []string{"nope"},
		executor: newFakeExecutor(),
	})
	if !errors.Is(err, ErrExport) {
		t.Fatalf("expected ErrExport, got %v", err)
	}
}

func TestResultFailed(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{"done", StatusDone, false},
		{"failed", StatusFailed, true},
		{"skipped", StatusSkipped, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &Result{Pipelines: map[string]*PipelineResult{
				"p": {Name: "p", Status: tt.status},
			}}
			if got := r.Failed(); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
