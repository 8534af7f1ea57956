package build

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
)

// Receives progress events during a build. Implementations must be safe
// for concurrent use; pipelines report from separate goroutines.
type Monitor interface {
	PipelineStarted(pipeline string, fingerprint digest.Digest)
	PipelineFinished(pipeline string, status Status, err error)
	StageStarted(pipeline, stageType string, fingerprint digest.Digest)
	StageFinished(pipeline, stageType string, fingerprint digest.Digest, cached bool, err error)
}

// Monitor that discards all events.
type nopMonitor struct{}

func (nopMonitor) PipelineStarted(string, digest.Digest)                    {}
func (nopMonitor) PipelineFinished(string, Status, error)                   {}
func (nopMonitor) StageStarted(string, string, digest.Digest)               {}
func (nopMonitor) StageFinished(string, string, digest.Digest, bool, error) {}

// Writes one JSON object per event, newline-delimited.
type jsonMonitor struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// Creates a monitor emitting JSON lines to w.
func NewJSONMonitor(w io.Writer) Monitor {
	return &jsonMonitor{enc: json.NewEncoder(w)}
}

type monitorEvent struct {
	Event       string    `json:"event"`
	Pipeline    string    `json:"pipeline"`
	Stage       string    `json:"stage,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Status      string    `json:"status,omitempty"`
	Cached      bool      `json:"cached,omitempty"`
	Error       string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

func (m *jsonMonitor) emit(ev monitorEvent) {
	ev.Time = time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enc.Encode(ev)
}

func (m *jsonMonitor) PipelineStarted(pipeline string, fp digest.Digest) {
	m.emit(monitorEvent{Event: "pipeline-started", Pipeline: pipeline, Fingerprint: fp.String()})
}

func (m *jsonMonitor) PipelineFinished(pipeline string, status Status, err error) {
	ev := monitorEvent{Event: "pipeline-finished", Pipeline: pipeline, Status: string(status)}
	if err != nil {
		ev.Error = err.Error()
	}
	m.emit(ev)
}

func (m *jsonMonitor) StageStarted(pipeline, stageType string, fp digest.Digest) {
	m.emit(monitorEvent{Event: "stage-started", Pipeline: pipeline, Stage: stageType, Fingerprint: fp.String()})
}

func (m *jsonMonitor) StageFinished(pipeline, stageType string, fp digest.Digest, cached bool, err error) {
	ev := monitorEvent{
		Event:       "stage-finished",
		Pipeline:    pipeline,
		Stage:       stageType,
		Fingerprint: fp.String(),
		Cached:      cached,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	m.emit(ev)
}

// Reports events through slog for interactive use.
type logMonitor struct{}

// Creates a monitor logging events through the default slog logger.
func NewLogMonitor() Monitor {
	return logMonitor{}
}

func (logMonitor) PipelineStarted(pipeline string, fp digest.Digest) {
	slog.Info("pipeline started", "pipeline", pipeline, "fingerprint", fp)
}

func (logMonitor) PipelineFinished(pipeline string, status Status, err error) {
	if err != nil {
		slog.Error("pipeline finished", "pipeline", pipeline, "status", status, "error", err)
		return
	}
	slog.Info("pipeline finished", "pipeline", pipeline, "status", status)
}

func (logMonitor) StageStarted(pipeline, stageType string, fp digest.Digest) {
	slog.Info("stage started", "pipeline", pipeline, "stage", stageType, "fingerprint", fp)
}

func (logMonitor) StageFinished(pipeline, stageType string, fp digest.Digest, cached bool, err error) {
	if err != nil {
		slog.Error("stage failed", "pipeline", pipeline, "stage", stageType, "error", err)
		return
	}
	slog.Info("stage finished", "pipeline", pipeline, "stage", stageType, "cached", cached)
}
