package runner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tobias-urdin/osbuild/internal/sandbox"
)

// Sequence counter for naming devices attached through the API channel.
var loopSeq uint64

// Byte-accumulating writer safe for concurrent use. Process output and
// API channel messages land in the same buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Reads newline-delimited JSON messages from the stage side of the API
// channel and serves them until the channel closes.
type apiSession struct {
	stage   string
	output  *syncBuffer
	devices *sandbox.DeviceManager

	mu      sync.Mutex
	failure *StageFailure
}

// Serves the API channel until EOF. Malformed lines are logged and
// skipped; the channel closing is the normal end of a session.
func (s *apiSession) serve(conn io.ReadWriter) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes(byte(10))
		if len(line) > 0 {
			s.handle(line, conn)
		}
		if err != nil {
			return
		}
	}
}

// Dispatches one message from the stage.
func (s *apiSession) handle(line []byte, conn io.Writer) {
	var msg apiMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		slog.Warn("malformed api message", "stage", s.stage, "error", err)
		return
	}

	switch msg.Type {
	case "message":
		fmt.Fprintln(s.output, msg.Text)
	case "error":
		s.mu.Lock()
		s.failure = &StageFailure{Name: msg.Name, Message: msg.Message}
		s.mu.Unlock()
	case "request":
		data, err := s.request(msg.Kind, msg.Args)
		s.respond(conn, msg.ID, data, err)
	default:
		slog.Warn("unknown api message type", "stage", s.stage, "type", msg.Type)
	}
}

// Serves one request. Only loop-create exists: the stage asks the runner
// to attach a loopback device on the host, a privilege the sandbox lacks.
func (s *apiSession) request(kind string, args json.RawMessage) (replyData, error) {
	switch kind {
	case "loop-create":
		return s.loopCreate(args)
	default:
		return replyData{}, fmt.Errorf("unknown request kind %q", kind)
	}
}

func (s *apiSession) loopCreate(args json.RawMessage) (replyData, error) {
	if s.devices == nil {
		return replyData{}, fmt.Errorf("no device manager available")
	}

	name := fmt.Sprintf("api-loop-%d", atomic.AddUint64(&loopSeq, 1))
	dev, err := s.devices.Acquire(name, "loopback", args)
	if err != nil {
		return replyData{}, err
	}
	return replyData{Path: dev.Node}, nil
}

// Writes one reply line for a request.
func (s *apiSession) respond(conn io.Writer, id uint64, data replyData, err error) {
	reply := apiReply{Type: "reply", ID: id, Data: data}
	if err != nil {
		reply.Error = err.Error()
	}

	encoded, merr := json.Marshal(reply)
	if merr != nil {
		slog.Error("encode api reply failed", "stage", s.stage, "error", merr)
		return
	}
	encoded = append(encoded, byte(10))
	conn.Write(encoded)
}

// Returns the failure reported over the channel, if any.
func (s *apiSession) reported() *StageFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}
