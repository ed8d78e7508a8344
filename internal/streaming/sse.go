// Package streaming frames scheduler events as a server-sent-events
// response: an adapter that turns a scheduler's event sink into data lines
// on an http.Flusher, with a close discipline that makes late writes no-ops.
package streaming

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aiqa-platform/qacore/internal/scheduler"
)

// ErrNoFlusher is returned by NewWriter when w cannot stream incrementally.
var ErrNoFlusher = errors.New("streaming: response writer does not support flushing")

// Writer adapts an http.ResponseWriter to scheduler.EventSink, framing each
// scheduler event as one `data: <json>\n\n` line. It is safe
// for concurrent use by multiple scheduler worker goroutines.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
}

// NewWriter prepares w for SSE and writes the response headers. The caller
// must not write to w directly afterward.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNoFlusher
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &Writer{w: w, flusher: flusher}, nil
}

// wireEvent is the JSON shape of one SSE data line.
type wireEvent struct {
	Type       string             `json:"type"`
	TestCaseID string             `json:"testCaseId,omitempty"`
	Timestamp  string             `json:"timestamp"`
	Data       map[string]any     `json:"data,omitempty"`
	Summary    *scheduler.Summary `json:"summary,omitempty"`
}

// Emit implements scheduler.EventSink. Once the underlying connection has
// failed (detected on a prior write), further events are silently dropped:
// the scheduler itself does not fail when a client has gone away.
func (sw *Writer) Emit(e scheduler.Event) {
	we := wireEvent{Type: string(e.Type), TestCaseID: e.TestCaseID, Timestamp: now()}

	switch e.Type {
	case scheduler.EventTestStart:
		if e.ResolvedAccountID != "" {
			we.Data = map[string]any{"resolvedUserAccountId": e.ResolvedAccountID}
		}
	case scheduler.EventTaskCreated:
		data := map[string]any{"taskId": e.TaskID, "sessionId": e.SessionID}
		if e.ResolvedAccountID != "" {
			data["resolvedUserAccountId"] = e.ResolvedAccountID
		}
		we.Data = data
	case scheduler.EventStreamingURL:
		data := map[string]any{"streamingUrl": e.LiveURL}
		if e.RecordingURL != "" {
			data["recordingUrl"] = e.RecordingURL
		}
		we.Data = data
	case scheduler.EventStepProgress:
		we.Data = map[string]any{
			"currentStep":     e.CurrentStep,
			"totalSteps":      e.TotalSteps,
			"stepDescription": e.StepLabel,
		}
	case scheduler.EventTestComplete:
		we.Data = map[string]any{"result": e.Result}
	case scheduler.EventTestError:
		data := map[string]any{}
		if e.Result != nil {
			data["result"] = e.Result
			data["error"] = e.Result.Error
		}
		we.Data = data
	case scheduler.EventAllComplete:
		we.TestCaseID = ""
		we.Summary = e.Summary
	}

	sw.write(we)
}

// EmitSystemError writes the testCaseId="system" test_error event used for
// input validation failures and top-level streaming exceptions.
func (sw *Writer) EmitSystemError(message string) {
	sw.write(wireEvent{
		Type:       "test_error",
		TestCaseID: "system",
		Timestamp:  now(),
		Data:       map[string]any{"error": message},
	})
}

func (sw *Writer) write(we wireEvent) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.closed {
		return
	}
	payload, err := json.Marshal(we)
	if err != nil {
		return
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		sw.closed = true
		return
	}
	sw.flusher.Flush()
}

// Close marks the writer closed. Idempotent; subsequent Emit/EmitSystemError
// calls become no-ops instead of writing to a response the handler has
// already finished.
func (sw *Writer) Close() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.closed = true
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

var _ scheduler.EventSink = (*Writer)(nil)
