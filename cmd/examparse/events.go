package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/cabazares/automated-exam-parser/internal/omr"
)

type outputEvent struct {
	Type     string           `json:"type"`
	Progress *progressPayload `json:"progress,omitempty"`
	Result   *resultPayload   `json:"result,omitempty"`
}

type progressPayload struct {
	Current       int                    `json:"current"`
	Total         int                    `json:"total"`
	Percent       float64                `json:"percent"`
	Source        string                 `json:"source"`
	StudentNumber string                 `json:"student_number,omitempty"`
	Side          string                 `json:"side,omitempty"`
	Conflicts     []omr.Conflict         `json:"conflicts,omitempty"`
	Error         map[string]interface{} `json:"error,omitempty"`
}

type resultPayload struct {
	BatchID          string          `json:"batch_id"`
	Students         omr.BatchResult `json:"students"`
	Processed        []string        `json:"processed"`
	Failed           []string        `json:"failed"`
	MarkerConfidence omr.Stats       `json:"marker_confidence"`
}

// eventWriter emits one JSON object per line.
type eventWriter struct {
	enc *json.Encoder
	w   *bufio.Writer
	mu  sync.Mutex
}

func newEventWriter(writer io.Writer) *eventWriter {
	buf := bufio.NewWriter(writer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &eventWriter{enc: enc, w: buf}
}

func (e *eventWriter) write(ev outputEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.enc.Encode(ev)
	_ = e.w.Flush()
}

// Progress implements omr.ProgressSink.
func (e *eventWriter) Progress(ev omr.Event) {
	payload := progressPayload{
		Current:   ev.Processed,
		Total:     ev.Total,
		Source:    ev.Source,
		Conflicts: ev.Conflicts,
	}
	if ev.Total > 0 {
		payload.Percent = float64(ev.Processed) / float64(ev.Total) * 100.0
	}
	if ev.Page != nil {
		payload.StudentNumber = ev.Page.StudentNumber
		payload.Side = ev.Page.Side.String()
	}
	if ev.Err != nil {
		payload.Error = errorMap(ev.Err)
	}
	e.write(outputEvent{Type: "progress", Progress: &payload})
}

func (e *eventWriter) Result(s *omr.Summary) {
	failed := make([]string, 0, len(s.Failures))
	for _, f := range s.Failures {
		failed = append(failed, f.Source)
	}
	e.write(outputEvent{Type: "result", Result: &resultPayload{
		BatchID:          s.BatchID.String(),
		Students:         s.Result,
		Processed:        s.Processed,
		Failed:           failed,
		MarkerConfidence: s.MarkerConfidence,
	}})
}

func errorMap(err error) map[string]interface{} {
	var rerr *omr.RecognitionError
	if errors.As(err, &rerr) {
		return rerr.ToMap()
	}
	return map[string]interface{}{"message": err.Error()}
}
