package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/mtzanidakis/sminos/internal/swarm"
	"github.com/mtzanidakis/sminos/internal/trace"
)

// Stream is one attached run event subscription. Events arrive on the
// channel in wire order; the stream never reorders or retries. A broken
// channel is surfaced as a single transport_error event, after which the
// stream stays silent until closed.
type Stream struct {
	events chan trace.Event
	body   io.Closer

	done      chan struct{}
	closeOnce sync.Once
}

// OpenStream attaches to the event stream for a run. The returned stream
// owns the connection; callers must Close it on every path.
func (c *Client) OpenStream(ctx context.Context, h swarm.RunHandle) (*Stream, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/stream/"+h.RunID, nil)
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	c.setAuth(httpReq)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		detail := errorDetail(resp.Body)
		resp.Body.Close()
		return nil, &TransportError{StatusCode: resp.StatusCode, Reason: detail}
	}

	s := &Stream{
		events: make(chan trace.Event, 32),
		body:   resp.Body,
		done:   make(chan struct{}),
	}
	go s.consume(ssestream.NewDecoder(resp))
	return s, nil
}

// Events returns the decoded events in arrival order. The channel is
// closed when the stream ends: after the terminal done event, after a
// transport break has been surfaced, or on Close.
func (s *Stream) Events() <-chan trace.Event {
	return s.events
}

// Close detaches the stream and releases the underlying connection.
// Idempotent; safe from any goroutine.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.body.Close()
	})
	return nil
}

func (s *Stream) consume(dec ssestream.Decoder) {
	defer close(s.events)
	defer s.body.Close()

	for dec.Next() {
		raw := dec.Event()
		ev := decodeEvent(raw.Type, raw.Data)
		if !s.deliver(ev) {
			return
		}
		if ev.Terminal() {
			// Stop at done; the poller fetches the authoritative result.
			return
		}
	}

	// The channel ended without a done. Surface the break as an event;
	// no reconnect is attempted.
	msg := "stream closed before done"
	if err := dec.Err(); err != nil {
		msg = err.Error()
	}
	s.deliver(trace.Event{Type: trace.EventTransportError, Time: time.Now().UTC(), Message: msg})
}

func (s *Stream) deliver(ev trace.Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// decodeEvent maps one wire message to a trace event, timestamped at
// arrival. Parsing is defensive: an undecodable payload still yields the
// typed event with whatever fields were recovered.
func decodeEvent(name string, data []byte) trace.Event {
	ev := trace.Event{Type: trace.EventType(name), Time: time.Now().UTC()}

	var payload struct {
		Task              string   `json:"task"`
		Level             string   `json:"level"`
		Message           string   `json:"message"`
		Error             string   `json:"error"`
		Status            string   `json:"status"`
		NodeHistory       []string `json:"node_history"`
		HasOutput         bool     `json:"has_output"`
		OutputPreview     string   `json:"output_preview"`
		TranscriptPreview string   `json:"transcript_preview"`
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &payload)
	}

	ev.Task = payload.Task
	ev.Level = payload.Level
	ev.Message = payload.Message
	ev.Status = payload.Status
	ev.NodeHistory = payload.NodeHistory
	ev.HasOutput = payload.HasOutput
	ev.OutputPreview = payload.OutputPreview
	ev.TranscriptPreview = payload.TranscriptPreview

	// Server error events carry the text under "error".
	if ev.Message == "" && payload.Error != "" {
		ev.Message = payload.Error
	}
	return ev
}
