package app

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/artpar/levelgate/ports"
)

// Sink is the outbound side of a response. Write blocks while the
// transport cannot accept more data, which is how backpressure reaches
// the stream adapter: nothing is pulled from a source while a Write is
// in flight, so at most one element is buffered between source and sink.
type Sink interface {
	// WriteHead sends the status line and content type. Must be called
	// exactly once, before the first Write.
	WriteHead(status int, contentType string)

	Write(p []byte) error

	// Flush pushes buffered bytes to the client. Used after every live
	// stream element so subscribers see changes as they commit.
	Flush()
}

// streamHandle tracks one open scan or subscription for the duration of
// a single response, and guarantees its source is released exactly once.
type streamHandle struct {
	once  sync.Once
	close func() error
}

func newStreamHandle(close func() error) *streamHandle {
	return &streamHandle{close: close}
}

func (h *streamHandle) Close() {
	h.once.Do(func() { _ = h.close() })
}

// scanEntry is the wire form of one range scan element.
type scanEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// liveEvent is the wire form of one live change, NDJSON-encoded.
type liveEvent struct {
	Type  string          `json:"type"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// drainScan streams a finite iterator into the sink as one JSON array,
// element by element. Elements are emitted in source order; a mid-scan
// failure is appended as a final error element since the 200 head is
// already on the wire.
func (d *Dispatcher) drainScan(ctx context.Context, it ports.Iterator, keysOnly bool, sink Sink) {
	handle := newStreamHandle(it.Close)
	defer handle.Close()

	d.metrics.StreamOpened("scan")
	defer d.metrics.StreamClosed("scan")

	sink.WriteHead(200, "application/json")
	if err := sink.Write([]byte("[")); err != nil {
		return
	}

	wrote := false
	emit := func(p []byte) error {
		if wrote {
			if err := sink.Write([]byte(",")); err != nil {
				return err
			}
		}
		wrote = true
		return sink.Write(p)
	}

	for {
		entry, ok, err := it.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				body, _ := json.Marshal(liveEvent{Type: "error", Error: err.Error()})
				_ = emit(body)
			}
			break
		}
		if !ok {
			break
		}

		var body []byte
		if keysOnly {
			body, err = json.Marshal(entry.Key)
		} else {
			body, err = json.Marshal(scanEntry{Key: entry.Key, Value: entry.Value})
		}
		if err != nil {
			break
		}
		if err := emit(body); err != nil {
			return
		}
		d.metrics.StreamEvent("scan")
	}

	_ = sink.Write([]byte("]"))
	sink.Flush()
}

// drainLive pushes subscription changes to the sink as NDJSON, one line
// per change, flushed immediately. The subscription closes when the
// client disconnects, and an overflow close is reported to the client as
// a final error line rather than dropped silently.
func (d *Dispatcher) drainLive(ctx context.Context, sub ports.Subscription, sink Sink) {
	handle := newStreamHandle(sub.Close)
	defer handle.Close()

	d.metrics.StreamOpened("live")
	defer d.metrics.StreamClosed("live")

	sink.WriteHead(200, "application/x-ndjson")
	sink.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-sub.Changes():
			if !ok {
				if err := sub.Err(); err != nil {
					body, _ := json.Marshal(liveEvent{Type: "error", Error: err.Error()})
					_ = sink.Write(append(body, '\n'))
					sink.Flush()
				}
				return
			}
			body, err := json.Marshal(liveEvent{
				Type:  string(change.Type),
				Key:   change.Key,
				Value: change.Value,
			})
			if err != nil {
				continue
			}
			if err := sink.Write(append(body, '\n')); err != nil {
				return
			}
			sink.Flush()
			d.metrics.StreamEvent("live")
		}
	}
}
