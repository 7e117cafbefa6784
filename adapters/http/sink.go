package http

import (
	"net/http"

	"github.com/artpar/levelgate/app"
)

// responseSink adapts an http.ResponseWriter to the dispatcher's sink.
// Writes block until the client connection accepts them, which is how
// stream backpressure propagates to producers.
type responseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSink(w http.ResponseWriter) app.Sink {
	flusher, _ := w.(http.Flusher)
	return &responseSink{w: w, flusher: flusher}
}

func (s *responseSink) WriteHead(status int, contentType string) {
	s.w.Header().Set("Content-Type", contentType)
	s.w.WriteHeader(status)
}

func (s *responseSink) Write(p []byte) error {
	_, err := s.w.Write(p)
	return err
}

func (s *responseSink) Flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
