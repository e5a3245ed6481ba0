package metering

import (
	"bytes"
	"net/http"
)

// responseRecorder decorates an http.ResponseWriter: every write goes
// straight through to the client while the first limit bytes are kept for
// token estimation.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	written int64
	limit   int
	buf     bytes.Buffer
}

func newResponseRecorder(w http.ResponseWriter, limit int) *responseRecorder {
	return &responseRecorder{ResponseWriter: w, limit: limit}
}

func (r *responseRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if room := r.limit - r.buf.Len(); room > 0 {
		r.buf.Write(p[:min(room, len(p))])
	}
	n, err := r.ResponseWriter.Write(p)
	r.written += int64(n)
	return n, err
}

// Flush forwards to the underlying writer so streamed chunks reach the
// client immediately.
func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Status returns the response code, 200 if the handler never set one.
func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Captured returns a copy of the retained body prefix.
func (r *responseRecorder) Captured() []byte {
	return bytes.Clone(r.buf.Bytes())
}

// Truncated reports whether more was written than retained.
func (r *responseRecorder) Truncated() bool {
	return r.written > int64(r.buf.Len())
}
