package observability

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// unmatchedRoute labels requests chi could not route, keeping 404 probes out
// of the metric label space.
const unmatchedRoute = "unmatched"

// ResponseRecorder remembers the status and body size a handler wrote.
type ResponseRecorder struct {
	http.ResponseWriter
	Status int
	Bytes  int64

	wroteHeader bool
}

// Record wraps w, or returns it unchanged when an outer middleware already
// wrapped it, so stacked middleware share one recorder.
func Record(w http.ResponseWriter) *ResponseRecorder {
	if rr, ok := w.(*ResponseRecorder); ok {
		return rr
	}
	return &ResponseRecorder{ResponseWriter: w, Status: http.StatusOK}
}

func (rr *ResponseRecorder) WriteHeader(code int) {
	if !rr.wroteHeader {
		rr.Status = code
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *ResponseRecorder) Write(b []byte) (int, error) {
	rr.wroteHeader = true
	n, err := rr.ResponseWriter.Write(b)
	rr.Bytes += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// RoutePattern is the chi pattern that matched r, such as
// "/api/requests/{id}", or "" before routing or when nothing matched.
func RoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
