package httpapi

import (
	"net/http"

	"pkt.systems/pickd/internal/correlation"
	"pkt.systems/pickd/internal/uuidv7"
	"pkt.systems/pslog"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if flusher, ok := s.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// withRequestLogging assigns a request id, threads the correlation id, binds
// a request-scoped logger into the context, and writes one access log line
// per request.
func (h *Handler) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuidv7.NewString()
		corrID, ok := correlation.Normalize(r.Header.Get(correlation.Header))
		if !ok {
			corrID = correlation.Generate()
		}

		logger := h.logger.With("req_id", reqID, "corr_id", corrID)
		ctx := correlation.Set(r.Context(), corrID)
		ctx = pslog.ContextWithLogger(ctx, logger)

		w.Header().Set(correlation.Header, corrID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := h.clock.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		logger.Debug("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", h.clock.Now().Sub(start).Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}
