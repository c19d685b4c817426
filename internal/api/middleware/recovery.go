package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/gpufleet/internal/api/response"
)

// Recoverer turns a handler panic into a 500 error envelope. The request ID
// is echoed in details so operators can find the stack in the logs.
// http.ErrAbortHandler is re-raised so net/http can drop the connection.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				reqID := chimw.GetReqID(r.Context())
				logger.Error("panic recovered",
					"error", rec,
					"request_id", reqID,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				var details any
				if reqID != "" {
					details = map[string]string{"request_id": reqID}
				}
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", details)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
