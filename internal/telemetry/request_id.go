package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/italolelis/resumable_transfer/internal/logctx"
)

const (
	RequestIDHeader = "X-Request-ID"

	requestIDAttr = "request_id"

	// maxRequestIDLen bounds ids accepted from callers; longer or non-printable ones are replaced.
	maxRequestIDLen = 128
)

// RequestID tags every control API request with an id, reusing a well-formed X-Request-ID from
// the caller. The id is echoed in the response and added to every log record of the request.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if !validRequestID(requestID) {
			requestID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, requestID)

		ctx := logctx.WithAttrs(r.Context(), slog.String(requestIDAttr, requestID))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request id of ctx, or "".
func GetRequestID(ctx context.Context) string {
	for _, a := range logctx.Attrs(ctx) {
		if a.Key == requestIDAttr {
			return a.Value.String()
		}
	}

	return ""
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}

	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}

	return true
}

// InstanceID identifies this process among others exporting the same service: hostname, pid and
// a random suffix.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8]
}
