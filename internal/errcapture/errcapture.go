// Package errcapture is the fire-and-forget diagnostic side channel
// described in the service's design notes. Errors surfaced by the
// Append/Read Coordinators and by the Snapshot Service's Create and
// LoadLatest are reported here; request-decoding and /stats errors
// raised in internal/httpapi, and errors of the background tasks, are
// not. A failure to report never affects the request path. The
// receiving side (the external error monitor) is out of scope; only the
// calling contract is implemented.
package errcapture

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Reporter is a best-effort error sink. Implementations must not block
// the caller for more than a bounded timeout and must never return an
// error the caller is expected to act on.
type Reporter interface {
	Report(ctx context.Context, kind, message string)
}

// Noop discards every report; it is the default when no monitor URL is
// configured.
type Noop struct{}

func (Noop) Report(context.Context, string, string) {}

// HTTPReporter posts a JSON line to a configured error-monitor URL,
// bounded by a 5-second timeout. Any failure (network error, non-2xx
// status) is swallowed; the caller is never informed.
type HTTPReporter struct {
	url    string
	client *http.Client
}

// NewHTTPReporter builds a reporter targeting url with a 5-second
// request timeout, matching the original service's error-monitor
// client contract.
func NewHTTPReporter(url string) *HTTPReporter {
	return &HTTPReporter{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Report sends the report on its own goroutine and returns at once; the
// send is detached from ctx's cancellation so it outlives the request.
func (r *HTTPReporter) Report(ctx context.Context, kind, message string) {
	go r.send(context.WithoutCancel(ctx), kind, message)
}

func (r *HTTPReporter) send(ctx context.Context, kind, message string) {
	payload, err := json.Marshal(map[string]string{
		"error_type": kind,
		"message":    message,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
}
