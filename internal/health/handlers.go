package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/shop-reduction/internal/common"
)

const defaultTimeout = 500 * time.Millisecond

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// Handler exposes HTTP handlers for health endpoints. Probes are keyed by
// dependency name, e.g. "redis" or "saves".
type Handler struct {
	Probes  map[string]Probe
	Timeout time.Duration
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready runs every probe concurrently and reports 503 if any failed.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if len(h.Probes) == 0 {
		common.JSONError(w, http.StatusServiceUnavailable, "NOT_READY", "no dependencies configured", nil)
		return
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	names := make([]string, 0, len(h.Probes))
	for name := range h.Probes {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]string, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, probe Probe) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			if err := probe(ctx); err != nil {
				results[i] = err.Error()
				return
			}
			results[i] = "ok"
		}(i, h.Probes[name])
	}
	wg.Wait()

	status := make(map[string]string, len(names))
	code := http.StatusOK
	for i, name := range names {
		status[name] = results[i]
		if results[i] != "ok" {
			code = http.StatusServiceUnavailable
		}
	}
	common.JSON(w, code, status)
}
