// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// ReadinessReporter lists each backend with an empty string when usable,
// or the reason it is not.
type ReadinessReporter interface {
	Readiness(ctx context.Context) map[string]string
}

// Readiness is ready while at least one backend can serve filters.
func Readiness(rr ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status   string            `json:"status"`
			Backends map[string]string `json:"backends"`
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		backends := rr.Readiness(ctx)
		out := resp{Status: "not_ready", Backends: make(map[string]string, len(backends))}
		for name, reason := range backends {
			if reason == "" {
				out.Status = "ready"
				reason = "available"
			}
			out.Backends[name] = reason
		}
		w.Header().Set("Content-Type", "application/json")
		if out.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
