package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/observability"
)

func assertHasMetricLine(t *testing.T, body, metric string, wantLabels ...string) {
	t.Helper()
	for ln := range strings.SplitSeq(body, "\n") {
		if !strings.HasPrefix(ln, metric+"{") {
			continue
		}
		ok := true
		for _, s := range wantLabels {
			if !strings.Contains(ln, s) {
				ok = false
				break
			}
		}
		if ok && (len(ln) > 0 && ln[len(ln)-1] >= '0' && ln[len(ln)-1] <= '9') {
			return
		}
	}
	t.Fatalf("expected a %s line with labels %v; got:\n%s", metric, wantLabels, body)
}

func Test_AppMetrics_CustomRegistry_Smoke(t *testing.T) {
	p := Init(Config{Enabled: true, Build: BuildInfo{Version: "test"}})
	observability.Init(p.Registerer(), true)

	observability.ObserveTask("done", 0.015)
	observability.IncCacheHit("expression")
	observability.IncCacheMiss("geometry")
	observability.ObserveCacheOp("mget", nil, 0.002)
	observability.ObserveBackendOp("generic_vector_driver", "evaluate", nil, 0.004)
	observability.IncAdvisorWarning("size_advisory")
	observability.IncInvalidation("update", "applied")

	req := httptest.NewRequest(http.MethodGet, p.Path(), nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()

	assertHasMetricLine(t, body, "filter_tasks_total", `outcome="done"`)
	assertHasMetricLine(t, body, "cache_results_total", `cache="expression"`, `outcome="hit"`)
	assertHasMetricLine(t, body, "cache_op_total", `op="mget"`, `status="ok"`)
	assertHasMetricLine(t, body, "backend_op_total", `backend="generic_vector_driver"`, `op="evaluate"`)
	assertHasMetricLine(t, body, "advisor_warnings_total", `kind="size_advisory"`)
	assertHasMetricLine(t, body, "invalidation_events_total", `op="update"`, `status="applied"`)
	assertHasMetricLine(t, body, "filter_engine_build_info", `version="test"`)
}
