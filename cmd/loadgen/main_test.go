package main

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPercentile(t *testing.T) {
	v := []float64{10, 20, 30, 40, 50}
	if got := percentile(v, 50); got != 30 {
		t.Fatalf("p50=%v", got)
	}
	if got := percentile(v, 95); math.Abs(got-48) > 1e-9 {
		t.Fatalf("p95=%v", got)
	}
	if !math.IsNaN(percentile(nil, 50)) {
		t.Fatalf("empty input must be NaN")
	}
}

func TestMakeTasks_PoolShape(t *testing.T) {
	cfg := Config{Source: "districts", Targets: []string{"roads"}, Variants: 12}
	tasks := makeTasks(cfg, rand.New(rand.NewSource(1)))
	if len(tasks) != 12 {
		t.Fatalf("len=%d", len(tasks))
	}
	for i, tk := range tasks {
		if len(tk.Predicates) == 0 || tk.Source != "districts" {
			t.Fatalf("task %d=%+v", i, tk)
		}
		if i < len(predicates) && tk.Buffer != nil {
			t.Fatalf("head of the pool must be unbuffered: %d", i)
		}
	}
}

func TestSubmit_ClassifiesState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("wait") != "true" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"task_id":"t1","state":"done","result":{"feature_count":7}}`))
	}))
	defer srv.Close()

	s := submit(context.Background(), srv.Client(), srv.URL+"/tasks?wait=true", []byte(`{}`))
	if s.ErrorMsg != "" || s.State != "done" || s.FeatureCount != 7 || s.Status != http.StatusOK {
		t.Fatalf("sample=%+v", s)
	}
}
