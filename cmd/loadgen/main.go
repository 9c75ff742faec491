package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/config"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/logger"
)

type Config struct {
	TargetURL       string
	Source          string
	Targets         []string
	Expression      string
	Concurrency     int
	Duration        time.Duration
	ZipfS           float64
	ZipfV           float64
	Variants        int
	OutputPrefix    string
	RequestTimeout  time.Duration
	AppendTimestamp bool
}

func loadConfig() Config {
	var cfg Config
	var targets string
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8090", "filterd base URL")
	flag.StringVar(&cfg.Source, "source", "districts", "Source layer id")
	flag.StringVar(&targets, "targets", "roads,buildings", "Comma separated target layer ids")
	flag.StringVar(&cfg.Expression, "expression", "", "Optional attribute expression on the source")
	flag.IntVar(&cfg.Concurrency, "concurrency", 8, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.Variants, "variants", 32, "Distinct task bodies in pool")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/filterd", "Output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 60*time.Second, "Per-task timeout")
	flag.BoolVar(&cfg.AppendTimestamp, "append-ts", true, "Append timestamp to output prefix")
	flag.Parse()
	cfg.Targets = config.SplitCSV(targets)
	return cfg
}

type taskBody struct {
	Source     string   `json:"source"`
	Targets    []string `json:"targets,omitempty"`
	Expression string   `json:"expression,omitempty"`
	Predicates []string `json:"predicates,omitempty"`
	Operator   string   `json:"operator,omitempty"`
	Buffer     *float64 `json:"buffer,omitempty"`
	Centroids  bool     `json:"centroids,omitempty"`
}

var predicates = [][]string{
	{"intersects"},
	{"within"},
	{"intersects", "touches"},
	{"contains"},
	{"overlaps", "crosses"},
}

// makeTasks builds a pool where low indexes repeat the same source geometry
// so a zipf draw exercises the geometry cache.
func makeTasks(cfg Config, r *rand.Rand) []taskBody {
	out := make([]taskBody, 0, cfg.Variants)
	for i := range cfg.Variants {
		t := taskBody{
			Source:     cfg.Source,
			Targets:    cfg.Targets,
			Expression: cfg.Expression,
			Predicates: predicates[i%len(predicates)],
			Operator:   "OR",
		}
		if i%3 == 1 {
			t.Operator = "AND"
		}
		if i >= len(predicates) {
			b := math.Round(r.Float64()*1000) + 10
			t.Buffer = &b
		}
		t.Centroids = i%7 == 6
		out = append(out, t)
	}
	return out
}

type taskResponse struct {
	TaskID string `json:"task_id"`
	State  string `json:"state"`
	Result *struct {
		FeatureCount uint64 `json:"feature_count"`
	} `json:"result"`
	Class string `json:"error_class"`
}

// one sample per task
type sample struct {
	Timestamp    time.Time
	Latency      time.Duration
	Status       int
	State        string
	FeatureCount uint64
	ErrorMsg     string
	TaskIndex    int
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalTasks    int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	ErrorCount    int64     `json:"errors"`
	ThroughputTPS float64   `json:"throughput_tps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Concurrency   int       `json:"concurrency"`
	Variants      int       `json:"variants"`
	TargetURL     string    `json:"target"`
	Source        string    `json:"source"`
}

type aggregatedResult struct {
	total   int64
	success int64
	errors  int64
	latMs   []float64
}

func main() {
	cfg := loadConfig()
	zl := logger.Build(logger.Config{Level: "info", Console: true, Component: "loadgen"}, os.Stderr)
	log := logger.NewSlog(&zl)

	if cfg.Concurrency <= 0 || cfg.Variants <= 0 {
		log.Error("concurrency and variants must be positive")
		os.Exit(2)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Error("mkdir results", "err", err)
		os.Exit(1)
	}
	prefix := cfg.OutputPrefix
	if cfg.AppendTimestamp {
		prefix = fmt.Sprintf("%s_%s", prefix, time.Now().UTC().Format("20060102_150405Z"))
	}

	seed := time.Now().UnixNano()
	tasks := makeTasks(cfg, rand.New(rand.NewSource(seed)))
	bodies := make([][]byte, len(tasks))
	for i, t := range tasks {
		b, err := json.Marshal(t)
		if err != nil {
			log.Error("encode task", "err", err)
			os.Exit(1)
		}
		bodies[i] = b
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 4 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: 64,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: cfg.RequestTimeout,
	}
	submitURL := strings.TrimRight(cfg.TargetURL, "/") + "/tasks?wait=true"

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Error("open csv", "err", err)
		os.Exit(1)
	}
	defer func() { _ = csvFile.Close() }()

	samples := make(chan sample, 1024)
	results := make(chan aggregatedResult, 1)
	go collect(csv.NewWriter(csvFile), samples, results, log)

	startTime := time.Now()
	log.Info("loadgen start", "target", cfg.TargetURL, "source", cfg.Source, "targets", cfg.Targets,
		"duration", cfg.Duration, "concurrency", cfg.Concurrency, "variants", cfg.Variants)

	var wg sync.WaitGroup
	for id := range cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipf := rand.NewZipf(r, cfg.ZipfS, cfg.ZipfV, uint64(len(bodies)-1))
			for ctx.Err() == nil {
				idx := int(zipf.Uint64())
				s := submit(ctx, httpClient, submitURL, bodies[idx])
				s.TaskIndex = idx
				select {
				case samples <- s:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(samples)
	}()

	agg := <-results
	endTime := time.Now()
	elapsed := endTime.Sub(startTime).Seconds()

	sort.Float64s(agg.latMs)
	out := summary{
		StartTime:     startTime.UTC(),
		EndTime:       endTime.UTC(),
		DurationSec:   elapsed,
		TotalTasks:    agg.total,
		SuccessCount:  agg.success,
		ErrorCount:    agg.errors,
		ThroughputTPS: float64(agg.total) / elapsed,
		P50Ms:         percentile(agg.latMs, 50),
		P95Ms:         percentile(agg.latMs, 95),
		P99Ms:         percentile(agg.latMs, 99),
		Concurrency:   cfg.Concurrency,
		Variants:      cfg.Variants,
		TargetURL:     cfg.TargetURL,
		Source:        cfg.Source,
	}
	if f, err := os.Create(filepath.Clean(jsonPath)); err == nil {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		_ = f.Close()
	}
	log.Info("done", "total", out.TotalTasks, "success", out.SuccessCount, "errors", out.ErrorCount,
		"tps", out.ThroughputTPS, "p50_ms", out.P50Ms, "p95_ms", out.P95Ms, "p99_ms", out.P99Ms,
		"summary", jsonPath, "samples", csvPath)
}

func submit(ctx context.Context, c *http.Client, url string, body []byte) sample {
	s := sample{Timestamp: time.Now()}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Do(req)
	s.Latency = time.Since(s.Timestamp)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	defer func() { _ = resp.Body.Close() }()
	s.Status = resp.StatusCode

	var tr taskResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tr); err != nil {
		s.ErrorMsg = "decode: " + err.Error()
		return s
	}
	s.State = tr.State
	if tr.Result != nil {
		s.FeatureCount = tr.Result.FeatureCount
	}
	if tr.State != "done" {
		s.ErrorMsg = fmt.Sprintf("state=%s class=%s", tr.State, tr.Class)
	}
	return s
}

func collect(w *csv.Writer, in <-chan sample, out chan<- aggregatedResult, log *slog.Logger) {
	_ = w.Write([]string{"timestamp", "latency_ms", "status", "state", "feature_count", "error", "task_idx"})
	var agg aggregatedResult
	for s := range in {
		agg.total++
		ms := float64(s.Latency.Microseconds()) / 1000.0
		if s.ErrorMsg == "" {
			agg.success++
			agg.latMs = append(agg.latMs, ms)
		} else {
			agg.errors++
		}
		_ = w.Write([]string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			fmt.Sprintf("%.3f", ms),
			fmt.Sprintf("%d", s.Status),
			s.State,
			fmt.Sprintf("%d", s.FeatureCount),
			s.ErrorMsg,
			fmt.Sprintf("%d", s.TaskIndex),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.Warn("csv flush error", "err", err)
	}
	out <- agg
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
