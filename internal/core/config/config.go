package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	GroupID string
}

type TaskEventsCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	Queue   int
}

type Config struct {
	Addr        string
	LogLevel    string
	LogConsole  bool
	LogSampleN  int
	CatalogPath string

	// empty, "sql_server", "file_geometry_store" or "generic_vector_driver"
	PreferBackend string

	GeomCacheTTL      time.Duration
	GeomCacheCapacity int
	// bounds one shared source preparation, independent of the tasks waiting on it
	GeomPrepareTimeout time.Duration
	ExprCacheTTL       time.Duration
	ExprCacheCapacity  int

	FileStoreMaxFeatures  uint64
	GenericMaxFeatures    uint64
	GenericIndexThreshold int
	MaterializeThreshold  uint64

	RoundTripTimeout time.Duration
	TaskWorkers      int
	TaskRetention    int

	SpatialiteExtension string

	RedisAddr       string
	RedisPayloadTTL time.Duration
	CacheOpTimeout  time.Duration

	Invalidation InvalidationCfg
	TaskEvents   TaskEventsCfg

	MetricsEnabled bool
	MetricsAddr    string
	MetricsPath    string
}

func FromEnv() Config {
	brokers := getenv("KAFKA_BROKERS", "localhost:9092")
	geomTTL := getduration("GEOM_CACHE_TTL", 300*time.Second)

	workers := getint("TASK_WORKERS", 8)
	if workers <= 0 {
		workers = 1
	}

	return Config{
		Addr:        getenv("ADDR", ":8090"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogConsole:  getbool("LOG_CONSOLE", false),
		LogSampleN:  getint("LOG_SAMPLE_N", 0),
		CatalogPath: getenv("CATALOG_PATH", "catalog.yaml"),

		PreferBackend: strings.ToLower(strings.TrimSpace(getenv("PREFER_BACKEND", ""))),

		GeomCacheTTL:       geomTTL,
		GeomCacheCapacity:  getint("GEOM_CACHE_CAPACITY", 100),
		GeomPrepareTimeout: getduration("GEOM_PREPARE_TIMEOUT", 60*time.Second),
		ExprCacheTTL:       getduration("EXPR_CACHE_TTL", 60*time.Second),
		ExprCacheCapacity:  getint("EXPR_CACHE_CAPACITY", 100),

		FileStoreMaxFeatures:  getuint64("FILESTORE_MAX_FEATURES", 50_000),
		GenericMaxFeatures:    getuint64("GENERIC_MAX_FEATURES", 5_000),
		GenericIndexThreshold: getint("GENERIC_INDEX_THRESHOLD", 200),
		MaterializeThreshold:  getuint64("MATERIALIZE_THRESHOLD", 10_000),

		RoundTripTimeout: getduration("ROUND_TRIP_TIMEOUT", 30*time.Second),
		TaskWorkers:      workers,
		TaskRetention:    getint("TASK_RETENTION", 1024),

		SpatialiteExtension: getenv("SPATIALITE_EXTENSION", "mod_spatialite"),

		RedisAddr:       getenv("REDIS_ADDR", ""),
		RedisPayloadTTL: getduration("REDIS_PAYLOAD_TTL", geomTTL),
		CacheOpTimeout:  getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Topic:   getenv("KAFKA_TOPIC", "layer-invalidation"),
			Brokers: brokers,
			GroupID: getenv("KAFKA_GROUP_ID", "filter-engine"),
		},
		TaskEvents: TaskEventsCfg{
			Enabled: getbool("TASK_EVENTS_ENABLED", false),
			Topic:   getenv("TASK_EVENTS_TOPIC", "filter-task-events"),
			Brokers: brokers,
			Queue:   getint("TASK_EVENTS_QUEUE", 1024),
		},

		MetricsEnabled: getbool("METRICS_ENABLED", false),
		MetricsAddr:    getenv("METRICS_ADDR", ":9090"),
		MetricsPath:    getenv("METRICS_PATH", "/metrics"),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getuint64(k string, def uint64) uint64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// SplitCSV splits "a, b,,c" into [a b c]
func SplitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
