package invalidation

import (
	"fmt"
	"strings"
	"time"
)

// Event announces that a layer's data or schema changed upstream.
type Event struct {
	Version int    `json:"version"`
	Op      string `json:"op"`
	Layer   string `json:"layer"`
	// Seq increases per layer; zero disables duplicate detection.
	Seq        int64     `json:"seq,omitempty"`
	TS         time.Time `json:"ts"`
	FeatureIDs []string  `json:"feature_ids,omitempty"`
	Source     string    `json:"source,omitempty"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete", "schema":
	default:
		return fmt.Errorf("op must be insert|update|delete|schema")
	}
	if strings.TrimSpace(e.Layer) == "" {
		return fmt.Errorf("layer is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if e.Seq < 0 {
		return fmt.Errorf("seq must not be negative")
	}
	if e.Op == "schema" && len(e.FeatureIDs) > 0 {
		return fmt.Errorf("schema events carry no feature ids")
	}
	return nil
}
