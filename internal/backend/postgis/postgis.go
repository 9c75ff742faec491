// Package postgis is the SqlServer backend: a PostGIS database reached with
// pgx. Predicates run as one set-based query; large targets are served
// from session materialized views named after the filter fingerprint.
package postgis

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/backend"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/filtererr"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/dialect"
)

func init() {
	backend.Register(variant{})
}

type variant struct{}

func (variant) Kind() model.BackendKind { return model.SqlServer }

// Probe succeeds whenever this package is linked; reachability of a given
// server is checked on Open.
func (variant) Probe(context.Context, backend.Env) error { return nil }

func (variant) Open(ctx context.Context, desc model.LayerDescriptor, _ backend.Env) (backend.Connection, error) {
	if desc.Source.DSN == "" {
		return nil, filtererr.NewConnectError(model.SqlServer, filtererr.ConnectionRefused,
			fmt.Errorf("layer %s has no dsn", desc.ID))
	}
	cfg, err := pgx.ParseConfig(desc.Source.DSN)
	if err != nil {
		return nil, filtererr.NewConnectError(model.SqlServer, filtererr.ConnectionRefused, fmt.Errorf("parse dsn: %w", err))
	}
	cfg.RuntimeParams["application_name"] = "spatial-filter-engine"
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, filtererr.NewConnectError(model.SqlServer, filtererr.ConnectionRefused, err)
	}
	var hasPostGIS bool
	err = conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'postgis')`).Scan(&hasPostGIS)
	if err != nil || !hasPostGIS {
		_ = conn.Close(ctx)
		if err == nil {
			err = errors.New("postgis extension is not installed")
		}
		return nil, filtererr.NewConnectError(model.SqlServer, filtererr.ExtensionLoadFailed, err)
	}
	return &Conn{conn: conn}, nil
}

type Conn struct {
	conn      *pgx.Conn
	closeOnce sync.Once
	closeErr  error
}

var _ backend.Connection = (*Conn)(nil)

func (c *Conn) Kind() model.BackendKind { return model.SqlServer }

func (c *Conn) Dialect() model.Dialect { return model.DialectPostgres }

func (c *Conn) CountMatching(ctx context.Context, desc model.LayerDescriptor, where string) (uint64, error) {
	start := time.Now()
	var n int64
	err := c.conn.QueryRow(ctx, countSQL(desc, where)).Scan(&n)
	if err = backend.Classify(ctx, model.SqlServer, "count", start, err); err != nil {
		return 0, err
	}
	return uint64(max(n, 0)), nil
}

func (c *Conn) MatchIDs(ctx context.Context, desc model.LayerDescriptor, where string) ([]string, error) {
	start := time.Now()
	ids, err := c.strings(ctx, idsSQL(desc, where))
	return ids, backend.Classify(ctx, model.SqlServer, "ids", start, err)
}

func (c *Conn) Evaluate(ctx context.Context, req backend.EvalRequest) (backend.EvalResult, error) {
	subset, err := backend.JoinedSubsetFor(req.Target, model.DialectPostgres)
	if err != nil {
		return backend.EvalResult{}, err
	}
	if req.Artifact == "" {
		start := time.Now()
		ids, err := c.strings(ctx, evalSQL(req, subset), req.Payload.WKB)
		if err = backend.Classify(ctx, model.SqlServer, "evaluate", start, err); err != nil {
			return backend.EvalResult{}, err
		}
		return backend.EvalResult{Matches: model.NewMatchSet(req.Target.ID, ids)}, nil
	}

	start := time.Now()
	var exists bool
	err = c.conn.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, dialect.QuoteIdent(req.Artifact)).Scan(&exists)
	if err = backend.Classify(ctx, model.SqlServer, "lookup_view", start, err); err != nil {
		return backend.EvalResult{}, err
	}
	if !exists {
		start = time.Now()
		_, err = c.conn.Exec(ctx, materializeSQL(req, subset))
		if err = backend.Classify(ctx, model.SqlServer, "materialize", start, err); err != nil {
			return backend.EvalResult{Artifact: req.Artifact}, err
		}
	}
	start = time.Now()
	ids, err := c.strings(ctx, `SELECT fid FROM `+dialect.QuoteIdent(req.Artifact))
	if err = backend.Classify(ctx, model.SqlServer, "evaluate", start, err); err != nil {
		return backend.EvalResult{Artifact: req.Artifact}, err
	}
	return backend.EvalResult{
		Matches:  model.NewMatchSet(req.Target.ID, ids),
		Artifact: req.Artifact,
		Reused:   exists,
	}, nil
}

func (c *Conn) Explain(ctx context.Context, desc model.LayerDescriptor, where string) ([]byte, error) {
	start := time.Now()
	var plan []byte
	err := c.conn.QueryRow(ctx, `EXPLAIN (FORMAT JSON) `+countSQL(desc, where)).Scan(&plan)
	return plan, backend.Classify(ctx, model.SqlServer, "explain", start, err)
}

func (c *Conn) ReadFeatures(ctx context.Context, desc model.LayerDescriptor, ids []string) ([]model.Feature, error) {
	start := time.Now()
	q, args := readSQL(desc, ids)
	rows, err := c.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, backend.Classify(ctx, model.SqlServer, "read", start, err)
	}
	defer rows.Close()

	var out []model.Feature
	for rows.Next() {
		var (
			id    string
			raw   []byte
			props map[string]any
		)
		if err := rows.Scan(&id, &raw, &props); err != nil {
			return nil, backend.Classify(ctx, model.SqlServer, "read", start, err)
		}
		f := model.Feature{ID: id, Properties: props}
		if len(raw) > 0 {
			g, err := wkb.Unmarshal(raw)
			if err != nil {
				return nil, fmt.Errorf("decode geometry of %s/%s: %w", desc.ID, id, err)
			}
			f.Geometry = g
		}
		out = append(out, f)
	}
	return out, backend.Classify(ctx, model.SqlServer, "read", start, rows.Err())
}

func (c *Conn) DropArtifact(ctx context.Context, name string) error {
	start := time.Now()
	_, err := c.conn.Exec(ctx, `DROP MATERIALIZED VIEW IF EXISTS `+dialect.QuoteIdent(name))
	return backend.Classify(ctx, model.SqlServer, "drop", start, err)
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.closeErr = c.conn.Close(ctx)
	})
	return c.closeErr
}

func (c *Conn) strings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := c.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func tableRef(desc model.LayerDescriptor) string {
	return dialect.QuoteQualified(desc.Source.Schema, desc.TableName()) + " t"
}

func idColumn(desc model.LayerDescriptor) string {
	if desc.PrimaryKey == "" {
		return "t.ctid::text"
	}
	return "t." + dialect.QuoteIdent(desc.PrimaryKey) + "::text"
}

func geomColumn(desc model.LayerDescriptor) string {
	return "t." + dialect.QuoteIdent(desc.GeometryColumn())
}

func where(conds ...string) string {
	w := backend.AndWhere(conds...)
	if w == "" {
		return ""
	}
	return " WHERE " + w
}

func countSQL(desc model.LayerDescriptor, cond string) string {
	return `SELECT count(*) FROM ` + tableRef(desc) + where(cond)
}

func idsSQL(desc model.LayerDescriptor, cond string) string {
	return `SELECT ` + idColumn(desc) + ` FROM ` + tableRef(desc) + where(cond)
}

func predicate(req backend.EvalRequest, src string) string {
	return dialect.Predicate(model.DialectPostgres, req.Predicate, geomColumn(req.Target), src)
}

func evalSQL(req backend.EvalRequest, subset string) string {
	src := backend.SourceGeometry(model.DialectPostgres, "$1", req.Payload, req.Buffer, req.Target.CRS)
	return `WITH src AS (SELECT ` + src + ` AS g) ` +
		`SELECT ` + idColumn(req.Target) + ` FROM ` + tableRef(req.Target) + `, src` +
		where(predicate(req, "src.g"), subset)
}

// materializeSQL inlines the WKB as hex since DDL takes no bind parameters.
func materializeSQL(req backend.EvalRequest, subset string) string {
	lit := `decode('` + hex.EncodeToString(req.Payload.WKB) + `', 'hex')`
	src := backend.SourceGeometry(model.DialectPostgres, lit, req.Payload, req.Buffer, req.Target.CRS)
	return `CREATE MATERIALIZED VIEW IF NOT EXISTS ` + dialect.QuoteIdent(req.Artifact) + ` AS ` +
		`SELECT ` + idColumn(req.Target) + ` AS fid FROM ` + tableRef(req.Target) +
		where(predicate(req, src), subset)
}

func readSQL(desc model.LayerDescriptor, ids []string) (string, []any) {
	geom := geomColumn(desc)
	q := `SELECT ` + idColumn(desc) + `, ST_AsBinary(` + geom + `), to_jsonb(t) - ` +
		dialect.QuoteString(desc.GeometryColumn()) + ` FROM ` + tableRef(desc)
	if ids == nil {
		return q, nil
	}
	return q + ` WHERE ` + idColumn(desc) + ` = ANY($1)`, []any{ids}
}
