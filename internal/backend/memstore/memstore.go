// Package memstore is the GenericVectorDriver backend. Layers are copied
// into an in-memory DuckDB database with the spatial extension and
// evaluated there.
package memstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/backend"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/filtererr"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/dialect"
)

const (
	kind = model.GenericVectorDriver
	d    = model.DialectDuckDB

	defaultIndexThreshold = 1000
)

func init() {
	backend.Register(variant{})
}

type variant struct{}

func (variant) Kind() model.BackendKind { return kind }

func (variant) Probe(ctx context.Context, _ backend.Env) error {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return loadSpatial(ctx, db)
}

func (variant) Open(ctx context.Context, _ model.LayerDescriptor, env backend.Env) (backend.Connection, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, filtererr.NewConnectError(kind, filtererr.ConnectionRefused, err)
	}
	db.SetMaxOpenConns(1)
	if err := loadSpatial(ctx, db); err != nil {
		_ = db.Close()
		return nil, filtererr.NewConnectError(kind, filtererr.ExtensionLoadFailed, err)
	}
	threshold := env.GenericIndexThreshold
	if threshold <= 0 {
		threshold = defaultIndexThreshold
	}
	return &Conn{db: db, env: env, threshold: threshold, copies: map[string]model.LayerDescriptor{}}, nil
}

// loadSpatial loads the bundled extension and installs it when missing.
func loadSpatial(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `LOAD spatial`); err == nil {
		return nil
	}
	if _, err := db.ExecContext(ctx, `INSTALL spatial`); err != nil {
		return fmt.Errorf("install spatial: %w", err)
	}
	if _, err := db.ExecContext(ctx, `LOAD spatial`); err != nil {
		return fmt.Errorf("load spatial: %w", err)
	}
	return nil
}

type Conn struct {
	db        *sql.DB
	env       backend.Env
	threshold int

	mu     sync.Mutex
	copies map[string]model.LayerDescriptor

	closeOnce sync.Once
	closeErr  error
}

var _ backend.Connection = (*Conn)(nil)

func (c *Conn) Kind() model.BackendKind { return kind }

func (c *Conn) Dialect() model.Dialect { return d }

func (c *Conn) layer(ctx context.Context, desc model.LayerDescriptor) (model.LayerDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cp, ok := c.copies[desc.ID]; ok {
		return cp, nil
	}
	if c.env.Features == nil {
		return desc, fmt.Errorf("copy %s: no feature source", desc.ID)
	}
	start := time.Now()
	features, err := c.env.Features.Features(ctx, desc.ID, nil)
	if err != nil {
		return desc, backend.Classify(ctx, kind, "copy", start, err)
	}
	cp := backend.CopyDescriptor(desc)
	if err := backend.LoadCopy(ctx, c.db, d, cp, "GEOMETRY", features); err != nil {
		return desc, backend.Classify(ctx, kind, "copy", start, err)
	}
	if len(features) >= c.threshold {
		if _, err := c.db.ExecContext(ctx, indexSQL(cp)); err != nil {
			return desc, backend.Classify(ctx, kind, "index", start, err)
		}
	}
	c.copies[desc.ID] = cp
	return cp, backend.Classify(ctx, kind, "copy", start, nil)
}

func (c *Conn) CountMatching(ctx context.Context, desc model.LayerDescriptor, where string) (uint64, error) {
	l, err := c.layer(ctx, desc)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	var n int64
	err = c.db.QueryRowContext(ctx, countSQL(l, where)).Scan(&n)
	if err = backend.Classify(ctx, kind, "count", start, err); err != nil {
		return 0, err
	}
	return uint64(max(n, 0)), nil
}

func (c *Conn) MatchIDs(ctx context.Context, desc model.LayerDescriptor, where string) ([]string, error) {
	l, err := c.layer(ctx, desc)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ids, err := c.strings(ctx, idsSQL(l, where))
	return ids, backend.Classify(ctx, kind, "ids", start, err)
}

// Evaluate always runs inline; the copy itself dies with the connection so
// there is nothing worth keeping as a session artifact.
func (c *Conn) Evaluate(ctx context.Context, req backend.EvalRequest) (backend.EvalResult, error) {
	l, err := c.layer(ctx, req.Target)
	if err != nil {
		return backend.EvalResult{}, err
	}
	subset, err := backend.JoinedSubsetFor(l, d)
	if err != nil {
		return backend.EvalResult{}, err
	}
	req.Target = l
	start := time.Now()
	ids, err := c.strings(ctx, evalSQL(req, subset), req.Payload.WKB)
	if err = backend.Classify(ctx, kind, "evaluate", start, err); err != nil {
		return backend.EvalResult{}, err
	}
	return backend.EvalResult{Matches: model.NewMatchSet(l.ID, ids)}, nil
}

// Explain has no plan to offer; the advisor falls back to heuristics.
func (c *Conn) Explain(context.Context, model.LayerDescriptor, string) ([]byte, error) {
	return nil, nil
}

func (c *Conn) ReadFeatures(ctx context.Context, desc model.LayerDescriptor, ids []string) ([]model.Feature, error) {
	l, err := c.layer(ctx, desc)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	q, args := readSQL(l, ids)
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, backend.Classify(ctx, kind, "read", start, err)
	}
	defer func() { _ = rows.Close() }()
	out, err := backend.ScanFeatures(rows)
	return out, backend.Classify(ctx, kind, "read", start, err)
}

func (c *Conn) DropArtifact(context.Context, string) error { return nil }

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.db.Close() })
	return c.closeErr
}

func (c *Conn) strings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id sql.NullString
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if id.Valid {
			out = append(out, id.String)
		}
	}
	return out, rows.Err()
}

func tableRef(l model.LayerDescriptor) string {
	return dialect.QuoteIdent(l.TableName()) + " t"
}

func idColumn(l model.LayerDescriptor) string {
	return "CAST(t." + dialect.QuoteIdent(l.PrimaryKey) + " AS VARCHAR)"
}

func geomColumn(l model.LayerDescriptor) string {
	return "t." + dialect.QuoteIdent(l.GeometryColumn())
}

func where(conds ...string) string {
	if w := backend.AndWhere(conds...); w != "" {
		return " WHERE " + w
	}
	return ""
}

func indexSQL(l model.LayerDescriptor) string {
	return `CREATE INDEX IF NOT EXISTS ` + dialect.QuoteIdent(l.TableName()+"_rtree") +
		` ON ` + dialect.QuoteIdent(l.TableName()) + ` USING RTREE (` + dialect.QuoteIdent(l.GeometryColumn()) + `)`
}

func countSQL(l model.LayerDescriptor, cond string) string {
	return `SELECT count(*) FROM ` + tableRef(l) + where(cond)
}

func idsSQL(l model.LayerDescriptor, cond string) string {
	return `SELECT ` + idColumn(l) + ` FROM ` + tableRef(l) + where(cond)
}

func evalSQL(req backend.EvalRequest, subset string) string {
	src := backend.SourceGeometry(d, "?", req.Payload, req.Buffer, req.Target.CRS)
	var pre string
	if backend.Prefiltered(req.Predicate) {
		pre = dialect.Envelope(d, geomColumn(req.Target), "s.g")
	}
	return `WITH src AS (SELECT ` + src + ` AS g) ` +
		`SELECT ` + idColumn(req.Target) + ` FROM ` + tableRef(req.Target) + `, src s` +
		where(pre, dialect.Predicate(d, req.Predicate, geomColumn(req.Target), "s.g"), subset)
}

func readSQL(l model.LayerDescriptor, ids []string) (string, []any) {
	q := `SELECT ` + idColumn(l) + `, ST_AsWKB(` + geomColumn(l) + `)::BLOB, * EXCLUDE (` +
		dialect.QuoteIdent(l.GeometryColumn()) + `) FROM ` + tableRef(l)
	if ids == nil {
		return q, nil
	}
	if len(ids) == 0 {
		return q + ` WHERE 1 = 0`, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return q + ` WHERE ` + idColumn(l) + ` IN (` + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + `)`, args
}
