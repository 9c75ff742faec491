// Package spatialite is the FileGeometryStore backend: SQLite files with
// the SpatiaLite extension loaded on every connection.
package spatialite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/backend"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/filtererr"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/dialect"
)

const defaultExtension = "mod_spatialite"

const kind = model.FileGeometryStore

func init() {
	backend.Register(variant{})
}

var (
	driversMu sync.Mutex
	drivers   = map[string]string{}
)

// driverFor registers one database/sql driver per extension path.
func driverFor(ext string) string {
	if ext == "" {
		ext = defaultExtension
	}
	driversMu.Lock()
	defer driversMu.Unlock()
	if name, ok := drivers[ext]; ok {
		return name
	}
	name := "sqlite3_spatialite_" + strconv.Itoa(len(drivers))
	sql.Register(name, &sqlite3.SQLiteDriver{Extensions: []string{ext}})
	drivers[ext] = name
	return name
}

type variant struct{}

func (variant) Kind() model.BackendKind { return kind }

func (variant) Probe(ctx context.Context, env backend.Env) error {
	db, err := sql.Open(driverFor(env.SpatialiteExtension), ":memory:")
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	var v string
	if err := db.QueryRowContext(ctx, `SELECT spatialite_version()`).Scan(&v); err != nil {
		return fmt.Errorf("load spatialite: %w", err)
	}
	return nil
}

func (variant) Open(ctx context.Context, desc model.LayerDescriptor, env backend.Env) (backend.Connection, error) {
	native := desc.Kind == kind && desc.Source.Path != ""
	dsn := ":memory:"
	if native {
		if _, err := os.Stat(desc.Source.Path); err != nil {
			return nil, filtererr.NewConnectError(kind, filtererr.ConnectionRefused, err)
		}
		dsn = "file:" + desc.Source.Path + "?_busy_timeout=5000"
	}
	db, err := sql.Open(driverFor(env.SpatialiteExtension), dsn)
	if err != nil {
		return nil, filtererr.NewConnectError(kind, filtererr.ConnectionRefused, err)
	}
	// an in-memory database lives on a single connection
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, filtererr.NewConnectError(kind, filtererr.ExtensionLoadFailed, err)
	}
	if !native {
		if _, err := db.ExecContext(ctx, `SELECT InitSpatialMetaData(1)`); err != nil {
			_ = db.Close()
			return nil, filtererr.NewConnectError(kind, filtererr.ExtensionLoadFailed, err)
		}
	}
	return &Conn{db: db, native: native, env: env, copies: map[string]model.LayerDescriptor{}}, nil
}

type Conn struct {
	db     *sql.DB
	native bool
	env    backend.Env

	mu     sync.Mutex
	copies map[string]model.LayerDescriptor

	closeOnce sync.Once
	closeErr  error
}

var _ backend.Connection = (*Conn)(nil)

func (c *Conn) Kind() model.BackendKind { return kind }

func (c *Conn) Dialect() model.Dialect { return model.DialectSpatialite }

// layer returns the descriptor queries should run against: desc itself for
// a native file, otherwise an in-memory copy loaded on first use.
func (c *Conn) layer(ctx context.Context, desc model.LayerDescriptor) (model.LayerDescriptor, error) {
	if c.native && desc.Kind == kind {
		return desc, nil
	}
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
	if err == nil {
		cp := backend.CopyDescriptor(desc)
		err = backend.LoadCopy(ctx, c.db, model.DialectSpatialite, cp, "BLOB", features)
		if err == nil {
			c.copies[desc.ID] = cp
			return cp, backend.Classify(ctx, kind, "copy", start, nil)
		}
	}
	return desc, backend.Classify(ctx, kind, "copy", start, err)
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

func (c *Conn) Evaluate(ctx context.Context, req backend.EvalRequest) (backend.EvalResult, error) {
	l, err := c.layer(ctx, req.Target)
	if err != nil {
		return backend.EvalResult{}, err
	}
	subset, err := backend.JoinedSubsetFor(l, model.DialectSpatialite)
	if err != nil {
		return backend.EvalResult{}, err
	}
	indexed := c.hasSpatialIndex(ctx, l)
	req.Target = l

	if !usesSessionTable(req, c.native) {
		start := time.Now()
		ids, err := c.strings(ctx, evalSQL(req, subset, indexed), req.Payload.WKB)
		if err = backend.Classify(ctx, kind, "evaluate", start, err); err != nil {
			return backend.EvalResult{}, err
		}
		return backend.EvalResult{Matches: model.NewMatchSet(l.ID, ids)}, nil
	}

	start := time.Now()
	var n int
	err = c.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, req.Artifact).Scan(&n)
	if err = backend.Classify(ctx, kind, "lookup_table", start, err); err != nil {
		return backend.EvalResult{}, err
	}
	reused := n > 0
	if !reused {
		start = time.Now()
		err = c.createSessionTable(ctx, req)
		if IsBusy(err) {
			// another writer holds the file; evaluate without a session table
			req.Artifact = ""
			return c.Evaluate(ctx, req)
		}
		if err = backend.Classify(ctx, kind, "materialize", start, err); err != nil {
			return backend.EvalResult{Artifact: req.Artifact}, err
		}
	}
	start = time.Now()
	ids, err := c.strings(ctx, sessionEvalSQL(req, subset, indexed))
	if err = backend.Classify(ctx, kind, "evaluate", start, err); err != nil {
		return backend.EvalResult{Artifact: req.Artifact}, err
	}
	return backend.EvalResult{Matches: model.NewMatchSet(l.ID, ids), Artifact: req.Artifact, Reused: reused}, nil
}

func (c *Conn) createSessionTable(ctx context.Context, req backend.EvalRequest) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, q := range sessionTableSQL(req) {
		if _, err := tx.ExecContext(ctx, q.sql, q.args...); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *Conn) hasSpatialIndex(ctx context.Context, l model.LayerDescriptor) bool {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT count(*) FROM geometry_columns WHERE lower(f_table_name) = lower(?) AND lower(f_geometry_column) = lower(?) AND spatial_index_enabled = 1`,
		l.TableName(), l.GeometryColumn()).Scan(&n)
	return err == nil && n > 0
}

type planRow struct {
	ID     int    `json:"id"`
	Parent int    `json:"parent"`
	Detail string `json:"detail"`
}

// Explain returns EXPLAIN QUERY PLAN rows as a JSON array.
func (c *Conn) Explain(ctx context.Context, desc model.LayerDescriptor, where string) ([]byte, error) {
	l, err := c.layer(ctx, desc)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := c.db.QueryContext(ctx, `EXPLAIN QUERY PLAN `+countSQL(l, where))
	if err != nil {
		return nil, backend.Classify(ctx, kind, "explain", start, err)
	}
	defer func() { _ = rows.Close() }()
	var plan []planRow
	for rows.Next() {
		var (
			r       planRow
			notused int
		)
		if err := rows.Scan(&r.ID, &r.Parent, &notused, &r.Detail); err != nil {
			return nil, backend.Classify(ctx, kind, "explain", start, err)
		}
		plan = append(plan, r)
	}
	if err := backend.Classify(ctx, kind, "explain", start, rows.Err()); err != nil {
		return nil, err
	}
	return json.Marshal(plan)
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
	out, err := backend.ScanFeatures(rows, l.GeometryColumn())
	return out, backend.Classify(ctx, kind, "read", start, err)
}

func (c *Conn) DropArtifact(ctx context.Context, name string) error {
	start := time.Now()
	_, err := c.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+dialect.QuoteIdent(name))
	return backend.Classify(ctx, kind, "drop", start, err)
}

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

// IsBusy reports SQLITE_BUSY, raised when another writer holds the file.
func IsBusy(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrBusy
}
