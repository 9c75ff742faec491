// Package geomcache caches prepared source geometries keyed by fingerprint.
package geomcache

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/keys"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/payloadstore"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/ttlcache"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

const (
	DefaultTTL            = 300 * time.Second
	DefaultCapacity       = 100
	DefaultPrepareTimeout = 60 * time.Second
)

type Config struct {
	TTL      time.Duration
	Capacity int
	// L2 is optional; nil keeps the cache process local.
	L2        payloadstore.PayloadStore
	OpTimeout time.Duration
	// PrepareTimeout bounds a shared preparation. It runs detached from the
	// callers so one caller giving up does not fail the others.
	PrepareTimeout time.Duration
	Clock          func() time.Time
}

type Cache struct {
	l1          *ttlcache.Cache[string, model.GeometryPayload]
	l2          payloadstore.PayloadStore
	opTimeout   time.Duration
	prepTimeout time.Duration
	sf          singleflight.Group
	log         *slog.Logger
}

func New(cfg Config, log *slog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 250 * time.Millisecond
	}
	if cfg.PrepareTimeout <= 0 {
		cfg.PrepareTimeout = DefaultPrepareTimeout
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	opts := []ttlcache.Option{ttlcache.WithName("geometry")}
	if cfg.Clock != nil {
		opts = append(opts, ttlcache.WithClock(cfg.Clock))
	}
	return &Cache{
		l1:          ttlcache.New[string, model.GeometryPayload](cfg.Capacity, cfg.TTL, opts...),
		l2:          cfg.L2,
		opTimeout:   cfg.OpTimeout,
		prepTimeout: cfg.PrepareTimeout,
		log:         log,
	}
}

// Key fingerprints (layer, ids, buffer, centroids); nil ids means all features.
func (c *Cache) Key(layerID string, featureIDs []string, buffer *float64, useCentroids bool) model.Fingerprint {
	return keys.Geometry(layerID, featureIDs, buffer, useCentroids)
}

// Get checks the local tier, then Redis. A Redis hit is promoted locally.
func (c *Cache) Get(ctx context.Context, fp model.Fingerprint) (model.GeometryPayload, bool) {
	if p, ok := c.l1.Get(fp.Text); ok {
		return p, true
	}
	if c.l2 == nil {
		return model.GeometryPayload{}, false
	}
	cctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	p, ok, err := c.l2.Get(cctx, fp)
	if err != nil {
		c.log.WarnContext(ctx, "geometry cache l2 get failed", "key", fp.Text, "err", err)
		return model.GeometryPayload{}, false
	}
	if !ok {
		return model.GeometryPayload{}, false
	}
	c.l1.Put(fp.Text, p)
	return p, true
}

// Put stores the payload under its own fingerprint; last write wins.
func (c *Cache) Put(ctx context.Context, p model.GeometryPayload) {
	c.l1.Put(p.Fingerprint.Text, p)
	if c.l2 == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := c.l2.Put(cctx, p, c.l1.TTL()); err != nil {
		c.log.WarnContext(ctx, "geometry cache l2 put failed", "key", p.Fingerprint.Text, "err", err)
	}
}

// GetOrPrepare returns the cached payload or runs prepare once per key even
// when several tasks ask for the same fingerprint concurrently. Each caller
// waits on its own ctx; prepare keeps ctx's values but not its cancellation.
func (c *Cache) GetOrPrepare(
	ctx context.Context,
	fp model.Fingerprint,
	prepare func(context.Context) (model.GeometryPayload, error),
) (model.GeometryPayload, bool, error) {
	if p, ok := c.Get(ctx, fp); ok {
		return p, true, nil
	}
	ch := c.sf.DoChan(fp.Text, func() (any, error) {
		if p, ok := c.l1.Get(fp.Text); ok {
			return p, nil
		}
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.prepTimeout)
		defer cancel()
		p, err := prepare(pctx)
		if err != nil {
			return model.GeometryPayload{}, err
		}
		p.Fingerprint = fp
		c.Put(pctx, p)
		return p, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return model.GeometryPayload{}, false, r.Err
		}
		return r.Val.(model.GeometryPayload), false, nil
	case <-ctx.Done():
		return model.GeometryPayload{}, false, ctx.Err()
	}
}

// Invalidate drops one layer's entries, or everything when layerID is "".
func (c *Cache) Invalidate(ctx context.Context, layerID string) int {
	var n int
	if layerID == "" {
		n = c.l1.Len()
		c.l1.Purge()
	} else {
		n = c.l1.RemoveFunc(func(_ string, p model.GeometryPayload) bool {
			return p.Provenance.LayerID == layerID || p.Fingerprint.LayerID == layerID
		})
	}
	if c.l2 != nil {
		cctx, cancel := context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
		if _, err := c.l2.InvalidateLayer(cctx, layerID); err != nil {
			c.log.WarnContext(ctx, "geometry cache l2 invalidate failed", "layer", layerID, "err", err)
		}
	}
	return n
}

func (c *Cache) Len() int { return c.l1.Len() }
