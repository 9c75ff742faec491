// Package exprcache memoizes sanitized and clause-merged filter expressions.
package exprcache

import (
	"strings"
	"time"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/keys"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/ttlcache"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

const (
	DefaultTTL      = 60 * time.Second
	DefaultCapacity = 100
)

type Config struct {
	TTL      time.Duration
	Capacity int
	Clock    func() time.Time
}

type Cache struct {
	c *ttlcache.Cache[string, *model.FilterExpression]
}

func New(cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	opts := []ttlcache.Option{ttlcache.WithName("expression")}
	if cfg.Clock != nil {
		opts = append(opts, ttlcache.WithClock(cfg.Clock))
	}
	return &Cache{c: ttlcache.New[string, *model.FilterExpression](cfg.Capacity, cfg.TTL, opts...)}
}

// Optimize sanitizes then merges duplicate IN clauses, caching the result
// under (raw, dialect, sanitize, mergeDuplicates). Rejections are not cached.
func (c *Cache) Optimize(raw string, d model.Dialect, sanitize, mergeDuplicates bool) (*model.FilterExpression, error) {
	key := keys.Expression(raw, d, sanitize, mergeDuplicates)
	if fe, ok := c.c.Get(key); ok {
		return fe, nil
	}

	text := raw
	if sanitize {
		s, err := Sanitize(raw)
		if err != nil {
			return nil, err
		}
		text = s
	}
	if mergeDuplicates {
		text = MergeDuplicateInClauses(text)
	}

	fe := model.OptimizedExpression(raw, text, d)
	c.c.Put(key, fe)
	return fe, nil
}

func (c *Cache) Clear() { c.c.Purge() }

func (c *Cache) Len() int { return c.c.Len() }

// CombineWithExisting joins two filters as "(existing) OP (new)". When
// either side is blank the other is returned unchanged.
func CombineWithExisting(newExpr, existing string, op model.CombineOperator) string {
	if strings.TrimSpace(existing) == "" {
		return newExpr
	}
	if strings.TrimSpace(newExpr) == "" {
		return existing
	}
	if op == "" {
		op = model.OpAnd
	}
	return "(" + existing + ") " + string(op) + " (" + newExpr + ")"
}
