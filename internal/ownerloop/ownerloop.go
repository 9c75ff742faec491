// Package ownerloop runs layer mutations on a single goroutine.
package ownerloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/layer"
)

var ErrClosed = errors.New("owner loop closed")

type job struct {
	fn   func() error
	done chan error
}

type Loop struct {
	jobs chan job
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
	log  *slog.Logger
}

func New(log *slog.Logger) *Loop {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	l := &Loop{jobs: make(chan job), quit: make(chan struct{}), log: log}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case j := <-l.jobs:
			j.done <- j.fn()
		case <-l.quit:
			return
		}
	}
}

// Do runs fn on the owner goroutine and waits for it. A job that already
// started is not interrupted by ctx.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	j := job{fn: fn, done: make(chan error, 1)}
	select {
	case l.jobs <- j:
	case <-l.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-j.done
}

func (l *Loop) Close() {
	l.once.Do(func() { close(l.quit) })
	l.wg.Wait()
}

type applied struct {
	a    layer.Adapter
	prev string
}

// Apply sets every filter in one owner job. When any layer rejects its
// filter, layers already changed get their previous filter back.
func (l *Loop) Apply(ctx context.Context, layers layer.Lookup, filters []model.LayerFilter) error {
	return l.Do(ctx, func() error {
		done := make([]applied, 0, len(filters))
		for _, f := range filters {
			a, ok := layers.Layer(f.LayerID)
			if !ok {
				return l.rollback(done, fmt.Errorf("apply filter: unknown layer %s", f.LayerID))
			}
			prev := a.Describe().SubsetFilter
			if err := a.SetSubsetFilter(f.Expression); err != nil {
				return l.rollback(done, fmt.Errorf("apply filter to %s: %w", f.LayerID, err))
			}
			done = append(done, applied{a, prev})
		}
		return nil
	})
}

func (l *Loop) rollback(done []applied, cause error) error {
	errs := []error{cause}
	for i := len(done) - 1; i >= 0; i-- {
		if err := done[i].a.SetSubsetFilter(done[i].prev); err != nil {
			l.log.Error("restore subset filter", "layer", done[i].a.Describe().ID, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
