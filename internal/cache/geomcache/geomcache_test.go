package geomcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/payloadstore"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/cache/redisstore"
	"github.com/mohammed-shakir/spatial-filter-engine/internal/core/model"
)

func payloadFor(fp model.Fingerprint) model.GeometryPayload {
	return model.GeometryPayload{
		WKB:         []byte{0x01},
		Provenance:  model.Provenance{LayerID: fp.LayerID},
		Fingerprint: fp,
	}
}

func TestGetPut_TTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }
	c := New(Config{Clock: clock}, nil)
	ctx := context.Background()

	fp := c.Key("parcels", []string{"1", "2"}, nil, false)
	if _, ok := c.Get(ctx, fp); ok {
		t.Fatalf("unexpected hit on empty cache")
	}
	c.Put(ctx, payloadFor(fp))

	mu.Lock()
	now = now.Add(DefaultTTL - time.Second)
	mu.Unlock()
	if _, ok := c.Get(ctx, fp); !ok {
		t.Fatalf("want hit before ttl")
	}

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()
	if _, ok := c.Get(ctx, fp); ok {
		t.Fatalf("want miss after ttl")
	}
}

func TestGetOrPrepare_CollapsesConcurrentPreparation(t *testing.T) {
	c := New(Config{}, nil)
	fp := c.Key("parcels", nil, nil, true)

	var calls atomic.Int32
	release := make(chan struct{})
	prepare := func(context.Context) (model.GeometryPayload, error) {
		calls.Add(1)
		<-release
		return payloadFor(fp), nil
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := c.GetOrPrepare(context.Background(), fp, prepare); err != nil {
				t.Errorf("GetOrPrepare: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("prepare ran %d times, want 1", n)
	}
	if _, hit, _ := c.GetOrPrepare(context.Background(), fp, prepare); !hit {
		t.Fatalf("second lookup should be a cache hit")
	}
}

func TestGetOrPrepare_CancelledWaiterDoesNotFailOthers(t *testing.T) {
	c := New(Config{}, nil)
	fp := c.Key("parcels", nil, nil, false)

	started := make(chan struct{})
	release := make(chan struct{})
	prepare := func(ctx context.Context) (model.GeometryPayload, error) {
		close(started)
		select {
		case <-release:
			return payloadFor(fp), nil
		case <-ctx.Done():
			return model.GeometryPayload{}, ctx.Err()
		}
	}

	actx, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, _, err := c.GetOrPrepare(actx, fp, prepare)
		errA <- err
	}()
	<-started

	type result struct {
		p   model.GeometryPayload
		err error
	}
	resB := make(chan result, 1)
	go func() {
		p, _, err := c.GetOrPrepare(context.Background(), fp, prepare)
		resB <- result{p, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller: err=%v want context.Canceled", err)
	}
	close(release)
	r := <-resB
	if r.err != nil {
		t.Fatalf("second caller failed with the first caller's cancellation: %v", r.err)
	}
	if r.p.Fingerprint != fp {
		t.Fatalf("payload fingerprint=%v want %v", r.p.Fingerprint, fp)
	}
	if _, ok := c.Get(context.Background(), fp); !ok {
		t.Fatalf("shared preparation should still be cached")
	}
}

func TestGetOrPrepare_ErrorIsNotCached(t *testing.T) {
	c := New(Config{}, nil)
	fp := c.Key("parcels", nil, nil, false)
	boom := errors.New("boom")

	_, _, err := c.GetOrPrepare(context.Background(), fp, func(context.Context) (model.GeometryPayload, error) {
		return model.GeometryPayload{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
	if c.Len() != 0 {
		t.Fatalf("failed preparation must not be cached")
	}
}

func TestInvalidate_OneLayerOrAll(t *testing.T) {
	c := New(Config{}, nil)
	ctx := context.Background()
	a := c.Key("roads", nil, nil, false)
	b := c.Key("roads", []string{"7"}, nil, false)
	r := c.Key("rivers", nil, nil, false)
	for _, fp := range []model.Fingerprint{a, b, r} {
		c.Put(ctx, payloadFor(fp))
	}

	if n := c.Invalidate(ctx, "roads"); n != 2 {
		t.Fatalf("invalidated=%d want 2", n)
	}
	if _, ok := c.Get(ctx, r); !ok {
		t.Fatalf("rivers entry must survive")
	}
	c.Invalidate(ctx, "")
	if c.Len() != 0 {
		t.Fatalf("len=%d after clear", c.Len())
	}
}

func TestL2_PromotesOnLocalMiss(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	ctx := context.Background()
	rc, err := redisstore.New(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("redisstore: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	ps, err := payloadstore.NewRedisStore(rc, time.Minute)
	if err != nil {
		t.Fatalf("payloadstore: %v", err)
	}

	writer := New(Config{L2: ps, OpTimeout: time.Second}, nil)
	reader := New(Config{L2: ps, OpTimeout: time.Second}, nil)

	fp := writer.Key("roads", []string{"1"}, nil, false)
	writer.Put(ctx, payloadFor(fp))

	if _, ok := reader.Get(ctx, fp); !ok {
		t.Fatalf("reader should hit through redis")
	}
	if reader.Len() != 1 {
		t.Fatalf("redis hit should be promoted to the local tier")
	}

	writer.Invalidate(ctx, "roads")
	fresh := New(Config{L2: ps, OpTimeout: time.Second}, nil)
	if _, ok := fresh.Get(ctx, fp); ok {
		t.Fatalf("invalidate must purge the redis tier too")
	}
}
