package materializer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	engerrors "viewport-engine/src/internal/errors"
	"viewport-engine/src/render/clock"
	"viewport-engine/src/render/pool"
	"viewport-engine/src/render/types"
)

type testItem string

func (i testItem) ItemID() string { return string(i) }

type tile struct {
	payload types.Payload
	bound   bool
}

func (t *tile) Shape() string { return DefaultShape }
func (t *tile) Reset()        { t.payload = types.Payload{}; t.bound = false }

type harness struct {
	m         *Materializer
	pool      *pool.Pool
	clock     *clock.Manual
	prepares  *atomic.Int64
	finalizes *atomic.Int64
	gate      chan struct{}
}

type harnessOpts struct {
	config      Config
	gated       bool
	prepareErr  error
	finalizeErr error
	finalizeDur time.Duration
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	h := &harness{
		clock:     clock.NewManual(time.Unix(1700000000, 0)),
		prepares:  atomic.NewInt64(0),
		finalizes: atomic.NewInt64(0),
		gate:      make(chan struct{}),
	}
	if !opts.gated {
		close(h.gate)
	}
	h.pool = pool.New(pool.Config{CapacityPerShape: 32}, func(string) (types.RenderHandle, error) {
		return &tile{}, nil
	}, nil)

	prepare := func(ctx context.Context, item types.Item) (types.Payload, error) {
		h.prepares.Inc()
		select {
		case <-h.gate:
		case <-ctx.Done():
			return types.Payload{}, ctx.Err()
		}
		if opts.prepareErr != nil {
			return types.Payload{}, opts.prepareErr
		}
		return types.Payload{ItemID: item.ItemID(), Data: "data:" + item.ItemID()}, nil
	}
	finalize := func(handle types.RenderHandle, payload types.Payload) error {
		h.finalizes.Inc()
		if opts.finalizeDur > 0 {
			h.clock.Advance(opts.finalizeDur)
		}
		if opts.finalizeErr != nil {
			return opts.finalizeErr
		}
		handle.(*tile).payload = payload
		handle.(*tile).bound = true
		return nil
	}

	cfg := opts.config
	if cfg.Workers == 0 {
		cfg = DefaultConfig()
		cfg.Breaker = BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Second}
	}
	m, err := New(cfg, prepare, finalize, Deps{Pool: h.pool, Clock: h.clock})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	h.m = m
	return h
}

// collectN polls Collect until n outcomes arrived
func (h *harness) collectN(t *testing.T, n int) []Outcome {
	t.Helper()
	var out []Outcome
	require.Eventually(t, func() bool {
		out = append(out, h.m.Collect(0)...)
		return len(out) >= n
	}, 2*time.Second, time.Millisecond)
	return out
}

func (h *harness) waitResults(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.m.workers.results) >= n
	}, 2*time.Second, time.Millisecond)
}

func TestNewRequiresHostFunctions(t *testing.T) {
	p := pool.New(pool.DefaultConfig(), nil, nil)
	_, err := New(DefaultConfig(), nil, func(types.RenderHandle, types.Payload) error { return nil }, Deps{Pool: p})
	assert.ErrorIs(t, err, engerrors.ErrMissingHostFunc)
	assert.True(t, engerrors.IsFatal(err))

	_, err = New(DefaultConfig(), func(context.Context, types.Item) (types.Payload, error) { return types.Payload{}, nil }, nil, Deps{Pool: p})
	assert.ErrorIs(t, err, engerrors.ErrMissingHostFunc)
}

func TestRequestFinalizesOnCollect(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	require.True(t, h.m.Request(3, testItem("c")))
	require.True(t, h.m.Request(1, testItem("a")))

	outs := h.collectN(t, 2)
	require.Len(t, outs, 2)
	for _, o := range outs {
		require.NoError(t, o.Err)
		assert.False(t, o.Placeholder())
		assert.Equal(t, "data:"+o.ItemID, o.Handle.(*tile).payload.Data)
	}
	assert.Equal(t, 0, h.m.Pending())
}

func TestCollectFinalizesInIndexOrder(t *testing.T) {
	h := newHarness(t, harnessOpts{gated: true})
	for _, idx := range []int{9, 2, 5} {
		require.True(t, h.m.Request(idx, testItem(string(rune('a'+idx)))))
	}
	close(h.gate)
	h.waitResults(t, 3)

	outs := h.m.Collect(0)
	require.Len(t, outs, 3)
	assert.Equal(t, []int{2, 5, 9}, []int{outs[0].Index, outs[1].Index, outs[2].Index})
}

func TestAtMostOneInFlightPerItem(t *testing.T) {
	h := newHarness(t, harnessOpts{gated: true})

	assert.True(t, h.m.Request(50, testItem("x")))
	assert.True(t, h.m.Request(50, testItem("x")))
	assert.True(t, h.m.InFlight("x"))

	_, err := h.m.Materialize(context.Background(), 50, testItem("x"))
	assert.ErrorIs(t, err, ErrInFlight)

	close(h.gate)
	outs := h.collectN(t, 1)
	assert.Len(t, outs, 1)
	assert.Equal(t, int64(1), h.prepares.Load())
	assert.Equal(t, int64(1), h.finalizes.Load())
}

func TestCancelledResultIsNeverFinalized(t *testing.T) {
	h := newHarness(t, harnessOpts{gated: true})

	require.True(t, h.m.Request(50, testItem("item-50")))
	assert.True(t, h.m.Cancel("item-50"))
	assert.False(t, h.m.Cancel("item-50"))
	assert.False(t, h.m.InFlight("item-50"))

	close(h.gate)
	h.waitResults(t, 1)
	assert.Empty(t, h.m.Collect(0))
	assert.Equal(t, int64(0), h.finalizes.Load())
	assert.Equal(t, 0, h.m.Pending())
	assert.True(t, h.m.Cached("item-50"), "prepared data is still cached")
}

func TestCancelledRequestCanBeRevived(t *testing.T) {
	h := newHarness(t, harnessOpts{gated: true})

	require.True(t, h.m.Request(7, testItem("seven")))
	h.m.Cancel("seven")
	require.True(t, h.m.Request(7, testItem("seven")))

	close(h.gate)
	outs := h.collectN(t, 1)
	assert.Equal(t, "seven", outs[0].ItemID)
	assert.Equal(t, int64(1), h.prepares.Load())
}

func TestFailuresOpenCircuit(t *testing.T) {
	h := newHarness(t, harnessOpts{prepareErr: errors.New("bad data")})

	for i := 0; i < 3; i++ {
		require.True(t, h.m.Request(i, testItem(string(rune('a'+i)))))
	}
	outs := h.collectN(t, 3)
	for _, o := range outs {
		assert.True(t, o.Placeholder())
		assert.True(t, engerrors.IsFailureError(o.Err))
		assert.Equal(t, o.ItemID, o.Handle.(*types.Placeholder).ItemID)
	}
	assert.Equal(t, CircuitOpen, h.m.Breaker().State())

	assert.False(t, h.m.Request(10, testItem("k")), "open circuit refuses dispatch")
	handle, err := h.m.Materialize(context.Background(), 10, testItem("k"))
	assert.ErrorIs(t, err, engerrors.ErrCircuitOpen)
	assert.True(t, types.IsPlaceholder(handle))
	assert.Equal(t, int64(3), h.prepares.Load())
}

func TestMaterializeSync(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	handle, err := h.m.Materialize(context.Background(), 0, testItem("a"))
	require.NoError(t, err)
	assert.True(t, handle.(*tile).bound)

	// second materialization of the same id is served from the payload cache
	handle2, err := h.m.Materialize(context.Background(), 0, testItem("a"))
	require.NoError(t, err)
	assert.NotSame(t, handle, handle2)
	assert.Equal(t, int64(1), h.prepares.Load())
}

func TestPrepareTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PrepareTimeout = 20 * time.Millisecond
	cfg.Breaker = BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Second}
	h := newHarness(t, harnessOpts{config: cfg, gated: true})
	defer close(h.gate)

	handle, err := h.m.Materialize(context.Background(), 4, testItem("slow"))
	assert.True(t, engerrors.IsTimeoutError(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, types.IsPlaceholder(handle))
	assert.Equal(t, 1, h.m.Breaker().Failures())
}

func TestFinalizeOverrunCountsAsTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FinalizeTimeout = 10 * time.Millisecond
	cfg.Breaker = BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Second}
	h := newHarness(t, harnessOpts{config: cfg, finalizeDur: 30 * time.Millisecond})

	handle, err := h.m.Materialize(context.Background(), 0, testItem("a"))
	var te *engerrors.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, engerrors.PhaseFinalize, te.Phase)
	assert.True(t, types.IsPlaceholder(handle))
	assert.Equal(t, 1, h.pool.FreeCount(), "overrun handle goes back to the pool")
}

func TestFinalizeFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{finalizeErr: errors.New("layout failed")})
	handle, err := h.m.Materialize(context.Background(), 0, testItem("a"))
	assert.True(t, engerrors.IsFailureError(err))
	assert.True(t, types.IsPlaceholder(handle))
}

func TestCollectRespectsBudget(t *testing.T) {
	h := newHarness(t, harnessOpts{gated: true, finalizeDur: 5 * time.Millisecond})
	for i := 0; i < 3; i++ {
		require.True(t, h.m.Request(i, testItem(string(rune('a'+i)))))
	}
	close(h.gate)
	h.waitResults(t, 3)

	assert.Len(t, h.m.Collect(8*time.Millisecond), 2)
	assert.Len(t, h.m.Collect(8*time.Millisecond), 1)
	assert.Equal(t, 0, h.m.Pending())
}

func TestPrefetchWarmsCache(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	require.True(t, h.m.Prefetch(testItem("p")))
	assert.False(t, h.m.Prefetch(testItem("p")))
	assert.False(t, h.m.InFlight("p"))

	require.Eventually(t, func() bool {
		assert.Empty(t, h.m.Collect(0))
		return h.m.Cached("p")
	}, 2*time.Second, time.Millisecond)

	require.True(t, h.m.Request(0, testItem("p")))
	outs := h.m.Collect(0)
	require.Len(t, outs, 1)
	assert.NoError(t, outs[0].Err)
	assert.Equal(t, int64(1), h.prepares.Load())

	h.m.SetCaching(false)
	assert.Equal(t, 0, h.m.CacheLen())
	assert.False(t, h.m.Prefetch(testItem("q")))
}

func TestResetDropsPreviousGeneration(t *testing.T) {
	h := newHarness(t, harnessOpts{gated: true})
	require.True(t, h.m.Request(0, testItem("old")))
	h.m.Reset()

	close(h.gate)
	h.waitResults(t, 1)
	assert.Empty(t, h.m.Collect(0))
	assert.Equal(t, int64(0), h.finalizes.Load())
}

func TestResetReleasesInFlightProbe(t *testing.T) {
	h := newHarness(t, harnessOpts{gated: true})
	defer close(h.gate)
	for i := 0; i < 3; i++ {
		h.m.Breaker().RecordFailure()
	}
	require.Equal(t, CircuitOpen, h.m.Breaker().State())
	h.clock.Advance(time.Second)

	require.True(t, h.m.Request(0, testItem("probe")))
	assert.Equal(t, CircuitHalfOpen, h.m.Breaker().State())
	assert.False(t, h.m.Request(1, testItem("second")), "only one probe while half-open")

	h.m.Reset()
	assert.True(t, h.m.Request(2, testItem("next")), "a new generation gets its own probe")
}

func TestCloseReleasesInFlightProbe(t *testing.T) {
	h := newHarness(t, harnessOpts{gated: true})
	defer close(h.gate)
	for i := 0; i < 3; i++ {
		h.m.Breaker().RecordFailure()
	}
	h.clock.Advance(time.Second)
	require.True(t, h.m.Request(0, testItem("probe")))

	require.NoError(t, h.m.Close())
	assert.True(t, h.m.Breaker().Allow())
}

func TestOpenCircuitSkipsCachedPayload(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.m.Materialize(context.Background(), 0, testItem("a"))
	require.NoError(t, err)
	require.True(t, h.m.Cached("a"))
	require.Equal(t, int64(1), h.finalizes.Load())

	for i := 0; i < 3; i++ {
		h.m.Breaker().RecordFailure()
	}
	handle, err := h.m.Materialize(context.Background(), 0, testItem("a"))
	assert.ErrorIs(t, err, engerrors.ErrCircuitOpen)
	assert.True(t, types.IsPlaceholder(handle))
	assert.False(t, h.m.Request(0, testItem("a")))
	assert.Equal(t, int64(1), h.finalizes.Load(), "no finalization while open")

	// after the recovery timeout a cached payload may serve as the probe
	h.clock.Advance(time.Second)
	require.True(t, h.m.Request(0, testItem("a")))
	outs := h.m.Collect(0)
	require.Len(t, outs, 1)
	assert.NoError(t, outs[0].Err)
	assert.Equal(t, CircuitClosed, h.m.Breaker().State())
	assert.Equal(t, int64(1), h.prepares.Load())
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	require.NoError(t, h.m.Close())
	require.NoError(t, h.m.Close())
	assert.False(t, h.m.Request(0, testItem("a")))
	_, err := h.m.Materialize(context.Background(), 0, testItem("a"))
	assert.ErrorIs(t, err, engerrors.ErrShutdown)
}

func TestConcurrentPrepareDoesNotRace(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = h.m.Breaker().State()
	}()
	for i := 0; i < 40; i++ {
		h.m.Request(i, testItem(string(rune('A'+i))))
	}
	h.collectN(t, 40)
	wg.Wait()
}
