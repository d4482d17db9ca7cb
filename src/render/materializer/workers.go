package materializer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"viewport-engine/src/internal/common"
	engerrors "viewport-engine/src/internal/errors"
	"viewport-engine/src/render/clock"
	"viewport-engine/src/render/types"
)

// PrepareFunc is the host data-preparation phase. It runs on a worker
// goroutine and must not touch presentation state.
type PrepareFunc func(ctx context.Context, item types.Item) (types.Payload, error)

type job struct {
	itemID     string
	item       types.Item
	generation uint64
}

type prepared struct {
	job
	payload types.Payload
	err     error
	elapsed time.Duration
}

// workerPool runs preparation jobs. Jobs go in through requests and prepared
// payloads come back through results; nothing else is shared.
type workerPool struct {
	requests chan job
	results  chan prepared
	prepare  PrepareFunc
	timeout  time.Duration
	clock    clock.Clock
	running  *atomic.Bool
	cancel   context.CancelFunc
	group    *errgroup.Group
}

func newWorkerPool(workers, queueSize int, prepare PrepareFunc, timeout time.Duration, clk clock.Clock) *workerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < workers {
		queueSize = workers
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	wp := &workerPool{
		requests: make(chan job, queueSize),
		results:  make(chan prepared, queueSize+workers),
		prepare:  prepare,
		timeout:  timeout,
		clock:    clk,
		running:  atomic.NewBool(true),
		cancel:   cancel,
		group:    group,
	}
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			return wp.loop(gctx)
		})
	}
	return wp
}

func (wp *workerPool) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-wp.requests:
			res := wp.run(ctx, j)
			select {
			case wp.results <- res:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (wp *workerPool) run(ctx context.Context, j job) prepared {
	payload, elapsed, err := prepareWithDeadline(ctx, wp.prepare, j.item, wp.timeout, wp.clock)
	return prepared{job: j, payload: payload, err: err, elapsed: elapsed}
}

// prepareWithDeadline runs prepare under timeout. A host function that ignores
// its context is abandoned at the deadline and its eventual result dropped.
func prepareWithDeadline(ctx context.Context, prepare PrepareFunc, item types.Item, timeout time.Duration, clk clock.Clock) (types.Payload, time.Duration, error) {
	pctx, cancel := common.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		payload types.Payload
		err     error
	}
	done := make(chan outcome, 1)
	start := clk.Now()
	go func() {
		p, err := safePrepare(pctx, prepare, item)
		done <- outcome{payload: p, err: err}
	}()

	id := item.ItemID()
	select {
	case out := <-done:
		elapsed := clock.Since(clk, start)
		if out.err != nil {
			if pctx.Err() == context.DeadlineExceeded {
				return types.Payload{}, elapsed, engerrors.NewTimeoutError(id, engerrors.PhasePrepare, timeout, elapsed)
			}
			return types.Payload{}, elapsed, engerrors.NewFailureError(id, engerrors.PhasePrepare, out.err)
		}
		if timeout > 0 && elapsed > timeout {
			return types.Payload{}, elapsed, engerrors.NewTimeoutError(id, engerrors.PhasePrepare, timeout, elapsed)
		}
		if out.payload.ItemID == "" {
			out.payload.ItemID = id
		}
		return out.payload, elapsed, nil
	case <-pctx.Done():
		elapsed := clock.Since(clk, start)
		if err := ctx.Err(); err != nil {
			return types.Payload{}, elapsed, fmt.Errorf("prepare %s abandoned: %w", id, err)
		}
		return types.Payload{}, elapsed, engerrors.NewTimeoutError(id, engerrors.PhasePrepare, timeout, elapsed)
	}
}

func safePrepare(ctx context.Context, prepare PrepareFunc, item types.Item) (payload types.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("prepare panicked: %v", r)
		}
	}()
	return prepare(ctx, item)
}

// trySubmit never blocks; a full queue is retried by the caller next cycle
func (wp *workerPool) trySubmit(j job) bool {
	if !wp.running.Load() {
		return false
	}
	select {
	case wp.requests <- j:
		return true
	default:
		return false
	}
}

func (wp *workerPool) full() bool {
	return len(wp.requests) == cap(wp.requests)
}

// drain returns every result available without blocking
func (wp *workerPool) drain(into []prepared) []prepared {
	for {
		select {
		case res := <-wp.results:
			into = append(into, res)
		default:
			return into
		}
	}
}

func (wp *workerPool) stop() error {
	if !wp.running.Swap(false) {
		return nil
	}
	wp.cancel()
	return wp.group.Wait()
}
