package async

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotRunning is returned by Next before Start or after Stop.
var ErrNotRunning = errors.New("prefetcher is not running")

// ProduceFunc builds item i of a sequence. It is called concurrently from
// the worker goroutines and must not depend on call order.
type ProduceFunc[T any] func(ctx context.Context, i int) (T, error)

// PrefetcherConfig holds configuration for a Prefetcher
type PrefetcherConfig struct {
	Workers       int // Number of background workers (default: 2)
	PrefetchDepth int // Number of items produced ahead of the consumer (default: 3)
}

// result is the outcome of one item, delivered through its own slot.
type result[T any] struct {
	value T
	err   error
}

type job[T any] struct {
	index int
	slot  chan result[T]
}

// Prefetcher produces the items 0..n-1 of a sequence on a pool of worker
// goroutines and hands them to a single consumer strictly in index order.
// At most PrefetchDepth items are buffered ahead of the consumer.
type Prefetcher[T any] struct {
	n             int
	produce       ProduceFunc[T]
	workers       int
	prefetchDepth int

	// ordered carries one result slot per item in index order; workers fill
	// slots in whatever order they finish.
	ordered chan chan result[T]
	jobs    chan job[T]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	consumed  int
	isRunning bool
	mutex     sync.Mutex
}

// NewPrefetcher creates a prefetcher over n items.
func NewPrefetcher[T any](n int, produce ProduceFunc[T], config PrefetcherConfig) (*Prefetcher[T], error) {
	if produce == nil {
		return nil, errors.New("produce function cannot be nil")
	}
	if n < 0 {
		return nil, errors.Errorf("item count must be non-negative, got %d", n)
	}

	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 3
	}

	return &Prefetcher[T]{
		n:             n,
		produce:       produce,
		workers:       config.Workers,
		prefetchDepth: config.PrefetchDepth,
	}, nil
}

// Start launches the dispatcher and the workers. Cancelling ctx stops them.
func (p *Prefetcher[T]) Start(ctx context.Context) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.isRunning {
		return errors.New("prefetcher is already running")
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.ordered = make(chan chan result[T], p.prefetchDepth)
	p.jobs = make(chan job[T])
	p.consumed = 0

	p.wg.Add(1)
	go p.dispatch()
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.isRunning = true
	return nil
}

// dispatch reserves a slot for each item before handing it to a worker, so
// the consumer sees slots in index order.
func (p *Prefetcher[T]) dispatch() {
	defer p.wg.Done()
	defer close(p.jobs)
	defer close(p.ordered)

	for i := 0; i < p.n; i++ {
		slot := make(chan result[T], 1)
		select {
		case p.ordered <- slot:
		case <-p.ctx.Done():
			return
		}
		select {
		case p.jobs <- job[T]{index: i, slot: slot}:
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Prefetcher[T]) worker() {
	defer p.wg.Done()

	for j := range p.jobs {
		if err := p.ctx.Err(); err != nil {
			j.slot <- result[T]{err: err}
			continue
		}
		v, err := p.produce(p.ctx, j.index)
		if err != nil {
			err = errors.Wrapf(err, "item %d", j.index)
		}
		j.slot <- result[T]{value: v, err: err}
	}
}

// Next blocks until the next item in index order is ready. ok is false once
// every item has been consumed.
func (p *Prefetcher[T]) Next() (value T, ok bool, err error) {
	p.mutex.Lock()
	running, ctx, ordered := p.isRunning, p.ctx, p.ordered
	p.mutex.Unlock()
	if !running {
		return value, false, ErrNotRunning
	}

	var slot chan result[T]
	select {
	case slot, ok = <-ordered:
		if !ok {
			if err := ctx.Err(); err != nil {
				return value, false, err
			}
			return value, false, nil
		}
	case <-ctx.Done():
		return value, false, ctx.Err()
	}

	select {
	case r := <-slot:
		if r.err != nil {
			return value, false, r.err
		}
		p.mutex.Lock()
		p.consumed++
		p.mutex.Unlock()
		return r.value, true, nil
	case <-ctx.Done():
		return value, false, ctx.Err()
	}
}

// Stop cancels outstanding work and waits for every goroutine to exit.
// Calling Stop on a stopped prefetcher is a no-op.
func (p *Prefetcher[T]) Stop() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.isRunning {
		return nil
	}

	p.cancel()
	p.wg.Wait()

	p.isRunning = false
	return nil
}

// Stats returns statistics about the prefetcher
func (p *Prefetcher[T]) Stats() PrefetcherStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	queued := 0
	if p.ordered != nil {
		queued = len(p.ordered)
	}
	return PrefetcherStats{
		IsRunning:     p.isRunning,
		Items:         p.n,
		Consumed:      p.consumed,
		QueuedItems:   queued,
		QueueCapacity: p.prefetchDepth,
		Workers:       p.workers,
	}
}

// PrefetcherStats provides statistics about the prefetcher
type PrefetcherStats struct {
	IsRunning     bool
	Items         int
	Consumed      int
	QueuedItems   int
	QueueCapacity int
	Workers       int
}
