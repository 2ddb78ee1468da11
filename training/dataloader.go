package training

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-probe/async"
	"gonum.org/v1/gonum/mat"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                               // Total number of samples
	Get(idx int) (features []float64, label int, err error) // Returns a single sample
}

// TensorDataset serves the rows of a feature matrix with their labels.
type TensorDataset struct {
	x *mat.Dense
	y []int
}

// NewTensorDataset wraps x (N x D) and y (length N). Rows are shared, not
// copied.
func NewTensorDataset(x *mat.Dense, y []int) (*TensorDataset, error) {
	r, _ := x.Dims()
	if r != len(y) {
		return nil, errors.Errorf("feature rows (%d) and labels (%d) differ", r, len(y))
	}
	return &TensorDataset{x: x, y: y}, nil
}

// Len returns the number of samples
func (td *TensorDataset) Len() int {
	return len(td.y)
}

// Get returns row idx and its label
func (td *TensorDataset) Get(idx int) ([]float64, int, error) {
	if idx < 0 || idx >= len(td.y) {
		return nil, 0, errors.Errorf("index %d out of range [0, %d)", idx, len(td.y))
	}
	return td.x.RawRowView(idx), td.y[idx], nil
}

// DataLoaderConfig holds configuration for a DataLoader
type DataLoaderConfig struct {
	BatchSize     int
	Shuffle       bool  // Draw a fresh permutation every epoch
	NumWorkers    int   // Batch assembly goroutines; <= 1 assembles on the caller
	PrefetchDepth int   // Batches assembled ahead of the consumer
	Seed          int64 // Seed of the loader's shuffle RNG
}

// DataLoader provides batching and shuffling over a Dataset
type DataLoader struct {
	dataset Dataset
	config  DataLoaderConfig
	rng     *rand.Rand
}

// Batch represents a batch of samples and labels
type Batch struct {
	X       *mat.Dense // b x D
	Y       []int
	Indices []int // dataset indices of the rows
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Y)
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, config DataLoaderConfig) (*DataLoader, error) {
	if dataset == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}

	return &DataLoader{
		dataset: dataset,
		config:  config,
		rng:     rand.New(rand.NewSource(config.Seed)),
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.config.BatchSize - 1) / dl.config.BatchSize
}

// Dataset returns the underlying dataset
func (dl *DataLoader) Dataset() Dataset {
	return dl.dataset
}

// Epoch starts one pass over the dataset. Shuffled loaders draw a new
// permutation on each call. The iterator must be closed.
func (dl *DataLoader) Epoch(ctx context.Context) *EpochIterator {
	order := make([]int, dl.dataset.Len())
	for i := range order {
		order[i] = i
	}
	if dl.config.Shuffle {
		dl.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	it := &EpochIterator{loader: dl, order: order, ctx: ctx}
	if dl.config.NumWorkers > 1 {
		produce := func(ctx context.Context, i int) (*Batch, error) {
			return dl.loadBatch(it.batchIndices(i))
		}
		p, err := async.NewPrefetcher(dl.Len(), produce, async.PrefetcherConfig{
			Workers:       dl.config.NumWorkers,
			PrefetchDepth: dl.config.PrefetchDepth,
		})
		if err == nil {
			err = p.Start(ctx)
		}
		it.prefetcher, it.err = p, err
	}
	return it
}

// loadBatch gathers the samples at indices into one batch
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, errors.New("empty batch indices")
	}

	first, _, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load sample %d", indices[0])
	}
	features := len(first)

	batch := &Batch{
		X:       mat.NewDense(len(indices), features, nil),
		Y:       make([]int, len(indices)),
		Indices: append([]int(nil), indices...),
	}
	for i, idx := range indices {
		x, y, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load sample %d", idx)
		}
		if len(x) != features {
			return nil, errors.Errorf("sample %d has %d features, expected %d", idx, len(x), features)
		}
		copy(batch.X.RawRowView(i), x)
		batch.Y[i] = y
	}
	return batch, nil
}

// EpochIterator yields the batches of one epoch in order
type EpochIterator struct {
	loader     *DataLoader
	order      []int
	position   int
	ctx        context.Context
	prefetcher *async.Prefetcher[*Batch]
	err        error
}

func (it *EpochIterator) batchIndices(i int) []int {
	start := i * it.loader.config.BatchSize
	end := start + it.loader.config.BatchSize
	if end > len(it.order) {
		end = len(it.order)
	}
	return it.order[start:end]
}

// Next returns the next batch, or nil when the epoch is complete
func (it *EpochIterator) Next() (*Batch, error) {
	if it.err != nil {
		return nil, it.err
	}

	if it.prefetcher != nil {
		batch, ok, err := it.prefetcher.Next()
		if err != nil {
			it.err = errors.Wrap(err, "failed to load batch")
			return nil, it.err
		}
		if !ok {
			return nil, nil
		}
		return batch, nil
	}

	if err := it.ctx.Err(); err != nil {
		it.err = err
		return nil, err
	}
	if it.position >= it.loader.Len() {
		return nil, nil // End of epoch
	}
	batch, err := it.loader.loadBatch(it.batchIndices(it.position))
	if err != nil {
		it.err = errors.Wrap(err, "failed to load batch")
		return nil, it.err
	}
	it.position++
	return batch, nil
}

// Close stops any background workers
func (it *EpochIterator) Close() error {
	if it.prefetcher != nil {
		return it.prefetcher.Stop()
	}
	return nil
}
