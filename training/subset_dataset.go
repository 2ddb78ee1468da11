package training

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// ErrEmptySplit is returned when a split fraction leaves a part without
// samples.
var ErrEmptySplit = errors.New("split leaves a part empty")

// SubsetDataset exposes the samples of an underlying dataset at the given
// indices, in that order.
type SubsetDataset struct {
	originalDataset Dataset
	indices         []int
}

// NewSubsetDataset creates a view of original restricted to indices.
func NewSubsetDataset(original Dataset, indices []int) (*SubsetDataset, error) {
	n := original.Len()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, errors.Errorf("subset index %d out of range [0, %d)", idx, n)
		}
	}
	return &SubsetDataset{
		originalDataset: original,
		indices:         indices,
	}, nil
}

// Len returns the number of samples in the subset.
func (sd *SubsetDataset) Len() int {
	return len(sd.indices)
}

// Get returns sample idx of the subset.
func (sd *SubsetDataset) Get(idx int) ([]float64, int, error) {
	if idx < 0 || idx >= len(sd.indices) {
		return nil, 0, errors.Errorf("index out of bounds for subset: %d (len: %d)", idx, len(sd.indices))
	}
	return sd.originalDataset.Get(sd.indices[idx])
}

// Indices returns the underlying dataset indices of the subset.
func (sd *SubsetDataset) Indices() []int {
	return sd.indices
}

// SplitSizes divides n samples into len(fractions)+1 parts. Part i+1 gets
// floor(n*fractions[i]) samples and the first part keeps the remainder.
func SplitSizes(n int, fractions ...float64) ([]int, error) {
	sizes := make([]int, len(fractions)+1)
	rest := n
	for i, f := range fractions {
		if f <= 0 || f >= 1 {
			return nil, errors.Errorf("split fraction must lie in (0, 1), got %g", f)
		}
		sizes[i+1] = int(math.Floor(float64(n) * f))
		rest -= sizes[i+1]
	}
	sizes[0] = rest

	for i, s := range sizes {
		if s <= 0 {
			return nil, errors.Wrapf(ErrEmptySplit, "part %d of %v from %d samples", i, sizes, n)
		}
	}
	return sizes, nil
}

// SplitIndices splits [0, n) into train and validation index sets with
// |val| = floor(n*fraction). The first n-|val| entries of a seeded random
// permutation form the training set.
func SplitIndices(n int, fraction float64, seed int64) (train, val []int, err error) {
	sizes, err := SplitSizes(n, fraction)
	if err != nil {
		return nil, nil, err
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	return perm[:sizes[0]], perm[sizes[0]:], nil
}

// RandomSplit partitions ds into disjoint subsets of the given sizes using a
// seeded random permutation.
func RandomSplit(ds Dataset, sizes []int, seed int64) ([]*SubsetDataset, error) {
	total := 0
	for _, s := range sizes {
		if s <= 0 {
			return nil, errors.Wrapf(ErrEmptySplit, "sizes %v", sizes)
		}
		total += s
	}
	if total != ds.Len() {
		return nil, errors.Errorf("split sizes %v sum to %d, dataset has %d samples", sizes, total, ds.Len())
	}

	perm := rand.New(rand.NewSource(seed)).Perm(total)
	subsets := make([]*SubsetDataset, len(sizes))
	offset := 0
	for i, s := range sizes {
		subsets[i] = &SubsetDataset{originalDataset: ds, indices: perm[offset : offset+s]}
		offset += s
	}
	return subsets, nil
}
