package activations

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrColumnNotFound is returned when the activation or label column is
	// missing from the table.
	ErrColumnNotFound = errors.New("column not found")
	// ErrDimensionMismatch is returned when activation arrays disagree in
	// their feature dimensionality.
	ErrDimensionMismatch = errors.New("activation dimension mismatch")
	// ErrEmptyDataset is returned when the table holds no examples.
	ErrEmptyDataset = errors.New("no activation examples")
)

// Dataset is the example-level view of a table: one row of X per example and
// the integer class code of the row it came from.
type Dataset struct {
	X       *mat.Dense // N x D
	Y       []int      // class code per example, in [0, len(Classes))
	Names   []string   // label string per example
	Classes []string   // category list, index = class code
}

// Load concatenates the activation arrays of every record row-wise and
// repeats each record's label once per example. Class codes index the sorted
// distinct labels of records that contribute at least one example.
func Load(table *Table) (*Dataset, error) {
	if table == nil {
		return nil, ErrEmptyDataset
	}

	n, d := 0, -1
	for i, rec := range table.Records {
		if rec.Rows() == 0 {
			continue
		}
		_, c := rec.Activations.Dims()
		if d < 0 {
			d = c
		} else if c != d {
			return nil, errors.Wrapf(ErrDimensionMismatch, "row %d has %d features, expected %d", i, c, d)
		}
		n += rec.Rows()
	}
	if n == 0 {
		return nil, ErrEmptyDataset
	}

	classes := categories(table.Records)
	codes := make(map[string]int, len(classes))
	for i, c := range classes {
		codes[c] = i
	}

	x := mat.NewDense(n, d, nil)
	y := make([]int, 0, n)
	names := make([]string, 0, n)
	row := 0
	for _, rec := range table.Records {
		r := rec.Rows()
		if r == 0 {
			continue
		}
		x.Slice(row, row+r, 0, d).(*mat.Dense).Copy(rec.Activations)
		for i := 0; i < r; i++ {
			y = append(y, codes[rec.Label])
			names = append(names, rec.Label)
		}
		row += r
	}

	return &Dataset{X: x, Y: y, Names: names, Classes: classes}, nil
}

// categories returns the distinct labels in category order: numeric when
// every label was a numeric cell, lexical otherwise. Digit-only strings
// sort lexically.
func categories(records []Record) []string {
	seen := make(map[string]bool)
	var labels []string
	allNumeric := true
	for _, rec := range records {
		if rec.Rows() == 0 || seen[rec.Label] {
			continue
		}
		seen[rec.Label] = true
		labels = append(labels, rec.Label)
		allNumeric = allNumeric && rec.NumericLabel
	}

	var numeric map[string]float64
	if allNumeric {
		numeric = make(map[string]float64, len(labels))
		for _, l := range labels {
			v, err := strconv.ParseFloat(l, 64)
			if err != nil {
				numeric = nil
				break
			}
			numeric[l] = v
		}
	}

	if numeric != nil {
		sort.Slice(labels, func(i, j int) bool { return numeric[labels[i]] < numeric[labels[j]] })
	} else {
		sort.Strings(labels)
	}
	return labels
}

// Len returns the number of examples.
func (ds *Dataset) Len() int {
	return len(ds.Y)
}

// Features returns the activation dimensionality D.
func (ds *Dataset) Features() int {
	_, d := ds.X.Dims()
	return d
}

// NumClasses returns C.
func (ds *Dataset) NumClasses() int {
	return len(ds.Classes)
}

// ClassCounts returns the number of examples per class code.
func (ds *Dataset) ClassCounts() []int {
	counts := make([]int, len(ds.Classes))
	for _, y := range ds.Y {
		counts[y]++
	}
	return counts
}

// Summary describes a loaded dataset.
type Summary struct {
	Examples    int
	Features    int
	Classes     int
	ClassCounts map[string]int
	Mean        float64
	StdDev      float64
}

// Summary computes shape, class balance and activation statistics.
func (ds *Dataset) Summary() Summary {
	s := Summary{
		Examples:    ds.Len(),
		Features:    ds.Features(),
		Classes:     ds.NumClasses(),
		ClassCounts: make(map[string]int, ds.NumClasses()),
	}
	for code, count := range ds.ClassCounts() {
		s.ClassCounts[ds.Classes[code]] = count
	}

	raw := ds.X.RawMatrix()
	values := raw.Data[:raw.Rows*raw.Cols]
	if raw.Stride != raw.Cols {
		values = make([]float64, 0, raw.Rows*raw.Cols)
		for i := 0; i < raw.Rows; i++ {
			values = append(values, ds.X.RawRowView(i)...)
		}
	}
	s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
	return s
}

func (s Summary) String() string {
	names := make([]string, 0, len(s.ClassCounts))
	for name := range s.ClassCounts {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, s.ClassCounts[name])
	}
	return fmt.Sprintf("%d examples x %d features, %d classes (%s), mean %.4f std %.4f",
		s.Examples, s.Features, s.Classes, strings.Join(parts, " "), s.Mean, s.StdDev)
}
