package activations

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Record is one row of the activation table: the per-example activations of
// the selected column and the row's categorical label. Activations is nil
// when the row holds no examples. NumericLabel is set when the label cell
// was a number rather than a string.
type Record struct {
	Activations  *mat.Dense
	Label        string
	NumericLabel bool
}

// Rows returns the number of examples the record contributes.
func (r Record) Rows() int {
	if r.Activations == nil {
		return 0
	}
	n, _ := r.Activations.Dims()
	return n
}

// Table is the decoded subset of the persisted table needed for one probe:
// a single activation column and the label column.
type Table struct {
	Column      string
	LabelColumn string
	Records     []Record
}

// ColumnName expands the {study} and {layer} placeholders of template,
// e.g. "{study}_{layer}" -> "mlp_act_1".
func ColumnName(template, study string, layer int) string {
	r := strings.NewReplacer("{study}", study, "{layer}", strconv.Itoa(layer))
	return r.Replace(template)
}

// OpenTable reads the table at path. Files ending in .sz or .snappy are
// decompressed with the snappy framing format.
func OpenTable(path, column, labelColumn string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening activation table")
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	switch filepath.Ext(path) {
	case ".sz", ".snappy":
		r = snappy.NewReader(r)
	}

	table, err := ReadTable(r, column, labelColumn)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	return table, nil
}
