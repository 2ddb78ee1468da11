package activations

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinylib/msgp/msgp"
	"gonum.org/v1/gonum/mat"
)

func fixture(rows, width int, labels ...string) *Table {
	t := &Table{Column: "mlp_act_1", LabelColumn: "language"}
	for i, l := range labels {
		data := make([]float64, rows*width)
		for j := range data {
			data[j] = float64(i*100 + j)
		}
		t.Records = append(t.Records, Record{Activations: mat.NewDense(rows, width, data), Label: l})
	}
	return t
}

func TestColumnName(t *testing.T) {
	assert.Equal(t, "mlp_act_1", ColumnName("{study}_{layer}", "mlp_act", 1))
	assert.Equal(t, "states_12", ColumnName("{study}_{layer}", "states", 12))
	assert.Equal(t, "layer12/states", ColumnName("layer{layer}/{study}", "states", 12))
}

func TestWriteReadRoundTrip(t *testing.T) {
	in := fixture(3, 4, "en", "de", "fr")

	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, in))

	out, err := ReadTable(&buf, "mlp_act_1", "language")
	require.NoError(t, err)
	require.Len(t, out.Records, 3)
	for i := range in.Records {
		assert.Equal(t, in.Records[i].Label, out.Records[i].Label)
		assert.True(t, mat.Equal(in.Records[i].Activations, out.Records[i].Activations))
	}
}

func TestReadTableColumnsLayout(t *testing.T) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	require.NoError(t, w.WriteMapHeader(3))

	// index->value map, as written by DataFrame.to_dict()
	require.NoError(t, w.WriteString("language"))
	require.NoError(t, w.WriteMapHeader(2))
	require.NoError(t, w.WriteInt(0))
	require.NoError(t, w.WriteString("en"))
	require.NoError(t, w.WriteInt(1))
	require.NoError(t, w.WriteInt(7))

	require.NoError(t, w.WriteString("ignored"))
	require.NoError(t, w.WriteArrayHeader(2))
	require.NoError(t, w.WriteBool(true))
	require.NoError(t, w.WriteNil())

	require.NoError(t, w.WriteString("states_2"))
	require.NoError(t, w.WriteArrayHeader(2))
	// flat vector: one example
	require.NoError(t, w.WriteArrayHeader(2))
	require.NoError(t, w.WriteFloat64(1.5))
	require.NoError(t, w.WriteInt(2))
	// numpy ndarray, little-endian float32, shape [2, 2]
	raw := make([]byte, 16)
	for i, v := range []float32{1, 2, 3, 4} {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	require.NoError(t, w.WriteMapHeader(4))
	require.NoError(t, w.WriteString("nd"))
	require.NoError(t, w.WriteBool(true))
	require.NoError(t, w.WriteString("type"))
	require.NoError(t, w.WriteString("<f4"))
	require.NoError(t, w.WriteString("shape"))
	require.NoError(t, w.WriteArrayHeader(2))
	require.NoError(t, w.WriteInt(2))
	require.NoError(t, w.WriteInt(2))
	require.NoError(t, w.WriteString("data"))
	require.NoError(t, w.WriteBytes(raw))
	require.NoError(t, w.Flush())

	table, err := ReadTable(&buf, "states_2", "language")
	require.NoError(t, err)
	require.Len(t, table.Records, 2)

	assert.Equal(t, "en", table.Records[0].Label)
	assert.Equal(t, "7", table.Records[1].Label)
	assert.True(t, table.Records[1].NumericLabel)
	assert.False(t, table.Records[0].NumericLabel)
	assert.True(t, mat.Equal(mat.NewDense(1, 2, []float64{1.5, 2}), table.Records[0].Activations))
	assert.True(t, mat.Equal(mat.NewDense(2, 2, []float64{1, 2, 3, 4}), table.Records[1].Activations))
}

func TestReadTableMissingColumn(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, fixture(2, 3, "en")))

	_, err := ReadTable(&buf, "states_1", "language")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrColumnNotFound), "got %v", err)
}

func TestReadTableRaggedCell(t *testing.T) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	require.NoError(t, w.WriteArrayHeader(1))
	require.NoError(t, w.WriteMapHeader(2))
	require.NoError(t, w.WriteString("language"))
	require.NoError(t, w.WriteString("en"))
	require.NoError(t, w.WriteString("mlp_act_1"))
	require.NoError(t, w.WriteArrayHeader(2))
	require.NoError(t, w.WriteArrayHeader(2))
	require.NoError(t, w.WriteFloat32(1))
	require.NoError(t, w.WriteFloat32(2))
	require.NoError(t, w.WriteArrayHeader(1))
	require.NoError(t, w.WriteFloat32(3))
	require.NoError(t, w.Flush())

	_, err := ReadTable(&buf, "mlp_act_1", "language")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDimensionMismatch), "got %v", err)
}

func TestOpenTableSnappy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acts.msgpack.sz")
	f, err := os.Create(path)
	require.NoError(t, err)
	sw := snappy.NewBufferedWriter(f)
	require.NoError(t, WriteTable(sw, fixture(2, 3, "en", "de")))
	require.NoError(t, sw.Close())
	require.NoError(t, f.Close())

	table, err := OpenTable(path, "mlp_act_1", "language")
	require.NoError(t, err)
	assert.Len(t, table.Records, 2)
}

func TestLoad(t *testing.T) {
	table := fixture(25, 4, "fr", "en", "de", "en")

	ds, err := Load(table)
	require.NoError(t, err)

	r, c := ds.X.Dims()
	assert.Equal(t, 100, r)
	assert.Equal(t, 4, c)
	assert.Equal(t, []string{"de", "en", "fr"}, ds.Classes)
	assert.Equal(t, 2, ds.Y[0])
	assert.Equal(t, 1, ds.Y[25])
	assert.Equal(t, 0, ds.Y[50])
	assert.Equal(t, 1, ds.Y[99])
	assert.Equal(t, "fr", ds.Names[0])
	assert.Equal(t, []int{25, 50, 25}, ds.ClassCounts())

	// rows are concatenated in record order
	assert.Equal(t, table.Records[1].Activations.RawRowView(0), ds.X.RawRowView(25))
}

func TestLoadNumericLabelsSortNumerically(t *testing.T) {
	table := fixture(1, 2, "10", "9", "2")
	for i := range table.Records {
		table.Records[i].NumericLabel = true
	}

	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, table))
	read, err := ReadTable(&buf, table.Column, table.LabelColumn)
	require.NoError(t, err)
	assert.True(t, read.Records[0].NumericLabel)

	ds, err := Load(read)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "9", "10"}, ds.Classes)
	assert.Equal(t, []int{2, 1, 0}, ds.Y)
}

func TestLoadDigitStringLabelsSortLexically(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, fixture(1, 2, "10", "9", "2")))
	read, err := ReadTable(&buf, "mlp_act_1", "language")
	require.NoError(t, err)
	assert.False(t, read.Records[0].NumericLabel)

	ds, err := Load(read)
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "2", "9"}, ds.Classes)
	assert.Equal(t, []int{0, 2, 1}, ds.Y)
}

// ndarrayTable encodes one record whose activation cell is a numpy ndarray.
func ndarrayTable(t *testing.T, dtype string, shape []int64, raw []byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	require.NoError(t, w.WriteArrayHeader(1))
	require.NoError(t, w.WriteMapHeader(2))
	require.NoError(t, w.WriteString("language"))
	require.NoError(t, w.WriteString("en"))
	require.NoError(t, w.WriteString("mlp_act_1"))
	require.NoError(t, w.WriteMapHeader(4))
	require.NoError(t, w.WriteString("nd"))
	require.NoError(t, w.WriteBool(true))
	require.NoError(t, w.WriteString("type"))
	require.NoError(t, w.WriteString(dtype))
	require.NoError(t, w.WriteString("shape"))
	require.NoError(t, w.WriteArrayHeader(uint32(len(shape))))
	for _, d := range shape {
		require.NoError(t, w.WriteInt64(d))
	}
	require.NoError(t, w.WriteString("data"))
	require.NoError(t, w.WriteBytes(raw))
	require.NoError(t, w.Flush())
	return &buf
}

func TestReadTableMalformedNDArray(t *testing.T) {
	cases := []struct {
		name  string
		dtype string
		shape []int64
		raw   []byte
	}{
		{"negative dims", "<f4", []int64{-1, -1}, make([]byte, 4)},
		{"negative rows", "<f4", []int64{-2, 2}, make([]byte, 16)},
		{"negative width", "<f4", []int64{-4}, make([]byte, 16)},
		{"overflowing shape", "<f8", []int64{1 << 40, 1 << 40}, make([]byte, 8)},
		{"short payload", "<f4", []int64{2, 2}, make([]byte, 12)},
		{"three dims", "<f4", []int64{1, 1, 1}, make([]byte, 4)},
		{"unknown dtype", "<i2", []int64{1, 2}, make([]byte, 4)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() {
				_, err = ReadTable(ndarrayTable(t, tc.dtype, tc.shape, tc.raw), "mlp_act_1", "language")
			})
			assert.Error(t, err)
		})
	}
}

func TestLoadSkipsEmptyRecords(t *testing.T) {
	table := fixture(2, 3, "en", "de")
	table.Records = append(table.Records, Record{Label: "xx"})

	ds, err := Load(table)
	require.NoError(t, err)
	assert.Equal(t, 4, ds.Len())
	assert.Equal(t, []string{"de", "en"}, ds.Classes)
}

func TestLoadDimensionMismatch(t *testing.T) {
	table := fixture(2, 4, "en")
	table.Records = append(table.Records, Record{Activations: mat.NewDense(2, 5, nil), Label: "de"})

	_, err := Load(table)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDimensionMismatch), "got %v", err)
	assert.Contains(t, err.Error(), "5 features, expected 4")
}

func TestLoadEmpty(t *testing.T) {
	_, err := Load(&Table{Records: []Record{{Label: "en"}}})
	assert.True(t, errors.Is(err, ErrEmptyDataset))
}

func TestSummary(t *testing.T) {
	ds, err := Load(&Table{Records: []Record{
		{Activations: mat.NewDense(2, 2, []float64{1, 1, 3, 3}), Label: "en"},
		{Activations: mat.NewDense(1, 2, []float64{2, 2}), Label: "de"},
	}})
	require.NoError(t, err)

	s := ds.Summary()
	assert.Equal(t, 3, s.Examples)
	assert.Equal(t, 2, s.Features)
	assert.Equal(t, 2, s.Classes)
	assert.Equal(t, map[string]int{"en": 2, "de": 1}, s.ClassCounts)
	assert.InDelta(t, 2.0, s.Mean, 1e-12)
	assert.Contains(t, s.String(), "de=1 en=2")
}
