package activations

import (
	"encoding/binary"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
	"gonum.org/v1/gonum/mat"
)

// ReadTable decodes a MessagePack activation table. Two layouts are accepted:
//
//	records: [{"language": "en", "mlp_act_1": <array>}, ...]
//	columns: {"language": ["en", ...], "mlp_act_1": [<array>, ...]}
//
// In the columns layout a column may also be an index->value map, as
// produced by pandas' default to_dict. An <array> is a nested 2-D array, a
// flat array (one example) or a msgpack-numpy ndarray map. Columns other
// than column and labelColumn are skipped.
func ReadTable(r io.Reader, column, labelColumn string) (*Table, error) {
	m := msgp.NewReader(r)
	t, err := m.NextType()
	if err != nil {
		return nil, errors.Wrap(err, "reading table header")
	}

	table := &Table{Column: column, LabelColumn: labelColumn}
	switch t {
	case msgp.ArrayType:
		err = readRecords(m, table)
	case msgp.MapType:
		err = readColumns(m, table)
	default:
		err = errors.Errorf("table must be an array of records or a map of columns, got %s", t)
	}
	if err != nil {
		return nil, err
	}
	return table, nil
}

func readRecords(m *msgp.Reader, table *Table) error {
	n, err := m.ReadArrayHeader()
	if err != nil {
		return errors.Wrap(err, "reading record count")
	}

	table.Records = make([]Record, 0, n)
	var scratch []byte
	for row := 0; row < int(n); row++ {
		fields, err := m.ReadMapHeader()
		if err != nil {
			return errors.Wrapf(err, "row %d", row)
		}

		var rec Record
		var haveActs, haveLabel bool
		for i := uint32(0); i < fields; i++ {
			scratch, err = m.ReadMapKey(scratch[:0])
			if err != nil {
				return errors.Wrapf(err, "row %d: reading key", row)
			}
			switch string(scratch) {
			case table.Column:
				rec.Activations, err = readArray(m)
				haveActs = true
			case table.LabelColumn:
				rec.Label, rec.NumericLabel, err = readLabel(m)
				haveLabel = true
			default:
				err = m.Skip()
			}
			if err != nil {
				return errors.Wrapf(err, "row %d: column %q", row, string(scratch))
			}
		}

		if !haveActs {
			return errors.Wrapf(ErrColumnNotFound, "row %d has no column %q", row, table.Column)
		}
		if !haveLabel {
			return errors.Wrapf(ErrColumnNotFound, "row %d has no column %q", row, table.LabelColumn)
		}
		table.Records = append(table.Records, rec)
	}
	return nil
}

func readColumns(m *msgp.Reader, table *Table) error {
	n, err := m.ReadMapHeader()
	if err != nil {
		return errors.Wrap(err, "reading column count")
	}

	var acts []*mat.Dense
	var labels []string
	var numeric []bool
	var haveActs, haveLabel bool
	var scratch []byte
	for i := uint32(0); i < n; i++ {
		scratch, err = m.ReadMapKey(scratch[:0])
		if err != nil {
			return errors.Wrap(err, "reading column name")
		}
		name := string(scratch)
		switch name {
		case table.Column:
			haveActs = true
			err = readCells(m, func() error {
				a, err := readArray(m)
				acts = append(acts, a)
				return err
			})
		case table.LabelColumn:
			haveLabel = true
			err = readCells(m, func() error {
				l, num, err := readLabel(m)
				labels = append(labels, l)
				numeric = append(numeric, num)
				return err
			})
		default:
			err = m.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "column %q", name)
		}
	}

	if !haveActs {
		return errors.Wrapf(ErrColumnNotFound, "no column %q", table.Column)
	}
	if !haveLabel {
		return errors.Wrapf(ErrColumnNotFound, "no column %q", table.LabelColumn)
	}
	if len(acts) != len(labels) {
		return errors.Errorf("column %q has %d rows but %q has %d", table.Column, len(acts), table.LabelColumn, len(labels))
	}

	table.Records = make([]Record, len(acts))
	for i := range acts {
		table.Records[i] = Record{Activations: acts[i], Label: labels[i], NumericLabel: numeric[i]}
	}
	return nil
}

// readCells calls cell once per value of a column given either as an array
// or as an index->value map.
func readCells(m *msgp.Reader, cell func() error) error {
	t, err := m.NextType()
	if err != nil {
		return err
	}

	switch t {
	case msgp.ArrayType:
		n, err := m.ReadArrayHeader()
		if err != nil {
			return err
		}
		for i := uint32(0); i < n; i++ {
			if err := cell(); err != nil {
				return errors.Wrapf(err, "row %d", i)
			}
		}
	case msgp.MapType:
		n, err := m.ReadMapHeader()
		if err != nil {
			return err
		}
		for i := uint32(0); i < n; i++ {
			if err := m.Skip(); err != nil {
				return errors.Wrapf(err, "row %d index", i)
			}
			if err := cell(); err != nil {
				return errors.Wrapf(err, "row %d", i)
			}
		}
	default:
		return errors.Errorf("column must be an array or a map, got %s", t)
	}
	return nil
}

// readArray decodes one activation cell into an examples x features matrix.
func readArray(m *msgp.Reader) (*mat.Dense, error) {
	t, err := m.NextType()
	if err != nil {
		return nil, err
	}

	switch t {
	case msgp.ArrayType:
		return readNested(m)
	case msgp.MapType:
		return readNDArray(m)
	default:
		return nil, errors.Errorf("activation cell must be an array, got %s", t)
	}
}

func readNested(m *msgp.Reader) (*mat.Dense, error) {
	n, err := m.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	t, err := m.NextType()
	if err != nil {
		return nil, err
	}
	if t != msgp.ArrayType {
		// flat vector: a single example
		data := make([]float64, n)
		for i := range data {
			if data[i], err = readNumber(m); err != nil {
				return nil, errors.Wrapf(err, "element %d", i)
			}
		}
		return mat.NewDense(1, int(n), data), nil
	}

	var data []float64
	width := -1
	for row := 0; row < int(n); row++ {
		cols, err := m.ReadArrayHeader()
		if err != nil {
			return nil, errors.Wrapf(err, "example %d", row)
		}
		if width < 0 {
			width = int(cols)
			if width == 0 {
				return nil, errors.Wrap(ErrDimensionMismatch, "examples have zero features")
			}
			data = make([]float64, 0, int(n)*width)
		} else if int(cols) != width {
			return nil, errors.Wrapf(ErrDimensionMismatch, "example %d has %d features, expected %d", row, cols, width)
		}
		for j := 0; j < width; j++ {
			v, err := readNumber(m)
			if err != nil {
				return nil, errors.Wrapf(err, "example %d feature %d", row, j)
			}
			data = append(data, v)
		}
	}
	return mat.NewDense(int(n), width, data), nil
}

// readNDArray decodes the msgpack-numpy encoding of a float ndarray:
// {nd: true, type: "<f4", shape: [r, c], data: <bin>}.
func readNDArray(m *msgp.Reader) (*mat.Dense, error) {
	n, err := m.ReadMapHeader()
	if err != nil {
		return nil, err
	}

	var (
		dtype string
		shape []int
		raw   []byte
		key   []byte
	)
	for i := uint32(0); i < n; i++ {
		key, err = m.ReadMapKey(key[:0])
		if err != nil {
			return nil, err
		}
		switch string(key) {
		case "type":
			dtype, _, err = readLabel(m)
		case "shape":
			shape, err = readShape(m)
		case "data":
			raw, err = m.ReadBytes(nil)
		default:
			err = m.Skip()
		}
		if err != nil {
			return nil, errors.Wrapf(err, "ndarray field %q", string(key))
		}
	}

	var rows, cols int
	switch len(shape) {
	case 1:
		rows, cols = 1, shape[0]
	case 2:
		rows, cols = shape[0], shape[1]
	default:
		return nil, errors.Errorf("ndarray must be 1-D or 2-D, got shape %v", shape)
	}
	if rows < 0 || cols < 0 {
		return nil, errors.Errorf("ndarray shape %v has a negative dimension", shape)
	}
	if rows == 0 {
		return nil, nil
	}
	if cols > math.MaxInt32 || rows > math.MaxInt32/cols/8 {
		return nil, errors.Errorf("ndarray shape %v is too large", shape)
	}
	if cols == 0 {
		return nil, errors.Wrap(ErrDimensionMismatch, "examples have zero features")
	}

	var order binary.ByteOrder = binary.LittleEndian
	if strings.HasPrefix(dtype, ">") {
		order = binary.BigEndian
	}
	size := 0
	switch strings.TrimLeft(dtype, "<>=|") {
	case "f4", "float32":
		size = 4
	case "f8", "float64":
		size = 8
	default:
		return nil, errors.Errorf("unsupported ndarray dtype %q", dtype)
	}
	if len(raw) != rows*cols*size {
		return nil, errors.Errorf("ndarray payload is %d bytes, shape %v needs %d", len(raw), shape, rows*cols*size)
	}

	data := make([]float64, rows*cols)
	for i := range data {
		if size == 4 {
			data[i] = float64(math.Float32frombits(order.Uint32(raw[i*4:])))
		} else {
			data[i] = math.Float64frombits(order.Uint64(raw[i*8:]))
		}
	}
	return mat.NewDense(rows, cols, data), nil
}

func readShape(m *msgp.Reader) ([]int, error) {
	n, err := m.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	shape := make([]int, n)
	for i := range shape {
		v, err := readNumber(m)
		if err != nil {
			return nil, err
		}
		shape[i] = int(v)
	}
	return shape, nil
}

func readNumber(m *msgp.Reader) (float64, error) {
	t, err := m.NextType()
	if err != nil {
		return 0, err
	}

	switch t {
	case msgp.Float64Type, msgp.Float32Type:
		return m.ReadFloat64()
	case msgp.IntType:
		i, err := m.ReadInt64()
		return float64(i), err
	case msgp.UintType:
		u, err := m.ReadUint64()
		return float64(u), err
	default:
		return 0, errors.Errorf("expected a number, got %s", t)
	}
}

// readLabel reads a string or numeric cell as text. numeric reports whether
// the cell was a msgpack number.
func readLabel(m *msgp.Reader) (label string, numeric bool, err error) {
	t, err := m.NextType()
	if err != nil {
		return "", false, err
	}

	switch t {
	case msgp.StrType:
		label, err = m.ReadString()
		return label, false, err
	case msgp.BinType:
		b, err := m.ReadBytes(nil)
		return string(b), false, err
	case msgp.IntType:
		i, err := m.ReadInt64()
		return strconv.FormatInt(i, 10), true, err
	case msgp.UintType:
		u, err := m.ReadUint64()
		return strconv.FormatUint(u, 10), true, err
	case msgp.Float64Type, msgp.Float32Type:
		f, err := m.ReadFloat64()
		return strconv.FormatFloat(f, 'g', -1, 64), true, err
	default:
		return "", false, errors.Errorf("label must be a string or a number, got %s", t)
	}
}

func writeLabel(mw *msgp.Writer, rec Record) error {
	if !rec.NumericLabel {
		return mw.WriteString(rec.Label)
	}
	if i, err := strconv.ParseInt(rec.Label, 10, 64); err == nil {
		return mw.WriteInt64(i)
	}
	f, err := strconv.ParseFloat(rec.Label, 64)
	if err != nil {
		return errors.Wrapf(err, "numeric label %q", rec.Label)
	}
	return mw.WriteFloat64(f)
}

// WriteTable encodes table in the records layout read by ReadTable, with
// activations as nested float32 arrays.
func WriteTable(w io.Writer, table *Table) error {
	mw := msgp.NewWriter(w)
	if err := mw.WriteArrayHeader(uint32(len(table.Records))); err != nil {
		return err
	}

	for _, rec := range table.Records {
		if err := mw.WriteMapHeader(2); err != nil {
			return err
		}
		if err := mw.WriteString(table.LabelColumn); err != nil {
			return err
		}
		if err := writeLabel(mw, rec); err != nil {
			return err
		}
		if err := mw.WriteString(table.Column); err != nil {
			return err
		}

		rows := rec.Rows()
		if err := mw.WriteArrayHeader(uint32(rows)); err != nil {
			return err
		}
		for i := 0; i < rows; i++ {
			row := rec.Activations.RawRowView(i)
			if err := mw.WriteArrayHeader(uint32(len(row))); err != nil {
				return err
			}
			for _, v := range row {
				if err := mw.WriteFloat32(float32(v)); err != nil {
					return err
				}
			}
		}
	}
	return mw.Flush()
}
