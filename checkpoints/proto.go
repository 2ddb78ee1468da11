package checkpoints

import (
	"math"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-probe/layers"
	"google.golang.org/protobuf/encoding/protowire"
)

// The protobuf layout of a checkpoint, written with protowire:
//
//	message Checkpoint {
//	  ModelSpec model = 1;
//	  repeated Tensor weights = 2;
//	  TrainingState training_state = 3;
//	  OptimizerState optimizer_state = 4;
//	  Metadata metadata = 5;
//	}
//	message ModelSpec { repeated int64 input_shape = 1; repeated Layer layers = 2; }
//	message Layer { int32 type = 1; string name = 2; int64 output_size = 3; bool use_bias = 4; }
//	message Tensor {
//	  string name = 1; repeated int64 shape = 2; repeated double data = 3;
//	  string layer = 4; string type = 5; string state_type = 6;
//	}
//	message TrainingState {
//	  int64 epoch = 1; int64 step = 2; double learning_rate = 3; double best_loss = 4;
//	  double best_accuracy = 5; int64 total_steps = 6; repeated Entry metrics = 7;
//	}
//	message OptimizerState { string type = 1; repeated Entry parameters = 2; repeated Tensor state_data = 3; }
//	message Entry { string key = 1; double value = 2; }
//	message Metadata {
//	  string version = 1; string framework = 2; int64 created_at_unix_nano = 3;
//	  string description = 4; repeated string tags = 5; repeated string classes = 6;
//	  string column = 7;
//	}

// saveProto saves checkpoint in protobuf wire format
func (cs *CheckpointSaver) saveProto(checkpoint *Checkpoint, path string) error {
	b, err := MarshalProto(checkpoint)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	return nil
}

// loadProto loads checkpoint from protobuf wire format
func (cs *CheckpointSaver) loadProto(path string) (*Checkpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	return UnmarshalProto(b)
}

// MarshalProto encodes a checkpoint in protobuf wire format.
func MarshalProto(checkpoint *Checkpoint) ([]byte, error) {
	var b []byte
	if checkpoint.ModelSpec != nil {
		b = appendMessage(b, 1, appendModelSpec(nil, checkpoint.ModelSpec))
	}
	for _, w := range checkpoint.Weights {
		b = appendMessage(b, 2, appendTensor(nil, w.Name, w.Shape, w.Data, w.Layer, w.Type, ""))
	}
	b = appendMessage(b, 3, appendTrainingState(nil, checkpoint.TrainingState))
	if checkpoint.OptimizerState != nil {
		opt, err := appendOptimizerState(nil, checkpoint.OptimizerState)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, 4, opt)
	}
	b = appendMessage(b, 5, appendMetadata(nil, checkpoint.Metadata))
	return b, nil
}

// UnmarshalProto decodes a checkpoint written by MarshalProto. Unknown
// fields are skipped.
func UnmarshalProto(b []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return message(typ, b, func(m []byte) (err error) {
				cp.ModelSpec, err = parseModelSpec(m)
				return err
			})
		case 2:
			return message(typ, b, func(m []byte) error {
				var w WeightTensor
				var state string
				if err := parseTensor(m, &w.Name, &w.Shape, &w.Data, &w.Layer, &w.Type, &state); err != nil {
					return err
				}
				cp.Weights = append(cp.Weights, w)
				return nil
			})
		case 3:
			return message(typ, b, func(m []byte) error {
				return parseTrainingState(m, &cp.TrainingState)
			})
		case 4:
			return message(typ, b, func(m []byte) (err error) {
				cp.OptimizerState, err = parseOptimizerState(m)
				return err
			})
		case 5:
			return message(typ, b, func(m []byte) error {
				return parseMetadata(m, &cp.Metadata)
			})
		}
		return 0, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	return cp, nil
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendPackedInts(b []byte, num protowire.Number, vs []int) []byte {
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}

func appendPackedDoubles(b []byte, num protowire.Number, vs []float64) []byte {
	packed := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	return appendMessage(b, num, packed)
}

func appendEntries(b []byte, num protowire.Number, entries map[string]float64) []byte {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var e []byte
		e = appendString(e, 1, k)
		e = appendDouble(e, 2, entries[k])
		b = appendMessage(b, num, e)
	}
	return b
}

func appendModelSpec(b []byte, spec *layers.ModelSpec) []byte {
	b = appendPackedInts(b, 1, spec.InputShape)
	for _, l := range spec.Layers {
		var m []byte
		m = appendVarint(m, 1, uint64(l.Type))
		m = appendString(m, 2, l.Name)
		if l.Type == layers.LayerDense {
			out, _ := layers.IntParam(l.Parameters["output_size"])
			m = appendVarint(m, 3, uint64(out))
			useBias := true
			if bias, ok := l.Parameters["use_bias"].(bool); ok {
				useBias = bias
			}
			m = appendVarint(m, 4, protowire.EncodeBool(useBias))
		}
		b = appendMessage(b, 2, m)
	}
	return b
}

func appendTensor(b []byte, name string, shape []int, data []float64, layer, kind, state string) []byte {
	b = appendString(b, 1, name)
	b = appendPackedInts(b, 2, shape)
	b = appendPackedDoubles(b, 3, data)
	b = appendString(b, 4, layer)
	b = appendString(b, 5, kind)
	return appendString(b, 6, state)
}

func appendTrainingState(b []byte, ts TrainingState) []byte {
	b = appendVarint(b, 1, uint64(ts.Epoch))
	b = appendVarint(b, 2, uint64(ts.Step))
	b = appendDouble(b, 3, ts.LearningRate)
	b = appendDouble(b, 4, ts.BestLoss)
	b = appendDouble(b, 5, ts.BestAccuracy)
	b = appendVarint(b, 6, uint64(ts.TotalSteps))
	return appendEntries(b, 7, ts.Metrics)
}

func appendOptimizerState(b []byte, st *OptimizerState) ([]byte, error) {
	b = appendString(b, 1, st.Type)

	params := make(map[string]float64, len(st.Parameters))
	for k, v := range st.Parameters {
		switch n := v.(type) {
		case float64:
			params[k] = n
		case float32:
			params[k] = float64(n)
		case int:
			params[k] = float64(n)
		case uint64:
			params[k] = float64(n)
		case bool:
			params[k] = 0
			if n {
				params[k] = 1
			}
		default:
			return nil, errors.Errorf("optimizer parameter %q has unsupported type %T", k, v)
		}
	}
	b = appendEntries(b, 2, params)

	for _, t := range st.StateData {
		b = appendMessage(b, 3, appendTensor(nil, t.Name, t.Shape, t.Data, "", "", t.StateType))
	}
	return b, nil
}

func appendMetadata(b []byte, md CheckpointMetadata) []byte {
	b = appendString(b, 1, md.Version)
	b = appendString(b, 2, md.Framework)
	if !md.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(md.CreatedAt.UnixNano()))
	}
	b = appendString(b, 4, md.Description)
	for _, t := range md.Tags {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, t)
	}
	for _, c := range md.Classes {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, c)
	}
	return appendString(b, 7, md.Column)
}

// fieldFunc consumes the value of one field and returns its length, or 0 to
// have the field skipped.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return errors.Wrapf(err, "field %d", num)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func expect(typ, want protowire.Type) error {
	if typ != want {
		return errors.Errorf("wire type %d, expected %d", typ, want)
	}
	return nil
}

func message(typ protowire.Type, b []byte, fn func([]byte) error) (int, error) {
	if err := expect(typ, protowire.BytesType); err != nil {
		return 0, err
	}
	m, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, fn(m)
}

func str(typ protowire.Type, b []byte, dst *string) (int, error) {
	return message(typ, b, func(m []byte) error {
		*dst = string(m)
		return nil
	})
}

func varint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if err := expect(typ, protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func double(typ protowire.Type, b []byte, dst *float64) (int, error) {
	if err := expect(typ, protowire.Fixed64Type); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = math.Float64frombits(v)
	return n, nil
}

func integer(typ protowire.Type, b []byte, dst *int) (int, error) {
	var v uint64
	n, err := varint(typ, b, &v)
	*dst = int(v)
	return n, err
}

func packedInts(typ protowire.Type, b []byte, dst *[]int) (int, error) {
	return message(typ, b, func(m []byte) error {
		vs := []int{}
		for len(m) > 0 {
			v, n := protowire.ConsumeVarint(m)
			if n < 0 {
				return protowire.ParseError(n)
			}
			vs = append(vs, int(v))
			m = m[n:]
		}
		*dst = vs
		return nil
	})
}

func packedDoubles(typ protowire.Type, b []byte, dst *[]float64) (int, error) {
	return message(typ, b, func(m []byte) error {
		if len(m)%8 != 0 {
			return errors.Errorf("packed doubles of %d bytes", len(m))
		}
		vs := make([]float64, 0, len(m)/8)
		for len(m) > 0 {
			v, n := protowire.ConsumeFixed64(m)
			if n < 0 {
				return protowire.ParseError(n)
			}
			vs = append(vs, math.Float64frombits(v))
			m = m[n:]
		}
		*dst = vs
		return nil
	})
}

func entry(typ protowire.Type, b []byte, dst map[string]float64) (int, error) {
	return message(typ, b, func(m []byte) error {
		var key string
		var value float64
		err := walk(m, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return str(typ, b, &key)
			case 2:
				return double(typ, b, &value)
			}
			return 0, nil
		})
		dst[key] = value
		return err
	})
}

func parseModelSpec(b []byte) (*layers.ModelSpec, error) {
	var inputShape []int
	var specs []layers.LayerSpec
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return packedInts(typ, b, &inputShape)
		case 2:
			return message(typ, b, func(m []byte) error {
				var kind, out, useBias uint64
				var name string
				err := walk(m, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return varint(typ, b, &kind)
					case 2:
						return str(typ, b, &name)
					case 3:
						return varint(typ, b, &out)
					case 4:
						return varint(typ, b, &useBias)
					}
					return 0, nil
				})
				spec := layers.LayerSpec{Type: layers.LayerType(kind), Name: name, Parameters: map[string]interface{}{}}
				if spec.Type == layers.LayerDense {
					spec.Parameters["output_size"] = int(out)
					spec.Parameters["use_bias"] = protowire.DecodeBool(useBias)
				}
				specs = append(specs, spec)
				return err
			})
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}

	builder := layers.NewModelBuilder(inputShape)
	for _, s := range specs {
		builder.AddLayer(s)
	}
	return builder.Compile()
}

func parseTensor(b []byte, name *string, shape *[]int, data *[]float64, layer, kind, state *string) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return str(typ, b, name)
		case 2:
			return packedInts(typ, b, shape)
		case 3:
			return packedDoubles(typ, b, data)
		case 4:
			return str(typ, b, layer)
		case 5:
			return str(typ, b, kind)
		case 6:
			return str(typ, b, state)
		}
		return 0, nil
	})
}

func parseTrainingState(b []byte, ts *TrainingState) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return integer(typ, b, &ts.Epoch)
		case 2:
			return integer(typ, b, &ts.Step)
		case 3:
			return double(typ, b, &ts.LearningRate)
		case 4:
			return double(typ, b, &ts.BestLoss)
		case 5:
			return double(typ, b, &ts.BestAccuracy)
		case 6:
			return integer(typ, b, &ts.TotalSteps)
		case 7:
			if ts.Metrics == nil {
				ts.Metrics = make(map[string]float64)
			}
			return entry(typ, b, ts.Metrics)
		}
		return 0, nil
	})
}

func parseOptimizerState(b []byte) (*OptimizerState, error) {
	st := &OptimizerState{Parameters: map[string]interface{}{}}
	params := make(map[string]float64)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return str(typ, b, &st.Type)
		case 2:
			return entry(typ, b, params)
		case 3:
			return message(typ, b, func(m []byte) error {
				var t OptimizerTensor
				var layer, kind string
				if err := parseTensor(m, &t.Name, &t.Shape, &t.Data, &layer, &kind, &t.StateType); err != nil {
					return err
				}
				st.StateData = append(st.StateData, t)
				return nil
			})
		}
		return 0, nil
	})
	for k, v := range params {
		st.Parameters[k] = v
	}
	return st, err
}

func parseMetadata(b []byte, md *CheckpointMetadata) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return str(typ, b, &md.Version)
		case 2:
			return str(typ, b, &md.Framework)
		case 3:
			var nanos uint64
			n, err := varint(typ, b, &nanos)
			md.CreatedAt = time.Unix(0, int64(nanos)).UTC()
			return n, err
		case 4:
			return str(typ, b, &md.Description)
		case 5, 6:
			var s string
			n, err := str(typ, b, &s)
			if num == 5 {
				md.Tags = append(md.Tags, s)
			} else {
				md.Classes = append(md.Classes, s)
			}
			return n, err
		case 7:
			return str(typ, b, &md.Column)
		}
		return 0, nil
	})
}
