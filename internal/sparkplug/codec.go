package sparkplug

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformedPayload is matched by every *DecodeError.
var ErrMalformedPayload = errors.New("malformed payload")

// ErrInvalidPayload is returned by Encode for payloads that cannot be put on the wire.
var ErrInvalidPayload = errors.New("invalid payload")

// DecodeError reports why a payload was rejected. A payload that fails to
// decode must not be partially used.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed payload: %s: %v", e.Reason, e.Err)
	}
	return "malformed payload: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrMalformedPayload }

func malformed(format string, a ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, a...)}
}

func wireErr(what string, n int) *DecodeError {
	return &DecodeError{Reason: what, Err: protowire.ParseError(n)}
}

const (
	payloadTimestamp protowire.Number = 1
	payloadMetrics   protowire.Number = 2
	payloadSeq       protowire.Number = 3

	metricName       protowire.Number = 1
	metricAlias      protowire.Number = 2
	metricTimestamp  protowire.Number = 3
	metricDataType   protowire.Number = 4
	metricHistorical protowire.Number = 5
	metricTransient  protowire.Number = 6
	metricIsNull     protowire.Number = 7
	valueInt         protowire.Number = 10
	valueLong        protowire.Number = 11
	valueFloat       protowire.Number = 12
	valueDouble      protowire.Number = 13
	valueBoolean     protowire.Number = 14
	valueString      protowire.Number = 15
	valueBytes       protowire.Number = 16
)

// Decode parses a Sparkplug B payload. The kind comes from the topic the
// bytes arrived on and selects the variant returned.
//
// Results are in canonical form: a payload without metrics has nil
// Metrics, and Bytes and File values are never nil. Encode accepts either
// form, so the round trip is exact for canonical payloads and equal up to
// nil versus empty for the rest.
func Decode(kind Kind, b []byte) (Payload, error) {
	var (
		ts      uint64
		seq     uint64
		hasSeq  bool
		metrics []Metric
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, wireErr("payload tag", n)
		}
		b = b[n:]

		switch num {
		case payloadTimestamp:
			v, n, err := consumeVarint(b, typ, "payload timestamp")
			if err != nil {
				return nil, err
			}
			ts, b = v, b[n:]
		case payloadSeq:
			v, n, err := consumeVarint(b, typ, "payload seq")
			if err != nil {
				return nil, err
			}
			seq, hasSeq, b = v, true, b[n:]
		case payloadMetrics:
			if typ != protowire.BytesType {
				return nil, malformed("metric: wire type %d", typ)
			}
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, wireErr("metric", n)
			}
			m, err := decodeMetric(raw)
			if err != nil {
				return nil, err
			}
			metrics = append(metrics, m)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, wireErr(fmt.Sprintf("payload field %d", num), n)
			}
			b = b[n:]
		}
	}

	if hasSeq && seq > math.MaxUint8 {
		return nil, malformed("seq %d out of range", seq)
	}

	switch kind {
	case KindBirth:
		if !hasSeq {
			return nil, malformed("birth without seq")
		}
		return Birth{Timestamp: ts, Seq: uint8(seq), Metrics: metrics}, nil
	case KindData:
		if !hasSeq {
			return nil, malformed("data without seq")
		}
		return Data{Timestamp: ts, Seq: uint8(seq), Metrics: metrics}, nil
	case KindDeath:
		return Death{Timestamp: ts, Metrics: metrics}, nil
	case KindCommand:
		return Command{Timestamp: ts, Metrics: metrics}, nil
	default:
		return nil, malformed("unknown payload kind %d", kind)
	}
}

func consumeVarint(b []byte, typ protowire.Type, what string) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, malformed("%s: wire type %d", what, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, wireErr(what, n)
	}
	return v, n, nil
}

// rawMetric holds the wire fields of a metric before the value is checked
// against its datatype.
type rawMetric struct {
	m          Metric
	hasName    bool
	hasType    bool
	isNull     bool
	valueField protowire.Number
	varint     uint64
	fixed32    uint32
	fixed64    uint64
	bytes      []byte
}

func (r *rawMetric) setValue(num protowire.Number) error {
	if r.valueField != 0 && r.valueField != num {
		return malformed("metric has both field %d and field %d", r.valueField, num)
	}
	r.valueField = num
	return nil
}

func decodeMetric(b []byte) (Metric, error) {
	var r rawMetric
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Metric{}, wireErr("metric tag", n)
		}
		b = b[n:]

		switch num {
		case metricName, valueString, valueBytes:
			if typ != protowire.BytesType {
				return Metric{}, malformed("metric field %d: wire type %d", num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Metric{}, wireErr(fmt.Sprintf("metric field %d", num), n)
			}
			b = b[n:]
			if num == metricName {
				r.m.Name, r.hasName = string(v), true
				continue
			}
			if err := r.setValue(num); err != nil {
				return Metric{}, err
			}
			r.bytes = v
		case metricAlias, metricTimestamp, metricDataType, metricHistorical, metricTransient,
			metricIsNull, valueInt, valueLong, valueBoolean:
			v, n, err := consumeVarint(b, typ, fmt.Sprintf("metric field %d", num))
			if err != nil {
				return Metric{}, err
			}
			b = b[n:]
			switch num {
			case metricAlias:
				r.m.Alias, r.m.HasAlias = v, true
			case metricTimestamp:
				r.m.Timestamp = v
			case metricDataType:
				if v > math.MaxUint32 {
					return Metric{}, malformed("datatype %d out of range", v)
				}
				r.m.Type, r.hasType = DataType(v), true
			case metricHistorical:
				r.m.Historical = protowire.DecodeBool(v)
			case metricTransient:
				r.m.Transient = protowire.DecodeBool(v)
			case metricIsNull:
				r.isNull = protowire.DecodeBool(v)
			default:
				if err := r.setValue(num); err != nil {
					return Metric{}, err
				}
				r.varint = v
			}
		case valueFloat:
			if typ != protowire.Fixed32Type {
				return Metric{}, malformed("float value: wire type %d", typ)
			}
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return Metric{}, wireErr("float value", n)
			}
			b = b[n:]
			if err := r.setValue(num); err != nil {
				return Metric{}, err
			}
			r.fixed32 = v
		case valueDouble:
			if typ != protowire.Fixed64Type {
				return Metric{}, malformed("double value: wire type %d", typ)
			}
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Metric{}, wireErr("double value", n)
			}
			b = b[n:]
			if err := r.setValue(num); err != nil {
				return Metric{}, err
			}
			r.fixed64 = v
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Metric{}, wireErr(fmt.Sprintf("metric field %d", num), n)
			}
			b = b[n:]
		}
	}

	if r.m.Name == "" && !r.m.HasAlias {
		return Metric{}, malformed("metric has neither name nor alias")
	}
	if !r.hasType {
		return Metric{}, malformed("metric %s has no datatype", r.label())
	}
	if !r.m.Type.Supported() {
		return Metric{}, malformed("metric %s: unsupported datatype %s", r.label(), r.m.Type)
	}
	if r.isNull {
		if r.valueField != 0 {
			return Metric{}, malformed("metric %s is null but carries a value", r.label())
		}
		return r.m, nil
	}
	if r.valueField == 0 {
		return Metric{}, malformed("metric %s has no value", r.label())
	}
	v, err := r.value()
	if err != nil {
		return Metric{}, err
	}
	r.m.Value = v
	return r.m, nil
}

func (r *rawMetric) label() string {
	if r.m.Name != "" {
		return fmt.Sprintf("%q", r.m.Name)
	}
	return fmt.Sprintf("alias %d", r.m.Alias)
}

func (r *rawMetric) expect(fields ...protowire.Number) error {
	for _, f := range fields {
		if r.valueField == f {
			return nil
		}
	}
	return malformed("metric %s: %s value in field %d", r.label(), r.m.Type, r.valueField)
}

func (r *rawMetric) intValue(lo, hi int64) (int64, error) {
	if err := r.expect(valueInt); err != nil {
		return 0, err
	}
	if r.varint > math.MaxUint32 {
		return 0, malformed("metric %s: int_value %d exceeds 32 bits", r.label(), r.varint)
	}
	v := int64(int32(uint32(r.varint)))
	if v < lo || v > hi {
		return 0, malformed("metric %s: %d out of range for %s", r.label(), v, r.m.Type)
	}
	return v, nil
}

func (r *rawMetric) uintValue(hi uint64, fields ...protowire.Number) (uint64, error) {
	if err := r.expect(fields...); err != nil {
		return 0, err
	}
	if r.varint > hi {
		return 0, malformed("metric %s: %d out of range for %s", r.label(), r.varint, r.m.Type)
	}
	return r.varint, nil
}

func (r *rawMetric) value() (any, error) {
	switch r.m.Type {
	case TypeInt8:
		v, err := r.intValue(math.MinInt8, math.MaxInt8)
		return int8(v), err
	case TypeInt16:
		v, err := r.intValue(math.MinInt16, math.MaxInt16)
		return int16(v), err
	case TypeInt32:
		v, err := r.intValue(math.MinInt32, math.MaxInt32)
		return int32(v), err
	case TypeUInt8:
		v, err := r.uintValue(math.MaxUint8, valueInt)
		return uint8(v), err
	case TypeUInt16:
		v, err := r.uintValue(math.MaxUint16, valueInt)
		return uint16(v), err
	case TypeUInt32:
		v, err := r.uintValue(math.MaxUint32, valueInt, valueLong)
		return uint32(v), err
	case TypeInt64:
		if err := r.expect(valueLong); err != nil {
			return nil, err
		}
		return int64(r.varint), nil
	case TypeUInt64, TypeDateTime:
		if err := r.expect(valueLong); err != nil {
			return nil, err
		}
		return r.varint, nil
	case TypeFloat:
		if err := r.expect(valueFloat); err != nil {
			return nil, err
		}
		return math.Float32frombits(r.fixed32), nil
	case TypeDouble:
		if err := r.expect(valueDouble); err != nil {
			return nil, err
		}
		return math.Float64frombits(r.fixed64), nil
	case TypeBoolean:
		if err := r.expect(valueBoolean); err != nil {
			return nil, err
		}
		return protowire.DecodeBool(r.varint), nil
	case TypeString, TypeText, TypeUUID:
		if err := r.expect(valueString); err != nil {
			return nil, err
		}
		return string(r.bytes), nil
	case TypeBytes, TypeFile:
		if err := r.expect(valueBytes); err != nil {
			return nil, err
		}
		return append([]byte{}, r.bytes...), nil
	}
	return nil, malformed("metric %s: unsupported datatype %s", r.label(), r.m.Type)
}

// Encode serialises p. It fails with ErrInvalidPayload when a metric has
// neither name nor alias, uses an unsupported datatype, or holds a value
// whose Go type does not match its datatype.
func Encode(p Payload) ([]byte, error) {
	switch p.(type) {
	case Birth, Data, Death, Command:
	case nil:
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidPayload)
	default:
		return nil, fmt.Errorf("%w: unsupported payload type %T", ErrInvalidPayload, p)
	}
	var b []byte
	b = protowire.AppendTag(b, payloadTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Time())

	var m []byte
	for i, metric := range p.MetricList() {
		var err error
		m, err = appendMetric(m[:0], metric)
		if err != nil {
			return nil, fmt.Errorf("metric %d: %w", i, err)
		}
		b = protowire.AppendTag(b, payloadMetrics, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}

	if seq, ok := Seq(p); ok {
		b = protowire.AppendTag(b, payloadSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(seq))
	}
	return b, nil
}

func appendMetric(b []byte, m Metric) ([]byte, error) {
	if m.Name == "" && !m.HasAlias {
		return nil, fmt.Errorf("%w: metric has neither name nor alias", ErrInvalidPayload)
	}
	if !m.Type.Supported() {
		return nil, fmt.Errorf("%w: unsupported datatype %s", ErrInvalidPayload, m.Type)
	}

	if m.Name != "" {
		b = protowire.AppendTag(b, metricName, protowire.BytesType)
		b = protowire.AppendString(b, m.Name)
	}
	if m.HasAlias {
		b = protowire.AppendTag(b, metricAlias, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Alias)
	}
	if m.Timestamp != 0 {
		b = protowire.AppendTag(b, metricTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, m.Timestamp)
	}
	b = protowire.AppendTag(b, metricDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	if m.Historical {
		b = protowire.AppendTag(b, metricHistorical, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.Transient {
		b = protowire.AppendTag(b, metricTransient, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if m.Value == nil {
		b = protowire.AppendTag(b, metricIsNull, protowire.VarintType)
		return protowire.AppendVarint(b, 1), nil
	}
	return appendValue(b, m)
}

func appendValue(b []byte, m Metric) ([]byte, error) {
	mismatch := func() ([]byte, error) {
		return nil, fmt.Errorf("%w: %s metric holds %T", ErrInvalidPayload, m.Type, m.Value)
	}
	appendInt := func(v int32) []byte {
		b = protowire.AppendTag(b, valueInt, protowire.VarintType)
		return protowire.AppendVarint(b, uint64(uint32(v)))
	}
	appendLong := func(v uint64) []byte {
		b = protowire.AppendTag(b, valueLong, protowire.VarintType)
		return protowire.AppendVarint(b, v)
	}

	switch m.Type {
	case TypeInt8:
		v, ok := m.Value.(int8)
		if !ok {
			return mismatch()
		}
		return appendInt(int32(v)), nil
	case TypeInt16:
		v, ok := m.Value.(int16)
		if !ok {
			return mismatch()
		}
		return appendInt(int32(v)), nil
	case TypeInt32:
		v, ok := m.Value.(int32)
		if !ok {
			return mismatch()
		}
		return appendInt(v), nil
	case TypeUInt8:
		v, ok := m.Value.(uint8)
		if !ok {
			return mismatch()
		}
		return appendInt(int32(v)), nil
	case TypeUInt16:
		v, ok := m.Value.(uint16)
		if !ok {
			return mismatch()
		}
		return appendInt(int32(v)), nil
	case TypeUInt32:
		v, ok := m.Value.(uint32)
		if !ok {
			return mismatch()
		}
		b = protowire.AppendTag(b, valueInt, protowire.VarintType)
		return protowire.AppendVarint(b, uint64(v)), nil
	case TypeInt64:
		v, ok := m.Value.(int64)
		if !ok {
			return mismatch()
		}
		return appendLong(uint64(v)), nil
	case TypeUInt64, TypeDateTime:
		v, ok := m.Value.(uint64)
		if !ok {
			return mismatch()
		}
		return appendLong(v), nil
	case TypeFloat:
		v, ok := m.Value.(float32)
		if !ok {
			return mismatch()
		}
		b = protowire.AppendTag(b, valueFloat, protowire.Fixed32Type)
		return protowire.AppendFixed32(b, math.Float32bits(v)), nil
	case TypeDouble:
		v, ok := m.Value.(float64)
		if !ok {
			return mismatch()
		}
		b = protowire.AppendTag(b, valueDouble, protowire.Fixed64Type)
		return protowire.AppendFixed64(b, math.Float64bits(v)), nil
	case TypeBoolean:
		v, ok := m.Value.(bool)
		if !ok {
			return mismatch()
		}
		b = protowire.AppendTag(b, valueBoolean, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeBool(v)), nil
	case TypeString, TypeText, TypeUUID:
		v, ok := m.Value.(string)
		if !ok {
			return mismatch()
		}
		b = protowire.AppendTag(b, valueString, protowire.BytesType)
		return protowire.AppendString(b, v), nil
	case TypeBytes, TypeFile:
		v, ok := m.Value.([]byte)
		if !ok {
			return mismatch()
		}
		b = protowire.AppendTag(b, valueBytes, protowire.BytesType)
		return protowire.AppendBytes(b, v), nil
	}
	return mismatch()
}
