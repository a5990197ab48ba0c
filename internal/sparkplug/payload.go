// Package sparkplug implements the Sparkplug B payload codec and the topic
// namespace used by Factory+ edge nodes.
package sparkplug

import "fmt"

// DataType is the Sparkplug B metric datatype tag.
type DataType uint32

const (
	TypeUnknown  DataType = 0
	TypeInt8     DataType = 1
	TypeInt16    DataType = 2
	TypeInt32    DataType = 3
	TypeInt64    DataType = 4
	TypeUInt8    DataType = 5
	TypeUInt16   DataType = 6
	TypeUInt32   DataType = 7
	TypeUInt64   DataType = 8
	TypeFloat    DataType = 9
	TypeDouble   DataType = 10
	TypeBoolean  DataType = 11
	TypeString   DataType = 12
	TypeDateTime DataType = 13
	TypeText     DataType = 14
	TypeUUID     DataType = 15
	TypeDataSet  DataType = 16
	TypeBytes    DataType = 17
	TypeFile     DataType = 18
	TypeTemplate DataType = 19
)

var typeNames = map[DataType]string{
	TypeInt8:     "Int8",
	TypeInt16:    "Int16",
	TypeInt32:    "Int32",
	TypeInt64:    "Int64",
	TypeUInt8:    "UInt8",
	TypeUInt16:   "UInt16",
	TypeUInt32:   "UInt32",
	TypeUInt64:   "UInt64",
	TypeFloat:    "Float",
	TypeDouble:   "Double",
	TypeBoolean:  "Boolean",
	TypeString:   "String",
	TypeDateTime: "DateTime",
	TypeText:     "Text",
	TypeUUID:     "UUID",
	TypeDataSet:  "DataSet",
	TypeBytes:    "Bytes",
	TypeFile:     "File",
	TypeTemplate: "Template",
}

func (t DataType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", uint32(t))
}

// Supported reports whether the codec can carry values of this datatype.
// DataSet and Template are recognised tags but are not decoded.
func (t DataType) Supported() bool {
	switch t {
	case TypeUnknown, TypeDataSet, TypeTemplate:
		return false
	}
	_, ok := typeNames[t]
	return ok
}

// ParseDataType maps a datatype name ("Boolean", "Int32", ...) to its tag.
func ParseDataType(s string) (DataType, bool) {
	for t, name := range typeNames {
		if name == s {
			return t, true
		}
	}
	return TypeUnknown, false
}

// Metric is one value inside a payload. Value holds the exact Go type for
// Type (int8 for Int8, uint64 for DateTime, []byte for Bytes, ...) or nil
// when the metric is null.
type Metric struct {
	Name       string
	Alias      uint64
	HasAlias   bool
	Timestamp  uint64
	Type       DataType
	Value      any
	Historical bool
	Transient  bool
}

// Kind is the lifecycle kind of a payload.
type Kind uint8

const (
	KindBirth Kind = iota + 1
	KindData
	KindDeath
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindBirth:
		return "birth"
	case KindData:
		return "data"
	case KindDeath:
		return "death"
	case KindCommand:
		return "command"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Payload is one of Birth, Data, Death or Command.
type Payload interface {
	Kind() Kind
	Time() uint64
	MetricList() []Metric
	sealed()
}

// Birth announces a scope's metric schema and establishes its aliases.
type Birth struct {
	Timestamp uint64
	Seq       uint8
	Metrics   []Metric
}

// Data carries metric updates, usually by alias.
type Data struct {
	Timestamp uint64
	Seq       uint8
	Metrics   []Metric
}

// Death announces a scope going offline.
type Death struct {
	Timestamp uint64
	Metrics   []Metric
}

// Command is a write request addressed to a node or device.
type Command struct {
	Timestamp uint64
	Metrics   []Metric
}

func (Birth) Kind() Kind   { return KindBirth }
func (Data) Kind() Kind    { return KindData }
func (Death) Kind() Kind   { return KindDeath }
func (Command) Kind() Kind { return KindCommand }

func (p Birth) Time() uint64   { return p.Timestamp }
func (p Data) Time() uint64    { return p.Timestamp }
func (p Death) Time() uint64   { return p.Timestamp }
func (p Command) Time() uint64 { return p.Timestamp }

func (p Birth) MetricList() []Metric   { return p.Metrics }
func (p Data) MetricList() []Metric    { return p.Metrics }
func (p Death) MetricList() []Metric   { return p.Metrics }
func (p Command) MetricList() []Metric { return p.Metrics }

func (Birth) sealed()   {}
func (Data) sealed()    {}
func (Death) sealed()   {}
func (Command) sealed() {}

// WithMetrics returns a copy of p carrying ms instead of its own metrics.
func WithMetrics(p Payload, ms []Metric) Payload {
	switch v := p.(type) {
	case Birth:
		v.Metrics = ms
		return v
	case Data:
		v.Metrics = ms
		return v
	case Death:
		v.Metrics = ms
		return v
	case Command:
		v.Metrics = ms
		return v
	default:
		panic(fmt.Sprintf("sparkplug: unknown payload type %T", p))
	}
}

// Seq returns the sequence number of p and whether its kind carries one.
func Seq(p Payload) (uint8, bool) {
	switch v := p.(type) {
	case Birth:
		return v.Seq, true
	case Data:
		return v.Seq, true
	default:
		return 0, false
	}
}
