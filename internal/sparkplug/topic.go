package sparkplug

import (
	"errors"
	"fmt"
	"strings"
)

// Namespace is the first segment of every Sparkplug B topic.
const Namespace = "spBv1.0"

// Wildcard matches any single address segment.
const Wildcard = "+"

var ErrInvalidTopic = errors.New("invalid sparkplug topic")

var ErrInvalidAddress = errors.New("invalid sparkplug address")

// MessageKind is the message-type segment of a topic.
type MessageKind string

const (
	NBirth MessageKind = "NBIRTH"
	NData  MessageKind = "NDATA"
	NDeath MessageKind = "NDEATH"
	NCmd   MessageKind = "NCMD"
	DBirth MessageKind = "DBIRTH"
	DData  MessageKind = "DDATA"
	DDeath MessageKind = "DDEATH"
	DCmd   MessageKind = "DCMD"
	State  MessageKind = "STATE"
)

// PayloadKind returns the payload variant carried by this message kind.
// STATE messages are not Sparkplug protobuf payloads.
func (k MessageKind) PayloadKind() (Kind, bool) {
	switch k {
	case NBirth, DBirth:
		return KindBirth, true
	case NData, DData:
		return KindData, true
	case NDeath, DDeath:
		return KindDeath, true
	case NCmd, DCmd:
		return KindCommand, true
	}
	return 0, false
}

func (k MessageKind) IsDevice() bool {
	switch k {
	case DBirth, DData, DDeath, DCmd:
		return true
	}
	return false
}

func (k MessageKind) Valid() bool {
	_, ok := k.PayloadKind()
	return ok || k == State
}

// Topic identifies a concrete Sparkplug message stream.
// For STATE topics Node holds the host application id.
type Topic struct {
	Group  string
	Kind   MessageKind
	Node   string
	Device string
}

// ParseTopic parses a concrete (wildcard-free) topic name.
func ParseTopic(s string) (Topic, error) {
	parts := strings.Split(s, "/")
	if len(parts) < 3 || parts[0] != Namespace {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, s)
	}
	for _, p := range parts {
		if p == "" || p == Wildcard || p == "#" {
			return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, s)
		}
	}

	if len(parts) == 3 {
		if parts[1] != string(State) {
			return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, s)
		}
		return Topic{Kind: State, Node: parts[2]}, nil
	}

	t := Topic{Group: parts[1], Kind: MessageKind(parts[2]), Node: parts[3]}
	if _, ok := t.Kind.PayloadKind(); !ok {
		return Topic{}, fmt.Errorf("%w: unknown message type %q", ErrInvalidTopic, parts[2])
	}
	switch {
	case len(parts) == 4 && !t.Kind.IsDevice():
	case len(parts) == 5 && t.Kind.IsDevice():
		t.Device = parts[4]
	default:
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, s)
	}
	return t, nil
}

func (t Topic) String() string {
	if t.Kind == State {
		return Namespace + "/" + string(State) + "/" + t.Node
	}
	s := Namespace + "/" + t.Group + "/" + string(t.Kind) + "/" + t.Node
	if t.Device != "" {
		s += "/" + t.Device
	}
	return s
}

// Address returns the node or device this topic belongs to.
func (t Topic) Address() Address {
	return Address{Group: t.Group, Node: t.Node, Device: t.Device}
}

// Address names an edge node (Device empty) or one of its devices. Any
// segment may be Wildcard when used as a pattern.
type Address struct {
	Group  string
	Node   string
	Device string
}

// ParseAddress parses "group/node" or "group/node/device".
func ParseAddress(s string) (Address, error) {
	parts := strings.Split(s, "/")
	for _, p := range parts {
		if p == "" {
			return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
	}
	switch len(parts) {
	case 2:
		return Address{Group: parts[0], Node: parts[1]}, nil
	case 3:
		return Address{Group: parts[0], Node: parts[1], Device: parts[2]}, nil
	}
	return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
}

func (a Address) String() string {
	if a.Device == "" {
		return a.Group + "/" + a.Node
	}
	return a.Group + "/" + a.Node + "/" + a.Device
}

func (a Address) IsDevice() bool { return a.Device != "" }

// ParentNode returns the edge node address that owns a.
func (a Address) ParentNode() Address {
	return Address{Group: a.Group, Node: a.Node}
}

// ChildDevice returns the address of device under node a.
func (a Address) ChildDevice(device string) (Address, error) {
	if a.IsDevice() || device == "" {
		return Address{}, fmt.Errorf("%w: %s has no child %q", ErrInvalidAddress, a, device)
	}
	return Address{Group: a.Group, Node: a.Node, Device: device}, nil
}

func (a Address) IsChildOf(parent Address) bool {
	return a.IsDevice() && a.ParentNode() == parent
}

// Matches reports whether other falls under the pattern a. A Wildcard device
// matches any device but not the node itself.
func (a Address) Matches(other Address) bool {
	wild := func(p, v string) bool { return p == v || p == Wildcard }
	if !wild(a.Group, other.Group) || !wild(a.Node, other.Node) {
		return false
	}
	if a.Device == Wildcard {
		return other.Device != ""
	}
	return a.Device == other.Device
}

// Verb is the kind-independent part of a message type.
type Verb string

const (
	VerbAny   Verb = Wildcard
	VerbBirth Verb = "BIRTH"
	VerbData  Verb = "DATA"
	VerbDeath Verb = "DEATH"
	VerbCmd   Verb = "CMD"
)

func (a Address) kindPrefix() string {
	if a.IsDevice() {
		return "D"
	}
	return "N"
}

// Topic builds the concrete topic for verb on a.
func (a Address) Topic(v Verb) (Topic, error) {
	if v == VerbAny || a.Group == Wildcard || a.Node == Wildcard || a.Device == Wildcard {
		return Topic{}, fmt.Errorf("%w: %s is a pattern", ErrInvalidAddress, a)
	}
	k := MessageKind(a.kindPrefix() + string(v))
	if _, ok := k.PayloadKind(); !ok {
		return Topic{}, fmt.Errorf("%w: verb %q", ErrInvalidTopic, v)
	}
	return Topic{Group: a.Group, Kind: k, Node: a.Node, Device: a.Device}, nil
}

// Filter renders an MQTT subscription filter for verb on a.
func (a Address) Filter(v Verb) string {
	kind := Wildcard
	if v != VerbAny {
		kind = a.kindPrefix() + string(v)
	}
	s := Namespace + "/" + a.Group + "/" + kind + "/" + a.Node
	if a.Device != "" {
		s += "/" + a.Device
	}
	return s
}
