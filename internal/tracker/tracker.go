// Package tracker resolves Sparkplug metric aliases and watches sequence
// numbers across the messages of each edge node.
//
// A Tracker is not safe for concurrent use; a session feeds it from its
// single processing path.
package tracker

import (
	"errors"
	"fmt"

	"github.com/lucaslui/hems/factoryplus/internal/sparkplug"
)

var ErrUnknownAlias = errors.New("unknown alias")

// UnknownAliasError is returned when a metric refers to an alias that no
// birth in its scope established. The whole payload is dropped. A payload
// with several unknown aliases yields one error per alias, joined; see
// UnknownAliases.
type UnknownAliasError struct {
	Scope sparkplug.Address
	Alias uint64
}

func (e *UnknownAliasError) Error() string {
	return fmt.Sprintf("unknown alias %d in %s", e.Alias, e.Scope)
}

func (e *UnknownAliasError) Is(target error) bool { return target == ErrUnknownAlias }

// UnknownAliases lists every *UnknownAliasError in err, in metric order.
func UnknownAliases(err error) []*UnknownAliasError {
	var out []*UnknownAliasError
	var walk func(error)
	walk = func(err error) {
		switch e := err.(type) {
		case nil:
		case *UnknownAliasError:
			out = append(out, e)
		case interface{ Unwrap() []error }:
			for _, inner := range e.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(e.Unwrap())
		}
	}
	walk(err)
	return out
}

// SequenceGap is a warning: messages from Node may have been lost between
// the last seen sequence number and Got.
type SequenceGap struct {
	Node     sparkplug.Address
	Expected uint8
	Got      uint8
}

func (g SequenceGap) String() string {
	return fmt.Sprintf("sequence gap on %s: expected %d, got %d", g.Node, g.Expected, g.Got)
}

// Resolved is a payload whose metrics all carry names.
type Resolved struct {
	Topic   sparkplug.Topic
	Payload sparkplug.Payload
}

type aliasTable map[uint64]string

type Tracker struct {
	tables map[sparkplug.Address]aliasTable
	last   map[sparkplug.Address]uint8
}

func New() *Tracker {
	return &Tracker{
		tables: make(map[sparkplug.Address]aliasTable),
		last:   make(map[sparkplug.Address]uint8),
	}
}

// Observe updates alias and sequence state for one message and resolves its
// metric names. The returned gap is non-nil whenever the sequence jumped,
// including when err is also set.
func (t *Tracker) Observe(topic sparkplug.Topic, p sparkplug.Payload) (Resolved, *SequenceGap, error) {
	scope := topic.Address()
	node := scope.ParentNode()

	var gap *SequenceGap
	switch v := p.(type) {
	case sparkplug.Birth:
		if topic.Kind == sparkplug.NBirth {
			t.dropNode(node)
			t.last[node] = v.Seq
		} else {
			gap = t.checkSeq(node, v.Seq)
		}
		t.tables[scope] = buildTable(v.Metrics)
	case sparkplug.Data:
		gap = t.checkSeq(node, v.Seq)
	case sparkplug.Death:
		resolved, err := t.resolve(topic, p)
		if topic.Kind == sparkplug.NDeath {
			t.dropNode(node)
		} else {
			delete(t.tables, scope)
		}
		delete(t.last, node)
		return resolved, nil, err
	case sparkplug.Command:
	}

	resolved, err := t.resolve(topic, p)
	return resolved, gap, err
}

// Reset forgets every alias table and sequence expectation.
func (t *Tracker) Reset() {
	clear(t.tables)
	clear(t.last)
}

// Known reports whether a birth has established aliases for scope.
func (t *Tracker) Known(scope sparkplug.Address) bool {
	_, ok := t.tables[scope]
	return ok
}

func (t *Tracker) checkSeq(node sparkplug.Address, seq uint8) *SequenceGap {
	last, ok := t.last[node]
	t.last[node] = seq
	if !ok {
		return nil
	}
	if expected := last + 1; seq != expected {
		return &SequenceGap{Node: node, Expected: expected, Got: seq}
	}
	return nil
}

func (t *Tracker) dropNode(node sparkplug.Address) {
	for scope := range t.tables {
		if scope.ParentNode() == node {
			delete(t.tables, scope)
		}
	}
}

func buildTable(ms []sparkplug.Metric) aliasTable {
	table := make(aliasTable, len(ms))
	for _, m := range ms {
		if m.HasAlias && m.Name != "" {
			table[m.Alias] = m.Name
		}
	}
	return table
}

func (t *Tracker) resolve(topic sparkplug.Topic, p sparkplug.Payload) (Resolved, error) {
	scope := topic.Address()
	in := p.MetricList()
	out := make([]sparkplug.Metric, len(in))
	table := t.tables[scope]
	var unknown []error
	for i, m := range in {
		if m.Name == "" {
			name, ok := table[m.Alias]
			if !ok {
				unknown = append(unknown, &UnknownAliasError{Scope: scope, Alias: m.Alias})
				continue
			}
			m.Name = name
		}
		out[i] = m
	}
	switch len(unknown) {
	case 0:
	case 1:
		return Resolved{}, unknown[0]
	default:
		return Resolved{}, errors.Join(unknown...)
	}
	if len(in) == 0 {
		out = in
	}
	return Resolved{Topic: topic, Payload: sparkplug.WithMetrics(p, out)}, nil
}
