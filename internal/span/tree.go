package span

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tree is the snapshot of one trace. Spans are kept in creation order and
// reference local parents by index into Spans.
type Tree struct {
	TraceID trace.TraceID
	Sampled bool
	Spans   []Span
}

// Len returns the number of spans.
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Spans)
}

// RootIndex returns the index of the first span without a local parent,
// or -1 for an empty tree.
func (t *Tree) RootIndex() int {
	if t == nil {
		return -1
	}
	for i, s := range t.Spans {
		if s.ParentIndex < 0 {
			return i
		}
	}
	return -1
}

// Root returns the root span.
func (t *Tree) Root() (Span, bool) {
	i := t.RootIndex()
	if i < 0 {
		return Span{}, false
	}
	return t.Spans[i], true
}

// MapAttributes returns a copy of the tree where every span and event
// attribute was passed through fn. The receiver is left untouched.
func (t *Tree) MapAttributes(fn func(s Span, kv attribute.KeyValue) attribute.KeyValue) *Tree {
	if t == nil {
		return nil
	}
	out := &Tree{
		TraceID: t.TraceID,
		Sampled: t.Sampled,
		Spans:   make([]Span, len(t.Spans)),
	}
	for i, s := range t.Spans {
		c := s.clone()
		for j, kv := range c.Attributes {
			c.Attributes[j] = fn(s, kv)
		}
		for j := range c.Events {
			for k, kv := range c.Events[j].Attributes {
				c.Events[j].Attributes[k] = fn(s, kv)
			}
		}
		out.Spans[i] = c
	}
	return out
}
