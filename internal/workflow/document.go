// Package workflow models engine job templates (node graphs), locates nodes
// by role and rewrites their inputs for a single render request.
package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kiranshivaraju/comfyrun/internal/errs"
	"github.com/tidwall/gjson"
)

// Document is a job template: node id -> node, in the key order of the
// source file. Locators scan in that order so "first match" is stable.
type Document struct {
	order []string
	nodes map[string]*Node
}

// Node is one graph node. Inputs is nil when the node declares no inputs
// object; such nodes are inert to mutation.
type Node struct {
	ID        string
	ClassType string
	Inputs    *Inputs

	fields []field
	opaque []byte
}

// field keeps a node key and its original encoding so keys the mutator never
// touches (e.g. "_meta") round-trip unchanged.
type field struct {
	key string
	raw []byte
}

// Inputs is an insertion-ordered map of input name to Value.
type Inputs struct {
	keys []string
	vals map[string]Value
}

// Parse decodes a template. The top level must be a JSON object.
func Parse(data []byte) (*Document, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid workflow JSON", errs.ErrValidation)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: workflow must be a JSON object", errs.ErrValidation)
	}

	doc := &Document{nodes: make(map[string]*Node)}
	root.ForEach(func(key, value gjson.Result) bool {
		id := key.String()
		if _, dup := doc.nodes[id]; !dup {
			doc.order = append(doc.order, id)
		}
		doc.nodes[id] = parseNode(id, value)
		return true
	})
	return doc, nil
}

func parseNode(id string, r gjson.Result) *Node {
	n := &Node{ID: id}
	if !r.IsObject() {
		n.opaque = []byte(r.Raw)
		return n
	}
	r.ForEach(func(key, value gjson.Result) bool {
		k := key.String()
		switch k {
		case "class_type":
			n.ClassType = value.String()
		case "inputs":
			if value.IsObject() {
				n.Inputs = parseInputs(value)
			}
		}
		n.fields = append(n.fields, field{key: k, raw: []byte(value.Raw)})
		return true
	})
	return n
}

func parseInputs(r gjson.Result) *Inputs {
	in := NewInputs()
	r.ForEach(func(key, value gjson.Result) bool {
		in.Set(key.String(), valueFromResult(value))
		return true
	})
	return in
}

// Len returns the number of nodes.
func (d *Document) Len() int { return len(d.order) }

// IDs returns node ids in document order.
func (d *Document) IDs() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Node returns the node with the given id.
func (d *Document) Node(id string) (*Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// Clone returns a copy whose nodes can be mutated without touching d.
func (d *Document) Clone() *Document {
	c := &Document{
		order: make([]string, len(d.order)),
		nodes: make(map[string]*Node, len(d.nodes)),
	}
	copy(c.order, d.order)
	for id, n := range d.nodes {
		c.nodes[id] = n.clone()
	}
	return c
}

func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, id := range d.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(&buf, id); err != nil {
			return nil, err
		}
		b, err := d.nodes[id].MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encoding node %s: %w", id, err)
		}
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// HasInput reports whether the node declares the named input.
func (n *Node) HasInput(name string) bool {
	return n.Inputs != nil && n.Inputs.Has(name)
}

func (n *Node) clone() *Node {
	c := &Node{
		ID:        n.ID,
		ClassType: n.ClassType,
		fields:    n.fields,
		opaque:    n.opaque,
	}
	if n.Inputs != nil {
		c.Inputs = n.Inputs.clone()
	}
	return c
}

func (n *Node) MarshalJSON() ([]byte, error) {
	if n.opaque != nil {
		return n.opaque, nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range n.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(&buf, f.key); err != nil {
			return nil, err
		}
		if f.key == "inputs" && n.Inputs != nil {
			b, err := n.Inputs.MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
			continue
		}
		buf.Write(f.raw)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// NewInputs returns an empty input map.
func NewInputs() *Inputs {
	return &Inputs{vals: make(map[string]Value)}
}

func (in *Inputs) Len() int { return len(in.keys) }

func (in *Inputs) Keys() []string {
	out := make([]string, len(in.keys))
	copy(out, in.keys)
	return out
}

func (in *Inputs) Has(name string) bool {
	_, ok := in.vals[name]
	return ok
}

func (in *Inputs) Get(name string) (Value, bool) {
	v, ok := in.vals[name]
	return v, ok
}

// Set replaces an existing input in place or appends a new one.
func (in *Inputs) Set(name string, v Value) {
	if _, ok := in.vals[name]; !ok {
		in.keys = append(in.keys, name)
	}
	in.vals[name] = v
}

func (in *Inputs) clone() *Inputs {
	c := &Inputs{
		keys: make([]string, len(in.keys)),
		vals: make(map[string]Value, len(in.vals)),
	}
	copy(c.keys, in.keys)
	for k, v := range in.vals {
		c.vals[k] = v
	}
	return c
}

func (in *Inputs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range in.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeKey(&buf, k); err != nil {
			return nil, err
		}
		b, err := in.vals[k].MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("encoding input %s: %w", k, err)
		}
		buf.Write(b)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeKey(buf *bytes.Buffer, key string) error {
	b, err := json.Marshal(key)
	if err != nil {
		return err
	}
	buf.Write(b)
	buf.WriteByte(':')
	return nil
}
