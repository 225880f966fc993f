// Package document edits YAML documents in place. Key order and comments of
// existing content survive a Parse/Bytes round trip.
package document

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const indent = 2

// KindError is returned when a node on a lookup path exists with a kind other
// than the one the caller asked for.
type KindError struct {
	Path string
	Want yaml.Kind
	Got  yaml.Kind
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: expected %s, found %s", e.Path, kindName(e.Want), kindName(e.Got))
}

// Document is a parsed YAML document whose top level is a mapping.
type Document struct {
	root *yaml.Node
	src  []byte
}

// Parse parses data. An empty document is treated as an empty mapping.
func Parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}

	if root.Kind == 0 || len(root.Content) == 0 {
		head := root.HeadComment
		root = yaml.Node{Kind: yaml.DocumentNode, HeadComment: head, Content: []*yaml.Node{Map()}}
	}

	top := root.Content[0]
	if isNull(top) {
		root.Content[0] = Map()
	} else if top.Kind != yaml.MappingNode {
		return nil, &KindError{Path: "(root)", Want: yaml.MappingNode, Got: top.Kind}
	}
	unflow(root.Content[0])

	return &Document{root: &root, src: data}, nil
}

// Original returns the bytes the document was parsed from.
func (d *Document) Original() []byte {
	return d.src
}

// Bytes encodes the document with two-space indentation.
func (d *Document) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(indent)
	if err := enc.Encode(d.root); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode decodes the whole document into v.
func (d *Document) Decode(v any) error {
	return d.root.Decode(v)
}

// Mapping returns the mapping at path, creating missing or null nodes on the
// way.
func (d *Document) Mapping(path ...string) (*yaml.Node, error) {
	node := d.root.Content[0]
	for i, key := range path {
		next, err := child(node, key, yaml.MappingNode, strings.Join(path[:i+1], "."))
		if err != nil {
			return nil, err
		}
		node = next
	}
	return node, nil
}

// Sequence returns the sequence at path, creating missing or null nodes on
// the way.
func (d *Document) Sequence(path ...string) (*yaml.Node, error) {
	if len(path) == 0 {
		return nil, &KindError{Path: "(root)", Want: yaml.SequenceNode, Got: yaml.MappingNode}
	}

	parent, err := d.Mapping(path[:len(path)-1]...)
	if err != nil {
		return nil, err
	}
	return child(parent, path[len(path)-1], yaml.SequenceNode, strings.Join(path, "."))
}

func child(m *yaml.Node, key string, kind yaml.Kind, path string) (*yaml.Node, error) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != key {
			continue
		}
		v := m.Content[i+1]
		if isNull(v) {
			n := &yaml.Node{Kind: kind, Tag: tagOf(kind), LineComment: v.LineComment}
			m.Content[i+1] = n
			return n, nil
		}
		if v.Kind != kind {
			return nil, &KindError{Path: path, Want: kind, Got: v.Kind}
		}
		unflow(v)
		return v, nil
	}

	n := &yaml.Node{Kind: kind, Tag: tagOf(kind)}
	m.Content = append(m.Content, String(key), n)
	return n, nil
}

// Lookup returns the value stored under key in mapping m, or nil.
func Lookup(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// HasKey reports whether mapping m has key.
func HasKey(m *yaml.Node, key string) bool {
	return Lookup(m, key) != nil
}

// Index returns the position of the first mapping item of seq whose field
// equals value, or -1.
func Index(seq *yaml.Node, field, value string) int {
	for i, item := range seq.Content {
		if v := Lookup(item, field); v != nil && v.Kind == yaml.ScalarNode && v.Value == value {
			return i
		}
	}
	return -1
}

// Set stores value under key in mapping m, appending the key if absent.
func Set(m *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = value
			return
		}
	}
	m.Content = append(m.Content, String(key), value)
}

// Append adds items to the end of seq.
func Append(seq *yaml.Node, items ...*yaml.Node) {
	seq.Content = append(seq.Content, items...)
}

// Pair is one key/value of a mapping built with Map.
type Pair struct {
	Key   string
	Value *yaml.Node
}

// Map builds a mapping node keeping the order of pairs.
func Map(pairs ...Pair) *yaml.Node {
	n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, p := range pairs {
		n.Content = append(n.Content, String(p.Key), p.Value)
	}
	return n
}

func Seq(items ...*yaml.Node) *yaml.Node {
	return &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Content: items}
}

// String builds a string scalar. Values that would read back as another type
// are quoted when encoded.
func String(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

// Quoted builds a double-quoted string scalar.
func Quoted(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s, Style: yaml.DoubleQuotedStyle}
}

func Int(i int64) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(i, 10)}
}

// Float builds a float scalar that always carries a decimal point.
func Float(f float64) *yaml.Node {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: s}
}

// decimal matches the float forms YAML reads back as floats.
var decimal = regexp.MustCompile(`^[-+]?(\.[0-9]+|[0-9]+(\.[0-9]*)?)([eE][-+]?[0-9]+)?$`)

// Number builds an int or float scalar when s is a decimal number, a string
// otherwise. Floats keep the text of s, exponent included.
func Number(s string) *yaml.Node {
	t := strings.TrimSpace(s)
	if i, err := strconv.ParseInt(t, 10, 64); err == nil {
		return Int(i)
	}
	if decimal.MatchString(t) {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: t}
	}
	return String(s)
}

// unflow switches an empty "{}" or "[]" to block style so that appended
// entries are not written inline.
func unflow(n *yaml.Node) {
	if len(n.Content) == 0 {
		n.Style &^= yaml.FlowStyle
	}
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null"
}

func tagOf(kind yaml.Kind) string {
	switch kind {
	case yaml.MappingNode:
		return "!!map"
	case yaml.SequenceNode:
		return "!!seq"
	default:
		return ""
	}
}

func kindName(kind yaml.Kind) string {
	switch kind {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "nothing"
	}
}
