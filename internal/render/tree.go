package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

// Kind identifies the JSON type of a Node.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindObject
	KindArray
)

// Field is one key/value pair of an object node.
type Field struct {
	Key   string
	Value *Node
}

// Node is a JSON value that keeps object keys in document order.
type Node struct {
	Kind   Kind
	Bool   bool
	Number json.Number
	String string
	Fields []Field
	Items  []*Node
}

// IsScalar reports whether the node is neither an object nor an array.
func (n *Node) IsScalar() bool {
	return n == nil || (n.Kind != KindObject && n.Kind != KindArray)
}

// Get returns the value stored under key, or nil.
func (n *Node) Get(key string) *Node {
	if n == nil || n.Kind != KindObject {
		return nil
	}
	for _, f := range n.Fields {
		if f.Key == key {
			return f.Value
		}
	}
	return nil
}

// Text returns the scalar as a string ("" for containers and null).
func (n *Node) Text() string {
	if n == nil {
		return ""
	}
	switch n.Kind {
	case KindString:
		return n.String
	case KindNumber:
		return n.Number.String()
	case KindBool:
		if n.Bool {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// Interface converts the node back to plain Go values.
func (n *Node) Interface() any {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case KindBool:
		return n.Bool
	case KindNumber:
		return n.Number
	case KindString:
		return n.String
	case KindObject:
		out := make(map[string]any, len(n.Fields))
		for _, f := range n.Fields {
			out[f.Key] = f.Value.Interface()
		}
		return out
	case KindArray:
		out := make([]any, len(n.Items))
		for i, item := range n.Items {
			out[i] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// ParseFile reads and parses a JSON document.
func ParseFile(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a single JSON document preserving object key order.
func Parse(data []byte) (*Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	node, err := decodeNode(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after JSON document")
	}
	return node, nil
}

func decodeNode(dec *json.Decoder) (*Node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			node := &Node{Kind: KindObject}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyTok)
				}
				value, err := decodeNode(dec)
				if err != nil {
					return nil, err
				}
				node.Fields = append(node.Fields, Field{Key: key, Value: value})
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return node, nil
		case '[':
			node := &Node{Kind: KindArray}
			for dec.More() {
				item, err := decodeNode(dec)
				if err != nil {
					return nil, err
				}
				node.Items = append(node.Items, item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return node, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %v", v)
		}
	case bool:
		return &Node{Kind: KindBool, Bool: v}, nil
	case json.Number:
		return &Node{Kind: KindNumber, Number: v}, nil
	case string:
		return &Node{Kind: KindString, String: v}, nil
	case nil:
		return &Node{Kind: KindNull}, nil
	default:
		return nil, fmt.Errorf("unexpected token %v", tok)
	}
}

// FromValue builds a tree from plain Go values. Map keys are sorted since Go
// maps carry no order.
func FromValue(v any) *Node {
	switch t := v.(type) {
	case nil:
		return &Node{Kind: KindNull}
	case *Node:
		return t
	case bool:
		return &Node{Kind: KindBool, Bool: t}
	case string:
		return &Node{Kind: KindString, String: t}
	case json.Number:
		return &Node{Kind: KindNumber, Number: t}
	case int, int32, int64, float32, float64, uint, uint32, uint64:
		return &Node{Kind: KindNumber, Number: json.Number(fmt.Sprint(t))}
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		node := &Node{Kind: KindObject}
		for _, k := range keys {
			node.Fields = append(node.Fields, Field{Key: k, Value: FromValue(t[k])})
		}
		return node
	case []any:
		node := &Node{Kind: KindArray}
		for _, item := range t {
			node.Items = append(node.Items, FromValue(item))
		}
		return node
	case []string:
		node := &Node{Kind: KindArray}
		for _, item := range t {
			node.Items = append(node.Items, FromValue(item))
		}
		return node
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return &Node{Kind: KindString, String: fmt.Sprint(t)}
		}
		n, err := Parse(data)
		if err != nil {
			return &Node{Kind: KindString, String: string(data)}
		}
		return n
	}
}

// Object builds an ordered object node from alternating key/value pairs.
func Object(pairs ...any) *Node {
	node := &Node{Kind: KindObject}
	for i := 0; i+1 < len(pairs); i += 2 {
		key, _ := pairs[i].(string)
		node.Fields = append(node.Fields, Field{Key: key, Value: FromValue(pairs[i+1])})
	}
	return node
}
