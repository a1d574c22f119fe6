package typeast

import (
	"encoding/json"
	"fmt"
	"strings"
)

// michelsonNode mirrors the small slice of Michelson's JSON
// representation the indexer understands: {"prim": "...", "args": [...],
// "annots": ["%name"]}.
type michelsonNode struct {
	Prim   string          `json:"prim"`
	Args   []michelsonNode `json:"args"`
	Annots []string        `json:"annots"`
}

var simplePrims = map[string]Simple{
	"address":   Address,
	"bool":      Bool,
	"bytes":     Bytes,
	"int":       Int,
	"nat":       Nat,
	"mutez":     Mutez,
	"string":    String,
	"timestamp": Timestamp,
	"unit":      Unit,
	"key_hash":  KeyHash,
	"signature": Signature,
	"contract":  Contract,
}

// Decode parses a contract's storage type, as returned by the node's
// contracts/<addr>/script RPC, into a Type tree.
func Decode(raw []byte) (*Type, error) {
	var node michelsonNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("typeast: decode storage type: %w", err)
	}
	return decodeNode(&node)
}

func decodeNode(n *michelsonNode) (*Type, error) {
	name := fieldAnnotation(n.Annots)

	if simple, ok := simplePrims[n.Prim]; ok {
		return &Type{Kind: KindSimple, Simple: simple, Name: name}, nil
	}

	switch n.Prim {
	case "pair":
		return decodePair(n, name)
	case "option":
		if len(n.Args) != 1 {
			return nil, fmt.Errorf("typeast: option requires exactly 1 arg, got %d", len(n.Args))
		}
		inner, err := decodeNode(&n.Args[0])
		if err != nil {
			return nil, err
		}
		return &Type{Kind: KindOption, Name: name, Option: inner}, nil
	case "list", "set":
		if len(n.Args) != 1 {
			return nil, fmt.Errorf("typeast: %s requires exactly 1 arg, got %d", n.Prim, len(n.Args))
		}
		elem, err := decodeNode(&n.Args[0])
		if err != nil {
			return nil, err
		}
		return &Type{Kind: KindList, Name: name, ListUnique: n.Prim == "set", Elem: elem}, nil
	case "map", "big_map":
		if len(n.Args) != 2 {
			return nil, fmt.Errorf("typeast: %s requires exactly 2 args, got %d", n.Prim, len(n.Args))
		}
		key, err := decodeNode(&n.Args[0])
		if err != nil {
			return nil, err
		}
		value, err := decodeNode(&n.Args[1])
		if err != nil {
			return nil, err
		}
		kind := KindMap
		if n.Prim == "big_map" {
			kind = KindBigMap
		}
		return &Type{Kind: kind, Name: name, Key: key, Value: value}, nil
	case "or":
		return decodeOr(n, name)
	default:
		return nil, fmt.Errorf("typeast: unsupported prim %q", n.Prim)
	}
}

func decodePair(n *michelsonNode, name string) (*Type, error) {
	switch len(n.Args) {
	case 2:
		left, err := decodeNode(&n.Args[0])
		if err != nil {
			return nil, err
		}
		right, err := decodeNode(&n.Args[1])
		if err != nil {
			return nil, err
		}
		return &Type{Kind: KindPair, Name: name, Pair: [2]*Type{left, right}}, nil
	default:
		// Michelson allows n-ary "comb" pairs; fold right-associatively
		// into binary pairs, matching how the node itself normalizes them.
		if len(n.Args) < 2 {
			return nil, fmt.Errorf("typeast: pair requires at least 2 args, got %d", len(n.Args))
		}
		left, err := decodeNode(&n.Args[0])
		if err != nil {
			return nil, err
		}
		rest := michelsonNode{Prim: "pair", Args: n.Args[1:]}
		right, err := decodePair(&rest, "")
		if err != nil {
			return nil, err
		}
		return &Type{Kind: KindPair, Name: name, Pair: [2]*Type{left, right}}, nil
	}
}

func decodeOr(n *michelsonNode, name string) (*Type, error) {
	if len(n.Args) != 2 {
		return nil, fmt.Errorf("typeast: or requires exactly 2 args, got %d", len(n.Args))
	}
	left, err := decodeNode(&n.Args[0])
	if err != nil {
		return nil, err
	}
	right, err := decodeNode(&n.Args[1])
	if err != nil {
		return nil, err
	}
	return &Type{Kind: KindOrEnumeration, Name: name, Or: [2]*Type{left, right}}, nil
}

// fieldAnnotation extracts the first field annotation (the "%foo" kind,
// as opposed to type annotations ":foo" or variable annotations "@foo")
// and strips its sigil.
func fieldAnnotation(annots []string) string {
	for _, a := range annots {
		if strings.HasPrefix(a, "%") {
			return strings.TrimPrefix(a, "%")
		}
	}
	return ""
}
