// Package storageparse walks a contract's storage JSON value (as
// returned by a node's block/operation RPCs) against the
// relational.AST derived from that contract's type, producing the row
// tree the DB sink inserts. It is the Go analogue of que-pasa's own
// storage-value walker, adapted to the relational package's Go types.
package storageparse

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quepasa/internal/relational"
	"quepasa/internal/typeast"
)

// Row is one row destined for a single table: its column values, and
// the child rows (in other tables) it parents. The DB sink assigns the
// real SERIAL id on insert and backfills it into each child's
// "<table>_id" column.
type Row struct {
	Table    string
	Values   map[string]any
	Children []*Row
}

func newRow(table string) *Row {
	return &Row{Table: table, Values: map[string]any{}}
}

// Elt is a single map/big_map element: a raw key and a raw value, in
// the node's JSON encoding. Inline "map" values decode to a sequence of
// these directly; big_map elements instead arrive out of band, from
// internal/bigmap's diff resolution, and are applied via
// Parser.BuildMapRows using the same shape.
type Elt struct {
	Key   json.RawMessage
	Value json.RawMessage
}

// Parser walks storage values against a relational.AST.
type Parser struct{}

func NewParser() *Parser {
	return &Parser{}
}

// Parse walks raw against ast, producing the row rooted at the
// contract's "storage" table. bigMapIDs collects, for every big_map
// encountered, the table name its elements belong to mapped to the
// on-chain big_map id storage held in place of its contents — the
// caller resolves those ids against internal/bigmap's diff output and
// feeds the result back through BuildMapRows.
func (p *Parser) Parse(raw json.RawMessage, ast *relational.AST) (root *Row, bigMapIDs map[string]int64, err error) {
	root = newRow(relational.RootTableName)
	bigMapIDs = map[string]int64{}
	if err := p.walk(raw, ast, root, bigMapIDs); err != nil {
		return nil, nil, err
	}
	return root, bigMapIDs, nil
}

type primNode struct {
	Int    *string           `json:"int,omitempty"`
	String *string           `json:"string,omitempty"`
	Bytes  *string           `json:"bytes,omitempty"`
	Prim   string            `json:"prim,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

func decodePrim(raw json.RawMessage) (*primNode, error) {
	var n primNode
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("storageparse: decode value: %w", err)
	}
	return &n, nil
}

func (p *Parser) walk(raw json.RawMessage, ast *relational.AST, row *Row, bigMapIDs map[string]int64) error {
	switch ast.Kind {
	case relational.KindLeaf:
		if ast.Entry.Value != nil {
			// Reached only through a direct (non-or) leaf whose value
			// is already fixed; nothing to read from raw.
			row.Values[ast.Entry.ColumnName] = *ast.Entry.Value
			return nil
		}
		v, err := decodeLeaf(raw, ast.Entry.ColumnType)
		if err != nil {
			return err
		}
		row.Values[ast.Entry.ColumnName] = v
		return nil

	case relational.KindPair:
		n, err := decodePrim(raw)
		if err != nil {
			return err
		}
		var left, right json.RawMessage
		switch {
		case n.Prim == "Pair" && len(n.Args) == 2:
			left, right = n.Args[0], n.Args[1]
		default:
			// Some encodings represent a pair as a bare 2-element array.
			var arr []json.RawMessage
			if err := json.Unmarshal(raw, &arr); err != nil || len(arr) != 2 {
				return fmt.Errorf("storageparse: expected a pair, got %s", raw)
			}
			left, right = arr[0], arr[1]
		}
		if err := p.walk(left, ast.Pair[0], row, bigMapIDs); err != nil {
			return err
		}
		return p.walk(right, ast.Pair[1], row, bigMapIDs)

	case relational.KindOption:
		n, err := decodePrim(raw)
		if err != nil {
			return err
		}
		switch n.Prim {
		case "None":
			setNulls(ast.Option, row)
			return nil
		case "Some":
			if len(n.Args) != 1 {
				return fmt.Errorf("storageparse: Some requires exactly 1 arg")
			}
			return p.walk(n.Args[0], ast.Option, row, bigMapIDs)
		default:
			return fmt.Errorf("storageparse: expected Some/None, got prim %q", n.Prim)
		}

	case relational.KindOrEnumeration:
		return p.walkOr(raw, ast, ast.Tag, row, bigMapIDs)

	case relational.KindList:
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return fmt.Errorf("storageparse: expected a list, got %s: %w", raw, err)
		}
		for i, el := range elems {
			child := newRow(ast.Table)
			if !ast.ElemsUnique {
				child.Values[relational.ListOrderColumn] = i
			}
			if err := p.walk(el, ast.Elem, child, bigMapIDs); err != nil {
				return err
			}
			row.Children = append(row.Children, child)
		}
		return nil

	case relational.KindMap:
		elts, err := decodeElts(raw)
		if err != nil {
			return err
		}
		children, err := p.BuildMapRows(ast, elts)
		if err != nil {
			return err
		}
		row.Children = append(row.Children, children...)
		return nil

	case relational.KindBigMap:
		id, err := decodeBigMapID(raw)
		if err != nil {
			return err
		}
		bigMapIDs[ast.Table] = id
		return nil

	default:
		return fmt.Errorf("storageparse: unhandled AST kind %d", ast.Kind)
	}
}

// BuildMapRows walks a sequence of key/value elements against a
// map/big_map node's Key/Value sub-ASTs, one child Row per element. It
// is exported so internal/executor can feed a big_map's diff-resolved
// elements (from internal/bigmap) through the exact same path inline
// "map" values take.
func (p *Parser) BuildMapRows(ast *relational.AST, elts []Elt) ([]*Row, error) {
	rows := make([]*Row, 0, len(elts))
	for _, elt := range elts {
		child := newRow(ast.Table)
		if err := p.walk(elt.Key, ast.Key, child, map[string]int64{}); err != nil {
			return nil, err
		}
		if err := p.walk(elt.Value, ast.Value, child, map[string]int64{}); err != nil {
			return nil, err
		}
		rows = append(rows, child)
	}
	return rows, nil
}

// walkOr resolves a Left/Right value against an or-enumeration node,
// writing the chosen arm's name into tag's column and recursing into
// only that arm.
func (p *Parser) walkOr(raw json.RawMessage, ast *relational.AST, tag *relational.Entry, row *Row, bigMapIDs map[string]int64) error {
	n, err := decodePrim(raw)
	if err != nil {
		return err
	}
	var chosen *relational.AST
	var childTable *string
	switch n.Prim {
	case "Left":
		chosen, childTable = ast.Or[0], ast.LeftTable
	case "Right":
		chosen, childTable = ast.Or[1], ast.RightTable
	default:
		return fmt.Errorf("storageparse: expected Left/Right, got prim %q", n.Prim)
	}
	if len(n.Args) != 1 {
		return fmt.Errorf("storageparse: %s requires exactly 1 arg", n.Prim)
	}
	inner := n.Args[0]

	if chosen.Kind == relational.KindOrEnumeration {
		return p.walkOr(inner, chosen, tag, row, bigMapIDs)
	}
	if chosen.Kind == relational.KindLeaf && chosen.Entry.Value != nil {
		row.Values[tag.ColumnName] = *chosen.Entry.Value
		return nil
	}

	row.Values[tag.ColumnName] = chosen.ArmName
	if childTable == nil {
		return p.walk(inner, chosen, row, bigMapIDs)
	}
	child := newRow(*childTable)
	if err := p.walk(inner, chosen, child, bigMapIDs); err != nil {
		return err
	}
	row.Children = append(row.Children, child)
	return nil
}

// setNulls marks every column an AST subtree would have written as
// absent in row, without creating child rows: a None option carries no
// subtable entries at all.
func setNulls(ast *relational.AST, row *Row) {
	switch ast.Kind {
	case relational.KindLeaf:
		row.Values[ast.Entry.ColumnName] = nil
	case relational.KindPair:
		setNulls(ast.Pair[0], row)
		setNulls(ast.Pair[1], row)
	case relational.KindOption:
		setNulls(ast.Option, row)
	case relational.KindOrEnumeration:
		if ast.Tag != nil {
			row.Values[ast.Tag.ColumnName] = nil
		}
	case relational.KindList, relational.KindMap, relational.KindBigMap:
		// No child rows are created for an absent map/list/big_map.
	}
}

func decodeElts(raw json.RawMessage) ([]Elt, error) {
	var nodes []primNode
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil, fmt.Errorf("storageparse: expected a map, got %s: %w", raw, err)
	}
	elts := make([]Elt, 0, len(nodes))
	for _, n := range nodes {
		if n.Prim != "Elt" || len(n.Args) != 2 {
			return nil, fmt.Errorf("storageparse: expected Elt pairs in map, got prim %q", n.Prim)
		}
		elts = append(elts, Elt{Key: n.Args[0], Value: n.Args[1]})
	}
	return elts, nil
}

func decodeBigMapID(raw json.RawMessage) (int64, error) {
	n, err := decodePrim(raw)
	if err != nil {
		return 0, err
	}
	if n.Int == nil {
		return 0, fmt.Errorf("storageparse: expected a big_map id, got %s", raw)
	}
	var id int64
	if _, err := fmt.Sscan(*n.Int, &id); err != nil {
		return 0, fmt.Errorf("storageparse: parse big_map id %q: %w", *n.Int, err)
	}
	return id, nil
}

// decodeLeaf converts a single Michelson-ish value node into the Go
// value the DB sink binds for that column's SQL type.
func decodeLeaf(raw json.RawMessage, typ typeast.Simple) (any, error) {
	n, err := decodePrim(raw)
	if err != nil {
		return nil, err
	}
	switch typ {
	case typeast.Int, typeast.Nat, typeast.Mutez:
		if n.Int == nil {
			return nil, fmt.Errorf("storageparse: expected an int value, got %s", raw)
		}
		d, err := decimal.NewFromString(*n.Int)
		if err != nil {
			return nil, fmt.Errorf("storageparse: parse numeric value %q: %w", *n.Int, err)
		}
		return d, nil

	case typeast.String, typeast.KeyHash, typeast.Signature, typeast.Address, typeast.Contract:
		if n.String == nil {
			return nil, fmt.Errorf("storageparse: expected a string value, got %s", raw)
		}
		return *n.String, nil

	case typeast.Bytes:
		if n.Bytes == nil {
			return nil, fmt.Errorf("storageparse: expected a bytes value, got %s", raw)
		}
		if _, err := hex.DecodeString(*n.Bytes); err != nil {
			return nil, fmt.Errorf("storageparse: invalid hex bytes %q: %w", *n.Bytes, err)
		}
		return *n.Bytes, nil

	case typeast.Bool:
		switch n.Prim {
		case "True":
			return true, nil
		case "False":
			return false, nil
		default:
			return nil, fmt.Errorf("storageparse: expected True/False, got prim %q", n.Prim)
		}

	case typeast.Timestamp:
		if n.String != nil {
			ts, err := time.Parse(time.RFC3339, *n.String)
			if err != nil {
				return nil, fmt.Errorf("storageparse: parse timestamp %q: %w", *n.String, err)
			}
			return ts, nil
		}
		if n.Int != nil {
			secs, err := decimal.NewFromString(*n.Int)
			if err != nil {
				return nil, fmt.Errorf("storageparse: parse timestamp seconds %q: %w", *n.Int, err)
			}
			return time.Unix(secs.IntPart(), 0).UTC(), nil
		}
		return nil, fmt.Errorf("storageparse: expected a timestamp value, got %s", raw)

	case typeast.Unit:
		return "Unit", nil

	default:
		return nil, fmt.Errorf("storageparse: unhandled leaf type %q", typ)
	}
}
