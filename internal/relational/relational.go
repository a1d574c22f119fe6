// Package relational derives a tree of tables and columns from a
// contract's storage type (internal/typeast.Type), assigning stable,
// collision-free names within their scope. It is the Go analogue of
// smf/internal/core's schema types, narrowed to a single (PostgreSQL)
// target and extended with the index/discriminator bookkeeping a
// Michelson storage type needs that a SQL dump never carries.
package relational

import (
	"quepasa/internal/typeast"
)

// Kind discriminates the variants of AST.
type Kind int

const (
	KindLeaf Kind = iota
	KindPair
	KindOption
	KindOrEnumeration
	KindList
	KindMap
	KindBigMap
)

// Entry is a single materializable column, or the one-off discriminator
// entry of an or-enumeration. Value is only set for the unit arm of an
// or-enumeration: it is the constant discriminator string written for
// that arm, never a real stored value.
type Entry struct {
	TableName  string
	ColumnName string
	ColumnType typeast.Simple
	Value      *string
	IsIndex    bool
}

// AST is an immutable node in the relational tree. Exactly one group of
// kind-specific fields is populated, selected by Kind.
type AST struct {
	Kind Kind

	Entry *Entry // KindLeaf

	Pair [2]*AST // KindPair: [left, right]

	Option *AST // KindOption

	// KindOrEnumeration. Tag is the discriminator entry and is only
	// non-nil on the node that actually owns the column (the outermost
	// node of a (possibly nested) or-chain); nested arms share it.
	Tag                    *Entry
	LeftTable, RightTable  *string
	Or                     [2]*AST

	// KindOrEnumeration arm metadata: the arm's own annotation-derived
	// name (or "noname"), used by the storage-value parser as the tag
	// column's written value for a non-unit arm (a unit arm instead
	// uses Entry.Value, fixed once at build time).
	ArmName string

	// KindList, KindMap, KindBigMap
	Table       string
	ElemsUnique bool // KindList only
	Elem        *AST // KindList
	Key         *AST // KindMap, KindBigMap
	Value       *AST // KindMap, KindBigMap
}

// ListOrderColumn is the synthetic column a non-unique list's child
// table carries to preserve element order (sets don't need it: their
// elements are their own identity).
const ListOrderColumn = "idx"

// TableName returns the child table this node introduces, if any.
func (a *AST) TableName() (string, bool) {
	switch a.Kind {
	case KindList, KindMap, KindBigMap:
		return a.Table, true
	default:
		return "", false
	}
}

// Column is a single column in a derived Table.
type Column struct {
	Name    string
	Type    typeast.Simple
	IsIndex bool
}

// Table is a derived table: a name, its columns, the subset of column
// names forming its index, and whether that index must be unique.
// Non-root tables are implicitly linked to their parent (the portion of
// Name before the last '.') via a "<parent>_id" column.
type Table struct {
	Name          string
	Columns       []Column
	Indices       []string
	HasUniqueness bool
	// OrderColumn, when non-empty, names the synthetic integer column
	// that preserves this table's row order (set for non-unique list
	// element tables; see ListOrderColumn).
	OrderColumn string
}

// RootTableName is the name of the table derived from the storage type
// itself; it never has a parent and never gets a _live view.
const RootTableName = "storage"

func (t *Table) addColumn(name string, typ typeast.Simple, isIndex bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return
		}
	}
	t.Columns = append(t.Columns, Column{Name: name, Type: typ, IsIndex: isIndex})
	if isIndex {
		t.Indices = append(t.Indices, name)
	}
}

// Tables walks ast and collects every emitted table, keyed by name, in
// first-encountered order (Order preserves that order for deterministic
// DDL emission).
type Tables struct {
	byName map[string]*Table
	Order  []string
}

func NewTables() *Tables {
	return &Tables{byName: map[string]*Table{}}
}

func (t *Tables) table(name string) *Table {
	tb, ok := t.byName[name]
	if !ok {
		tb = &Table{Name: name}
		t.byName[name] = tb
		t.Order = append(t.Order, name)
	}
	return tb
}

func (t *Tables) Get(name string) (*Table, bool) {
	tb, ok := t.byName[name]
	return tb, ok
}

func (t *Tables) All() []*Table {
	out := make([]*Table, 0, len(t.Order))
	for _, n := range t.Order {
		out = append(out, t.byName[n])
	}
	return out
}

// BuildTables derives the Tables set from a fully-built relational AST.
// It always registers the root "storage" table even if it ends up with
// no columns of its own (e.g. a storage type that is a single big_map).
func BuildTables(ast *AST) *Tables {
	tables := NewTables()
	tables.table(RootTableName)
	collect(tables, ast)
	return tables
}

func collect(tables *Tables, a *AST) {
	if a == nil {
		return
	}
	switch a.Kind {
	case KindLeaf:
		e := a.Entry
		tables.table(e.TableName).addColumn(e.ColumnName, e.ColumnType, e.IsIndex)
	case KindPair:
		collect(tables, a.Pair[0])
		collect(tables, a.Pair[1])
	case KindOption:
		collect(tables, a.Option)
	case KindOrEnumeration:
		if a.Tag != nil {
			tables.table(a.Tag.TableName).addColumn(a.Tag.ColumnName, a.Tag.ColumnType, a.Tag.IsIndex)
		}
		collect(tables, a.Or[0])
		collect(tables, a.Or[1])
	case KindList:
		collect(tables, a.Elem)
		if a.ElemsUnique {
			tables.table(a.Table).HasUniqueness = true
		} else {
			tables.table(a.Table).OrderColumn = ListOrderColumn
		}
	case KindMap, KindBigMap:
		collect(tables, a.Key)
		collect(tables, a.Value)
		// A map/big_map's key is unique by construction; the child
		// table it opens enforces that the same way a set's element
		// table does.
		tables.table(a.Table).HasUniqueness = true
	}
}

// ParentName returns the dotted parent of a child table name, and true
// if it has one. The root table has no parent.
func ParentName(tableName string) (string, bool) {
	for i := len(tableName) - 1; i >= 0; i-- {
		if tableName[i] == '.' {
			return tableName[:i], true
		}
	}
	return "", false
}
