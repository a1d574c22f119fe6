package relational

import (
	"errors"
	"fmt"

	"quepasa/internal/typeast"
)

// ErrUnindexable is returned when a map/big_map key or set element is a
// shape build_index cannot represent as a single indexable value: only
// simple leaves, pairs of them, and or-enumerations qualify.
var ErrUnindexable = errors.New("relational: type cannot be used as a map key or set element")

// Context carries the table a node's columns land in, and the
// annotation prefix accumulated while walking into nested pairs.
type Context struct {
	TableName string
	Prefix    string
}

// RootContext returns the context a contract's storage type is built
// from.
func RootContext() Context {
	return Context{TableName: RootTableName}
}

// applyPrefix joins the accumulated prefix onto a node's own
// annotation.
func (c Context) applyPrefix(name string) string {
	switch {
	case c.Prefix == "":
		return name
	case name == "":
		return c.Prefix
	default:
		return c.Prefix + "_" + name
	}
}

// escapeReserved prefixes a contract-supplied column named "level" or
// "level_timestamp" with "." so it stays distinct from those reserved
// block-metadata names. The tables and views internal/ddl emits do not
// themselves define columns by those names.
func escapeReserved(name string) string {
	switch name {
	case "level", "level_timestamp":
		return "." + name
	default:
		return name
	}
}

// withPrefix returns the context used to build both branches of a pair
// (or an option's inner value): the prefix grows by the node's own
// annotation. The prefix only names unannotated leaves (see leafName);
// an annotated leaf keeps its own annotation, and a repeated name gets
// a numeric suffix from columnName.
func (c Context) withPrefix(name string) Context {
	next := c
	next.Prefix = c.applyPrefix(name)
	return next
}

// startTable returns the context used to build a node that opens a new
// child table (list/map/big_map element, or a non-unit or-enumeration
// arm): the accumulated prefix is discarded, since the new table gets
// its own column namespace.
func (c Context) startTable(tableName string) Context {
	return Context{TableName: tableName}
}

// Builder derives a relational AST from a typeast.Type, assigning
// first-seen-order, collision-resolved names to every table and column
// it introduces.
type Builder struct {
	tableNames  map[string]int
	columnNames map[columnKey]int
}

type columnKey struct {
	table, name string
}

func NewBuilder() *Builder {
	return &Builder{
		tableNames:  map[string]int{},
		columnNames: map[columnKey]int{},
	}
}

// tableName resolves a proposed child table name to one unique among
// its siblings under parent, suffixing "_2", "_3", ... on collision.
func (b *Builder) tableName(parent, proposed string) string {
	if proposed == "" {
		proposed = "noname"
	}
	full := parent + "." + proposed
	b.tableNames[full]++
	if n := b.tableNames[full]; n > 1 {
		return fmt.Sprintf("%s_%d", full, n)
	}
	return full
}

// columnName resolves a proposed column name to one unique within
// table, suffixing "_2", "_3", ... on collision.
func (b *Builder) columnName(table, proposed string) string {
	if proposed == "" {
		proposed = "noname"
	}
	key := columnKey{table: table, name: proposed}
	b.columnNames[key]++
	if n := b.columnNames[key]; n > 1 {
		return fmt.Sprintf("%s_%d", proposed, n)
	}
	return proposed
}

// leafName picks the annotation-derived name for a simple leaf. An
// unannotated leaf takes the accumulated prefix, or, when there is
// none, the type's own name (e.g. "nat", "address"), matching the
// node's own convention for naming unannotated storage fields.
func leafName(ctx Context, t *typeast.Type) string {
	if t.Name != "" {
		return t.Name
	}
	if ctx.Prefix != "" {
		return ctx.Prefix
	}
	return t.Simple.ColumnDefault()
}

// Build derives the full relational AST for a contract's storage type.
func (b *Builder) Build(ctx Context, t *typeast.Type) (*AST, error) {
	switch t.Kind {
	case typeast.KindSimple:
		name := escapeReserved(leafName(ctx, t))
		return &AST{Kind: KindLeaf, Entry: &Entry{
			TableName:  ctx.TableName,
			ColumnName: b.columnName(ctx.TableName, name),
			ColumnType: t.Simple,
		}}, nil

	case typeast.KindPair:
		pairCtx := ctx.withPrefix(t.Name)
		left, err := b.Build(pairCtx, t.Pair[0])
		if err != nil {
			return nil, err
		}
		right, err := b.Build(pairCtx, t.Pair[1])
		if err != nil {
			return nil, err
		}
		return &AST{Kind: KindPair, Pair: [2]*AST{left, right}}, nil

	case typeast.KindOption:
		inner, err := b.Build(ctx.withPrefix(t.Name), t.Option)
		if err != nil {
			return nil, err
		}
		return &AST{Kind: KindOption, Option: inner}, nil

	case typeast.KindOrEnumeration:
		node, _, err := b.buildEnumerationOr(ctx, t, false)
		return node, err

	case typeast.KindList:
		tableName := b.tableName(ctx.TableName, listTableHint(t))
		elemCtx := ctx.startTable(tableName)
		var elem *AST
		var err error
		if t.ListUnique {
			elem, err = b.buildIndex(elemCtx, t.Elem)
		} else {
			elem, err = b.Build(elemCtx, t.Elem)
		}
		if err != nil {
			return nil, err
		}
		return &AST{Kind: KindList, Table: tableName, ElemsUnique: t.ListUnique, Elem: elem}, nil

	case typeast.KindMap, typeast.KindBigMap:
		hint := t.Name
		if hint == "" {
			hint = "noname"
		}
		tableName := b.tableName(ctx.TableName, hint)
		childCtx := ctx.startTable(tableName)
		key, err := b.buildIndex(childCtx, t.Key)
		if err != nil {
			return nil, err
		}
		value, err := b.Build(childCtx, t.Value)
		if err != nil {
			return nil, err
		}
		kind := KindMap
		if t.Kind == typeast.KindBigMap {
			kind = KindBigMap
		}
		return &AST{Kind: kind, Table: tableName, Key: key, Value: value}, nil

	default:
		return nil, fmt.Errorf("relational: unhandled type kind %d", t.Kind)
	}
}

func listTableHint(t *typeast.Type) string {
	if t.Name != "" {
		return t.Name
	}
	return "elt"
}

// buildEnumerationOr builds an or-enumeration node, assigning it (and,
// transitively, its unit arms) a single discriminator column. isIndex
// propagates the "this or is itself a map/set key" flag down to the
// discriminator column and to every non-unit arm's leaves.
func (b *Builder) buildEnumerationOr(ctx Context, t *typeast.Type, isIndex bool) (*AST, string, error) {
	name := t.Name
	if name == "" {
		name = "noname"
	}
	tag := &Entry{
		TableName:  ctx.TableName,
		ColumnName: b.columnName(ctx.TableName, name),
		ColumnType: typeast.String,
		IsIndex:    isIndex,
	}
	return b.buildEnumerationOrInternal(ctx, t, tag, true, isIndex)
}

// buildEnumerationOrInternal recurses through a (possibly nested) chain
// of or-enumerations. tag is the discriminator column every unit arm in
// this chain shares; it is only attached to the AST node (as Tag) at
// top==true, the node actually flattening the whole chain's arms.
func (b *Builder) buildEnumerationOrInternal(ctx Context, t *typeast.Type, tag *Entry, top bool, isIndex bool) (*AST, string, error) {
	switch {
	case t.Kind == typeast.KindOrEnumeration:
		left, leftTable, err := b.buildEnumerationOrInternal(ctx, t.Or[0], tag, false, isIndex)
		if err != nil {
			return nil, "", err
		}
		right, rightTable, err := b.buildEnumerationOrInternal(ctx, t.Or[1], tag, false, isIndex)
		if err != nil {
			return nil, "", err
		}
		node := &AST{Kind: KindOrEnumeration, Or: [2]*AST{left, right}}
		if top {
			node.Tag = tag
		}
		if leftTable != ctx.TableName {
			node.LeftTable = &leftTable
		}
		if rightTable != ctx.TableName {
			node.RightTable = &rightTable
		}
		return node, ctx.TableName, nil

	case t.IsUnit():
		arm := t.Name
		if arm == "" {
			arm = "noname"
		}
		value := &Entry{
			TableName:  tag.TableName,
			ColumnName: tag.ColumnName,
			ColumnType: tag.ColumnType,
			Value:      &arm,
			IsIndex:    tag.IsIndex,
		}
		return &AST{Kind: KindLeaf, Entry: value, ArmName: arm}, ctx.TableName, nil

	default:
		// A non-unit arm opens its own child table, named after its
		// own annotation (or "noname", if it has none).
		hint := t.Name
		if hint == "" {
			hint = "noname"
		}
		tableName := b.tableName(ctx.TableName, hint)
		childCtx := ctx.startTable(tableName)
		var node *AST
		var err error
		if isIndex {
			node, err = b.buildIndex(childCtx, t)
		} else {
			node, err = b.Build(childCtx, t)
		}
		if err != nil {
			return nil, "", err
		}
		node.ArmName = hint
		return node, tableName, nil
	}
}

// buildIndex builds the relational AST for a value used as a map/big_map
// key or a set element: only simple leaves, pairs thereof, and
// or-enumerations are indexable, mirroring que-pasa's build_index.
func (b *Builder) buildIndex(ctx Context, t *typeast.Type) (*AST, error) {
	switch t.Kind {
	case typeast.KindSimple:
		name := escapeReserved(leafName(ctx, t))
		return &AST{Kind: KindLeaf, Entry: &Entry{
			TableName:  ctx.TableName,
			ColumnName: b.columnName(ctx.TableName, name),
			ColumnType: t.Simple,
			IsIndex:    true,
		}}, nil

	case typeast.KindPair:
		pairCtx := ctx.withPrefix(t.Name)
		left, err := b.buildIndex(pairCtx, t.Pair[0])
		if err != nil {
			return nil, err
		}
		right, err := b.buildIndex(pairCtx, t.Pair[1])
		if err != nil {
			return nil, err
		}
		return &AST{Kind: KindPair, Pair: [2]*AST{left, right}}, nil

	case typeast.KindOrEnumeration:
		node, _, err := b.buildEnumerationOr(ctx, t, true)
		return node, err

	default:
		return nil, fmt.Errorf("%w: %v", ErrUnindexable, t.Kind)
	}
}
