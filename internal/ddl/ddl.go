// Package ddl turns a relational.Table set into PostgreSQL DDL: the
// fixed common tables every database gets on first run, and, per
// contract, a CREATE TABLE/INDEX pair per derived table plus its
// "_live" and "_ordered" companions. It plays the role
// smf/internal/dialect/mysql.Generator plays for that teacher's
// multi-dialect schema tool, narrowed to a single target.
package ddl

import (
	"fmt"
	"strings"

	"quepasa/internal/relational"
	"quepasa/internal/typeast"
)

// Emitter is stateless; its methods are pure functions of the Table(s)
// passed in.
type Emitter struct{}

func NewEmitter() *Emitter {
	return &Emitter{}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// columnType maps a Michelson-ish simple type to its PostgreSQL column
// type. Stop is never materialized: it carries no storage value of its
// own (see typeast.Stop).
func columnType(s typeast.Simple) (string, bool) {
	switch s {
	case typeast.Address, typeast.Contract:
		return "VARCHAR(127)", true
	case typeast.Bool:
		return "BOOLEAN", true
	case typeast.Bytes:
		return "TEXT", true
	case typeast.Int, typeast.Nat, typeast.Mutez:
		return "NUMERIC(64)", true
	case typeast.String, typeast.KeyHash, typeast.Signature:
		return "TEXT", true
	case typeast.Timestamp:
		return "TIMESTAMP WITH TIME ZONE", true
	case typeast.Unit:
		return "VARCHAR(128)", true
	case typeast.Stop:
		return "", false
	default:
		return "", false
	}
}

// columnSQL renders a single column definition, or ok=false when the
// column's type isn't materializable.
func columnSQL(c relational.Column) (sql string, ok bool) {
	typ, ok := columnType(c.Type)
	if !ok {
		return "", false
	}
	return fmt.Sprintf("%s %s NULL", quoteIdent(c.Name), typ), true
}

// CreateTableSQL renders the CREATE TABLE statement for a single
// derived table: a serial id, a tx_context_id FK into the common
// tx_contexts table, a <parent>_id FK when the table has a parent, the
// list order column when the table has one, and every materializable
// column.
func (e *Emitter) CreateTableSQL(t *relational.Table) string {
	lines := []string{
		`id SERIAL PRIMARY KEY`,
		`tx_context_id INTEGER NOT NULL REFERENCES "tx_contexts"(id) ON DELETE CASCADE`,
	}
	if parent, ok := relational.ParentName(t.Name); ok {
		lines = append(lines, fmt.Sprintf(`%s INTEGER REFERENCES %s(id) ON DELETE CASCADE`, quoteIdent(parent+"_id"), quoteIdent(parent)))
	}
	if t.OrderColumn != "" {
		lines = append(lines, fmt.Sprintf("%s INTEGER NULL", quoteIdent(t.OrderColumn)))
	}
	for _, c := range t.Columns {
		if col, ok := columnSQL(c); ok {
			lines = append(lines, col)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n\t", quoteIdent(t.Name))
	b.WriteString(strings.Join(lines, ",\n\t"))
	b.WriteString("\n);\n")
	return b.String()
}

// indexColumns returns the column names an index over t covers: its
// own declared indices plus the parent-link column, if any.
func indexColumns(t *relational.Table) []string {
	cols := append([]string{}, t.Indices...)
	if parent, ok := relational.ParentName(t.Name); ok {
		cols = append(cols, parent+"_id")
	}
	return cols
}

// CreateIndexSQL renders the (optionally UNIQUE) index covering a
// table's indexable columns plus its parent link.
func (e *Emitter) CreateIndexSQL(t *relational.Table) string {
	cols := indexColumns(t)
	if len(cols) == 0 {
		return ""
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	unique := ""
	if t.HasUniqueness {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX ON %s(%s);\n", unique, quoteIdent(t.Name), strings.Join(quoted, ", "))
}

func tableColumns(t *relational.Table) []string {
	cols := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		if _, ok := columnType(c.Type); ok {
			cols = append(cols, c.Name)
		}
	}
	if parent, ok := relational.ParentName(t.Name); ok {
		cols = append(cols, parent+"_id")
	}
	return cols
}

// CreateViewSQL renders the "<table>_live" view: the rows from the
// latest tx_contexts.level seen for that table. The root storage table
// never gets one (its rows already are the live storage, keyed 1:1 on
// tx_context).
func (e *Emitter) CreateViewSQL(t *relational.Table) string {
	if t.Name == relational.RootTableName {
		return ""
	}
	cols := tableColumns(t)
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	name := quoteIdent(t.Name)
	return fmt.Sprintf(`CREATE VIEW %s AS (
    SELECT %s
    FROM %s t1
    JOIN tx_contexts ctx ON ctx.id = t1.tx_context_id
    WHERE ctx.level = (
        SELECT MAX(ctx2.level)
        FROM %s t2
        JOIN tx_contexts ctx2 ON ctx2.id = t2.tx_context_id
    )
);
`, quoteIdent(t.Name+"_live"), strings.Join(quoted, ", "), name, name)
}

// CreateOrderedViewSQL renders the "<table>_ordered" view: every row
// the table has ever held, oldest first, for callers that want the
// full history rather than just the live snapshot.
func (e *Emitter) CreateOrderedViewSQL(t *relational.Table) string {
	if t.Name == relational.RootTableName {
		return ""
	}
	name := quoteIdent(t.Name)
	return fmt.Sprintf(`CREATE VIEW %s AS (
    SELECT t1.*, ctx.level AS _level
    FROM %s t1
    JOIN tx_contexts ctx ON ctx.id = t1.tx_context_id
    ORDER BY ctx.level ASC, t1.id ASC
);
`, quoteIdent(t.Name+"_ordered"), name)
}

// EmitContractSchema renders the complete DDL for one contract's
// derived tables: every CREATE TABLE, its index, and its two views, in
// Tables.Order (parents always precede the children that FK to them,
// since a child table is only discovered after its parent node is
// built).
func (e *Emitter) EmitContractSchema(tables *relational.Tables) string {
	var b strings.Builder
	for _, t := range tables.All() {
		b.WriteString(e.CreateTableSQL(t))
		if idx := e.CreateIndexSQL(t); idx != "" {
			b.WriteString(idx)
		}
	}
	for _, t := range tables.All() {
		if v := e.CreateViewSQL(t); v != "" {
			b.WriteString(v)
		}
		if v := e.CreateOrderedViewSQL(t); v != "" {
			b.WriteString(v)
		}
	}
	return b.String()
}

// CreateCommonTablesSQL renders the fixed set of tables shared by every
// contract: block levels, transaction contexts, per-contract
// bookkeeping, and big-map ownership tracking.
//
// Every foreign key that ultimately chains back to "levels" carries ON
// DELETE CASCADE, so that Tx.DeleteLevel's single `DELETE FROM "levels"`
// actually removes every row a level produced: tx_contexts and
// bigmap_contract_deps/contract_levels hang directly off "levels", and
// bigmap_keyhashes (and every per-contract table's tx_context_id FK,
// see CreateTableSQL) hang off "tx_contexts" one level further down.
// Without cascading all the way through, DeleteLevel fails with a
// foreign-key violation on any level that had real contract activity.
// contracts.origination_level is the one reference to "levels" that does
// not cascade: deleting the level sets it to NULL instead, keeping the
// contract registered until the level is reprocessed.
func (e *Emitter) CreateCommonTablesSQL() string {
	return `CREATE TABLE "levels" (
	level INTEGER PRIMARY KEY,
	hash TEXT NOT NULL,
	prev_hash TEXT,
	baked_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE TABLE "tx_contexts" (
	id SERIAL PRIMARY KEY,
	level INTEGER NOT NULL REFERENCES "levels"(level) ON DELETE CASCADE,
	operation_hash TEXT NOT NULL,
	source TEXT,
	destination TEXT,
	entrypoint TEXT
);
CREATE INDEX ON "tx_contexts"(level);

CREATE TABLE "contracts" (
	name TEXT PRIMARY KEY,
	address TEXT NOT NULL UNIQUE,
	origination_level INTEGER REFERENCES "levels"(level) ON DELETE SET NULL
);

CREATE TABLE "contract_levels" (
	contract_name TEXT NOT NULL REFERENCES "contracts"(name),
	level INTEGER NOT NULL REFERENCES "levels"(level) ON DELETE CASCADE,
	PRIMARY KEY (contract_name, level)
);

CREATE TABLE "bigmap_keyhashes" (
	tx_context_id INTEGER NOT NULL REFERENCES "tx_contexts"(id) ON DELETE CASCADE,
	bigmap_id INTEGER NOT NULL,
	key_hash TEXT NOT NULL,
	key TEXT NOT NULL,
	PRIMARY KEY (tx_context_id, bigmap_id, key_hash)
);

CREATE TABLE "bigmap_contract_deps" (
	level INTEGER NOT NULL REFERENCES "levels"(level) ON DELETE CASCADE,
	contract_name TEXT NOT NULL REFERENCES "contracts"(name),
	bigmap_id INTEGER NOT NULL,
	PRIMARY KEY (level, contract_name, bigmap_id)
);

CREATE TABLE "max_id" (
	id INTEGER NOT NULL
);
INSERT INTO "max_id"(id) VALUES (0);
`
}
