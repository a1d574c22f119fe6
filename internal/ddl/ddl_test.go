package ddl

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quepasa/internal/relational"
	"quepasa/internal/typeast"
)

func TestCreateTableSQLIncludesParentLink(t *testing.T) {
	ty, err := typeast.Decode([]byte(`{"prim":"big_map","annots":["%ledger"],"args":[
		{"prim":"address","annots":["%holder"]},
		{"prim":"nat","annots":["%balance"]}
	]}`))
	require.NoError(t, err)
	ast, err := relational.NewBuilder().Build(relational.RootContext(), ty)
	require.NoError(t, err)
	tables := relational.BuildTables(ast)

	child, ok := tables.Get("storage.ledger")
	require.True(t, ok)

	e := NewEmitter()
	sql := e.CreateTableSQL(child)
	assert.Contains(t, sql, `CREATE TABLE "storage.ledger"`)
	assert.Contains(t, sql, `"storage_id" INTEGER REFERENCES "storage"(id) ON DELETE CASCADE`)
	assert.Contains(t, sql, `"holder" VARCHAR(127) NULL`)
	assert.Contains(t, sql, `"balance" NUMERIC(64) NULL`)
	assert.Contains(t, sql, `tx_context_id INTEGER NOT NULL REFERENCES "tx_contexts"(id) ON DELETE CASCADE`)
}

func TestCreateTableSQLRootHasNoParentLink(t *testing.T) {
	ty, err := typeast.Decode([]byte(`{"prim":"nat","annots":["%counter"]}`))
	require.NoError(t, err)
	ast, err := relational.NewBuilder().Build(relational.RootContext(), ty)
	require.NoError(t, err)
	tables := relational.BuildTables(ast)
	storage, _ := tables.Get(relational.RootTableName)

	sql := NewEmitter().CreateTableSQL(storage)
	assert.NotContains(t, sql, "_id\" INTEGER REFERENCES")
	assert.Contains(t, sql, `"counter" NUMERIC(64) NULL`)
}

func TestCreateIndexSQLUniqueForBigMapKey(t *testing.T) {
	ty, err := typeast.Decode([]byte(`{"prim":"big_map","annots":["%ledger"],"args":[
		{"prim":"address","annots":["%holder"]},
		{"prim":"nat","annots":["%balance"]}
	]}`))
	require.NoError(t, err)
	ast, err := relational.NewBuilder().Build(relational.RootContext(), ty)
	require.NoError(t, err)
	tables := relational.BuildTables(ast)
	child, _ := tables.Get("storage.ledger")
	require.True(t, child.HasUniqueness, "big_map keys are unique by construction")

	sql := NewEmitter().CreateIndexSQL(child)
	assert.Contains(t, sql, "CREATE UNIQUE INDEX")
	assert.Contains(t, sql, `"holder"`)
	assert.Contains(t, sql, `"storage_id"`)
}

func TestCreateViewSQLSkipsRootTable(t *testing.T) {
	tables := relational.NewTables()
	storage, _ := tables.Get(relational.RootTableName)
	_ = storage
	ty, err := typeast.Decode([]byte(`{"prim":"nat"}`))
	require.NoError(t, err)
	ast, err := relational.NewBuilder().Build(relational.RootContext(), ty)
	require.NoError(t, err)
	tables = relational.BuildTables(ast)
	root, _ := tables.Get(relational.RootTableName)

	e := NewEmitter()
	assert.Equal(t, "", e.CreateViewSQL(root))
	assert.Equal(t, "", e.CreateOrderedViewSQL(root))
}

func TestCreateViewSQLNonRootIncludesColumns(t *testing.T) {
	ty, err := typeast.Decode([]byte(`{"prim":"list","annots":["%entries"],"args":[
		{"prim":"string","annots":["%text"]}
	]}`))
	require.NoError(t, err)
	ast, err := relational.NewBuilder().Build(relational.RootContext(), ty)
	require.NoError(t, err)
	tables := relational.BuildTables(ast)
	child, _ := tables.Get("storage.entries")

	e := NewEmitter()
	view := e.CreateViewSQL(child)
	assert.Contains(t, view, `CREATE VIEW "storage.entries_live"`)
	assert.Contains(t, view, `"text"`)
	assert.Contains(t, view, `"storage_id"`)

	ordered := e.CreateOrderedViewSQL(child)
	assert.Contains(t, ordered, `CREATE VIEW "storage.entries_ordered"`)
	assert.Contains(t, ordered, "ORDER BY ctx.level ASC")
}

func TestEmitContractSchemaCoversEveryTable(t *testing.T) {
	ty, err := typeast.Decode([]byte(`{"prim":"pair","args":[
		{"prim":"big_map","annots":["%ledger"],"args":[
			{"prim":"address","annots":["%holder"]},
			{"prim":"nat","annots":["%balance"]}
		]},
		{"prim":"or","annots":["%action"],"args":[
			{"prim":"unit","annots":["%mint"]},
			{"prim":"unit","annots":["%burn"]}
		]}
	]}`))
	require.NoError(t, err)
	ast, err := relational.NewBuilder().Build(relational.RootContext(), ty)
	require.NoError(t, err)
	tables := relational.BuildTables(ast)

	sql := NewEmitter().EmitContractSchema(tables)
	assert.Contains(t, sql, `CREATE TABLE "storage"`)
	assert.Contains(t, sql, `CREATE TABLE "storage.ledger"`)
	assert.Contains(t, sql, `"action" TEXT NULL`)
	assert.NotContains(t, sql, `storage_live`)
}

func TestCreateCommonTablesSQLIncludesFixedTables(t *testing.T) {
	sql := NewEmitter().CreateCommonTablesSQL()
	for _, want := range []string{
		`"levels"`, `"tx_contexts"`, `"contracts"`, `"contract_levels"`,
		`"bigmap_keyhashes"`, `"bigmap_contract_deps"`, `"max_id"`,
	} {
		assert.Contains(t, sql, want)
	}
}

// TestCreateCommonTablesSQLCascadesFromLevels guards the chain
// Tx.DeleteLevel relies on to remove every row a level produced with a
// single `DELETE FROM "levels"`: tx_contexts/contract_levels/
// bigmap_contract_deps hang directly off "levels", and bigmap_keyhashes
// hangs off "tx_contexts" one level further down. A missing ON DELETE
// CASCADE anywhere in that chain turns idempotent reprocessing and reorg
// rollback into a foreign-key-violation error the first time a level has
// any real contract activity.
func TestCreateCommonTablesSQLCascadesFromLevels(t *testing.T) {
	sql := NewEmitter().CreateCommonTablesSQL()
	for _, want := range []string{
		`level INTEGER NOT NULL REFERENCES "levels"(level) ON DELETE CASCADE`,
		`tx_context_id INTEGER NOT NULL REFERENCES "tx_contexts"(id) ON DELETE CASCADE`,
	} {
		assert.Contains(t, sql, want)
	}
	assert.Equal(t, 3, strings.Count(sql, `REFERENCES "levels"(level) ON DELETE CASCADE`),
		"tx_contexts, contract_levels, and bigmap_contract_deps must all cascade from levels")
}
