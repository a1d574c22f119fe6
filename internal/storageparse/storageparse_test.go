package storageparse

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quepasa/internal/relational"
	"quepasa/internal/typeast"
)

func buildAST(t *testing.T, typeJSON string) *relational.AST {
	t.Helper()
	ty, err := typeast.Decode([]byte(typeJSON))
	require.NoError(t, err)
	ast, err := relational.NewBuilder().Build(relational.RootContext(), ty)
	require.NoError(t, err)
	return ast
}

func TestParsePairOfLeaves(t *testing.T) {
	ast := buildAST(t, `{"prim":"pair","args":[
		{"prim":"nat","annots":["%balance"]},
		{"prim":"address","annots":["%owner"]}
	]}`)
	raw := json.RawMessage(`{"prim":"Pair","args":[{"int":"42"},{"string":"tz1abc"}]}`)

	row, bigmaps, err := NewParser().Parse(raw, ast)
	require.NoError(t, err)
	assert.Empty(t, bigmaps)
	assert.True(t, row.Values["balance"].(decimal.Decimal).Equal(decimal.NewFromInt(42)))
	assert.Equal(t, "tz1abc", row.Values["owner"])
}

func TestParseOrEnumerationUnitArms(t *testing.T) {
	ast := buildAST(t, `{"prim":"or","annots":["%action"],"args":[
		{"prim":"unit","annots":["%mint"]},
		{"prim":"unit","annots":["%burn"]}
	]}`)

	row, _, err := NewParser().Parse(json.RawMessage(`{"prim":"Left","args":[{"prim":"Unit"}]}`), ast)
	require.NoError(t, err)
	assert.Equal(t, "mint", row.Values["action"])

	row2, _, err := NewParser().Parse(json.RawMessage(`{"prim":"Right","args":[{"prim":"Unit"}]}`), ast)
	require.NoError(t, err)
	assert.Equal(t, "burn", row2.Values["action"])
}

func TestParseOrEnumerationNonUnitArmOpensChildRow(t *testing.T) {
	ast := buildAST(t, `{"prim":"or","annots":["%choice"],"args":[
		{"prim":"nat","annots":["%a"]},
		{"prim":"unit","annots":["%b"]}
	]}`)
	raw := json.RawMessage(`{"prim":"Left","args":[{"int":"7"}]}`)

	row, _, err := NewParser().Parse(raw, ast)
	require.NoError(t, err)
	assert.Equal(t, "a", row.Values["choice"])
	require.Len(t, row.Children, 1)
	assert.Equal(t, relational.RootTableName+".a", row.Children[0].Table)
	assert.True(t, row.Children[0].Values["a"].(decimal.Decimal).Equal(decimal.NewFromInt(7)))
}

func TestParseOptionNoneSkipsColumns(t *testing.T) {
	ast := buildAST(t, `{"prim":"option","annots":["%memo"],"args":[
		{"prim":"string"}
	]}`)
	row, _, err := NewParser().Parse(json.RawMessage(`{"prim":"None"}`), ast)
	require.NoError(t, err)
	assert.Nil(t, row.Values["memo"])
}

func TestParseOptionSome(t *testing.T) {
	ast := buildAST(t, `{"prim":"option","annots":["%memo"],"args":[
		{"prim":"string"}
	]}`)
	row, _, err := NewParser().Parse(json.RawMessage(`{"prim":"Some","args":[{"string":"hi"}]}`), ast)
	require.NoError(t, err)
	assert.Equal(t, "hi", row.Values["memo"])
}

func TestParseListPreservesOrder(t *testing.T) {
	ast := buildAST(t, `{"prim":"list","annots":["%entries"],"args":[
		{"prim":"string"}
	]}`)
	raw := json.RawMessage(`[{"string":"a"},{"string":"b"},{"string":"c"}]`)

	row, _, err := NewParser().Parse(raw, ast)
	require.NoError(t, err)
	require.Len(t, row.Children, 3)
	for i, c := range row.Children {
		assert.Equal(t, i, c.Values[relational.ListOrderColumn])
	}
	assert.Equal(t, "b", row.Children[1].Values["string"])
}

func TestParseSetDoesNotCarryOrderColumn(t *testing.T) {
	ast := buildAST(t, `{"prim":"set","annots":["%tags"],"args":[{"prim":"string"}]}`)
	raw := json.RawMessage(`[{"string":"x"}]`)

	row, _, err := NewParser().Parse(raw, ast)
	require.NoError(t, err)
	require.Len(t, row.Children, 1)
	_, hasOrder := row.Children[0].Values[relational.ListOrderColumn]
	assert.False(t, hasOrder)
}

func TestParseMapProducesEltRows(t *testing.T) {
	ast := buildAST(t, `{"prim":"map","annots":["%votes"],"args":[
		{"prim":"address","annots":["%voter"]},
		{"prim":"nat","annots":["%weight"]}
	]}`)
	raw := json.RawMessage(`[
		{"prim":"Elt","args":[{"string":"tz1a"},{"int":"1"}]},
		{"prim":"Elt","args":[{"string":"tz1b"},{"int":"2"}]}
	]`)

	row, _, err := NewParser().Parse(raw, ast)
	require.NoError(t, err)
	require.Len(t, row.Children, 2)
	assert.Equal(t, "tz1a", row.Children[0].Values["voter"])
	assert.True(t, row.Children[1].Values["weight"].(decimal.Decimal).Equal(decimal.NewFromInt(2)))
}

func TestParseBigMapRecordsIDWithoutInlineRows(t *testing.T) {
	ast := buildAST(t, `{"prim":"big_map","annots":["%ledger"],"args":[
		{"prim":"address","annots":["%holder"]},
		{"prim":"nat","annots":["%balance"]}
	]}`)
	row, bigmaps, err := NewParser().Parse(json.RawMessage(`{"int":"1001"}`), ast)
	require.NoError(t, err)
	assert.Empty(t, row.Children)
	assert.Equal(t, int64(1001), bigmaps[ast.Table])
}

func TestBuildMapRowsAppliesBigMapDiffElements(t *testing.T) {
	ast := buildAST(t, `{"prim":"big_map","annots":["%ledger"],"args":[
		{"prim":"address","annots":["%holder"]},
		{"prim":"nat","annots":["%balance"]}
	]}`)
	rows, err := NewParser().BuildMapRows(ast, []Elt{
		{Key: json.RawMessage(`{"string":"tz1x"}`), Value: json.RawMessage(`{"int":"500"}`)},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "tz1x", rows[0].Values["holder"])
}

func TestParseBytesValidatesHex(t *testing.T) {
	ast := buildAST(t, `{"prim":"bytes","annots":["%payload"]}`)
	_, _, err := NewParser().Parse(json.RawMessage(`{"bytes":"zz"}`), ast)
	assert.Error(t, err)

	row, _, err := NewParser().Parse(json.RawMessage(`{"bytes":"aabb"}`), ast)
	require.NoError(t, err)
	assert.Equal(t, "aabb", row.Values["payload"])
}

func TestParseBool(t *testing.T) {
	ast := buildAST(t, `{"prim":"bool","annots":["%active"]}`)
	row, _, err := NewParser().Parse(json.RawMessage(`{"prim":"True"}`), ast)
	require.NoError(t, err)
	assert.Equal(t, true, row.Values["active"])
}
