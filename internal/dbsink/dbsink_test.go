package dbsink

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"quepasa/internal/bigmap"
	"quepasa/internal/relational"
	"quepasa/internal/typeast"
)

type testDB struct {
	sink *Sink
	pool *pgxpool.Pool
}

func setupPostgres(t *testing.T) *testDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("quepasa"),
		postgres.WithUsername("quepasa"),
		postgres.WithPassword("quepasa"),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "failed to open pool")
	t.Cleanup(pool.Close)
	require.NoError(t, pool.Ping(ctx))

	return &testDB{sink: New(pool), pool: pool}
}

func TestCreateCommonTablesIsIdempotent(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()

	require.NoError(t, db.sink.CreateCommonTables(ctx))
	require.NoError(t, db.sink.CreateCommonTables(ctx))

	head, ok, err := db.sink.GetHead(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), head)

	maxID, err := db.sink.GetMaxID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), maxID)
}

func TestCreateContractSchemaIsIdempotent(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	require.NoError(t, db.sink.CreateCommonTables(ctx))

	ty, err := typeast.Decode([]byte(`{"prim":"pair","args":[{"prim":"nat","annots":["%balance"]},{"prim":"address","annots":["%owner"]}]}`))
	require.NoError(t, err)
	ast, err := relational.NewBuilder().Build(relational.RootContext(), ty)
	require.NoError(t, err)
	tables := relational.BuildTables(ast)

	created, err := db.sink.CreateContractSchema(ctx, "KT1abc", "ledger", tables)
	require.NoError(t, err)
	assert.True(t, created)

	createdAgain, err := db.sink.CreateContractSchema(ctx, "KT1abc", "ledger", tables)
	require.NoError(t, err)
	assert.False(t, createdAgain)
}

func TestPerLevelRoundTrip(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	require.NoError(t, db.sink.CreateCommonTables(ctx))

	tx, err := db.sink.Begin(ctx)
	require.NoError(t, err)
	baked := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, tx.DeleteLevel(ctx, 100))
	require.NoError(t, tx.SaveLevel(ctx, LevelMeta{Level: 100, Hash: "h100", PrevHash: "h99", BakedAt: baked}))
	require.NoError(t, tx.Commit(ctx))

	meta, ok, err := db.sink.GetLevel(ctx, 100)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "h100", meta.Hash)
	assert.Equal(t, "h99", meta.PrevHash)

	// Re-processing the same level is idempotent: delete then insert
	// yields the same final state.
	tx2, err := db.sink.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx2.DeleteLevel(ctx, 100))
	require.NoError(t, tx2.SaveLevel(ctx, LevelMeta{Level: 100, Hash: "h100", PrevHash: "h99", BakedAt: baked}))
	require.NoError(t, tx2.Commit(ctx))

	meta2, ok, err := db.sink.GetLevel(ctx, 100)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, meta.Hash, meta2.Hash)
}

// TestDeleteLevelCascadesThroughActivity guards against the case
// TestPerLevelRoundTrip doesn't cover: a level that produced real
// contract activity (a tx_contexts row, a contract_levels row, a
// bigmap_contract_deps row) rather than just a bare LevelMeta row.
// Without ON DELETE CASCADE chained all the way from "levels" through
// "tx_contexts" to every dependent table, the second DeleteLevel call
// below fails with a foreign-key-violation error instead of clearing
// the level for reprocessing.
func TestDeleteLevelCascadesThroughActivity(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	require.NoError(t, db.sink.CreateCommonTables(ctx))

	_, err := db.pool.Exec(ctx, `INSERT INTO "contracts"(name, address) VALUES ('ledger', 'KT1abc')`)
	require.NoError(t, err)

	baked := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tx, err := db.sink.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.DeleteLevel(ctx, 100))
	require.NoError(t, tx.SaveLevel(ctx, LevelMeta{Level: 100, Hash: "h100", PrevHash: "h99", BakedAt: baked}))
	ids, err := tx.SaveTxContexts(ctx, []TxContext{{Level: 100, OperationHash: "op1", Destination: "KT1abc"}})
	require.NoError(t, err)
	require.NoError(t, tx.SaveContractLevel(ctx, "ledger", 100))
	require.NoError(t, tx.SaveContractDeps(ctx, 100, "ledger", []bigmap.Owner{{BigMapID: 1}}))
	require.NoError(t, tx.SaveBigmapKeyhashes(ctx, ids[0], 1, []bigmap.Entry{{KeyHash: "kh1", Key: []byte(`"k"`)}}, nil))
	require.NoError(t, tx.Commit(ctx))

	// Re-processing this same level must not trip a foreign-key
	// violation on the tx_contexts/contract_levels/bigmap_* rows the
	// first pass left behind.
	tx2, err := db.sink.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx2.DeleteLevel(ctx, 100))
	require.NoError(t, tx2.SaveLevel(ctx, LevelMeta{Level: 100, Hash: "h100b", PrevHash: "h99", BakedAt: baked}))
	require.NoError(t, tx2.Commit(ctx))

	meta, ok, err := db.sink.GetLevel(ctx, 100)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "h100b", meta.Hash)

	var txContextCount, contractLevelCount, bigmapDepCount, bigmapKeyhashCount int
	require.NoError(t, db.pool.QueryRow(ctx, `SELECT count(*) FROM "tx_contexts" WHERE level = 100`).Scan(&txContextCount))
	require.NoError(t, db.pool.QueryRow(ctx, `SELECT count(*) FROM "contract_levels" WHERE level = 100`).Scan(&contractLevelCount))
	require.NoError(t, db.pool.QueryRow(ctx, `SELECT count(*) FROM "bigmap_contract_deps" WHERE level = 100`).Scan(&bigmapDepCount))
	require.NoError(t, db.pool.QueryRow(ctx, `SELECT count(*) FROM "bigmap_keyhashes"`).Scan(&bigmapKeyhashCount))
	assert.Zero(t, txContextCount)
	assert.Zero(t, contractLevelCount)
	assert.Zero(t, bigmapDepCount)
	assert.Zero(t, bigmapKeyhashCount)
}
