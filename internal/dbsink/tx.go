package dbsink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"quepasa/internal/bigmap"
	"quepasa/internal/relational"
	"quepasa/internal/storageparse"
)

// Tx wraps the single database transaction a block's persistence
// happens in (spec.md §4.6's "per-block persistence (single DB
// transaction)"). Every mutating operation for one level's ingestion
// goes through one Tx; the executor Commits or Rolls it back as a
// whole.
type Tx struct {
	tx pgx.Tx
}

// Begin starts the transaction backing one block's persistence.
func (s *Sink) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("dbsink: begin: %w", err)
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("dbsink: commit: %w", err)
	}
	return nil
}

func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return fmt.Errorf("dbsink: rollback: %w", err)
	}
	return nil
}

// DeleteLevel removes any existing persisted state for a level,
// implementing the "delete any existing row for this level
// (idempotence)" step of per-block persistence. ON DELETE CASCADE on
// tx_contexts/contract_levels/bigmap_contract_deps (FK'd to "levels")
// and on bigmap_keyhashes plus every per-contract table's tx_context_id
// (FK'd to "tx_contexts", see ddl.CreateTableSQL) chains the single
// `DELETE FROM "levels"` all the way through every row the level ever
// produced, including per-contract table rows — DeleteContractLevel
// exists only for the narrower case of rolling back one contract's rows
// without touching the level row itself.
func (t *Tx) DeleteLevel(ctx context.Context, level int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM "levels" WHERE level = $1`, level); err != nil {
		return fmt.Errorf("dbsink: delete level %d: %w", level, err)
	}
	return nil
}

// SaveLevel inserts the LevelMeta row for a level that DeleteLevel has
// already cleared.
func (t *Tx) SaveLevel(ctx context.Context, m LevelMeta) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO "levels"(level, hash, prev_hash, baked_at) VALUES ($1, $2, $3, $4)`,
		m.Level, m.Hash, m.PrevHash, m.BakedAt)
	if err != nil {
		return fmt.Errorf("dbsink: save level %d: %w", m.Level, err)
	}
	return nil
}

// SetMaxID advances the shared insert-id high-water mark.
func (t *Tx) SetMaxID(ctx context.Context, id int64) error {
	if _, err := t.tx.Exec(ctx, `UPDATE "max_id" SET id = $1`, id); err != nil {
		return fmt.Errorf("dbsink: set max_id: %w", err)
	}
	return nil
}

// SaveTxContexts inserts a batch of tx_contexts rows and returns their
// assigned ids, in the same order as txs.
func (t *Tx) SaveTxContexts(ctx context.Context, txs []TxContext) ([]int64, error) {
	ids := make([]int64, len(txs))
	for i, tc := range txs {
		err := t.tx.QueryRow(ctx,
			`INSERT INTO "tx_contexts"(level, operation_hash, source, destination, entrypoint)
			 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			tc.Level, tc.OperationHash, nullable(tc.Source), nullable(tc.Destination), nullable(tc.Entrypoint),
		).Scan(&ids[i])
		if err != nil {
			return nil, fmt.Errorf("dbsink: save tx_context for op %q: %w", tc.OperationHash, err)
		}
	}
	return ids, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// SaveContractLevel records that contractName was processed (possibly
// with no activity) at level.
func (t *Tx) SaveContractLevel(ctx context.Context, contractName string, level int64) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO "contract_levels"(contract_name, level) VALUES ($1, $2)
		 ON CONFLICT (contract_name, level) DO NOTHING`, contractName, level)
	if err != nil {
		return fmt.Errorf("dbsink: save contract_level %s@%d: %w", contractName, level, err)
	}
	return nil
}

// DeleteContractLevel removes a contract's contract_levels row and
// every row any of its derived tables holds for that level (matched via
// tx_contexts.level), undoing SaveContractLevel/ApplyInserts for a
// single contract ahead of a targeted reprocess.
func (t *Tx) DeleteContractLevel(ctx context.Context, contractName string, level int64, tables *relational.Tables) error {
	for _, tbl := range tables.All() {
		if tbl.Name == relational.RootTableName {
			continue
		}
		q := fmt.Sprintf(`DELETE FROM %q WHERE tx_context_id IN (SELECT id FROM "tx_contexts" WHERE level = $1)`, tbl.Name)
		if _, err := t.tx.Exec(ctx, q, level); err != nil {
			return fmt.Errorf("dbsink: delete %s rows at level %d: %w", tbl.Name, level, err)
		}
	}
	q := fmt.Sprintf(`DELETE FROM %q WHERE tx_context_id IN (SELECT id FROM "tx_contexts" WHERE level = $1)`, relational.RootTableName)
	if _, err := t.tx.Exec(ctx, q, level); err != nil {
		return fmt.Errorf("dbsink: delete storage rows at level %d: %w", level, err)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM "contract_levels" WHERE contract_name = $1 AND level = $2`, contractName, level); err != nil {
		return fmt.Errorf("dbsink: delete contract_level %s@%d: %w", contractName, level, err)
	}
	return nil
}

// SetOrigination records a contract's origination level.
func (t *Tx) SetOrigination(ctx context.Context, contractName string, level int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE "contracts" SET origination_level = $1 WHERE name = $2`, level, contractName)
	if err != nil {
		return fmt.Errorf("dbsink: set origination for %q: %w", contractName, err)
	}
	return nil
}

// SaveContractDeps records which big-map ids a contract's activity at
// level attributed ownership to (from bigmap.Result.Owners).
func (t *Tx) SaveContractDeps(ctx context.Context, level int64, contractName string, owners []bigmap.Owner) error {
	for _, o := range owners {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO "bigmap_contract_deps"(level, contract_name, bigmap_id) VALUES ($1, $2, $3)
			 ON CONFLICT (level, contract_name, bigmap_id) DO NOTHING`, level, contractName, o.BigMapID)
		if err != nil {
			return fmt.Errorf("dbsink: save contract dep (bigmap %d, contract %q): %w", o.BigMapID, contractName, err)
		}
	}
	return nil
}

// SaveBigmapKeyhashes records the live key-hash/key pairs a big-map
// holds after a block's diffs, and deletes the hashes the block's
// result marked as removed.
func (t *Tx) SaveBigmapKeyhashes(ctx context.Context, txContextID int64, bigMapID int64, entries []bigmap.Entry, removed []string) error {
	for _, h := range removed {
		_, err := t.tx.Exec(ctx,
			`DELETE FROM "bigmap_keyhashes" WHERE bigmap_id = $1 AND key_hash = $2`, bigMapID, h)
		if err != nil {
			return fmt.Errorf("dbsink: remove bigmap_keyhash %s for bigmap %d: %w", h, bigMapID, err)
		}
	}
	for _, e := range entries {
		_, err := t.tx.Exec(ctx,
			`INSERT INTO "bigmap_keyhashes"(tx_context_id, bigmap_id, key_hash, key) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (tx_context_id, bigmap_id, key_hash) DO UPDATE SET key = EXCLUDED.key`,
			txContextID, bigMapID, e.KeyHash, string(e.Key))
		if err != nil {
			return fmt.Errorf("dbsink: save bigmap_keyhash %s for bigmap %d: %w", e.KeyHash, bigMapID, err)
		}
	}
	return nil
}

// LiveLookup binds ctx into a bigmap.LiveLookup backed by t's
// in-progress transaction, so internal/executor can pass a *Tx straight
// into bigmap.Processor.Process without threading a context through
// the LiveLookup interface itself.
func (t *Tx) LiveLookup(ctx context.Context) bigmap.LiveLookup {
	return txLiveLookup{tx: t, ctx: ctx}
}

type txLiveLookup struct {
	tx  *Tx
	ctx context.Context
}

func (l txLiveLookup) LiveEntries(bigMapID int64) ([]bigmap.Entry, error) {
	return l.tx.liveEntries(l.ctx, bigMapID)
}

// liveEntries implements the persisted-state half of bigmap.LiveLookup
// against the bigmap_keyhashes table, so the diff processor can resolve
// a Copy diff's source set without the caller tracking state itself.
func (t *Tx) liveEntries(ctx context.Context, bigMapID int64) ([]bigmap.Entry, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT key_hash, key FROM "bigmap_keyhashes" WHERE bigmap_id = $1`, bigMapID)
	if err != nil {
		return nil, fmt.Errorf("dbsink: load live entries for bigmap %d: %w", bigMapID, err)
	}
	defer rows.Close()
	var out []bigmap.Entry
	for rows.Next() {
		var hash, key string
		if err := rows.Scan(&hash, &key); err != nil {
			return nil, fmt.Errorf("dbsink: scan live entry for bigmap %d: %w", bigMapID, err)
		}
		out = append(out, bigmap.Entry{KeyHash: hash, Key: []byte(key)})
	}
	return out, rows.Err()
}

// ApplyInserts writes a storageparse.Row tree (and its children,
// recursively) rooted at the contract's "storage" table, linking every
// child row to its parent's freshly assigned id and stamping every row
// with txContextID.
func (t *Tx) ApplyInserts(ctx context.Context, root *storageparse.Row, txContextID int64) error {
	_, err := t.insertRow(ctx, root, txContextID, 0, "")
	return err
}

func (t *Tx) insertRow(ctx context.Context, row *storageparse.Row, txContextID int64, parentID int64, parentTable string) (int64, error) {
	cols := []string{quoteIdentTx("tx_context_id")}
	args := []any{txContextID}
	if parentTable != "" {
		cols = append(cols, quoteIdentTx(parentTable+"_id"))
		args = append(args, parentID)
	}
	for name, v := range row.Values {
		cols = append(cols, quoteIdentTx(name))
		args = append(args, toSQLValue(v))
	}

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	q := fmt.Sprintf(`INSERT INTO %s(%s) VALUES (%s) RETURNING id`,
		quoteIdentTx(row.Table), joinCols(cols), joinCols(placeholders))

	var id int64
	if err := t.tx.QueryRow(ctx, q, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("dbsink: insert into %s: %w", row.Table, err)
	}

	for _, child := range row.Children {
		if _, err := t.insertRow(ctx, child, txContextID, id, row.Table); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func toSQLValue(v any) any {
	if d, ok := v.(decimal.Decimal); ok {
		return d.String()
	}
	return v
}

func quoteIdentTx(s string) string {
	return `"` + s + `"`
}

func joinCols(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}
