package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"query-orchestrator/internal/models"
)

// DuckDB uploads tables into DuckDB databases, one database file per
// principal configuration. Handles are opened lazily and shared.
type DuckDB struct {
	mu     sync.Mutex
	dbs    map[string]*sql.DB
	logger *zap.Logger
}

func NewDuckDB(logger *zap.Logger) *DuckDB {
	return &DuckDB{dbs: map[string]*sql.DB{}, logger: logger.Named("duckdb")}
}

func (w *DuckDB) open(cfg models.WarehouseConfig) (*sql.DB, error) {
	if cfg.Schema != "" && !models.ValidIdentifier(cfg.Schema) {
		return nil, models.ErrConfiguration("invalid warehouse schema %q", cfg.Schema)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if db, ok := w.dbs[cfg.Database]; ok {
		return db, nil
	}
	db, err := sql.Open("duckdb", cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open warehouse %q: %w", cfg.Database, err)
	}
	w.dbs[cfg.Database] = db
	w.logger.Info("warehouse opened", zap.String("database", cfg.Database))
	return db, nil
}

// Ping verifies the warehouse is reachable and answers queries.
func (w *DuckDB) Ping(ctx context.Context, cfg models.WarehouseConfig) error {
	db, err := w.open(cfg)
	if err != nil {
		return err
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping warehouse: %w", err)
	}
	return nil
}

// Upload reports what one Upsert wrote and the primary key it was written
// under.
type Upload struct {
	Rows       int64
	KeyColumns []string
}

// Upsert writes t in a single transaction. The destination table is created
// with t's primary key if missing and gains any new columns. An existing
// table keeps its primary key: rows are upserted on that key, or the
// execution's rows are replaced when the table is keyed by execution alone.
func (w *DuckDB) Upsert(ctx context.Context, cfg models.WarehouseConfig, t Table) (Upload, error) {
	if !models.ValidIdentifier(t.Name) {
		return Upload{}, models.ErrConfiguration("invalid warehouse table %q", t.Name)
	}
	db, err := w.open(cfg)
	if err != nil {
		return Upload{}, err
	}
	schema := cfg.Schema
	if schema == "" {
		schema = "main"
	}
	table := quote(schema) + "." + quote(t.Name)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Upload{}, fmt.Errorf("begin upload: %w", err)
	}
	defer tx.Rollback()

	if cfg.Schema != "" {
		if _, err := tx.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quote(schema)); err != nil {
			return Upload{}, fmt.Errorf("create schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, createTableSQL(table, t)); err != nil {
		return Upload{}, fmt.Errorf("create table %s: %w", table, err)
	}
	if err := addMissingColumns(ctx, tx, schema, table, t); err != nil {
		return Upload{}, err
	}
	pk, err := primaryKey(ctx, tx, schema, t.Name)
	if err != nil {
		return Upload{}, err
	}
	replace, err := writeMode(t, pk)
	if err != nil {
		return Upload{}, err
	}
	if replace {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+quote(ColumnExecutionID)+" = ?", t.ExecutionID); err != nil {
			return Upload{}, fmt.Errorf("replace rows: %w", err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, insertSQL(table, t, pk, replace))
	if err != nil {
		return Upload{}, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()
	for i, row := range t.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return Upload{}, fmt.Errorf("upsert row %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return Upload{}, fmt.Errorf("commit upload: %w", err)
	}
	return Upload{Rows: int64(len(t.Rows)), KeyColumns: pk}, nil
}

// Close releases every open database handle.
func (w *DuckDB) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var first error
	for name, db := range w.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(w.dbs, name)
	}
	return first
}

func addMissingColumns(ctx context.Context, tx *sql.Tx, schema, table string, t Table) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT column_name FROM information_schema.columns WHERE table_schema = ? AND table_name = ?", schema, t.Name)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	existing := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		existing[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	for _, c := range t.Columns {
		if existing[c.Name] {
			continue
		}
		if _, err := tx.ExecContext(ctx, "ALTER TABLE "+table+" ADD COLUMN "+quote(c.Name)+" "+sqlType(c.Type)); err != nil {
			return fmt.Errorf("add column %s: %w", c.Name, err)
		}
	}
	return nil
}

func createTableSQL(table string, t Table) string {
	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		defs = append(defs, quote(c.Name)+" "+sqlType(c.Type))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s, PRIMARY KEY (%s))",
		table, strings.Join(defs, ", "), quoteAll(t.Key.PrimaryKey()))
}

// primaryKey reads the table's primary key columns in key order. A table
// created outside the pipeline may have none.
func primaryKey(ctx context.Context, tx *sql.Tx, schema, name string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT unnest(constraint_column_names) FROM duckdb_constraints()
		WHERE schema_name = ? AND table_name = ? AND constraint_type = 'PRIMARY KEY'`, schema, name)
	if err != nil {
		return nil, fmt.Errorf("read primary key of %s: %w", name, err)
	}
	defer rows.Close()
	var pk []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, fmt.Errorf("read primary key of %s: %w", name, err)
		}
		pk = append(pk, col)
	}
	return pk, rows.Err()
}

// writeMode decides how t is written into a table keyed on pk. Tables keyed
// only by the reserved columns, or not keyed at all, have the execution's rows
// replaced. Other tables are upserted on their own key, which every row of t
// must populate.
func writeMode(t Table, pk []string) (replace bool, err error) {
	index := map[string]int{}
	for i, c := range t.Columns {
		index[c.Name] = i
	}
	replace = true
	for _, col := range pk {
		if col == ColumnExecutionID || col == ColumnRowNumber {
			continue
		}
		replace = false
		i, ok := index[col]
		if !ok {
			return false, models.ErrConfiguration("table %s is keyed on %v but the results have no %s column", t.Name, pk, col)
		}
		for n, row := range t.Rows {
			if row[i] == nil {
				return false, models.ErrConfiguration("table %s is keyed on %v but row %d has no %s", t.Name, pk, n+1, col)
			}
		}
	}
	return replace, nil
}

func insertSQL(table string, t Table, pk []string, replace bool) string {
	names := make([]string, 0, len(t.Columns))
	params := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, quote(c.Name))
		params = append(params, "CAST(? AS "+sqlType(c.Type)+")")
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), strings.Join(params, ", "))
	if replace {
		return q
	}
	inKey := map[string]bool{}
	for _, k := range pk {
		inKey[k] = true
	}
	var sets []string
	for _, c := range t.Columns {
		if !inKey[c.Name] {
			sets = append(sets, quote(c.Name)+" = EXCLUDED."+quote(c.Name))
		}
	}
	if len(sets) == 0 {
		return q + " ON CONFLICT DO NOTHING"
	}
	return q + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", quoteAll(pk), strings.Join(sets, ", "))
}

func sqlType(t models.ColumnType) string {
	switch t {
	case models.ColumnInteger:
		return "BIGINT"
	case models.ColumnFloat:
		return "DOUBLE"
	case models.ColumnBoolean:
		return "BOOLEAN"
	case models.ColumnDate:
		return "DATE"
	case models.ColumnTimestamp:
		return "TIMESTAMP"
	default:
		return "VARCHAR"
	}
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteAll(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quote(n)
	}
	return strings.Join(out, ", ")
}
