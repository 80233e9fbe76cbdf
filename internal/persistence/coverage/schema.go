package coveragepersist

import (
	"context"
	"fmt"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

// Schema DDL. Coverage integrity is enforced in the database itself:
// GIST exclusion keeps per-symbol ranges disjoint and non-adjacent, and
// the bounds check pins every range to the [) convention.
const (
	stmtCreateExtensions = `
CREATE EXTENSION IF NOT EXISTS btree_gist;
CREATE EXTENSION IF NOT EXISTS pg_trgm;`

	stmtCreateDataset = `
CREATE TABLE IF NOT EXISTS dataset (
    id SERIAL PRIMARY KEY,
    provider VARCHAR(16) NOT NULL,
    market VARCHAR(16) NOT NULL,
    name VARCHAR(32) NOT NULL,
    UNIQUE(provider, market, name)
);`

	stmtCreateRawData = `
CREATE TABLE IF NOT EXISTS raw_data (
    id SERIAL PRIMARY KEY,
    dataset_id INTEGER REFERENCES dataset(id) ON DELETE CASCADE,
    symbol VARCHAR(16) NOT NULL,
    tstzrange tstzrange NOT NULL,
    data JSONB NOT NULL,
    created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP NOT NULL,
    CONSTRAINT raw_data_no_overlap EXCLUDE USING GIST (dataset_id WITH =, symbol WITH =, tstzrange WITH &&),
    CONSTRAINT raw_data_enforce_bounds CHECK (lower_inc(tstzrange) AND NOT upper_inc(tstzrange)),
    UNIQUE(dataset_id, symbol, tstzrange)
);
CREATE INDEX IF NOT EXISTS idx_raw_data_dataset_id ON raw_data(dataset_id);
CREATE INDEX IF NOT EXISTS idx_raw_data_dataset_id_symbol ON raw_data(dataset_id, symbol);
CREATE INDEX IF NOT EXISTS idx_raw_data_symbol_start_at ON raw_data(symbol, tstzrange);
CREATE INDEX IF NOT EXISTS idx_raw_data_dataset_id_symbol_start_at ON raw_data(dataset_id, symbol, tstzrange);`

	stmtCreateCoverage = `
CREATE TABLE IF NOT EXISTS raw_data_coverage (
    id SERIAL PRIMARY KEY,
    dataset_id INTEGER REFERENCES dataset(id) ON DELETE CASCADE,
    symbol VARCHAR(16) NOT NULL,
    tstzrange tstzrange NOT NULL,
    created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP NOT NULL,
    updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP NOT NULL,
    CONSTRAINT raw_data_coverage_no_overlap EXCLUDE USING GIST (dataset_id WITH =, symbol WITH =, tstzrange WITH &&),
    CONSTRAINT raw_data_coverage_no_adjacent EXCLUDE USING GIST (dataset_id WITH =, symbol WITH =, tstzrange WITH -|-),
    CONSTRAINT raw_data_coverage_enforce_bounds CHECK (lower_inc(tstzrange) AND NOT upper_inc(tstzrange)),
    UNIQUE(dataset_id, symbol, tstzrange)
);
CREATE INDEX IF NOT EXISTS idx_raw_data_coverage_dataset_id ON raw_data_coverage(dataset_id);
CREATE INDEX IF NOT EXISTS idx_raw_data_coverage_dataset_id_symbol ON raw_data_coverage(dataset_id, symbol);`
)

// EnsureSchema creates extensions and tables when they are missing.
// Safe to run at every startup.
func EnsureSchema(ctx context.Context, conn sqlx.SqlConn) error {
	stmts := []string{
		stmtCreateExtensions,
		stmtCreateDataset,
		stmtCreateRawData,
		stmtCreateCoverage,
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecCtx(ctx, stmt); err != nil {
			return fmt.Errorf("coveragepersist: ensure schema: %w", err)
		}
	}
	return nil
}

// ResetTables drops and recreates the mirror tables. Destructive; only
// the reset CLI should call it.
func ResetTables(ctx context.Context, conn sqlx.SqlConn) error {
	drops := []string{
		"DROP TABLE IF EXISTS raw_data_coverage;",
		"DROP TABLE IF EXISTS raw_data;",
		"DROP TABLE IF EXISTS dataset;",
	}
	for _, stmt := range drops {
		if _, err := conn.ExecCtx(ctx, stmt); err != nil {
			return fmt.Errorf("coveragepersist: reset tables: %w", err)
		}
	}
	return EnsureSchema(ctx, conn)
}
