package sqlstore

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type columnTypes struct {
	json      string
	numeric   string
	timestamp string
	boolean   string
}

func (d dialect) types() columnTypes {
	if d.postgres() {
		return columnTypes{json: "JSONB", numeric: "NUMERIC(20,8)", timestamp: "TIMESTAMPTZ", boolean: "BOOLEAN"}
	}
	return columnTypes{json: "TEXT", numeric: "TEXT", timestamp: "TEXT", boolean: "INTEGER"}
}

// insertOrder is the column that breaks timestamp ties in insertion order.
func (d dialect) insertOrder() string {
	if d.postgres() {
		return "seq"
	}
	return "rowid"
}

func (d dialect) schemaStatements() []string {
	c := d.types()
	txExtra := ""
	if d.postgres() {
		txExtra = "\n\t\tseq BIGSERIAL,"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		strategy_id TEXT PRIMARY KEY,
		is_active %s NOT NULL DEFAULT FALSE,
		accounts_status %s NOT NULL DEFAULT '{}',
		started_at %s,
		last_updated %s NOT NULL
	)`, d.table("strategy_states"), c.boolean, c.json, c.timestamp, c.timestamp),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		account_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		balance %s NOT NULL DEFAULT 0,
		positions %s NOT NULL DEFAULT '{}',
		leverage_info %s NOT NULL DEFAULT '{}',
		entry_data %s NOT NULL DEFAULT '{}',
		next_account_id TEXT,
		updated_at %s NOT NULL
	)`, d.table("account_states"), c.numeric, c.json, c.json, c.json, c.timestamp),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		tx_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		type TEXT NOT NULL,
		symbol TEXT NOT NULL DEFAULT '',
		amount %s NOT NULL,
		price %s,
		fee %s,
		ts %s NOT NULL,
		metadata %s NOT NULL DEFAULT '{}',%s
		PRIMARY KEY (tx_id, ts)
	)`, d.table("transactions"), c.numeric, c.numeric, c.numeric, c.timestamp, c.json, txExtra),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		order_id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		amount %s NOT NULL,
		price %s,
		status TEXT NOT NULL,
		filled %s NOT NULL DEFAULT 0,
		remaining %s NOT NULL DEFAULT 0,
		created_at %s NOT NULL,
		updated_at %s NOT NULL
	)`, d.table("orders"), c.numeric, c.numeric, c.numeric, c.numeric, c.timestamp, c.timestamp),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS transactions_account_ts_idx ON %s (account_id, ts)`, d.table("transactions")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS orders_account_idx ON %s (account_id)`, d.table("orders")),
	}
	if !d.postgres() {
		// a hypertable rejects unique indexes without the partition column,
		// so only SQLite gets the standalone tx_id constraint
		stmts = append(stmts, fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS transactions_tx_id_idx ON %s (tx_id)`, d.table("transactions")))
	}
	return stmts
}

// EnsureSchema creates the state tables when missing. It is safe to run on
// every start. On Postgres it also tries to turn transactions into a
// TimescaleDB hypertable; failing that is only a warning.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.dialect.postgres() && s.dialect.schema != "" && s.dialect.schema != "public" {
		if err := s.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", s.dialect.schema)); err != nil {
			return err
		}
	}
	for _, stmt := range s.dialect.schemaStatements() {
		if err := s.exec(ctx, stmt); err != nil {
			return err
		}
	}
	if !s.dialect.postgres() || !s.timescale {
		return nil
	}
	if err := s.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		s.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	if err := s.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE, migrate_data => TRUE)", s.dialect.table("transactions"))); err != nil {
		s.log.Warn("timescale transactions hypertable create failed", zap.Error(err))
	}
	return nil
}
