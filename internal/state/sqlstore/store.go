// Package sqlstore is the primary state backend: a relational database
// (PostgreSQL, optionally TimescaleDB, or SQLite) with an optional cache in
// front of account and strategy reads.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"funding-arb-state/internal/config"
	"funding-arb-state/internal/state"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type Store struct {
	db        *sql.DB
	dialect   dialect
	timescale bool
	cache     state.Cache
	log       *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Connect opens the relational pool, verifies it, ensures the schema and
// attaches the configured cache. Any relational failure is returned wrapped
// in state.ErrConnection with everything opened so far released. A cache
// that cannot be opened only costs the cache.
func Connect(ctx context.Context, dbCfg config.DatabaseConfig, cacheCfg config.CacheConfig, log *zap.Logger) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := newDialect(dbCfg.Driver, dbCfg.Schema)
	if !d.postgres() && dbCfg.Driver != config.DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", dbCfg.Driver)
	}
	dsn := dbCfg.DSN()
	if !d.postgres() {
		if strings.TrimSpace(dsn) == "" {
			return nil, errors.New("sqlite path is required")
		}
		if dsn != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, state.ConnectionError(err)
			}
		}
	}
	db, err := sql.Open(d.sqlDriver(), dsn)
	if err != nil {
		return nil, state.ConnectionError(err)
	}
	if d.postgres() {
		if dbCfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(dbCfg.MaxOpenConns)
		}
		if dbCfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(dbCfg.MaxIdleConns)
		}
	} else {
		db.SetMaxOpenConns(1)
	}
	if dbCfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(dbCfg.ConnMaxLifetime)
	}
	s := &Store{
		db:        db,
		dialect:   d,
		timescale: dbCfg.TimescaleValue(),
		log:       log.With(zap.String("backend", d.driver)),
	}

	pingCtx := ctx
	if dbCfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, dbCfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, state.ConnectionError(fmt.Errorf("ping %s: %w", d.driver, err))
	}
	if err := s.EnsureSchema(pingCtx); err != nil {
		_ = db.Close()
		return nil, state.ConnectionError(fmt.Errorf("ensure schema: %w", err))
	}
	cache, err := openCache(pingCtx, cacheCfg)
	if err != nil {
		s.log.Warn("state cache unavailable, continuing without it",
			zap.String("cache", cacheCfg.Driver),
			zap.Error(err),
		)
	} else {
		s.cache = cache
	}
	return s, nil
}

func (s *Store) Name() string {
	return s.dialect.driver
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return state.ConnectionError(errors.New("store not initialized"))
	}
	if err := s.db.PingContext(ctx); err != nil {
		return state.ConnectionError(err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		var errs []error
		if s.cache != nil {
			if err := s.cache.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close cache: %w", err))
			}
		}
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close database: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Store) SaveStrategyState(ctx context.Context, st state.StrategyState) error {
	accounts, err := marshalDocument(st.AccountsStatus)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s AS cur (strategy_id, is_active, accounts_status, started_at, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (strategy_id) DO UPDATE SET
			is_active = excluded.is_active,
			accounts_status = excluded.accounts_status,
			started_at = COALESCE(cur.started_at, excluded.started_at),
			last_updated = excluded.last_updated`, s.dialect.table("strategy_states"))
	if err := s.exec(ctx, query,
		st.StrategyID,
		st.IsActive,
		accounts,
		s.dialect.nullTimeArg(st.StartedAt),
		s.dialect.timeArg(st.LastUpdated),
	); err != nil {
		return err
	}
	// started_at may differ from what was written, so drop rather than refresh
	s.cacheDelete(ctx, strategyKey(st.StrategyID))
	return nil
}

func (s *Store) LoadStrategyState(ctx context.Context, strategyID string) (state.StrategyState, bool, error) {
	key := strategyKey(strategyID)
	var cached state.StrategyState
	if s.cacheGet(ctx, key, kindStrategy, &cached) {
		return cached, true, nil
	}
	query := fmt.Sprintf(`SELECT strategy_id, is_active, accounts_status, started_at, last_updated
		FROM %s WHERE strategy_id = ?`, s.dialect.table("strategy_states"))
	var (
		st          state.StrategyState
		accounts    []byte
		startedAt   any
		lastUpdated any
	)
	err := s.queryRow(ctx, query, strategyID).Scan(&st.StrategyID, &st.IsActive, &accounts, &startedAt, &lastUpdated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.StrategyState{}, false, nil
		}
		return state.StrategyState{}, false, err
	}
	if st.AccountsStatus, err = unmarshalDocument(accounts); err != nil {
		return state.StrategyState{}, false, &state.CorruptStateError{Path: "strategy_states/" + strategyID, Err: err}
	}
	if st.StartedAt, err = scanNullTime(startedAt); err != nil {
		return state.StrategyState{}, false, err
	}
	if st.LastUpdated, err = scanTime(lastUpdated); err != nil {
		return state.StrategyState{}, false, err
	}
	s.cacheSet(ctx, key, kindStrategy, st)
	return st, true, nil
}

func (s *Store) GetAccountState(ctx context.Context, accountID string) (state.AccountState, bool, error) {
	key := accountKey(accountID)
	var cached state.AccountState
	if s.cacheGet(ctx, key, kindAccount, &cached) {
		return cached, true, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE account_id = ?`, accountColumns, s.dialect.table("account_states"))
	acct, err := scanAccount(s.queryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.AccountState{}, false, nil
		}
		return state.AccountState{}, false, err
	}
	s.cacheSet(ctx, key, kindAccount, acct)
	return acct, true, nil
}

func (s *Store) PutAccountState(ctx context.Context, acct state.AccountState) error {
	positions, err := marshalDocument(acct.Positions)
	if err != nil {
		return err
	}
	leverage, err := marshalDocument(acct.LeverageInfo)
	if err != nil {
		return err
	}
	entry, err := marshalDocument(acct.EntryData)
	if err != nil {
		return err
	}
	var next any
	if acct.NextAccountID != "" {
		next = acct.NextAccountID
	}
	query := fmt.Sprintf(`INSERT INTO %s (account_id, status, balance, positions, leverage_info, entry_data, next_account_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			status = excluded.status,
			balance = excluded.balance,
			positions = excluded.positions,
			leverage_info = excluded.leverage_info,
			entry_data = excluded.entry_data,
			next_account_id = excluded.next_account_id,
			updated_at = excluded.updated_at`, s.dialect.table("account_states"))
	if err := s.exec(ctx, query,
		acct.AccountID,
		string(acct.Status),
		acct.Balance,
		positions,
		leverage,
		entry,
		next,
		s.dialect.timeArg(acct.UpdatedAt),
	); err != nil {
		return err
	}
	s.cacheSet(ctx, accountKey(acct.AccountID), kindAccount, acct)
	return nil
}

func (s *Store) ListAccountStates(ctx context.Context) ([]state.AccountState, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY account_id`, accountColumns, s.dialect.table("account_states"))
	rows, err := s.query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.AccountState
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *Store) RecordTransaction(ctx context.Context, tx state.Transaction) error {
	metadata, err := marshalDocument(tx.Metadata)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (tx_id, account_id, type, symbol, amount, price, fee, ts, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`, s.dialect.table("transactions"))
	return s.exec(ctx, query,
		tx.ID,
		tx.AccountID,
		tx.Type,
		tx.Symbol,
		tx.Amount,
		tx.Price,
		tx.Fee,
		s.dialect.timeArg(tx.Timestamp),
		metadata,
	)
}

func (s *Store) ListTransactions(ctx context.Context, filter state.TransactionFilter) ([]state.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if !filter.From.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, s.dialect.timeArg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, s.dialect.timeArg(filter.To))
	}
	query := fmt.Sprintf(`SELECT tx_id, account_id, type, symbol, amount, price, fee, ts, metadata FROM %s`, s.dialect.table("transactions"))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts, " + s.dialect.insertOrder()

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.Transaction
	for rows.Next() {
		var (
			tx       state.Transaction
			ts       any
			metadata []byte
		)
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Type, &tx.Symbol, &tx.Amount, &tx.Price, &tx.Fee, &ts, &metadata); err != nil {
			return nil, err
		}
		if tx.Timestamp, err = scanTime(ts); err != nil {
			return nil, err
		}
		if tx.Metadata, err = unmarshalDocument(metadata); err != nil {
			return nil, &state.CorruptStateError{Path: "transactions/" + tx.ID, Err: err}
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

const accountColumns = `account_id, status, balance, positions, leverage_info, entry_data, next_account_id, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (state.AccountState, error) {
	var (
		acct      state.AccountState
		status    string
		positions []byte
		leverage  []byte
		entry     []byte
		next      sql.NullString
		updatedAt any
	)
	if err := row.Scan(&acct.AccountID, &status, &acct.Balance, &positions, &leverage, &entry, &next, &updatedAt); err != nil {
		return state.AccountState{}, err
	}
	var err error
	corrupt := func(err error) error {
		return &state.CorruptStateError{Path: "account_states/" + acct.AccountID, Err: err}
	}
	if err := acct.Status.UnmarshalText([]byte(status)); err != nil {
		return state.AccountState{}, corrupt(err)
	}
	if acct.Positions, err = unmarshalDocument(positions); err != nil {
		return state.AccountState{}, corrupt(err)
	}
	if acct.LeverageInfo, err = unmarshalDocument(leverage); err != nil {
		return state.AccountState{}, corrupt(err)
	}
	if acct.EntryData, err = unmarshalDocument(entry); err != nil {
		return state.AccountState{}, corrupt(err)
	}
	acct.NextAccountID = next.String
	if acct.UpdatedAt, err = scanTime(updatedAt); err != nil {
		return state.AccountState{}, err
	}
	return acct, nil
}

func marshalDocument(doc state.Document) (string, error) {
	if doc == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalDocument(raw []byte) (state.Document, error) {
	doc := state.Document{}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = state.Document{}
	}
	return doc, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	if s.db == nil {
		return errors.New("store db not initialized")
	}
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	return err
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}
