package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"funding-arb-state/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 3 * time.Second
	alertTimeout   = 5 * time.Second

	degradedAlert = "primary state backend unavailable, persisting to fallback store"
	restoredAlert = "primary state backend restored"
)

type Options struct {
	StrategyID string
	// Timeout bounds every call made to the primary backend.
	Timeout  time.Duration
	Primary  Backend
	Fallback Backend
	// Connect, when set, is used by CheckHealth to open the primary if it was
	// unreachable at startup.
	Connect          func(ctx context.Context) (Backend, error)
	MirrorToFallback bool
	Log              *zap.Logger
	Metrics          *metrics.Metrics
	Alerts           Alerter
	Now              func() time.Time
}

// Manager routes every state operation to the primary backend while it is
// healthy and to the fallback store otherwise.
type Manager struct {
	strategyID string
	timeout    time.Duration
	fallback   Backend
	connect    func(ctx context.Context) (Backend, error)
	mirror     bool
	log        *zap.Logger
	metrics    *metrics.Metrics
	alerts     Alerter
	now        func() time.Time

	mu      sync.RWMutex
	primary Backend
	healthy atomic.Bool
	locks   keyedLocks

	closeOnce sync.Once
	closeErr  error
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Fallback == nil {
		return nil, errors.New("fallback backend is required")
	}
	strategyID := strings.TrimSpace(opts.StrategyID)
	if strategyID == "" {
		strategyID = DefaultStrategyID
	}
	if err := validateID("strategy id", strategyID); err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	mgr := &Manager{
		strategyID: strategyID,
		timeout:    timeout,
		fallback:   opts.Fallback,
		connect:    opts.Connect,
		mirror:     opts.MirrorToFallback,
		log:        log,
		metrics:    m,
		alerts:     opts.Alerts,
		now:        now,
		primary:    opts.Primary,
	}
	if opts.Primary != nil {
		mgr.healthy.Store(true)
		mgr.metrics.PrimaryHealthy.Set(1)
	} else {
		mgr.metrics.PrimaryHealthy.Set(0)
		log.Warn("starting without primary backend, state is served by the fallback store",
			zap.String("fallback", opts.Fallback.Name()),
		)
	}
	return mgr, nil
}

func (m *Manager) StrategyID() string {
	return m.strategyID
}

func (m *Manager) Healthy() bool {
	return m.healthy.Load()
}

func (m *Manager) SaveStrategyState(ctx context.Context, st StrategyState) error {
	if ctx == nil {
		ctx = context.Background()
	}
	prepared, err := m.prepareStrategy(st)
	if err != nil {
		return err
	}
	degraded, err := m.write(ctx, "save_strategy_state", nil, func(ctx context.Context, b Backend, _ bool) error {
		return b.SaveStrategyState(ctx, prepared)
	})
	if err != nil {
		return err
	}
	if !degraded && m.mirror {
		if err := m.fallback.SaveStrategyState(ctx, prepared); err != nil {
			m.log.Warn("strategy state mirror to fallback failed", zap.Error(err))
		}
	}
	return nil
}

func (m *Manager) LoadStrategyState(ctx context.Context) (StrategyState, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	fields := []zap.Field{zap.String("strategy_id", m.strategyID)}
	st, ok, err := readThrough(m, ctx, "load_strategy_state", fields, func(ctx context.Context, b Backend) (StrategyState, bool, error) {
		return b.LoadStrategyState(ctx, m.strategyID)
	})
	if err != nil {
		if errors.Is(err, ErrCorruptState) {
			m.metrics.CorruptState.Inc()
			m.log.Error("stored strategy state is corrupt", append(fields, zap.Error(err))...)
			return StrategyState{}, false, err
		}
		m.log.Warn("strategy state unavailable on fallback store", append(fields, zap.Error(err))...)
		return StrategyState{}, false, nil
	}
	return st, ok, nil
}

func (m *Manager) GetAccountState(ctx context.Context, accountID string) (AccountState, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ValidateAccountID(accountID); err != nil {
		return AccountState{}, false, err
	}
	fields := []zap.Field{zap.String("account_id", accountID)}
	st, ok, err := readThrough(m, ctx, "get_account_state", fields, func(ctx context.Context, b Backend) (AccountState, bool, error) {
		return b.GetAccountState(ctx, accountID)
	})
	if err != nil {
		if errors.Is(err, ErrCorruptState) {
			m.metrics.CorruptState.Inc()
		}
		m.log.Warn("account state unavailable on fallback store", append(fields, zap.Error(err))...)
		return AccountState{}, false, nil
	}
	return st, ok, nil
}

// RequireAccountState is GetAccountState with absence reported as ErrNotFound.
func (m *Manager) RequireAccountState(ctx context.Context, accountID string) (AccountState, error) {
	st, ok, err := m.GetAccountState(ctx, accountID)
	if err != nil {
		return AccountState{}, err
	}
	if !ok {
		return AccountState{}, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
	}
	return st, nil
}

// UpdateAccountState merges update into the stored account state, creating
// the account with defaults when it does not exist yet.
func (m *Manager) UpdateAccountState(ctx context.Context, accountID string, update AccountUpdate) (AccountState, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ValidateAccountID(accountID); err != nil {
		return AccountState{}, err
	}
	if err := validateUpdate(accountID, update); err != nil {
		return AccountState{}, err
	}
	unlock := m.locks.lock(accountID)
	defer unlock()

	fields := []zap.Field{zap.String("account_id", accountID)}
	// freshest stored copy seen on any backend during this call
	var known *AccountState
	var result AccountState
	degraded, err := m.write(ctx, "update_account_state", fields, func(ctx context.Context, b Backend, fallback bool) error {
		base, ok, err := b.GetAccountState(ctx, accountID)
		if err != nil {
			if !fallback {
				return err
			}
			m.log.Warn("fallback account read failed, merging onto last known state",
				append(fields, zap.Error(err))...)
			ok = false
		}
		if ok && (known == nil || !base.UpdatedAt.Before(known.UpdatedAt)) {
			known = &base
		}
		start := NewAccountState(accountID)
		if known != nil {
			start = *known
		}
		result = update.Apply(start)
		result.AccountID = accountID
		if result.Status == "" {
			result.Status = StatusUninitialized
		}
		result.UpdatedAt = m.timestamp()
		return b.PutAccountState(ctx, result)
	})
	if err != nil {
		return AccountState{}, err
	}
	if !degraded && m.mirror {
		if err := m.fallback.PutAccountState(ctx, result); err != nil {
			m.log.Warn("account state mirror to fallback failed", append(fields, zap.Error(err))...)
		}
	}
	return result, nil
}

func (m *Manager) SaveAccountEntryData(ctx context.Context, accountID string, entry Document) error {
	_, err := m.UpdateAccountState(ctx, accountID, AccountUpdate{EntryData: orEmpty(entry)})
	return err
}

// GetAccountEntryData returns an empty document for unknown accounts.
func (m *Manager) GetAccountEntryData(ctx context.Context, accountID string) (Document, error) {
	st, ok, err := m.GetAccountState(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return Document{}, nil
	}
	return orEmpty(st.EntryData).Clone(), nil
}

// RecordTransaction assigns an id and timestamp when missing and appends the
// transaction to the active backend.
func (m *Manager) RecordTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	prepared, err := m.prepareTransaction(tx)
	if err != nil {
		return Transaction{}, err
	}
	fields := []zap.Field{
		zap.String("tx_id", prepared.ID),
		zap.String("account_id", prepared.AccountID),
		zap.String("type", prepared.Type),
	}
	if _, err := m.write(ctx, "record_transaction", fields, func(ctx context.Context, b Backend, _ bool) error {
		return b.RecordTransaction(ctx, prepared)
	}); err != nil {
		return Transaction{}, err
	}
	m.metrics.TransactionsRecorded.Inc()
	m.log.Debug("transaction recorded", append(fields, zap.String("amount", prepared.Amount.String()))...)
	return prepared, nil
}

func (m *Manager) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if primary := m.currentPrimary(); primary != nil {
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		txs, err := primary.ListTransactions(pctx, filter)
		cancel()
		if err == nil {
			return txs, nil
		}
		m.primaryFailed(ctx, "list_transactions", err, nil)
	}
	txs, err := m.fallback.ListTransactions(ctx, filter)
	if err != nil {
		return nil, err
	}
	m.metrics.FallbackReads.Inc()
	return txs, nil
}

// CheckHealth probes the primary, connecting it first when it never came up.
// It reports whether this probe moved the Manager out of degraded mode.
func (m *Manager) CheckHealth(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.RLock()
	primary := m.primary
	m.mu.RUnlock()
	if primary == nil {
		if m.connect == nil {
			return false
		}
		backend, err := m.connect(ctx)
		if err != nil {
			m.log.Warn("primary backend still unavailable", zap.Error(err))
			m.alert(degradedAlert)
			return false
		}
		m.mu.Lock()
		if m.primary == nil {
			m.primary = backend
		} else if err := backend.Close(); err != nil {
			m.log.Warn("close duplicate primary connection failed", zap.Error(err))
		}
		primary = m.primary
		m.mu.Unlock()
	}
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := primary.Ping(pctx)
	cancel()
	if err != nil {
		m.primaryFailed(ctx, "health_check", err, nil)
		m.alert(degradedAlert)
		return false
	}
	if !m.healthy.CompareAndSwap(false, true) {
		return false
	}
	m.metrics.PrimaryHealthy.Set(1)
	m.metrics.PrimaryRestored.Inc()
	m.log.Warn("primary backend restored", zap.String("primary", primary.Name()))
	m.alert(restoredAlert)
	return true
}

func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		primary := m.primary
		m.primary = nil
		m.mu.Unlock()
		m.healthy.Store(false)
		var errs []error
		if primary != nil {
			if err := primary.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", primary.Name(), err))
			}
		}
		if err := m.fallback.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", m.fallback.Name(), err))
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}

func (m *Manager) currentPrimary() Backend {
	if !m.healthy.Load() {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.primary
}

// write runs fn on the primary when healthy and on the fallback otherwise or
// after a primary failure. It reports whether the fallback served the write.
func (m *Manager) write(ctx context.Context, op string, fields []zap.Field, fn func(ctx context.Context, b Backend, fallback bool) error) (bool, error) {
	var primaryErr error
	if primary := m.currentPrimary(); primary != nil {
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		primaryErr = fn(pctx, primary, false)
		cancel()
		if primaryErr == nil {
			return false, nil
		}
		m.primaryFailed(ctx, op, primaryErr, fields)
	}
	if err := fn(ctx, m.fallback, true); err != nil {
		m.metrics.PersistenceFailures.Inc()
		m.log.Error("state write failed on primary and fallback",
			append([]zap.Field{
				zap.String("op", op),
				zap.NamedError("primary_error", primaryErr),
				zap.NamedError("fallback_error", err),
			}, fields...)...,
		)
		return true, fmt.Errorf("%s: %w", op, errors.Join(ErrPersistenceFailure, primaryErr, err))
	}
	m.metrics.FallbackWrites.Inc()
	m.log.Warn("state write served by fallback store", append([]zap.Field{zap.String("op", op)}, fields...)...)
	return true, nil
}

// readThrough returns the primary's record when present; a primary miss or
// failure consults the fallback. Records are never merged across backends.
func readThrough[T any](m *Manager, ctx context.Context, op string, fields []zap.Field, fn func(context.Context, Backend) (T, bool, error)) (T, bool, error) {
	primary := m.currentPrimary()
	if primary != nil {
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		v, ok, err := fn(pctx, primary)
		cancel()
		if err == nil && ok {
			return v, true, nil
		}
		if err != nil {
			m.primaryFailed(ctx, op, err, fields)
			primary = nil
		}
	}
	v, ok, err := fn(ctx, m.fallback)
	if err != nil || !ok {
		return v, false, err
	}
	m.metrics.FallbackReads.Inc()
	if primary == nil {
		m.log.Warn("state read served by fallback store", append([]zap.Field{zap.String("op", op)}, fields...)...)
	} else {
		m.log.Debug("record missing on primary, served by fallback store", append([]zap.Field{zap.String("op", op)}, fields...)...)
	}
	return v, true, nil
}

func (m *Manager) primaryFailed(ctx context.Context, op string, err error, fields []zap.Field) {
	m.metrics.PrimaryFailures.Inc()
	m.log.Warn("primary backend operation failed",
		append([]zap.Field{zap.String("op", op), zap.Error(err)}, fields...)...,
	)
	if ctx.Err() != nil {
		// the caller gave up; says nothing about the backend
		return
	}
	if m.healthy.CompareAndSwap(true, false) {
		m.metrics.PrimaryHealthy.Set(0)
		m.log.Warn("entering degraded mode, persisting to fallback store", zap.String("fallback", m.fallback.Name()))
	}
}

// alert never blocks an operation for long; delivery failures are logged.
func (m *Manager) alert(message string) {
	if m.alerts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()
	if err := m.alerts.Send(ctx, message); err != nil {
		m.log.Warn("alert delivery failed", zap.Error(err))
	}
}

func (m *Manager) timestamp() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

func (m *Manager) prepareStrategy(st StrategyState) (StrategyState, error) {
	if strings.TrimSpace(st.StrategyID) == "" {
		st.StrategyID = m.strategyID
	}
	if err := validateID("strategy id", st.StrategyID); err != nil {
		return StrategyState{}, err
	}
	accounts, err := normalizeDocument(st.AccountsStatus)
	if err != nil {
		return StrategyState{}, fmt.Errorf("%w: accounts_status is not JSON-encodable: %v", ErrInvalidState, err)
	}
	st.AccountsStatus = accounts
	if st.StartedAt != nil {
		started := st.StartedAt.UTC().Truncate(time.Microsecond)
		st.StartedAt = &started
	}
	st.LastUpdated = m.timestamp()
	return st, nil
}

func (m *Manager) prepareTransaction(tx Transaction) (Transaction, error) {
	if err := ValidateAccountID(tx.AccountID); err != nil {
		return Transaction{}, err
	}
	tx.Type = strings.ToLower(strings.TrimSpace(tx.Type))
	if tx.Type == "" {
		return Transaction{}, fmt.Errorf("%w: transaction type is required", ErrInvalidState)
	}
	tx.ID = strings.TrimSpace(tx.ID)
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = m.now()
	}
	tx.Timestamp = tx.Timestamp.UTC().Truncate(time.Microsecond)
	metadata, err := normalizeDocument(tx.Metadata)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: metadata is not JSON-encodable: %v", ErrInvalidState, err)
	}
	tx.Metadata = metadata
	return tx, nil
}
