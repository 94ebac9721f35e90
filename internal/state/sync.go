package state

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type SyncReport struct {
	StrategyImported     bool
	AccountsImported     int
	TransactionsReplayed int
	FilesArchived        int
}

// SyncFallback copies what the fallback store accumulated during an outage
// into the healthy primary: a newer strategy document, newer account states
// and every pending transaction file. Transactions are inserted by id, so a
// sync interrupted halfway can simply run again.
func (m *Manager) SyncFallback(ctx context.Context) (SyncReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var report SyncReport
	primary := m.currentPrimary()
	if primary == nil {
		return report, fmt.Errorf("sync fallback: %w", ErrConnection)
	}
	fail := func(op string, err error) (SyncReport, error) {
		m.primaryFailed(ctx, op, err, nil)
		return report, fmt.Errorf("sync fallback %s: %w", op, err)
	}

	imported, err := m.syncStrategy(ctx, primary)
	if err != nil {
		return fail("strategy", err)
	}
	report.StrategyImported = imported

	accounts, err := m.fallback.ListAccountStates(ctx)
	if err != nil {
		m.log.Warn("list fallback accounts failed, skipping account import", zap.Error(err))
	}
	for _, acct := range accounts {
		pctx, cancel := context.WithTimeout(ctx, m.timeout)
		current, ok, err := primary.GetAccountState(pctx, acct.AccountID)
		if err == nil && (!ok || acct.UpdatedAt.After(current.UpdatedAt)) {
			err = primary.PutAccountState(pctx, acct)
			if err == nil {
				report.AccountsImported++
			}
		}
		cancel()
		if err != nil {
			return fail("account "+acct.AccountID, err)
		}
	}

	journal, ok := m.fallback.(TransactionJournal)
	if ok {
		if err := m.syncTransactionFiles(ctx, primary, journal, &report); err != nil {
			return fail("transactions", err)
		}
	}

	if report.StrategyImported || report.AccountsImported > 0 || report.TransactionsReplayed > 0 {
		m.metrics.FallbackImported.Inc()
		m.log.Info("fallback state imported into primary",
			zap.Bool("strategy", report.StrategyImported),
			zap.Int("accounts", report.AccountsImported),
			zap.Int("transactions", report.TransactionsReplayed),
			zap.Int("files_archived", report.FilesArchived),
		)
	}
	return report, nil
}

func (m *Manager) syncStrategy(ctx context.Context, primary Backend) (bool, error) {
	doc, ok, err := m.fallback.LoadStrategyState(ctx, m.strategyID)
	if err != nil {
		if errors.Is(err, ErrCorruptState) {
			m.metrics.CorruptState.Inc()
		}
		m.log.Warn("fallback strategy state unreadable, skipping import", zap.Error(err))
		return false, nil
	}
	if !ok {
		return false, nil
	}
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	current, found, err := primary.LoadStrategyState(pctx, m.strategyID)
	if err != nil {
		return false, err
	}
	if found && !doc.LastUpdated.After(current.LastUpdated) {
		return false, nil
	}
	if err := primary.SaveStrategyState(pctx, doc); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) syncTransactionFiles(ctx context.Context, primary Backend, journal TransactionJournal, report *SyncReport) error {
	files, err := journal.PendingTransactionFiles()
	if err != nil {
		m.log.Warn("list fallback transaction files failed", zap.Error(err))
		return nil
	}
	for _, path := range files {
		var replayErr error
		replayed := false
		err := journal.ImportTransactionFile(path, func(txs []Transaction) error {
			for _, tx := range txs {
				pctx, cancel := context.WithTimeout(ctx, m.timeout)
				err := primary.RecordTransaction(pctx, tx)
				cancel()
				if err != nil {
					replayErr = fmt.Errorf("replay %s: %w", tx.ID, err)
					return replayErr
				}
				report.TransactionsReplayed++
			}
			replayed = true
			return nil
		})
		switch {
		case replayErr != nil:
			return replayErr
		case err != nil && replayed:
			m.log.Warn("archive fallback transaction file failed", zap.String("path", path), zap.Error(err))
		case err != nil:
			m.log.Warn("read fallback transaction file failed", zap.String("path", path), zap.Error(err))
		default:
			report.FilesArchived++
		}
	}
	return nil
}
