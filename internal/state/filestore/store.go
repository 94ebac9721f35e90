// Package filestore keeps strategy, account and transaction records as plain
// files on local disk. It is the fallback backend used while the relational
// store is unreachable, and the cold-start source when it never comes up.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"funding-arb-state/internal/state"

	"go.uber.org/zap"
)

const (
	strategyFile    = "strategy_state.json"
	accountsDir     = "accounts"
	transactionsDir = "transactions"
	importedDir     = "imported"
	dayLayout       = "2006-01-02"
	dayFilePrefix   = "transactions_"
	dayFileSuffix   = ".jsonl"
)

type Store struct {
	dir string
	log *zap.Logger

	mu sync.Mutex
	// beforeRename runs between the temp file sync and the rename that
	// publishes a document.
	beforeRename func(tmp string) error
}

func New(dir string, log *zap.Logger) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("fallback directory is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	for _, sub := range []string{
		dir,
		filepath.Join(dir, accountsDir),
		filepath.Join(dir, transactionsDir),
		filepath.Join(dir, transactionsDir, importedDir),
	} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("create fallback directory: %w", err)
		}
	}
	return &Store{dir: dir, log: log}, nil
}

func (s *Store) Name() string {
	return "file"
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) SaveStrategyState(_ context.Context, st state.StrategyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(filepath.Join(s.dir, strategyFile), st)
}

func (s *Store) LoadStrategyState(_ context.Context, strategyID string) (state.StrategyState, bool, error) {
	var st state.StrategyState
	ok, err := readDocument(filepath.Join(s.dir, strategyFile), &st)
	if err != nil || !ok {
		return state.StrategyState{}, false, err
	}
	if strategyID != "" && st.StrategyID != "" && st.StrategyID != strategyID {
		return state.StrategyState{}, false, nil
	}
	if st.StrategyID == "" {
		st.StrategyID = strategyID
	}
	if st.AccountsStatus == nil {
		st.AccountsStatus = state.Document{}
	}
	return st, true, nil
}

func (s *Store) GetAccountState(ctx context.Context, accountID string) (state.AccountState, bool, error) {
	if err := state.ValidateAccountID(accountID); err != nil {
		return state.AccountState{}, false, err
	}
	var acct state.AccountState
	ok, err := readDocument(s.accountPath(accountID), &acct)
	if err != nil {
		return state.AccountState{}, false, err
	}
	if ok {
		return normalizeAccount(accountID, acct), true, nil
	}
	return s.legacyAccount(ctx, accountID)
}

// legacyAccount reads an account recorded inside the strategy document's
// accounts_status map, the layout used before per-account files existed.
func (s *Store) legacyAccount(ctx context.Context, accountID string) (state.AccountState, bool, error) {
	st, ok, err := s.LoadStrategyState(ctx, "")
	if err != nil || !ok {
		return state.AccountState{}, false, nil
	}
	entry, ok := st.AccountsStatus[accountID]
	if !ok {
		return state.AccountState{}, false, nil
	}
	switch v := entry.(type) {
	case map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return state.AccountState{}, false, nil
		}
		var acct state.AccountState
		if err := json.Unmarshal(raw, &acct); err != nil {
			s.log.Warn("legacy account entry unreadable", zap.String("account_id", accountID), zap.Error(err))
			return state.AccountState{}, false, nil
		}
		return normalizeAccount(accountID, acct), true, nil
	case string:
		status, err := state.ParseAccountStatus(v)
		if err != nil {
			return state.AccountState{}, false, nil
		}
		acct := state.NewAccountState(accountID)
		acct.Status = status
		return acct, true, nil
	default:
		return state.AccountState{}, false, nil
	}
}

func (s *Store) PutAccountState(_ context.Context, acct state.AccountState) error {
	if err := state.ValidateAccountID(acct.AccountID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(s.accountPath(acct.AccountID), acct)
}

func (s *Store) ListAccountStates(context.Context) ([]state.AccountState, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, accountsDir))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []state.AccountState
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		var acct state.AccountState
		ok, err := readDocument(filepath.Join(s.dir, accountsDir, name), &acct)
		if err != nil {
			s.log.Warn("skipping unreadable account file", zap.String("file", name), zap.Error(err))
			continue
		}
		if ok {
			out = append(out, normalizeAccount(id, acct))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *Store) RecordTransaction(_ context.Context, tx state.Transaction) error {
	line, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	path := filepath.Join(s.dir, transactionsDir, dayFileName(tx.Timestamp))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	terminated, err := endsWithNewline(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	if !terminated {
		// A crash mid-append left a partial line; start on a fresh one.
		line = append([]byte{'\n'}, line...)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// endsWithNewline reports whether f is empty or its last byte is a newline.
func endsWithNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return true, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] == '\n', nil
}

// ListTransactions reads pending and archived day files overlapping the
// filter range. A transaction id seen twice is returned once.
func (s *Store) ListTransactions(_ context.Context, filter state.TransactionFilter) ([]state.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var files []string
	for _, dir := range []string{
		filepath.Join(s.dir, transactionsDir, importedDir),
		filepath.Join(s.dir, transactionsDir),
	} {
		found, err := dayFiles(dir, filter)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}
	seen := make(map[string]struct{})
	var out []state.Transaction
	for _, path := range files {
		txs, err := s.readTransactionFile(path)
		if err != nil {
			return nil, err
		}
		for _, tx := range txs {
			if !filter.Match(tx) {
				continue
			}
			if _, dup := seen[tx.ID]; dup && tx.ID != "" {
				continue
			}
			seen[tx.ID] = struct{}{}
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// readTransactionFile parses one day file. Lines that do not decode, such as
// a partial line left by a crash mid-append, are skipped.
func (s *Store) readTransactionFile(path string) ([]state.Transaction, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []state.Transaction
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var tx state.Transaction
		if err := json.Unmarshal(line, &tx); err != nil {
			s.log.Warn("skipping unparsable transaction line",
				zap.String("file", filepath.Base(path)),
				zap.Int("line", lineNo),
				zap.Error(err),
			)
			continue
		}
		tx.Timestamp = tx.Timestamp.UTC()
		if tx.Metadata == nil {
			tx.Metadata = state.Document{}
		}
		out = append(out, tx)
	}
	if err := scanner.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func (s *Store) PendingTransactionFiles() ([]string, error) {
	return dayFiles(filepath.Join(s.dir, transactionsDir), state.TransactionFilter{})
}

// ImportTransactionFile hands the parsed contents of a pending day file to
// replay and, once replay succeeds, moves the file into the imported archive.
// Appends are held off for the whole call so no line lands in the file
// between the read and the move. New appends for the same day then start a
// fresh pending file.
func (s *Store) ImportTransactionFile(path string, replay func([]state.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txs, err := s.readTransactionFile(path)
	if err != nil {
		return err
	}
	if err := replay(txs); err != nil {
		return err
	}
	return s.archiveLocked(path)
}

func (s *Store) archiveLocked(path string) error {
	archive := filepath.Join(s.dir, transactionsDir, importedDir)
	if err := os.MkdirAll(archive, 0o755); err != nil {
		return err
	}
	base := filepath.Base(path)
	target := filepath.Join(archive, base)
	for i := 1; ; i++ {
		if _, err := os.Stat(target); errors.Is(err, fs.ErrNotExist) {
			break
		}
		stem := strings.TrimSuffix(base, dayFileSuffix)
		target = filepath.Join(archive, fmt.Sprintf("%s.%d%s", stem, i, dayFileSuffix))
	}
	if err := os.Rename(path, target); err != nil {
		return err
	}
	syncDir(archive)
	return nil
}

func (s *Store) accountPath(accountID string) string {
	return filepath.Join(s.dir, accountsDir, accountID+".json")
}

func (s *Store) writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func(err error) error {
		_ = os.Remove(tmpPath)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		return cleanup(err)
	}
	if s.beforeRename != nil {
		if err := s.beforeRename(tmpPath); err != nil {
			return cleanup(err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return cleanup(err)
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func readDocument(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return false, &state.CorruptStateError{Path: path, Err: errors.New("empty document")}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, &state.CorruptStateError{Path: path, Err: err}
	}
	return true, nil
}

func normalizeAccount(accountID string, acct state.AccountState) state.AccountState {
	if acct.AccountID == "" {
		acct.AccountID = accountID
	}
	if acct.Status == "" {
		acct.Status = state.StatusUninitialized
	}
	if acct.Positions == nil {
		acct.Positions = state.Document{}
	}
	if acct.LeverageInfo == nil {
		acct.LeverageInfo = state.Document{}
	}
	if acct.EntryData == nil {
		acct.EntryData = state.Document{}
	}
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return acct
}

func dayFileName(ts time.Time) string {
	return dayFilePrefix + ts.UTC().Format(dayLayout) + dayFileSuffix
}

// fileDay extracts the day and archive sequence from names like
// transactions_2024-01-02.jsonl (sequence 0) and their archived copies
// transactions_2024-01-02.1.jsonl, transactions_2024-01-02.2.jsonl.
func fileDay(name string) (time.Time, int, bool) {
	if !strings.HasPrefix(name, dayFilePrefix) || !strings.HasSuffix(name, dayFileSuffix) {
		return time.Time{}, 0, false
	}
	stem := strings.TrimSuffix(strings.TrimPrefix(name, dayFilePrefix), dayFileSuffix)
	if len(stem) < len(dayLayout) {
		return time.Time{}, 0, false
	}
	day, err := time.Parse(dayLayout, stem[:len(dayLayout)])
	if err != nil {
		return time.Time{}, 0, false
	}
	rest := stem[len(dayLayout):]
	if rest == "" {
		return day, 0, true
	}
	if !strings.HasPrefix(rest, ".") {
		return time.Time{}, 0, false
	}
	seq, err := strconv.Atoi(rest[1:])
	if err != nil || seq < 1 {
		return time.Time{}, 0, false
	}
	return day, seq, true
}

func dayFiles(dir string, filter state.TransactionFilter) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	type dayFile struct {
		day  time.Time
		seq  int
		path string
	}
	var files []dayFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		day, seq, ok := fileDay(entry.Name())
		if !ok {
			continue
		}
		if !filter.From.IsZero() && !day.Add(24*time.Hour).After(filter.From.UTC()) {
			continue
		}
		if !filter.To.IsZero() && !day.Before(filter.To.UTC()) {
			continue
		}
		files = append(files, dayFile{day: day, seq: seq, path: filepath.Join(dir, entry.Name())})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].day.Equal(files[j].day) {
			return files[i].seq < files[j].seq
		}
		return files[i].day.Before(files[j].day)
	})
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.path)
	}
	return out, nil
}
