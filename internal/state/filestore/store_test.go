package filestore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"funding-arb-state/internal/state"

	"github.com/shopspring/decimal"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestLoadStrategyStateAbsent(t *testing.T) {
	store := newStore(t)
	_, ok, err := store.LoadStrategyState(context.Background(), "funding_strategy")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected absent state")
	}
}

func TestLoadStrategyStateCorrupt(t *testing.T) {
	store := newStore(t)
	path := filepath.Join(store.Dir(), strategyFile)
	if err := os.WriteFile(path, []byte(`{"strategy_id": "funding_strategy", "is_act`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, ok, err := store.LoadStrategyState(context.Background(), "funding_strategy")
	if ok {
		t.Fatalf("expected no state from corrupt document")
	}
	if !errors.Is(err, state.ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
	var corrupt *state.CorruptStateError
	if !errors.As(err, &corrupt) || corrupt.Path != path {
		t.Fatalf("expected CorruptStateError for %s, got %v", path, err)
	}
}

func TestStrategyStateRoundTrip(t *testing.T) {
	store := newStore(t)
	started := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	in := state.StrategyState{
		StrategyID:     "funding_strategy",
		IsActive:       true,
		AccountsStatus: state.Document{"acct-1": "funding_collection"},
		StartedAt:      &started,
		LastUpdated:    started.Add(time.Hour),
	}
	if err := store.SaveStrategyState(context.Background(), in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, ok, err := store.LoadStrategyState(context.Background(), "funding_strategy")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if !out.IsActive || out.AccountsStatus["acct-1"] != "funding_collection" {
		t.Fatalf("unexpected state: %+v", out)
	}
	if out.StartedAt == nil || !out.StartedAt.Equal(started) || !out.LastUpdated.Equal(in.LastUpdated) {
		t.Fatalf("unexpected timestamps: %+v", out)
	}

	_, ok, err = store.LoadStrategyState(context.Background(), "other")
	if err != nil || ok {
		t.Fatalf("expected other strategy absent, ok=%v err=%v", ok, err)
	}
}

func TestStrategyDocumentOmitsMissingStartedAt(t *testing.T) {
	store := newStore(t)
	if err := store.SaveStrategyState(context.Background(), state.StrategyState{
		StrategyID:     "funding_strategy",
		AccountsStatus: state.Document{},
		LastUpdated:    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(store.Dir(), strategyFile))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.Contains(string(raw), "started_at") {
		t.Fatalf("expected started_at omitted, got %s", raw)
	}
	for _, field := range []string{"strategy_id", "is_active", "accounts_status", "last_updated"} {
		if !strings.Contains(string(raw), field) {
			t.Fatalf("expected %s in document, got %s", field, raw)
		}
	}
}

func TestInterruptedSaveKeepsPreviousDocument(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	first := state.StrategyState{StrategyID: "funding_strategy", IsActive: true, AccountsStatus: state.Document{}, LastUpdated: time.Now().UTC()}
	if err := store.SaveStrategyState(ctx, first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	var tmpSeen string
	store.beforeRename = func(tmp string) error {
		tmpSeen = tmp
		return errors.New("crash before rename")
	}
	second := first
	second.IsActive = false
	if err := store.SaveStrategyState(ctx, second); err == nil {
		t.Fatalf("expected interrupted save to fail")
	}
	store.beforeRename = nil

	out, ok, err := store.LoadStrategyState(ctx, "funding_strategy")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if !out.IsActive {
		t.Fatalf("expected previous complete document, got %+v", out)
	}
	if _, err := os.Stat(tmpSeen); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected temp file removed, stat err=%v", err)
	}
}

func TestTransactionsAreAppendOnly(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	record := func(id string, offset time.Duration) {
		t.Helper()
		err := store.RecordTransaction(ctx, state.Transaction{
			ID:        id,
			AccountID: "acct-1",
			Type:      state.TxTrade,
			Symbol:    "BTC/USDT",
			Amount:    decimal.RequireFromString("0.25"),
			Price:     decimal.NewNullDecimal(decimal.RequireFromString("64000.5")),
			Timestamp: ts.Add(offset),
			Metadata:  state.Document{},
		})
		if err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
	path := filepath.Join(store.Dir(), transactionsDir, "transactions_2024-05-10.jsonl")
	record("tx-1", 0)
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	beforeSum := sha256.Sum256(before)
	record("tx-2", time.Minute)
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(after) <= len(before) {
		t.Fatalf("expected file to grow")
	}
	if sha256.Sum256(after[:len(before)]) != beforeSum {
		t.Fatalf("expected earlier lines to be unchanged")
	}
	if !strings.Contains(string(after), `"amount":"0.25"`) || !strings.Contains(string(after), `"price":"64000.5"`) {
		t.Fatalf("expected decimal strings, got %s", after)
	}
}

func TestTransactionsPartitionedByDay(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	day1 := time.Date(2024, 5, 10, 23, 59, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Minute)
	for i, ts := range []time.Time{day1, day2} {
		if err := store.RecordTransaction(ctx, state.Transaction{
			ID: "tx-" + string(rune('a'+i)), AccountID: "acct-1", Type: state.TxFunding,
			Amount: decimal.NewFromInt(1), Timestamp: ts,
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	files, err := store.PendingTransactionFiles()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 day files, got %v", files)
	}
	if filepath.Base(files[0]) != "transactions_2024-05-10.jsonl" || filepath.Base(files[1]) != "transactions_2024-05-11.jsonl" {
		t.Fatalf("unexpected day files: %v", files)
	}

	txs, err := store.ListTransactions(ctx, state.TransactionFilter{From: day2.Truncate(24 * time.Hour)})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 1 || txs[0].ID != "tx-b" {
		t.Fatalf("expected only second day, got %+v", txs)
	}
}

func TestListTransactionsSkipsPartialLine(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	if err := store.RecordTransaction(ctx, state.Transaction{
		ID: "tx-1", AccountID: "acct-1", Type: state.TxTransfer, Amount: decimal.NewFromInt(10000), Timestamp: ts,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	path := filepath.Join(store.Dir(), transactionsDir, "transactions_2024-05-10.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"id":"tx-2","account_id":"acct-1","amo`); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	_ = f.Close()

	txs, err := store.ListTransactions(ctx, state.TransactionFilter{AccountID: "acct-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 1 || txs[0].ID != "tx-1" {
		t.Fatalf("expected the complete record only, got %+v", txs)
	}
	if !txs[0].Amount.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("unexpected amount %s", txs[0].Amount)
	}
}

func TestListTransactionsOrderedByTimestamp(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	for _, tc := range []struct {
		id     string
		offset time.Duration
	}{{"late", time.Hour}, {"early", 0}, {"tie", time.Hour}} {
		if err := store.RecordTransaction(ctx, state.Transaction{
			ID: tc.id, AccountID: "acct-1", Type: state.TxFee, Amount: decimal.NewFromInt(1), Timestamp: base.Add(tc.offset),
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	txs, err := store.ListTransactions(ctx, state.TransactionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := []string{txs[0].ID, txs[1].ID, txs[2].ID}
	want := []string{"early", "late", "tie"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func importPending(t *testing.T, store *Store) []string {
	t.Helper()
	files, err := store.PendingTransactionFiles()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	var ids []string
	for _, path := range files {
		err := store.ImportTransactionFile(path, func(txs []state.Transaction) error {
			for _, tx := range txs {
				ids = append(ids, tx.ID)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("import %s: %v", path, err)
		}
	}
	return ids
}

func TestImportArchivesAndKeepsHistory(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	record := func(id string) {
		t.Helper()
		if err := store.RecordTransaction(ctx, state.Transaction{
			ID: id, AccountID: "acct-1", Type: state.TxTrade, Amount: decimal.NewFromInt(1), Timestamp: ts,
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	record("tx-1")
	if ids := importPending(t, store); len(ids) != 1 || ids[0] != "tx-1" {
		t.Fatalf("unexpected replay %v", ids)
	}
	record("tx-2")
	if ids := importPending(t, store); len(ids) != 1 || ids[0] != "tx-2" {
		t.Fatalf("unexpected replay %v", ids)
	}

	files, err := store.PendingTransactionFiles()
	if err != nil || len(files) != 0 {
		t.Fatalf("expected no pending files, got %v %v", files, err)
	}
	archived, err := os.ReadDir(filepath.Join(store.Dir(), transactionsDir, importedDir))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(archived) != 2 {
		t.Fatalf("expected two archived files, got %d", len(archived))
	}
	txs, err := store.ListTransactions(ctx, state.TransactionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected archived history to stay readable, got %+v", txs)
	}
}

func TestImportKeepsFilePendingWhenReplayFails(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.RecordTransaction(ctx, state.Transaction{
		ID: "tx-1", AccountID: "acct-1", Type: state.TxFee, Amount: decimal.NewFromInt(1),
		Timestamp: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	files, err := store.PendingTransactionFiles()
	if err != nil || len(files) != 1 {
		t.Fatalf("pending: %v %v", files, err)
	}
	replayErr := errors.New("primary down")
	if err := store.ImportTransactionFile(files[0], func([]state.Transaction) error { return replayErr }); !errors.Is(err, replayErr) {
		t.Fatalf("expected replay error, got %v", err)
	}
	if files, _ := store.PendingTransactionFiles(); len(files) != 1 {
		t.Fatalf("expected file to stay pending, got %v", files)
	}
}

func TestAppendWaitsForImport(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	tx := func(id string) state.Transaction {
		return state.Transaction{ID: id, AccountID: "acct-1", Type: state.TxFunding, Amount: decimal.NewFromInt(1), Timestamp: ts}
	}
	if err := store.RecordTransaction(ctx, tx("tx-1")); err != nil {
		t.Fatalf("record: %v", err)
	}
	files, err := store.PendingTransactionFiles()
	if err != nil || len(files) != 1 {
		t.Fatalf("pending: %v %v", files, err)
	}

	appended := make(chan error, 1)
	var replayed []string
	err = store.ImportTransactionFile(files[0], func(txs []state.Transaction) error {
		go func() { appended <- store.RecordTransaction(ctx, tx("tx-2")) }()
		select {
		case err := <-appended:
			return fmt.Errorf("append finished during import: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		for _, tx := range txs {
			replayed = append(replayed, tx.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := <-appended; err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(replayed) != 1 || replayed[0] != "tx-1" {
		t.Fatalf("unexpected replay %v", replayed)
	}
	if ids := importPending(t, store); len(ids) != 1 || ids[0] != "tx-2" {
		t.Fatalf("expected the later append to stay pending, got %v", ids)
	}
}

func TestAppendAfterPartialLineStartsNewLine(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	record := func(id string) {
		t.Helper()
		if err := store.RecordTransaction(ctx, state.Transaction{
			ID: id, AccountID: "acct-1", Type: state.TxTrade, Amount: decimal.NewFromInt(1), Timestamp: ts,
		}); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
	record("tx-a")
	path := filepath.Join(store.Dir(), transactionsDir, "transactions_2024-05-10.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"id":"tx-b","account_id":"acct-1","ty`); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	_ = f.Close()
	record("tx-c")

	txs, err := store.ListTransactions(ctx, state.TransactionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 2 || txs[0].ID != "tx-a" || txs[1].ID != "tx-c" {
		t.Fatalf("expected tx-a and tx-c, got %+v", txs)
	}
}

func TestArchivedCopiesKeepInsertionOrder(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	var want []string
	for i := 1; i <= 12; i++ {
		id := fmt.Sprintf("tx-%02d", i)
		want = append(want, id)
		if err := store.RecordTransaction(ctx, state.Transaction{
			ID: id, AccountID: "acct-1", Type: state.TxFee, Amount: decimal.NewFromInt(1), Timestamp: ts,
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
		// leave the last one pending
		if i < 12 {
			importPending(t, store)
		}
	}
	txs, err := store.ListTransactions(ctx, state.TransactionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != len(want) {
		t.Fatalf("expected %d transactions, got %d", len(want), len(txs))
	}
	for i := range want {
		if txs[i].ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], txs[i].ID)
		}
	}
}

func TestFileDaySequence(t *testing.T) {
	for _, tc := range []struct {
		name string
		seq  int
		ok   bool
	}{
		{"transactions_2024-05-10.jsonl", 0, true},
		{"transactions_2024-05-10.2.jsonl", 2, true},
		{"transactions_2024-05-10.10.jsonl", 10, true},
		{"transactions_2024-05-10x.jsonl", 0, false},
		{"transactions_2024-05-10.0.jsonl", 0, false},
		{"notes.jsonl", 0, false},
	} {
		_, seq, ok := fileDay(tc.name)
		if ok != tc.ok || seq != tc.seq {
			t.Fatalf("%s: expected (%d, %v), got (%d, %v)", tc.name, tc.seq, tc.ok, seq, ok)
		}
	}
}

func TestAccountStateRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	acct := state.NewAccountState("acct-1")
	acct.Status = state.StatusFundingCollection
	acct.Balance = decimal.RequireFromString("9500.12345678")
	acct.EntryData = state.Document{"symbol": "BTC/USDT", "entry_price": 64000.5}
	acct.NextAccountID = "acct-2"
	acct.UpdatedAt = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	if err := store.PutAccountState(ctx, acct); err != nil {
		t.Fatalf("put: %v", err)
	}
	out, ok, err := store.GetAccountState(ctx, "acct-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if out.Status != state.StatusFundingCollection || !out.Balance.Equal(acct.Balance) || out.NextAccountID != "acct-2" {
		t.Fatalf("unexpected account: %+v", out)
	}
	if out.EntryData["symbol"] != "BTC/USDT" {
		t.Fatalf("unexpected entry data: %+v", out.EntryData)
	}

	list, err := store.ListAccountStates(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}
}

func TestAccountStateCorrupt(t *testing.T) {
	store := newStore(t)
	if err := os.WriteFile(store.accountPath("acct-1"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err := store.GetAccountState(context.Background(), "acct-1")
	if !errors.Is(err, state.ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
}

func TestAccountStateUnknownStatusIsCorrupt(t *testing.T) {
	store := newStore(t)
	doc := []byte(`{"account_id":"acct-1","status":"LIQUIDATED","balance":"0"}`)
	if err := os.WriteFile(store.accountPath("acct-1"), doc, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err := store.GetAccountState(context.Background(), "acct-1")
	if !errors.Is(err, state.ErrCorruptState) {
		t.Fatalf("expected ErrCorruptState, got %v", err)
	}
}

func TestAccountStateRejectsPathTraversal(t *testing.T) {
	store := newStore(t)
	err := store.PutAccountState(context.Background(), state.AccountState{AccountID: "../escape"})
	if !errors.Is(err, state.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestLegacyAccountsStatusLookup(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.SaveStrategyState(ctx, state.StrategyState{
		StrategyID: "funding_strategy",
		AccountsStatus: state.Document{
			"acct-1": map[string]any{"status": "FUNDING_COLLECTION", "balance": "9500", "next_account_id": "acct-2"},
			"acct-2": "idle",
		},
		LastUpdated: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save: %v", err)
	}
	acct, ok, err := store.GetAccountState(ctx, "acct-1")
	if err != nil || !ok {
		t.Fatalf("get acct-1: ok=%v err=%v", ok, err)
	}
	if acct.Status != state.StatusFundingCollection || acct.NextAccountID != "acct-2" || !acct.Balance.Equal(decimal.NewFromInt(9500)) {
		t.Fatalf("unexpected legacy account: %+v", acct)
	}
	acct, ok, err = store.GetAccountState(ctx, "acct-2")
	if err != nil || !ok || acct.Status != state.StatusIdle {
		t.Fatalf("unexpected acct-2: %+v ok=%v err=%v", acct, ok, err)
	}
	if _, ok, _ := store.GetAccountState(ctx, "acct-3"); ok {
		t.Fatalf("expected acct-3 absent")
	}
}
