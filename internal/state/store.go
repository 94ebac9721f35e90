package state

import "context"

// Backend is one durable home for strategy, account and transaction records.
// The Manager holds two: the relational primary and the local fallback.
type Backend interface {
	Name() string
	Ping(ctx context.Context) error
	SaveStrategyState(ctx context.Context, state StrategyState) error
	LoadStrategyState(ctx context.Context, strategyID string) (StrategyState, bool, error)
	GetAccountState(ctx context.Context, accountID string) (AccountState, bool, error)
	// PutAccountState stores the complete state, inserting or replacing by account id.
	PutAccountState(ctx context.Context, state AccountState) error
	ListAccountStates(ctx context.Context) ([]AccountState, error)
	// RecordTransaction appends tx. The relational store ignores an id it
	// already holds, which makes replaying the fallback journal safe.
	RecordTransaction(ctx context.Context, tx Transaction) error
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	Close() error
}

// TransactionJournal is implemented by backends that keep transactions in
// day files which can be replayed into the primary and archived.
type TransactionJournal interface {
	PendingTransactionFiles() ([]string, error)
	// ImportTransactionFile passes the file's transactions to replay and
	// archives the file when replay returns nil. No append may land in the
	// file while the import runs.
	ImportTransactionFile(path string, replay func([]Transaction) error) error
}

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

type Alerter interface {
	Send(ctx context.Context, message string) error
}
