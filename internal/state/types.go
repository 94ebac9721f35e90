package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultStrategyID = "funding_strategy"

// Document is a schema-less structured value (positions, leverage info, entry
// data, status maps). Values are kept in their JSON-decoded form.
type Document map[string]any

// Clone returns a deep copy with JSON-normalized values.
func (d Document) Clone() Document {
	out, err := normalizeDocument(d)
	if err != nil {
		return Document{}
	}
	return out
}

type AccountStatus string

const (
	StatusUninitialized     AccountStatus = "uninitialized"
	StatusIdle              AccountStatus = "idle"
	StatusInitialized       AccountStatus = "initialized"
	StatusActive            AccountStatus = "active"
	StatusWaitingTarget     AccountStatus = "waiting_target"
	StatusFundingCollection AccountStatus = "funding_collection"
	StatusRotated           AccountStatus = "rotated"
	StatusCompleted         AccountStatus = "completed"
	StatusClosed            AccountStatus = "closed"
	StatusFailed            AccountStatus = "failed"
)

var accountStatuses = map[AccountStatus]struct{}{
	StatusUninitialized:     {},
	StatusIdle:              {},
	StatusInitialized:       {},
	StatusActive:            {},
	StatusWaitingTarget:     {},
	StatusFundingCollection: {},
	StatusRotated:           {},
	StatusCompleted:         {},
	StatusClosed:            {},
	StatusFailed:            {},
}

func ParseAccountStatus(raw string) (AccountStatus, error) {
	status := AccountStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown account status %q", ErrInvalidState, raw)
	}
	return status, nil
}

func (s AccountStatus) Valid() bool {
	_, ok := accountStatuses[s]
	return ok
}

// UnmarshalText accepts legacy upper-case tags such as "FUNDING_COLLECTION".
// An empty value is left for the caller to default; unknown tags are rejected.
func (s *AccountStatus) UnmarshalText(text []byte) error {
	if len(bytes.TrimSpace(text)) == 0 {
		*s = ""
		return nil
	}
	status, err := ParseAccountStatus(string(text))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

type StrategyState struct {
	StrategyID     string     `json:"strategy_id"`
	IsActive       bool       `json:"is_active"`
	AccountsStatus Document   `json:"accounts_status"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastUpdated    time.Time  `json:"last_updated"`
}

type AccountState struct {
	AccountID     string          `json:"account_id"`
	Status        AccountStatus   `json:"status"`
	Balance       decimal.Decimal `json:"balance"`
	Positions     Document        `json:"positions"`
	LeverageInfo  Document        `json:"leverage_info"`
	EntryData     Document        `json:"entry_data"`
	NextAccountID string          `json:"next_account_id,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewAccountState is the shape an account takes on its first write.
func NewAccountState(accountID string) AccountState {
	return AccountState{
		AccountID:    accountID,
		Status:       StatusUninitialized,
		Balance:      decimal.Zero,
		Positions:    Document{},
		LeverageInfo: Document{},
		EntryData:    Document{},
	}
}

// AccountUpdate is a field-level patch. Nil fields keep the stored value, so a
// status change never clobbers a balance written concurrently by another
// collaborator, and NextAccountID is only touched when set. Setting
// NextAccountID to an empty string clears the rotation link.
type AccountUpdate struct {
	Status        *AccountStatus
	Balance       *decimal.Decimal
	Positions     Document
	LeverageInfo  Document
	EntryData     Document
	NextAccountID *string
}

// FullUpdate builds a patch that replaces every field of the stored state
// with those of s. An empty NextAccountID still leaves the link untouched.
func FullUpdate(s AccountState) AccountUpdate {
	balance := s.Balance
	update := AccountUpdate{
		Balance:      &balance,
		Positions:    orEmpty(s.Positions),
		LeverageInfo: orEmpty(s.LeverageInfo),
		EntryData:    orEmpty(s.EntryData),
	}
	if s.Status != "" {
		status := s.Status
		update.Status = &status
	}
	if s.NextAccountID != "" {
		next := s.NextAccountID
		update.NextAccountID = &next
	}
	return update
}

// Apply merges the patch onto base and returns the result. Documents are
// copied, base is not modified.
func (u AccountUpdate) Apply(base AccountState) AccountState {
	out := base
	out.Positions = orEmpty(base.Positions).Clone()
	out.LeverageInfo = orEmpty(base.LeverageInfo).Clone()
	out.EntryData = orEmpty(base.EntryData).Clone()
	if u.Status != nil {
		out.Status = *u.Status
	}
	if u.Balance != nil {
		out.Balance = *u.Balance
	}
	if u.Positions != nil {
		out.Positions = u.Positions.Clone()
	}
	if u.LeverageInfo != nil {
		out.LeverageInfo = u.LeverageInfo.Clone()
	}
	if u.EntryData != nil {
		out.EntryData = u.EntryData.Clone()
	}
	if u.NextAccountID != nil {
		out.NextAccountID = strings.TrimSpace(*u.NextAccountID)
	}
	return out
}

const (
	TxTransfer = "transfer"
	TxTrade    = "trade"
	TxFee      = "fee"
	TxFunding  = "funding"
)

// Transaction is an immutable ledger entry. Numeric fields serialize as
// decimal strings.
type Transaction struct {
	ID        string              `json:"id"`
	AccountID string              `json:"account_id"`
	Type      string              `json:"type"`
	Symbol    string              `json:"symbol"`
	Amount    decimal.Decimal     `json:"amount"`
	Price     decimal.NullDecimal `json:"price"`
	Fee       decimal.NullDecimal `json:"fee"`
	Timestamp time.Time           `json:"timestamp"`
	Metadata  Document            `json:"metadata"`
}

// TransactionFilter selects transactions; From is inclusive, To exclusive and
// zero values are unbounded.
type TransactionFilter struct {
	AccountID string
	From      time.Time
	To        time.Time
}

func (f TransactionFilter) Match(tx Transaction) bool {
	if f.AccountID != "" && tx.AccountID != f.AccountID {
		return false
	}
	if !f.From.IsZero() && tx.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !tx.Timestamp.Before(f.To) {
		return false
	}
	return true
}

func orEmpty(d Document) Document {
	if d == nil {
		return Document{}
	}
	return d
}

func normalizeDocument(d Document) (Document, error) {
	if d == nil {
		return Document{}, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	out := Document{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
