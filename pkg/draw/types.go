package draw

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AmountCents is an integer currency amount in the smallest currency unit.
type AmountCents int64

// Int64 returns the raw cent value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// ParticipantID identifies a balance owner.
type ParticipantID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for externally triggered operations.
type IdempotencyKey struct {
	value string
}

// PeriodStatus defines the draw period lifecycle.
type PeriodStatus string

const (
	PeriodStatusOpen    PeriodStatus = "open"
	PeriodStatusLocked  PeriodStatus = "locked"
	PeriodStatusSettled PeriodStatus = "settled"
)

// String returns the status label.
func (status PeriodStatus) String() string {
	return string(status)
}

// EntryStatus defines the entry lifecycle.
type EntryStatus string

const (
	EntryStatusActive EntryStatus = "active"
	EntryStatusWon    EntryStatus = "won"
	EntryStatusLost   EntryStatus = "lost"
)

// String returns the status label.
func (status EntryStatus) String() string {
	return string(status)
}

// RecordCategory enumerates ledger record kinds.
type RecordCategory string

const (
	RecordEntryDebit   RecordCategory = "entry_debit"
	RecordPayoutCredit RecordCategory = "payout_credit"
	RecordFeeCredit    RecordCategory = "fee_credit"
	RecordDeposit      RecordCategory = "deposit"
	RecordWithdrawal   RecordCategory = "withdrawal"
)

// String returns the category label.
func (category RecordCategory) String() string {
	return string(category)
}

// Trigger names the caller class that initiated a settlement.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// NewParticipantID validates and normalizes a participant id.
func NewParticipantID(raw string) (ParticipantID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ParticipantID{}, fmt.Errorf("%w: empty value", ErrInvalidParticipantID)
	}
	return ParticipantID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ParticipantID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if len(trimmed) > maxIdempotencyKeyLength {
		return IdempotencyKey{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdempotencyKey, maxIdempotencyKeyLength)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether no key was supplied.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// NewAmountCents validates an amount and ensures it is strictly positive.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// NewPeriodDate validates a YYYY-MM-DD period date.
func NewPeriodDate(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if _, err := time.Parse(periodDateLayout, trimmed); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriodDate, raw)
	}
	return trimmed, nil
}

// NewContextJSON validates a free-form context blob (defaulting to "{}").
func NewContextJSON(raw string) (string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return "", fmt.Errorf("%w: must be valid json", ErrInvalidContextJSON)
	}
	return normalized, nil
}

// Period is one scheduled drawing window.
type Period struct {
	PeriodID       string
	PeriodDate     string
	PoolCents      int64
	EntryCount     int64
	Status         PeriodStatus
	Commitment     string
	Secret         string
	WinningIndex   *int64
	CreatedUnixUTC int64
	SettledUnixUTC int64
}

// Entry is one paid participation in a period.
type Entry struct {
	EntryID           string
	ParticipantID     string
	PeriodID          string
	Position          int64
	PoolSnapshotCents int64
	Seal              string
	Status            EntryStatus
	PayoutCents       int64
	PurchasedUnixUTC  int64
}

// Balance is the funds view for one participant.
type Balance struct {
	AvailableCents AmountCents
	HeldCents      AmountCents
}

// LedgerRecord is an immutable audit line for one balance mutation.
type LedgerRecord struct {
	RecordID       string
	ParticipantID  string
	Category       RecordCategory
	AmountCents    int64
	Status         string
	ContextJSON    string
	CreatedUnixUTC int64
}

// IdempotencyRecord maps an operation key to its stored result.
type IdempotencyRecord struct {
	Key            string
	ResultJSON     string
	CreatedUnixUTC int64
}

// SettlementResult is returned once a period settles; the secret is safe to
// expose at this point.
type SettlementResult struct {
	PeriodID        string `json:"period_id"`
	PeriodDate      string `json:"period_date"`
	WinningIndex    int64  `json:"winning_index"`
	WinningEntryID  string `json:"winning_entry_id"`
	WinningPosition int64  `json:"winning_position"`
	WinnerID        string `json:"winner_id"`
	PoolCents       int64  `json:"pool_cents"`
	PayoutCents     int64  `json:"payout_cents"`
	FeeCents        int64  `json:"fee_cents"`
	Secret          string `json:"secret"`
	Commitment      string `json:"commitment"`
	SettledUnixUTC  int64  `json:"settled_unix_utc"`
}

// EntryReceipt is returned after a successful entry submission.
type EntryReceipt struct {
	Entry      Entry
	PoolCents  int64
	EntryCount int64
}

// Store is the persistence contract used by Service. All mutating methods are
// expected to run inside WithTx; row locks taken by the ForUpdate variants are
// held until the enclosing transaction ends.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CreatePeriod(ctx context.Context, period Period) (Period, error)
	GetPeriod(ctx context.Context, periodID string) (Period, error)
	GetPeriodByDate(ctx context.Context, periodDate string) (Period, error)
	GetPeriodForUpdate(ctx context.Context, periodID string) (Period, error)
	GetOpenPeriod(ctx context.Context) (Period, error)
	GetOpenPeriodForUpdate(ctx context.Context) (Period, error)
	UpdatePeriodStatus(ctx context.Context, periodID string, from, to PeriodStatus) error
	IncrementPeriodPool(ctx context.Context, periodID string, priceCents int64) error
	RecordSettlement(ctx context.Context, periodID string, winningIndex int64, settledUnixUTC int64) error

	InsertEntry(ctx context.Context, entry Entry) error
	ListPeriodEntries(ctx context.Context, periodID string) ([]Entry, error)
	MarkEntryWon(ctx context.Context, entryID string, payoutCents int64) error
	MarkEntriesLost(ctx context.Context, periodID string, winningEntryID string) error

	GetBalanceForUpdate(ctx context.Context, participantID string) (Balance, error)
	ApplyBalanceDelta(ctx context.Context, participantID string, availableDelta, heldDelta int64) error
	InsertLedgerRecord(ctx context.Context, record LedgerRecord) error
	ListLedgerRecords(ctx context.Context, participantID string, beforeUnixUTC int64, limit int) ([]LedgerRecord, error)

	InsertIdempotencyRecord(ctx context.Context, key string, createdUnixUTC int64) error
	StoreIdempotencyResult(ctx context.Context, key string, resultJSON string) error
	GetIdempotencyRecord(ctx context.Context, key string) (IdempotencyRecord, error)
}
