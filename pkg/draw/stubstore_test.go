package draw

import (
	"context"
	"sort"
	"testing"
)

// stubStore is an in-memory Store with transactional rollback: WithTx
// snapshots the state and restores it when the closure fails, matching what
// callers get from a real database.
type stubStore struct {
	periods     map[string]Period
	periodDates map[string]string
	entries     map[string]Entry
	balances    map[string]Balance
	records     []LedgerRecord
	idempotency map[string]IdempotencyRecord
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		periods:     map[string]Period{},
		periodDates: map[string]string{},
		entries:     map[string]Entry{},
		balances:    map[string]Balance{},
		idempotency: map[string]IdempotencyRecord{},
	}
}

func (store *stubStore) snapshot() *stubStore {
	clone := &stubStore{
		periods:     make(map[string]Period, len(store.periods)),
		periodDates: make(map[string]string, len(store.periodDates)),
		entries:     make(map[string]Entry, len(store.entries)),
		balances:    make(map[string]Balance, len(store.balances)),
		records:     append([]LedgerRecord(nil), store.records...),
		idempotency: make(map[string]IdempotencyRecord, len(store.idempotency)),
	}
	for key, value := range store.periods {
		clone.periods[key] = value
	}
	for key, value := range store.periodDates {
		clone.periodDates[key] = value
	}
	for key, value := range store.entries {
		clone.entries[key] = value
	}
	for key, value := range store.balances {
		clone.balances[key] = value
	}
	for key, value := range store.idempotency {
		clone.idempotency[key] = value
	}
	return clone
}

func (store *stubStore) restore(saved *stubStore) {
	store.periods = saved.periods
	store.periodDates = saved.periodDates
	store.entries = saved.entries
	store.balances = saved.balances
	store.records = saved.records
	store.idempotency = saved.idempotency
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	saved := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(saved)
		return err
	}
	return nil
}

func (store *stubStore) CreatePeriod(ctx context.Context, period Period) (Period, error) {
	if _, exists := store.periodDates[period.PeriodDate]; exists {
		return Period{}, ErrPeriodExists
	}
	store.periods[period.PeriodID] = period
	store.periodDates[period.PeriodDate] = period.PeriodID
	return period, nil
}

func (store *stubStore) GetPeriod(ctx context.Context, periodID string) (Period, error) {
	period, exists := store.periods[periodID]
	if !exists {
		return Period{}, ErrUnknownPeriod
	}
	return period, nil
}

func (store *stubStore) GetPeriodByDate(ctx context.Context, periodDate string) (Period, error) {
	periodID, exists := store.periodDates[periodDate]
	if !exists {
		return Period{}, ErrUnknownPeriod
	}
	return store.periods[periodID], nil
}

func (store *stubStore) GetPeriodForUpdate(ctx context.Context, periodID string) (Period, error) {
	return store.GetPeriod(ctx, periodID)
}

func (store *stubStore) GetOpenPeriod(ctx context.Context) (Period, error) {
	for _, period := range store.periods {
		if period.Status == PeriodStatusOpen {
			return period, nil
		}
	}
	return Period{}, ErrNoOpenPeriod
}

func (store *stubStore) GetOpenPeriodForUpdate(ctx context.Context) (Period, error) {
	return store.GetOpenPeriod(ctx)
}

func (store *stubStore) UpdatePeriodStatus(ctx context.Context, periodID string, from, to PeriodStatus) error {
	period, exists := store.periods[periodID]
	if !exists || period.Status != from {
		return ErrPeriodNotOpen
	}
	period.Status = to
	store.periods[periodID] = period
	return nil
}

func (store *stubStore) IncrementPeriodPool(ctx context.Context, periodID string, priceCents int64) error {
	period, exists := store.periods[periodID]
	if !exists || period.Status != PeriodStatusOpen {
		return ErrPeriodNotOpen
	}
	period.PoolCents += priceCents
	period.EntryCount++
	store.periods[periodID] = period
	return nil
}

func (store *stubStore) RecordSettlement(ctx context.Context, periodID string, winningIndex int64, settledUnixUTC int64) error {
	period, exists := store.periods[periodID]
	if !exists || period.Status != PeriodStatusLocked {
		return ErrPeriodNotOpen
	}
	period.Status = PeriodStatusSettled
	period.WinningIndex = &winningIndex
	period.SettledUnixUTC = settledUnixUTC
	store.periods[periodID] = period
	return nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entry Entry) error {
	for _, existing := range store.entries {
		if existing.PeriodID == entry.PeriodID && existing.ParticipantID == entry.ParticipantID {
			return ErrDuplicateEntry
		}
	}
	store.entries[entry.EntryID] = entry
	return nil
}

func (store *stubStore) ListPeriodEntries(ctx context.Context, periodID string) ([]Entry, error) {
	var entries []Entry
	for _, entry := range store.entries {
		if entry.PeriodID == periodID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(left, right int) bool {
		return entries[left].Position < entries[right].Position
	})
	return entries, nil
}

func (store *stubStore) MarkEntryWon(ctx context.Context, entryID string, payoutCents int64) error {
	entry, exists := store.entries[entryID]
	if !exists {
		return ErrUnknownPeriod
	}
	entry.Status = EntryStatusWon
	entry.PayoutCents = payoutCents
	store.entries[entryID] = entry
	return nil
}

func (store *stubStore) MarkEntriesLost(ctx context.Context, periodID string, winningEntryID string) error {
	for entryID, entry := range store.entries {
		if entry.PeriodID == periodID && entryID != winningEntryID {
			entry.Status = EntryStatusLost
			store.entries[entryID] = entry
		}
	}
	return nil
}

func (store *stubStore) GetBalanceForUpdate(ctx context.Context, participantID string) (Balance, error) {
	balance, exists := store.balances[participantID]
	if !exists {
		balance = Balance{}
		store.balances[participantID] = balance
	}
	return balance, nil
}

func (store *stubStore) ApplyBalanceDelta(ctx context.Context, participantID string, availableDelta, heldDelta int64) error {
	balance := store.balances[participantID]
	if balance.AvailableCents.Int64()+availableDelta < 0 || balance.HeldCents.Int64()+heldDelta < 0 {
		return ErrInsufficientFunds
	}
	balance.AvailableCents += AmountCents(availableDelta)
	balance.HeldCents += AmountCents(heldDelta)
	store.balances[participantID] = balance
	return nil
}

func (store *stubStore) InsertLedgerRecord(ctx context.Context, record LedgerRecord) error {
	store.records = append(store.records, record)
	return nil
}

func (store *stubStore) ListLedgerRecords(ctx context.Context, participantID string, beforeUnixUTC int64, limit int) ([]LedgerRecord, error) {
	var records []LedgerRecord
	for _, record := range store.records {
		if record.ParticipantID != participantID {
			continue
		}
		if beforeUnixUTC > 0 && record.CreatedUnixUTC >= beforeUnixUTC {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(left, right int) bool {
		return records[left].CreatedUnixUTC > records[right].CreatedUnixUTC
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (store *stubStore) InsertIdempotencyRecord(ctx context.Context, key string, createdUnixUTC int64) error {
	if _, exists := store.idempotency[key]; exists {
		return ErrIdempotencyReplay
	}
	store.idempotency[key] = IdempotencyRecord{Key: key, CreatedUnixUTC: createdUnixUTC}
	return nil
}

func (store *stubStore) StoreIdempotencyResult(ctx context.Context, key string, resultJSON string) error {
	record, exists := store.idempotency[key]
	if !exists {
		return ErrIdempotencyNotFound
	}
	record.ResultJSON = resultJSON
	store.idempotency[key] = record
	return nil
}

func (store *stubStore) GetIdempotencyRecord(ctx context.Context, key string) (IdempotencyRecord, error) {
	record, exists := store.idempotency[key]
	if !exists {
		return IdempotencyRecord{}, ErrIdempotencyNotFound
	}
	return record, nil
}

func (store *stubStore) recordsByCategory(category RecordCategory) []LedgerRecord {
	var matched []LedgerRecord
	for _, record := range store.records {
		if record.Category == category {
			matched = append(matched, record)
		}
	}
	return matched
}

var testSealKey = []byte("test-seal-key")

func mustNewService(test *testing.T, store Store, config Config) *Service {
	test.Helper()
	service, err := NewService(store, config, func() int64 { return 1_700_000_000 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func defaultTestConfig() Config {
	return Config{
		EntryPriceCents: 100,
		FeeBasisPoints:  100,
		FeeRecipientID:  "platform",
		SealKey:         testSealKey,
	}
}

func mustParticipantID(test *testing.T, raw string) ParticipantID {
	test.Helper()
	participantID, err := NewParticipantID(raw)
	if err != nil {
		test.Fatalf("participant id %q: %v", raw, err)
	}
	return participantID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key %q: %v", raw, err)
	}
	return key
}

func seedBalance(store *stubStore, participantID string, availableCents int64) {
	store.balances[participantID] = Balance{AvailableCents: AmountCents(availableCents)}
}

func seedOpenPeriod(test *testing.T, store *stubStore, periodID string) Period {
	test.Helper()
	secret, commitment, err := NewCommitment()
	if err != nil {
		test.Fatalf("new commitment: %v", err)
	}
	period := Period{
		PeriodID:       periodID,
		PeriodDate:     "2026-08-26",
		Status:         PeriodStatusOpen,
		Commitment:     commitment,
		Secret:         secret,
		CreatedUnixUTC: 1_700_000_000,
	}
	store.periods[periodID] = period
	store.periodDates[period.PeriodDate] = periodID
	return period
}
