package gormstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/fairdraw/pkg/draw"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

// newFileStore opens a file-backed database so concurrent goroutines share
// one schema. In-memory sqlite gives every pooled connection its own
// database; immediate transactions plus a busy timeout serialize the writers.
func newFileStore(test *testing.T) *Store {
	test.Helper()
	dsn := filepath.Join(test.TempDir(), "draw.db") + "?_pragma=busy_timeout(10000)&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite file: %v", err)
	}
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func newTestService(test *testing.T, store *Store) *draw.Service {
	test.Helper()
	service, err := draw.NewService(store, draw.Config{
		EntryPriceCents: 100,
		FeeBasisPoints:  100,
		FeeRecipientID:  "platform",
		SealKey:         []byte("seal-key"),
	}, func() int64 { return 1_700_000_000 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustCreatePeriod(test *testing.T, store *Store, periodDate string) draw.Period {
	test.Helper()
	secret, commitment, err := draw.NewCommitment()
	if err != nil {
		test.Fatalf("new commitment: %v", err)
	}
	period, err := store.CreatePeriod(context.Background(), draw.Period{
		PeriodDate:     periodDate,
		Status:         draw.PeriodStatusOpen,
		Commitment:     commitment,
		Secret:         secret,
		CreatedUnixUTC: 1_700_000_000,
	})
	if err != nil {
		test.Fatalf("create period: %v", err)
	}
	return period
}

func TestCreatePeriodRejectsDuplicateDate(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	mustCreatePeriod(test, store, "2026-08-26")

	_, err := store.CreatePeriod(context.Background(), draw.Period{
		PeriodDate: "2026-08-26",
		Status:     draw.PeriodStatusOpen,
		Commitment: "c",
		Secret:     "s",
	})
	if !errors.Is(err, draw.ErrPeriodExists) {
		test.Fatalf("expected ErrPeriodExists, got %v", err)
	}
}

func TestGetOpenPeriodDistinguishesNotFound(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)

	if _, err := store.GetOpenPeriod(context.Background()); !errors.Is(err, draw.ErrNoOpenPeriod) {
		test.Fatalf("expected ErrNoOpenPeriod, got %v", err)
	}
	if _, err := store.GetPeriod(context.Background(), "missing"); !errors.Is(err, draw.ErrUnknownPeriod) {
		test.Fatalf("expected ErrUnknownPeriod, got %v", err)
	}

	created := mustCreatePeriod(test, store, "2026-08-26")
	open, err := store.GetOpenPeriod(context.Background())
	if err != nil {
		test.Fatalf("get open period: %v", err)
	}
	if open.PeriodID != created.PeriodID {
		test.Fatalf("expected %s, got %s", created.PeriodID, open.PeriodID)
	}
	byDate, err := store.GetPeriodByDate(context.Background(), "2026-08-26")
	if err != nil {
		test.Fatalf("get by date: %v", err)
	}
	if byDate.PeriodID != created.PeriodID {
		test.Fatalf("expected %s, got %s", created.PeriodID, byDate.PeriodID)
	}
}

func TestUpdatePeriodStatusIsCompareAndSet(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	period := mustCreatePeriod(test, store, "2026-08-26")
	ctx := context.Background()

	if err := store.UpdatePeriodStatus(ctx, period.PeriodID, draw.PeriodStatusOpen, draw.PeriodStatusLocked); err != nil {
		test.Fatalf("lock period: %v", err)
	}
	err := store.UpdatePeriodStatus(ctx, period.PeriodID, draw.PeriodStatusOpen, draw.PeriodStatusLocked)
	if !errors.Is(err, draw.ErrPeriodNotOpen) {
		test.Fatalf("expected ErrPeriodNotOpen on stale transition, got %v", err)
	}
}

func TestIncrementPeriodPoolRequiresOpenStatus(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	period := mustCreatePeriod(test, store, "2026-08-26")
	ctx := context.Background()

	if err := store.IncrementPeriodPool(ctx, period.PeriodID, 100); err != nil {
		test.Fatalf("increment pool: %v", err)
	}
	updated, err := store.GetPeriod(ctx, period.PeriodID)
	if err != nil {
		test.Fatalf("get period: %v", err)
	}
	if updated.PoolCents != 100 || updated.EntryCount != 1 {
		test.Fatalf("pool not incremented: pool=%d count=%d", updated.PoolCents, updated.EntryCount)
	}

	if err := store.UpdatePeriodStatus(ctx, period.PeriodID, draw.PeriodStatusOpen, draw.PeriodStatusLocked); err != nil {
		test.Fatalf("lock period: %v", err)
	}
	if err := store.IncrementPeriodPool(ctx, period.PeriodID, 100); !errors.Is(err, draw.ErrPeriodNotOpen) {
		test.Fatalf("expected ErrPeriodNotOpen, got %v", err)
	}
}

func TestRecordSettlementTransitionsLockedToSettled(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	period := mustCreatePeriod(test, store, "2026-08-26")
	ctx := context.Background()

	if err := store.RecordSettlement(ctx, period.PeriodID, 2, 1_700_001_000); !errors.Is(err, draw.ErrPeriodNotOpen) {
		test.Fatalf("expected ErrPeriodNotOpen for open period, got %v", err)
	}
	if err := store.UpdatePeriodStatus(ctx, period.PeriodID, draw.PeriodStatusOpen, draw.PeriodStatusLocked); err != nil {
		test.Fatalf("lock period: %v", err)
	}
	if err := store.RecordSettlement(ctx, period.PeriodID, 2, 1_700_001_000); err != nil {
		test.Fatalf("record settlement: %v", err)
	}

	settled, err := store.GetPeriod(ctx, period.PeriodID)
	if err != nil {
		test.Fatalf("get period: %v", err)
	}
	if settled.Status != draw.PeriodStatusSettled {
		test.Fatalf("expected settled, got %s", settled.Status)
	}
	if settled.WinningIndex == nil || *settled.WinningIndex != 2 {
		test.Fatal("winning index not persisted")
	}
	if settled.SettledUnixUTC != 1_700_001_000 {
		test.Fatalf("settled time not persisted: %d", settled.SettledUnixUTC)
	}
}

func TestInsertEntryEnforcesOnePerParticipant(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	period := mustCreatePeriod(test, store, "2026-08-26")
	ctx := context.Background()

	first := draw.Entry{
		EntryID:          "11111111-1111-1111-1111-111111111111",
		ParticipantID:    "alice",
		PeriodID:         period.PeriodID,
		Position:         1,
		Seal:             "seal",
		Status:           draw.EntryStatusActive,
		PurchasedUnixUTC: 1_700_000_100,
	}
	if err := store.InsertEntry(ctx, first); err != nil {
		test.Fatalf("insert entry: %v", err)
	}

	duplicate := first
	duplicate.EntryID = "22222222-2222-2222-2222-222222222222"
	duplicate.Position = 2
	if err := store.InsertEntry(ctx, duplicate); !errors.Is(err, draw.ErrDuplicateEntry) {
		test.Fatalf("expected ErrDuplicateEntry, got %v", err)
	}
}

func TestListPeriodEntriesOrdersByPosition(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	period := mustCreatePeriod(test, store, "2026-08-26")
	ctx := context.Background()

	for _, position := range []int64{3, 1, 2} {
		entry := draw.Entry{
			ParticipantID:    fmt.Sprintf("player-%d", position),
			PeriodID:         period.PeriodID,
			Position:         position,
			Seal:             "seal",
			Status:           draw.EntryStatusActive,
			PurchasedUnixUTC: 1_700_000_100,
		}
		if err := store.InsertEntry(ctx, entry); err != nil {
			test.Fatalf("insert entry at position %d: %v", position, err)
		}
	}

	entries, err := store.ListPeriodEntries(ctx, period.PeriodID)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if len(entries) != 3 {
		test.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for index, entry := range entries {
		if entry.Position != int64(index)+1 {
			test.Fatalf("expected position %d at rank %d, got %d", index+1, index, entry.Position)
		}
	}
}

func TestBalanceLifecycle(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	balance, err := store.GetBalanceForUpdate(ctx, "alice")
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if balance.AvailableCents != 0 || balance.HeldCents != 0 {
		test.Fatalf("fresh balance must be zero: %+v", balance)
	}

	if err := store.ApplyBalanceDelta(ctx, "alice", 500, 0); err != nil {
		test.Fatalf("credit: %v", err)
	}
	if err := store.ApplyBalanceDelta(ctx, "alice", -200, 0); err != nil {
		test.Fatalf("debit: %v", err)
	}
	err = store.ApplyBalanceDelta(ctx, "alice", -400, 0)
	if !errors.Is(err, draw.ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	balance, err = store.GetBalanceForUpdate(ctx, "alice")
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if balance.AvailableCents != 300 {
		test.Fatalf("expected 300, got %d", balance.AvailableCents)
	}
}

func TestLedgerRecordsListNewestFirstBeforeCutoff(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	for index := int64(0); index < 3; index++ {
		record := draw.LedgerRecord{
			ParticipantID:  "alice",
			Category:       draw.RecordDeposit,
			AmountCents:    100 + index,
			Status:         "completed",
			ContextJSON:    `{"n":1}`,
			CreatedUnixUTC: 1_700_000_000 + index*60,
		}
		if err := store.InsertLedgerRecord(ctx, record); err != nil {
			test.Fatalf("insert record %d: %v", index, err)
		}
	}

	records, err := store.ListLedgerRecords(ctx, "alice", 0, 10)
	if err != nil {
		test.Fatalf("list records: %v", err)
	}
	if len(records) != 3 {
		test.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].AmountCents != 102 || records[2].AmountCents != 100 {
		test.Fatalf("records not newest-first: %+v", records)
	}

	older, err := store.ListLedgerRecords(ctx, "alice", 1_700_000_060, 10)
	if err != nil {
		test.Fatalf("list with cutoff: %v", err)
	}
	if len(older) != 1 || older[0].AmountCents != 100 {
		test.Fatalf("cutoff not applied: %+v", older)
	}
}

func TestIdempotencyRecordLifecycle(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	if _, err := store.GetIdempotencyRecord(ctx, "key-1"); !errors.Is(err, draw.ErrIdempotencyNotFound) {
		test.Fatalf("expected ErrIdempotencyNotFound, got %v", err)
	}
	if err := store.InsertIdempotencyRecord(ctx, "key-1", 1_700_000_000); err != nil {
		test.Fatalf("insert record: %v", err)
	}
	if err := store.InsertIdempotencyRecord(ctx, "key-1", 1_700_000_001); !errors.Is(err, draw.ErrIdempotencyReplay) {
		test.Fatalf("expected ErrIdempotencyReplay, got %v", err)
	}

	record, err := store.GetIdempotencyRecord(ctx, "key-1")
	if err != nil {
		test.Fatalf("get record: %v", err)
	}
	if record.ResultJSON != "" {
		test.Fatalf("placeholder must have no result, got %q", record.ResultJSON)
	}

	if err := store.StoreIdempotencyResult(ctx, "key-1", `{"ok":true}`); err != nil {
		test.Fatalf("store result: %v", err)
	}
	record, err = store.GetIdempotencyRecord(ctx, "key-1")
	if err != nil {
		test.Fatalf("get record: %v", err)
	}
	if record.ResultJSON != `{"ok":true}` {
		test.Fatalf("stored result mismatch: %q", record.ResultJSON)
	}

	if err := store.StoreIdempotencyResult(ctx, "missing", "{}"); !errors.Is(err, draw.ErrIdempotencyNotFound) {
		test.Fatalf("expected ErrIdempotencyNotFound, got %v", err)
	}
}

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	sentinel := errors.New("abort")

	err := store.WithTx(ctx, func(ctx context.Context, txStore draw.Store) error {
		if _, err := txStore.GetBalanceForUpdate(ctx, "alice"); err != nil {
			return err
		}
		if err := txStore.ApplyBalanceDelta(ctx, "alice", 500, 0); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		test.Fatalf("expected sentinel error, got %v", err)
	}

	balance, err := store.GetBalanceForUpdate(ctx, "alice")
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if balance.AvailableCents != 0 {
		test.Fatalf("rolled-back credit persisted: %d", balance.AvailableCents)
	}
}

func TestForUpdateReadsHonorContextDeadline(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	period := mustCreatePeriod(test, store, "2026-08-26")

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := store.GetPeriodForUpdate(expired, period.PeriodID)
	if !errors.Is(err, draw.ErrLockTimeout) {
		test.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if code := draw.ReasonCode(err); code != "lock_timeout" {
		test.Fatalf("expected lock_timeout reason, got %q", code)
	}

	_, err = store.GetBalanceForUpdate(expired, "alice")
	if !errors.Is(err, draw.ErrLockTimeout) {
		test.Fatalf("expected ErrLockTimeout for balance read, got %v", err)
	}
}

func TestConcurrentSettlementTriggersSettleOnce(test *testing.T) {
	test.Parallel()
	store := newFileStore(test)
	service := newTestService(test, store)
	ctx := context.Background()

	period, err := service.OpenPeriod(ctx, "2026-08-26")
	if err != nil {
		test.Fatalf("open period: %v", err)
	}
	for index := 0; index < 3; index++ {
		participant, err := draw.NewParticipantID(fmt.Sprintf("player-%d", index))
		if err != nil {
			test.Fatalf("participant: %v", err)
		}
		depositKey, err := draw.NewIdempotencyKey(fmt.Sprintf("fund-%d", index))
		if err != nil {
			test.Fatalf("deposit key: %v", err)
		}
		if _, err := service.Deposit(ctx, participant, 100, depositKey, ""); err != nil {
			test.Fatalf("deposit %d: %v", index, err)
		}
		if _, err := service.SubmitEntry(ctx, participant); err != nil {
			test.Fatalf("submit entry %d: %v", index, err)
		}
	}

	type settleOutcome struct {
		result draw.SettlementResult
		err    error
	}
	outcomes := make(chan settleOutcome, 2)
	var wg sync.WaitGroup
	for trigger := 0; trigger < 2; trigger++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, settleErr := service.SettlePeriod(ctx, period.PeriodID, draw.TriggerManual, draw.IdempotencyKey{})
			outcomes <- settleOutcome{result: result, err: settleErr}
		}()
	}
	wg.Wait()
	close(outcomes)

	var settled []draw.SettlementResult
	alreadySettled := 0
	for outcome := range outcomes {
		switch {
		case outcome.err == nil:
			settled = append(settled, outcome.result)
		case errors.Is(outcome.err, draw.ErrAlreadySettled):
			alreadySettled++
		default:
			test.Fatalf("unexpected settlement error: %v", outcome.err)
		}
	}
	if len(settled) != 1 || alreadySettled != 1 {
		test.Fatalf("expected one settlement and one rejection, got %d and %d", len(settled), alreadySettled)
	}

	records, err := store.ListLedgerRecords(ctx, settled[0].WinnerID, 0, 20)
	if err != nil {
		test.Fatalf("list winner records: %v", err)
	}
	payouts := 0
	for _, record := range records {
		if record.Category == draw.RecordPayoutCredit {
			payouts++
		}
	}
	if payouts != 1 {
		test.Fatalf("expected exactly one payout record, got %d", payouts)
	}

	entries, err := store.ListPeriodEntries(ctx, period.PeriodID)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	won := 0
	for _, entry := range entries {
		if entry.Status == draw.EntryStatusWon {
			won++
		}
	}
	if won != 1 {
		test.Fatalf("expected exactly one winning entry, got %d", won)
	}
}

func TestConcurrentEntriesReceiveGapFreePositions(test *testing.T) {
	test.Parallel()
	store := newFileStore(test)
	service := newTestService(test, store)
	ctx := context.Background()

	period, err := service.OpenPeriod(ctx, "2026-08-26")
	if err != nil {
		test.Fatalf("open period: %v", err)
	}

	const entrants = 6
	participants := make([]draw.ParticipantID, 0, entrants)
	for index := 0; index < entrants; index++ {
		participant, err := draw.NewParticipantID(fmt.Sprintf("player-%d", index))
		if err != nil {
			test.Fatalf("participant: %v", err)
		}
		depositKey, err := draw.NewIdempotencyKey(fmt.Sprintf("fund-%d", index))
		if err != nil {
			test.Fatalf("deposit key: %v", err)
		}
		if _, err := service.Deposit(ctx, participant, 100, depositKey, ""); err != nil {
			test.Fatalf("deposit %d: %v", index, err)
		}
		participants = append(participants, participant)
	}

	submitErrs := make(chan error, entrants)
	var wg sync.WaitGroup
	for _, participant := range participants {
		wg.Add(1)
		go func(participant draw.ParticipantID) {
			defer wg.Done()
			_, submitErr := service.SubmitEntry(ctx, participant)
			submitErrs <- submitErr
		}(participant)
	}
	wg.Wait()
	close(submitErrs)
	for submitErr := range submitErrs {
		if submitErr != nil {
			test.Fatalf("submit entry: %v", submitErr)
		}
	}

	entries, err := store.ListPeriodEntries(ctx, period.PeriodID)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if len(entries) != entrants {
		test.Fatalf("expected %d entries, got %d", entrants, len(entries))
	}
	for index, entry := range entries {
		if entry.Position != int64(index)+1 {
			test.Fatalf("positions not gap-free: rank %d holds position %d", index, entry.Position)
		}
	}

	updated, err := store.GetPeriod(ctx, period.PeriodID)
	if err != nil {
		test.Fatalf("get period: %v", err)
	}
	if updated.PoolCents != entrants*100 || updated.EntryCount != entrants {
		test.Fatalf("pool out of step with entries: pool=%d count=%d", updated.PoolCents, updated.EntryCount)
	}
}

func TestConcurrentDepositsReportRunningTotals(test *testing.T) {
	test.Parallel()
	store := newFileStore(test)
	service := newTestService(test, store)
	ctx := context.Background()

	participant, err := draw.NewParticipantID("alice")
	if err != nil {
		test.Fatalf("participant: %v", err)
	}

	const deposits = 4
	type depositOutcome struct {
		available int64
		err       error
	}
	outcomes := make(chan depositOutcome, deposits)
	var wg sync.WaitGroup
	for index := 0; index < deposits; index++ {
		depositKey, err := draw.NewIdempotencyKey(fmt.Sprintf("dep-%d", index))
		if err != nil {
			test.Fatalf("deposit key: %v", err)
		}
		wg.Add(1)
		go func(key draw.IdempotencyKey) {
			defer wg.Done()
			result, depositErr := service.Deposit(ctx, participant, 100, key, "")
			outcomes <- depositOutcome{available: result.AvailableCents, err: depositErr}
		}(depositKey)
	}
	wg.Wait()
	close(outcomes)

	seen := make(map[int64]bool, deposits)
	for outcome := range outcomes {
		if outcome.err != nil {
			test.Fatalf("deposit: %v", outcome.err)
		}
		if seen[outcome.available] {
			test.Fatalf("two deposits reported the same running total %d", outcome.available)
		}
		seen[outcome.available] = true
	}
	for expected := int64(100); expected <= deposits*100; expected += 100 {
		if !seen[expected] {
			test.Fatalf("missing running total %d", expected)
		}
	}

	balance, err := store.GetBalanceForUpdate(ctx, "alice")
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if balance.AvailableCents != deposits*100 {
		test.Fatalf("expected %d available, got %d", deposits*100, balance.AvailableCents)
	}
}

func TestServiceSettlesOverSQLite(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()

	service, err := draw.NewService(store, draw.Config{
		EntryPriceCents: 100,
		FeeBasisPoints:  100,
		FeeRecipientID:  "platform",
		SealKey:         []byte("seal-key"),
	}, func() int64 { return 1_700_000_000 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}

	period, err := service.OpenPeriod(ctx, "2026-08-26")
	if err != nil {
		test.Fatalf("open period: %v", err)
	}

	key, err := draw.NewIdempotencyKey("dep")
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	for index := 0; index < 4; index++ {
		participant, err := draw.NewParticipantID(fmt.Sprintf("player-%d", index))
		if err != nil {
			test.Fatalf("participant: %v", err)
		}
		depositKey, err := draw.NewIdempotencyKey(fmt.Sprintf("%s-%d", key.String(), index))
		if err != nil {
			test.Fatalf("deposit key: %v", err)
		}
		if _, err := service.Deposit(ctx, participant, 100, depositKey, ""); err != nil {
			test.Fatalf("deposit %d: %v", index, err)
		}
		if _, err := service.SubmitEntry(ctx, participant); err != nil {
			test.Fatalf("submit entry %d: %v", index, err)
		}
	}

	result, err := service.SettlePeriod(ctx, period.PeriodID, draw.TriggerManual, draw.IdempotencyKey{})
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	if result.PoolCents != 400 || result.FeeCents != 4 || result.PayoutCents != 396 {
		test.Fatalf("unexpected split: %+v", result)
	}
	if !draw.VerifyCommitment(result.Secret, result.Commitment) {
		test.Fatal("revealed secret does not verify against commitment")
	}

	winner, err := draw.NewParticipantID(result.WinnerID)
	if err != nil {
		test.Fatalf("winner id: %v", err)
	}
	balance, err := service.Balance(ctx, winner)
	if err != nil {
		test.Fatalf("winner balance: %v", err)
	}
	if balance.AvailableCents.Int64() != 396 {
		test.Fatalf("winner balance: expected 396, got %d", balance.AvailableCents.Int64())
	}
}
