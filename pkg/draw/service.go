package draw

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Config carries the fixed draw parameters.
type Config struct {
	// EntryPriceCents is the price of one entry.
	EntryPriceCents int64
	// FeeBasisPoints is the platform fee taken from the pool at settlement,
	// in basis points (100 = 1%).
	FeeBasisPoints int64
	// FeeRecipientID is the participant credited with the fee.
	FeeRecipientID string
	// SealKey is the server-held key for entry integrity seals.
	SealKey []byte
}

func (config Config) validate() error {
	if config.EntryPriceCents <= 0 {
		return fmt.Errorf("%w: entry price must be positive", ErrInvalidServiceConfig)
	}
	if config.FeeBasisPoints < 0 || config.FeeBasisPoints >= feeRateDivisor {
		return fmt.Errorf("%w: fee basis points out of range", ErrInvalidServiceConfig)
	}
	if config.FeeBasisPoints > 0 && config.FeeRecipientID == "" {
		return fmt.Errorf("%w: fee recipient is required when a fee is configured", ErrInvalidServiceConfig)
	}
	if len(config.SealKey) == 0 {
		return fmt.Errorf("%w: seal key is required", ErrInvalidServiceConfig)
	}
	return nil
}

// Service contains the domain logic over a Store.
type Service struct {
	store    Store
	config   Config
	nowFn    func() int64
	logger   OperationLogger
	notifier Notifier
}

// NewService wires a Service.
func NewService(store Store, config Config, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	service := &Service{store: store, config: config, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// SubmitEntry records one paid entry into the open period: the entry price is
// debited, a debit ledger record appended, and the entry inserted with the
// next position, all under the period row lock so positions stay contiguous.
func (service *Service) SubmitEntry(ctx context.Context, participantID ParticipantID) (EntryReceipt, error) {
	var receipt EntryReceipt
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		period, err := transactionStore.GetOpenPeriodForUpdate(ctx)
		if err != nil {
			return err
		}
		balance, err := transactionStore.GetBalanceForUpdate(ctx, participantID.String())
		if err != nil {
			return err
		}
		price := service.config.EntryPriceCents
		if balance.AvailableCents.Int64() < price {
			return ErrInsufficientFunds
		}
		if err := transactionStore.ApplyBalanceDelta(ctx, participantID.String(), -price, 0); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		entryID := uuid.NewString()
		debitContext, err := json.Marshal(map[string]string{
			"period_id": period.PeriodID,
			"entry_id":  entryID,
		})
		if err != nil {
			return err
		}
		if err := transactionStore.InsertLedgerRecord(ctx, LedgerRecord{
			RecordID:       uuid.NewString(),
			ParticipantID:  participantID.String(),
			Category:       RecordEntryDebit,
			AmountCents:    -price,
			Status:         recordStatusCompleted,
			ContextJSON:    string(debitContext),
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		entry := Entry{
			EntryID:           entryID,
			ParticipantID:     participantID.String(),
			PeriodID:          period.PeriodID,
			Position:          period.EntryCount + 1,
			PoolSnapshotCents: period.PoolCents,
			Seal:              ComputeSeal(service.config.SealKey, entryID, participantID.String(), period.PeriodID, nowUnixUTC),
			Status:            EntryStatusActive,
			PurchasedUnixUTC:  nowUnixUTC,
		}
		if err := transactionStore.InsertEntry(ctx, entry); err != nil {
			return err
		}
		if err := transactionStore.IncrementPeriodPool(ctx, period.PeriodID, price); err != nil {
			return err
		}
		receipt = EntryReceipt{
			Entry:      entry,
			PoolCents:  period.PoolCents + price,
			EntryCount: period.EntryCount + 1,
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationSubmitEntry,
		ParticipantID: participantID,
		PeriodID:      receipt.Entry.PeriodID,
		Amount:        AmountCents(service.config.EntryPriceCents),
		Error:         operationError,
	})
	if operationError != nil {
		return EntryReceipt{}, operationError
	}
	if service.notifier != nil {
		service.notifier.EntrySubmitted(ctx, receipt)
	}
	return receipt, nil
}

// Balance returns the available and held funds for a participant.
func (service *Service) Balance(ctx context.Context, participantID ParticipantID) (Balance, error) {
	var balance Balance
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		loaded, err := transactionStore.GetBalanceForUpdate(ctx, participantID.String())
		if err != nil {
			return err
		}
		balance = loaded
		return nil
	})
	return balance, err
}

// ListLedgerRecords lists a participant's ledger records before a cutoff time.
func (service *Service) ListLedgerRecords(ctx context.Context, participantID ParticipantID, beforeUnixUTC int64, limit int) ([]LedgerRecord, error) {
	return service.store.ListLedgerRecords(ctx, participantID.String(), beforeUnixUTC, limit)
}

// CurrentPeriod returns the open period with its secret redacted.
func (service *Service) CurrentPeriod(ctx context.Context) (Period, error) {
	period, err := service.store.GetOpenPeriod(ctx)
	if err != nil {
		return Period{}, err
	}
	return redactPeriod(period), nil
}

// GetPeriod returns a period by id; the secret stays redacted until the
// period has settled.
func (service *Service) GetPeriod(ctx context.Context, periodID string) (Period, error) {
	period, err := service.store.GetPeriod(ctx, periodID)
	if err != nil {
		return Period{}, err
	}
	return redactPeriod(period), nil
}

// redactPeriod hides the secret for any period that has not settled. The
// commitment is public from creation; the secret is the reveal.
func redactPeriod(period Period) Period {
	if period.Status != PeriodStatusSettled {
		period.Secret = ""
	}
	return period
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
