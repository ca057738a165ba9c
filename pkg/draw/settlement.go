package draw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SettlePeriod closes a period: it locks the period row, verifies the
// commitment against the stored secret, selects the winner, splits the pool
// into payout and fee, credits balances, and marks every entry won or lost as
// one transaction.
//
// A commitment mismatch is fatal: the status transition to locked is
// committed, everything else is abandoned, and the period stays locked until
// an operator intervenes. A concurrent second caller blocks on the row lock
// and then observes ErrAlreadySettled.
//
// When idempotencyKey is non-zero the whole settlement runs under the
// idempotency guard, so a redelivered trigger replays the stored result.
func (service *Service) SettlePeriod(ctx context.Context, periodID string, trigger Trigger, idempotencyKey IdempotencyKey) (SettlementResult, error) {
	var result SettlementResult
	var halt error
	payload, operationError := service.runOnce(ctx, idempotencyKey, func(ctx context.Context, transactionStore Store) (json.RawMessage, error) {
		settled, haltErr, err := service.settleInTx(ctx, transactionStore, periodID, trigger)
		if err != nil {
			return nil, err
		}
		if haltErr != nil {
			// Commit only the locked transition; no result is stored for
			// the idempotency key.
			halt = haltErr
			return nil, nil
		}
		result = settled
		encoded, err := json.Marshal(settled)
		if err != nil {
			return nil, fmt.Errorf("encode settlement result: %w", err)
		}
		return encoded, nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationSettle,
		PeriodID:       periodID,
		Trigger:        trigger,
		IdempotencyKey: idempotencyKey,
		Error:          firstError(operationError, halt),
	})
	if operationError != nil {
		return SettlementResult{}, operationError
	}
	if halt != nil {
		return SettlementResult{}, halt
	}
	if result.PeriodID == "" && payload != nil {
		// Replayed trigger: decode the stored result.
		if err := json.Unmarshal(payload, &result); err != nil {
			return SettlementResult{}, fmt.Errorf("decode stored settlement result: %w", err)
		}
		return result, nil
	}
	if service.notifier != nil {
		service.notifier.PeriodSettled(ctx, result)
	}
	return result, nil
}

// settleInTx performs the settlement state machine inside an open
// transaction. The second return value is the fatal integrity error that must
// commit the locked status rather than roll it back.
func (service *Service) settleInTx(ctx context.Context, transactionStore Store, periodID string, trigger Trigger) (SettlementResult, error, error) {
	period, err := transactionStore.GetPeriodForUpdate(ctx, periodID)
	if err != nil {
		return SettlementResult{}, nil, err
	}
	switch period.Status {
	case PeriodStatusSettled:
		return SettlementResult{}, nil, ErrAlreadySettled
	case PeriodStatusLocked:
		return SettlementResult{}, nil, ErrPeriodHalted
	case PeriodStatusOpen:
	default:
		return SettlementResult{}, nil, fmt.Errorf("unexpected period status %q", period.Status)
	}
	if period.Secret == "" {
		return SettlementResult{}, nil, ErrMissingSecret
	}
	if period.EntryCount == 0 {
		return SettlementResult{}, nil, ErrNoEntries
	}

	if err := transactionStore.UpdatePeriodStatus(ctx, periodID, PeriodStatusOpen, PeriodStatusLocked); err != nil {
		return SettlementResult{}, nil, err
	}

	if !VerifyCommitment(period.Secret, period.Commitment) {
		return SettlementResult{}, WrapError(operationSettle, "commitment", "commitment_mismatch", ErrCommitmentMismatch), nil
	}

	entries, err := transactionStore.ListPeriodEntries(ctx, periodID)
	if err != nil {
		return SettlementResult{}, nil, err
	}
	if int64(len(entries)) != period.EntryCount {
		return SettlementResult{}, nil, fmt.Errorf("entry count %d does not match stored count %d", len(entries), period.EntryCount)
	}

	winningIndex, err := SelectWinner(period.Secret, int64(len(entries)))
	if err != nil {
		return SettlementResult{}, nil, err
	}
	// The winning index is the ordinal rank among entries ordered by
	// position ascending, not the position label itself.
	winner := entries[winningIndex]

	feeCents, payoutCents := splitPool(period.PoolCents, service.config.FeeBasisPoints)
	nowUnixUTC := service.nowFn()

	if err := transactionStore.MarkEntryWon(ctx, winner.EntryID, payoutCents); err != nil {
		return SettlementResult{}, nil, err
	}
	if err := transactionStore.MarkEntriesLost(ctx, periodID, winner.EntryID); err != nil {
		return SettlementResult{}, nil, err
	}

	settlementContext, err := json.Marshal(map[string]string{
		"period_id": periodID,
		"entry_id":  winner.EntryID,
		"trigger":   string(trigger),
	})
	if err != nil {
		return SettlementResult{}, nil, err
	}
	if _, err := transactionStore.GetBalanceForUpdate(ctx, winner.ParticipantID); err != nil {
		return SettlementResult{}, nil, err
	}
	if err := transactionStore.ApplyBalanceDelta(ctx, winner.ParticipantID, payoutCents, 0); err != nil {
		return SettlementResult{}, nil, err
	}
	if err := transactionStore.InsertLedgerRecord(ctx, LedgerRecord{
		RecordID:       uuid.NewString(),
		ParticipantID:  winner.ParticipantID,
		Category:       RecordPayoutCredit,
		AmountCents:    payoutCents,
		Status:         recordStatusCompleted,
		ContextJSON:    string(settlementContext),
		CreatedUnixUTC: nowUnixUTC,
	}); err != nil {
		return SettlementResult{}, nil, err
	}
	if feeCents > 0 {
		if _, err := transactionStore.GetBalanceForUpdate(ctx, service.config.FeeRecipientID); err != nil {
			return SettlementResult{}, nil, err
		}
		if err := transactionStore.ApplyBalanceDelta(ctx, service.config.FeeRecipientID, feeCents, 0); err != nil {
			return SettlementResult{}, nil, err
		}
		if err := transactionStore.InsertLedgerRecord(ctx, LedgerRecord{
			RecordID:       uuid.NewString(),
			ParticipantID:  service.config.FeeRecipientID,
			Category:       RecordFeeCredit,
			AmountCents:    feeCents,
			Status:         recordStatusCompleted,
			ContextJSON:    string(settlementContext),
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return SettlementResult{}, nil, err
		}
	}

	if err := transactionStore.RecordSettlement(ctx, periodID, winningIndex, nowUnixUTC); err != nil {
		return SettlementResult{}, nil, err
	}

	return SettlementResult{
		PeriodID:        periodID,
		PeriodDate:      period.PeriodDate,
		WinningIndex:    winningIndex,
		WinningEntryID:  winner.EntryID,
		WinningPosition: winner.Position,
		WinnerID:        winner.ParticipantID,
		PoolCents:       period.PoolCents,
		PayoutCents:     payoutCents,
		FeeCents:        feeCents,
		Secret:          period.Secret,
		Commitment:      period.Commitment,
		SettledUnixUTC:  nowUnixUTC,
	}, nil, nil
}

// splitPool divides the pool into fee and payout. The fee floors toward the
// platform; fee plus payout always equals the pool.
func splitPool(poolCents int64, feeBasisPoints int64) (feeCents int64, payoutCents int64) {
	feeCents = poolCents * feeBasisPoints / feeRateDivisor
	return feeCents, poolCents - feeCents
}

// SettleOpenPeriod settles whichever period is currently open. Used by the
// scheduled trigger, which does not know period ids.
func (service *Service) SettleOpenPeriod(ctx context.Context, trigger Trigger, idempotencyKeyPrefix string) (SettlementResult, error) {
	period, err := service.store.GetOpenPeriod(ctx)
	if err != nil {
		return SettlementResult{}, err
	}
	var key IdempotencyKey
	if idempotencyKeyPrefix != "" {
		key, err = NewIdempotencyKey(idempotencyKeyPrefix + ":" + period.PeriodID)
		if err != nil {
			return SettlementResult{}, err
		}
	}
	return service.SettlePeriod(ctx, period.PeriodID, trigger, key)
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// IsTerminalSettlementError reports whether a failed settlement attempt must
// be surfaced to an operator rather than retried.
func IsTerminalSettlementError(err error) bool {
	return errors.Is(err, ErrCommitmentMismatch) || errors.Is(err, ErrPeriodHalted) || errors.Is(err, ErrMissingSecret)
}
