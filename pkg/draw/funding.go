package draw

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// FundingResult reports a completed deposit or withdrawal.
type FundingResult struct {
	RecordID       string `json:"record_id"`
	ParticipantID  string `json:"participant_id"`
	AmountCents    int64  `json:"amount_cents"`
	AvailableCents int64  `json:"available_cents"`
}

// Deposit credits a participant's available balance from an externally
// confirmed payment signal. The signal channel may redeliver, so the caller
// supplies an idempotency key; replays return the original result.
func (service *Service) Deposit(ctx context.Context, participantID ParticipantID, amount AmountCents, idempotencyKey IdempotencyKey, contextJSON string) (FundingResult, error) {
	result, operationError := service.applyFunding(ctx, participantID, RecordDeposit, amount.Int64(), idempotencyKey, contextJSON)
	service.logOperation(ctx, OperationLog{
		Operation:      operationDeposit,
		ParticipantID:  participantID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	return result, operationError
}

// Withdraw debits a participant's available balance. Rejected when available
// funds are insufficient; never leaves the balance negative.
func (service *Service) Withdraw(ctx context.Context, participantID ParticipantID, amount AmountCents, idempotencyKey IdempotencyKey, contextJSON string) (FundingResult, error) {
	result, operationError := service.applyFunding(ctx, participantID, RecordWithdrawal, -amount.Int64(), idempotencyKey, contextJSON)
	service.logOperation(ctx, OperationLog{
		Operation:      operationWithdraw,
		ParticipantID:  participantID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	return result, operationError
}

func (service *Service) applyFunding(ctx context.Context, participantID ParticipantID, category RecordCategory, deltaCents int64, idempotencyKey IdempotencyKey, contextJSON string) (FundingResult, error) {
	normalizedContext, err := NewContextJSON(contextJSON)
	if err != nil {
		return FundingResult{}, err
	}
	payload, err := service.runOnce(ctx, idempotencyKey, func(ctx context.Context, transactionStore Store) (json.RawMessage, error) {
		balance, err := transactionStore.GetBalanceForUpdate(ctx, participantID.String())
		if err != nil {
			return nil, err
		}
		if balance.AvailableCents.Int64()+deltaCents < 0 {
			return nil, ErrInsufficientFunds
		}
		if err := transactionStore.ApplyBalanceDelta(ctx, participantID.String(), deltaCents, 0); err != nil {
			return nil, err
		}
		record := LedgerRecord{
			RecordID:       uuid.NewString(),
			ParticipantID:  participantID.String(),
			Category:       category,
			AmountCents:    deltaCents,
			Status:         recordStatusCompleted,
			ContextJSON:    normalizedContext,
			CreatedUnixUTC: service.nowFn(),
		}
		if err := transactionStore.InsertLedgerRecord(ctx, record); err != nil {
			return nil, err
		}
		result := FundingResult{
			RecordID:       record.RecordID,
			ParticipantID:  participantID.String(),
			AmountCents:    deltaCents,
			AvailableCents: balance.AvailableCents.Int64() + deltaCents,
		}
		return json.Marshal(result)
	})
	if err != nil {
		return FundingResult{}, err
	}
	var result FundingResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return FundingResult{}, err
	}
	return result, nil
}
