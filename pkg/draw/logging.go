package draw

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing draw operation.
type OperationLog struct {
	Operation      string
	ParticipantID  ParticipantID
	PeriodID       string
	Amount         AmountCents
	IdempotencyKey IdempotencyKey
	Trigger        Trigger
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// Notifier receives entry and settlement events after the owning transaction
// has committed. Implementations must not block settlement; delivery is
// fire-and-forget with the implementation's own retry policy.
type Notifier interface {
	EntrySubmitted(ctx context.Context, receipt EntryReceipt)
	PeriodSettled(ctx context.Context, result SettlementResult)
}

// WithNotifier wires a post-commit event observer.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}
