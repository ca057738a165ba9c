package draw

const (
	operationSubmitEntry = "submit_entry"
	operationSettle      = "settle_period"
	operationOpenPeriod  = "open_period"
	operationDeposit     = "deposit"
	operationWithdraw    = "withdraw"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	recordStatusCompleted = "completed"

	// secretByteLength is the entropy of a commitment secret: 256 bits.
	secretByteLength = 32

	// winnerPrefixBytes is how many leading secret bytes feed the winning
	// index derivation.
	winnerPrefixBytes = 8

	maxIdempotencyKeyLength = 128

	periodDateLayout = "2006-01-02"

	// feeRateDivisor converts basis points to a fraction. Fee division
	// rounds down, in the platform's favor.
	feeRateDivisor = 10000
)
