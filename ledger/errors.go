package ledger

// Error is a typed ledger outcome. Every failure the ledger can report is one
// of the constants below, so callers branch with errors.Is or a switch.
type Error string

func (e Error) Error() string { return "ledger: " + string(e) }

const (
	ErrDuplicateAccountID        Error = "DuplicateAccountId"
	ErrDuplicateIncomingToken    Error = "DuplicateIncomingToken"
	ErrUnknownAccount            Error = "UnknownAccount"
	ErrUnknownSourceAccount      Error = "UnknownSourceAccount"
	ErrUnknownDestinationAccount Error = "UnknownDestinationAccount"
	ErrUnknownLiquidityAccount   Error = "UnknownLiquidityAccount"
	ErrUnknownTransfer           Error = "UnknownTransfer"
	ErrInvalidAsset              Error = "InvalidAsset"
	ErrInvalidAmount             Error = "InvalidAmount"
	ErrInvalidSourceAmount       Error = "InvalidSourceAmount"
	ErrInvalidDestinationAmount  Error = "InvalidDestinationAmount"
	ErrSameAccounts              Error = "SameAccounts"
	ErrInsufficientBalance       Error = "InsufficientBalance"
	ErrInsufficientLiquidity     Error = "InsufficientLiquidity"
	ErrExceedsMaxBalance         Error = "ExceedsMaxBalance"
	ErrAccountDisabled           Error = "AccountDisabled"
	ErrDepositExists             Error = "DepositExists"
	ErrWithdrawalExists          Error = "WithdrawalExists"
	ErrTransferExists            Error = "TransferExists"
	ErrTransferAlreadyCommitted  Error = "TransferAlreadyCommitted"
	ErrTransferAlreadyRejected   Error = "TransferAlreadyRejected"
)
