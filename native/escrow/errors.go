package escrow

import "errors"

var (
	// ErrUnauthorized marks a caller that is not the party the operation requires.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")
	// ErrInvalidState marks an operation invoked outside its required status.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrIncorrectProjectState is returned by revoke when the agreement is not cancelled.
	ErrIncorrectProjectState = errors.New("escrow: incorrect project state")
	ErrInvalidParties        = errors.New("escrow: invalid parties")
	ErrInvalidMilestoneCount = errors.New("escrow: invalid milestone count")
	ErrInvalidPrice          = errors.New("escrow: invalid price")
	// ErrIncorrectStakingAmount marks a deposit outside the tolerance band.
	ErrIncorrectStakingAmount = errors.New("escrow: incorrect staking amount")
	ErrAlreadyStaked          = errors.New("escrow: already staked")
	// ErrAgreementNotCancelled is returned by revoke when the client never cancelled.
	ErrAgreementNotCancelled = errors.New("escrow: agreement not cancelled by client")
	ErrAlreadyRefunded       = errors.New("escrow: staked funds already returned")
	ErrNothingStaked         = errors.New("escrow: nothing staked")
	// ErrTransferFailed means the ledger did not confirm the transfer; funds stay in escrow.
	ErrTransferFailed = errors.New("escrow: transfer failed")
	// ErrDepositFailed means the ledger did not take the client's deposit into escrow.
	ErrDepositFailed  = errors.New("escrow: deposit failed")
	ErrNotImplemented = errors.New("escrow: operation not implemented")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrUnauthorized, "UNAUTHORIZED"},
	{ErrInvalidState, "INVALID_STATE"},
	{ErrIncorrectProjectState, "INCORRECT_PROJECT_STATE"},
	{ErrInvalidParties, "INVALID_PARTIES"},
	{ErrInvalidMilestoneCount, "INVALID_MILESTONE_COUNT"},
	{ErrInvalidPrice, "INVALID_PRICE"},
	{ErrIncorrectStakingAmount, "INCORRECT_STAKING_AMOUNT"},
	{ErrAlreadyStaked, "ALREADY_STAKED"},
	{ErrAgreementNotCancelled, "AGREEMENT_NOT_CANCELLED"},
	{ErrAlreadyRefunded, "ALREADY_REFUNDED"},
	{ErrNothingStaked, "NOTHING_STAKED"},
	{ErrTransferFailed, "TRANSFER_FAILED"},
	{ErrDepositFailed, "DEPOSIT_FAILED"},
	{ErrNotImplemented, "NOT_IMPLEMENTED"},
}

// Code maps an error returned by this package to a stable identifier. Errors
// not originating here map to the empty string.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return ""
}
