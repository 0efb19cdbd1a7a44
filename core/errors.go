package core

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested object does not exist in storage.
var ErrNotFound = errors.New("not found")

// ContractError is a precondition violation raised while executing a call.
// Code is stable and travels inside receipts so clients can restore the
// typed error on their side of the relay.
type ContractError struct {
	Code string
	Msg  string
}

func (e *ContractError) Error() string { return e.Msg }

func contractError(code, msg string) *ContractError {
	ce := &ContractError{Code: code, Msg: msg}
	contractErrors[code] = ce
	return ce
}

var contractErrors = map[string]*ContractError{}

var (
	ErrInvalidArgument      = contractError("invalid_argument", "invalid call argument")
	ErrInvalidSignature     = contractError("invalid_signature", "invalid transaction signature")
	ErrInvalidNonce         = contractError("invalid_nonce", "invalid nonce")
	ErrInsufficientFee      = contractError("insufficient_fee", "insufficient balance for fee")
	ErrSponsorNotRegistered = contractError("sponsor_not_registered", "gas sponsor is not registered")
	ErrUnknownCall          = contractError("unknown_call", "unknown call method")

	ErrInsufficientBalance = contractError("insufficient_balance", "insufficient token balance")
	ErrPaymentFailed       = contractError("payment_failed", "payment failed")
	ErrUnknownCategory     = contractError("unknown_category", "unknown bike category")
	ErrNotAssetOwner       = contractError("not_asset_owner", "caller does not own the bike")
	ErrUnknownMode         = contractError("unknown_mode", "unknown session mode")

	ErrSessionInvalid       = contractError("session_invalid", "session is not pending or not owned by caller")
	ErrChallengeUnavailable = contractError("challenge_unavailable", "no active daily challenge today")
	ErrChallengeAlreadyDone = contractError("challenge_already_done", "daily challenge already completed today")

	ErrNothingToClaim      = contractError("nothing_to_claim", "nothing to claim")
	ErrClaimTransferFailed = contractError("claim_transfer_failed", "reward token transfer failed")
	ErrInsufficientCredits = contractError("insufficient_credits", "insufficient reward credits")
	ErrInvalidRecipient    = contractError("invalid_recipient", "invalid recipient")
	ErrNotOperator         = contractError("not_operator", "caller is not the operator")
)

// ErrorCode returns the stable code of the first ContractError in err's
// chain, or "" when err carries none.
func ErrorCode(err error) string {
	var ce *ContractError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// ErrorFromCode restores the sentinel for code. Unknown or empty codes
// yield nil.
func ErrorFromCode(code string) error {
	if ce, ok := contractErrors[code]; ok {
		return ce
	}
	return nil
}

// Revert wraps a sentinel with call-specific detail.
func Revert(sentinel *ContractError, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}
