package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/relay"
)

// Outcome is what a player action resolved to.
type Outcome string

const (
	Succeeded     Outcome = "succeeded"
	Failed        Outcome = "failed"
	Indeterminate Outcome = "indeterminate"
)

// Status tracks a submitted batch against the chain.
type Status string

const (
	StatusOptimistic Status = "optimistic"
	StatusConfirmed  Status = "confirmed"
	StatusReverted   Status = "reverted"
)

// Kind names the operation an Op performs.
type Kind string

const (
	KindMint     Kind = "mint"
	KindStart    Kind = "start_session"
	KindComplete Kind = "complete_session"
	KindRollover Kind = "daily_rollover"
)

// Local errors, returned before anything is submitted.
var (
	ErrUnknownSession   = errors.New("unknown session")
	ErrAlreadyCompleted = errors.New("session already completed or completing")
	ErrSessionSettling  = errors.New("session start has not settled yet")
	ErrClosed           = errors.New("reconciler closed")
)

// Op is one player action and the batch that carries it.
type Op struct {
	ID           uuid.UUID     `json:"id"`
	Kind         Kind          `json:"kind"`
	TxID         string        `json:"tx_id,omitempty"`
	Status       Status        `json:"status,omitempty"`
	Outcome      Outcome       `json:"outcome"`
	SessionKey   string        `json:"session_key,omitempty"`
	Category     core.Category `json:"category,omitempty"`
	Reward       string        `json:"reward,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	Message      string        `json:"message,omitempty"`
	NeedsRefresh bool          `json:"needs_refresh,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`

	Err error `json:"-"`
}

// SessionState is the local lifecycle of a play session.
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionCompleting SessionState = "completing"
	SessionCompleted  SessionState = "completed"
	SessionAborted    SessionState = "aborted"
)

// LocalSession is the client's view of a session. Key is synthesized
// locally and never changes; ChainID is known once the start batch settled.
type LocalSession struct {
	Key       string       `json:"key"`
	ChainID   uint64       `json:"chain_id,omitempty"`
	OnChain   bool         `json:"on_chain"`
	BikeID    uint64       `json:"bike_id"`
	Mode      core.Mode    `json:"mode"`
	State     SessionState `json:"state"`
	StartedAt time.Time    `json:"started_at"`

	pendingStart bool
}

// RevertError is a batch that settled with a failed receipt.
type RevertError struct {
	TxID  string
	Code  string
	Cause error
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("tx %s reverted: %v", e.TxID, e.Cause)
}

func (e *RevertError) Unwrap() error { return e.Cause }

func revertError(rcpt *core.Receipt) error {
	re := &RevertError{TxID: rcpt.TxID, Code: rcpt.ErrorCode, Cause: rcpt.Err()}
	if rcpt.ErrorCode == core.ErrSponsorNotRegistered.Code {
		return relay.NewSponsorError(re)
	}
	return re
}

var remedies = map[string]string{
	core.ErrPaymentFailed.Code:        "Not enough stable tokens for this purchase. Top up and try again.",
	core.ErrInsufficientBalance.Code:  "Not enough tokens. Top up and try again.",
	core.ErrUnknownCategory.Code:      "That bike category does not exist.",
	core.ErrNotAssetOwner.Code:        "You do not own that bike. Refresh your garage.",
	core.ErrUnknownMode.Code:          "That game mode does not exist.",
	core.ErrSessionInvalid.Code:       "This run was already submitted or is not yours.",
	core.ErrChallengeUnavailable.Code: "Today's challenge is not open yet. Try again in a moment.",
	core.ErrChallengeAlreadyDone.Code: "You already finished today's challenge.",
	core.ErrNothingToClaim.Code:       "There are no rewards to claim.",
	core.ErrClaimTransferFailed.Code:  "The reward pool is empty right now. Your run was not recorded, try again later.",
	core.ErrInvalidNonce.Code:         "Another transaction was in flight. Try again.",
	core.ErrInsufficientFee.Code:      "Your account cannot pay the network fee.",
}

// Describe returns user-facing text for an error produced by the reconciler.
func Describe(err error) string {
	var ce *relay.ConfigError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return "The game server is misconfigured: " + ce.Remedy + "."
	case errors.Is(err, relay.ErrTimeout):
		return "Still processing. Check again shortly or refresh your balances."
	case errors.Is(err, ErrAlreadyCompleted):
		return "This run was already submitted."
	case errors.Is(err, ErrSessionSettling):
		return "Your session is still being confirmed. Try again in a few seconds."
	case errors.Is(err, ErrUnknownSession):
		return "That session no longer exists. Start a new run."
	case errors.Is(err, ErrClosed):
		return "The game is shutting down."
	}
	if text, ok := remedies[core.ErrorCode(err)]; ok {
		return text
	}
	return "Something went wrong. Please try again."
}
