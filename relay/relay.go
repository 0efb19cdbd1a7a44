// Package relay submits call batches to the chain and waits for their
// settlement. It is the only path by which clients change on-chain state.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tolelom/bikerush/core"
)

// ErrTimeout is returned by AwaitReceipt when the batch has not settled
// within the timeout. The batch may still settle later.
var ErrTimeout = errors.New("settlement timed out")

// Handle identifies a submitted batch.
type Handle struct {
	TxID        string
	SubmittedAt time.Time
}

// Relay submits ordered call batches, optionally gas-sponsored, and reports
// their settled receipts.
type Relay interface {
	Submit(ctx context.Context, calls []core.Call, sponsored bool) (Handle, error)
	AwaitReceipt(ctx context.Context, h Handle, timeout time.Duration) (*core.Receipt, error)
}

// ConfigError is a relay misconfiguration. It is never retried; Remedy tells
// the operator what to change.
type ConfigError struct {
	Err    error
	Remedy string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("relay misconfigured: %v (%s)", e.Err, e.Remedy)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SponsorRemedy is the remediation text for an unusable gas sponsor.
const SponsorRemedy = "register the relay's sponsor key in the genesis sponsors list or disable sponsored submissions"

// NewSponsorError reports that sponsored submission cannot work.
func NewSponsorError(cause error) *ConfigError {
	return &ConfigError{Err: cause, Remedy: SponsorRemedy}
}
