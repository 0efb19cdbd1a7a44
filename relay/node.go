package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/wallet"
)

// Chain is the subset of the node RPC client the relay needs.
type Chain interface {
	Account(ctx context.Context, addr string) (*core.Account, error)
	SendTx(ctx context.Context, tx *core.Transaction) (string, error)
	Receipt(ctx context.Context, txID string) (*core.Receipt, error)
}

// NodeRelay signs batches with the player's wallet and submits them to a
// node. Sponsored batches are co-signed by the sponsor wallet.
type NodeRelay struct {
	chain   Chain
	chainID string
	player  *wallet.Wallet
	sponsor *wallet.Wallet
	fee     uint64
	poll    time.Duration
	log     logrus.FieldLogger

	mu    sync.Mutex
	nonce *uint64 // next nonce; nil until read from the chain
}

// Option customises a NodeRelay.
type Option func(*NodeRelay)

// WithSponsor sets the gas sponsor used for sponsored batches.
func WithSponsor(w *wallet.Wallet) Option {
	return func(r *NodeRelay) { r.sponsor = w }
}

// WithFee sets the fee attached to every batch.
func WithFee(fee uint64) Option {
	return func(r *NodeRelay) { r.fee = fee }
}

// WithPollInterval sets the initial receipt polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(r *NodeRelay) { r.poll = d }
}

// NewNodeRelay creates a relay submitting as player.
func NewNodeRelay(chain Chain, chainID string, player *wallet.Wallet, opts ...Option) *NodeRelay {
	r := &NodeRelay{
		chain:   chain,
		chainID: chainID,
		player:  player,
		fee:     1,
		poll:    500 * time.Millisecond,
		log:     logrus.WithFields(logrus.Fields{"component": "relay", "player": player.Address()}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Address returns the player address batches are signed with.
func (r *NodeRelay) Address() string { return r.player.Address() }

// Submit signs and sends a batch. Batches from one relay are nonce-ordered
// and never resent.
func (r *NodeRelay) Submit(ctx context.Context, calls []core.Call, sponsored bool) (Handle, error) {
	if len(calls) == 0 {
		return Handle{}, errors.New("empty batch")
	}
	if sponsored && r.sponsor == nil {
		return Handle{}, NewSponsorError(errors.New("no sponsor key configured"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nonce == nil {
		acc, err := r.chain.Account(ctx, r.player.Address())
		if err != nil {
			return Handle{}, fmt.Errorf("read nonce: %w", err)
		}
		n := acc.Nonce
		r.nonce = &n
	}

	var tx *core.Transaction
	if sponsored {
		tx = r.player.NewSponsoredBatch(r.chainID, *r.nonce, r.fee, r.sponsor, calls...)
	} else {
		tx = r.player.NewBatch(r.chainID, *r.nonce, r.fee, calls...)
	}
	id, err := r.chain.SendTx(ctx, tx)
	if err != nil {
		r.nonce = nil
		return Handle{}, fmt.Errorf("send batch: %w", err)
	}
	*r.nonce++
	r.log.WithFields(logrus.Fields{"tx": id, "calls": len(calls), "sponsored": sponsored}).Debug("batch submitted")
	return Handle{TxID: id, SubmittedAt: time.Now()}, nil
}

// AwaitReceipt polls for the receipt of h with exponential backoff until it
// settles or timeout elapses, in which case ErrTimeout is returned.
func (r *NodeRelay) AwaitReceipt(ctx context.Context, h Handle, timeout time.Duration) (*core.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.poll
	b.MaxInterval = 8 * r.poll
	b.MaxElapsedTime = 0
	b.Reset()

	rcpt, err := backoff.RetryWithData(func() (*core.Receipt, error) {
		rc, err := r.chain.Receipt(waitCtx, h.TxID)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			r.log.WithError(err).WithField("tx", h.TxID).Debug("receipt poll failed")
		}
		return rc, err
	}, backoff.WithContext(b, waitCtx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: tx %s after %s", ErrTimeout, h.TxID, timeout)
	}
	if rcpt.ErrorCode == core.ErrInvalidNonce.Code {
		r.ResetNonce()
	}
	return rcpt, nil
}

// ResetNonce forces the next Submit to re-read the nonce from the chain.
func (r *NodeRelay) ResetNonce() {
	r.mu.Lock()
	r.nonce = nil
	r.mu.Unlock()
}
