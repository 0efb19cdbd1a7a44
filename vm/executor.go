package vm

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/events"
)

// Context is passed to every Handler and provides access to the chain state,
// the current block, the triggering batch and the economy parameters.
type Context struct {
	State   core.State
	Block   *core.Block
	Tx      *core.Transaction
	Economy core.Economy

	logs []core.Log
}

// Caller returns the address that signed the batch.
func (c *Context) Caller() string { return c.Tx.From }

// Emit records an event. Events reach subscribers only if the whole batch
// succeeds and its block is committed.
func (c *Context) Emit(typ events.EventType, data map[string]any) {
	c.logs = append(c.logs, core.Log{Type: string(typ), Data: data})
}

// Executor applies batches to the state using the global Handler registry.
type Executor struct {
	state core.State
	econ  core.Economy
	log   logrus.FieldLogger
}

// NewExecutor creates an Executor over state with the given economy.
func NewExecutor(state core.State, econ core.Economy) *Executor {
	return &Executor{
		state: state,
		econ:  econ,
		log:   logrus.WithField("component", "vm"),
	}
}

// ExecuteBlock applies all transactions in block sequentially and returns one
// receipt per transaction. A failed batch yields a failed receipt; only
// storage faults abort the block.
func (e *Executor) ExecuteBlock(block *core.Block) ([]*core.Receipt, error) {
	receipts := make([]*core.Receipt, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		r, err := e.ExecuteTx(block, tx)
		if err != nil {
			return nil, fmt.Errorf("tx %s: %w", tx.ID, err)
		}
		receipts = append(receipts, r)
	}
	return receipts, nil
}

// ExecuteTx runs one batch. The fee and nonce are charged first and survive a
// failed batch; the calls run inside a snapshot and either all apply or none
// does.
func (e *Executor) ExecuteTx(block *core.Block, tx *core.Transaction) (*core.Receipt, error) {
	lg := e.log.WithFields(logrus.Fields{"tx": tx.ID, "from": tx.From})

	if err := tx.Verify(); err != nil {
		return rejected(tx, core.Revert(core.ErrInvalidSignature, "%v", err)), nil
	}
	if tx.Sponsor != "" && !e.econ.IsSponsor(tx.Sponsor) {
		lg.WithField("sponsor", tx.Sponsor).Warn("unregistered sponsor")
		return rejected(tx, core.Revert(core.ErrSponsorNotRegistered, "sponsor %s", tx.Sponsor)), nil
	}
	if err := e.chargeFee(tx); err != nil {
		if core.ErrorCode(err) == "" {
			return nil, err
		}
		return rejected(tx, err), nil
	}

	snapID, err := e.state.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	ctx := &Context{State: e.state, Block: block, Tx: tx, Economy: e.econ}
	for i, call := range tx.Calls {
		if err := globalRegistry.Execute(call.Method, ctx, call.Payload); err != nil {
			if revertErr := e.state.RevertToSnapshot(snapID); revertErr != nil {
				return nil, fmt.Errorf("revert after %s: %w", call.Method, revertErr)
			}
			lg.WithFields(logrus.Fields{"call": call.Method, "index": i}).WithError(err).Info("batch reverted")
			return rejected(tx, fmt.Errorf("call %d (%s): %w", i, call.Method, err)), nil
		}
	}

	ctx.Emit(events.EventTxExecuted, map[string]any{"from": tx.From, "calls": len(tx.Calls)})
	return &core.Receipt{TxID: tx.ID, Status: core.ReceiptSuccess, Logs: ctx.logs}, nil
}

// chargeFee debits the fee payer and advances the sender nonce. Errors
// carrying a contract code reject the batch; anything else is a storage
// fault.
func (e *Executor) chargeFee(tx *core.Transaction) error {
	sender, err := e.state.GetAccount(tx.From)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if sender.Nonce != tx.Nonce {
		return core.Revert(core.ErrInvalidNonce, "expected %d got %d", sender.Nonce, tx.Nonce)
	}
	if sender.Nonce == math.MaxUint64 {
		return core.Revert(core.ErrInvalidNonce, "nonce overflow")
	}

	payer := sender
	if tx.Sponsor != "" && tx.Sponsor != tx.From {
		if payer, err = e.state.GetAccount(tx.Sponsor); err != nil {
			return fmt.Errorf("get sponsor: %w", err)
		}
	}
	if payer.Balance < tx.Fee {
		return core.Revert(core.ErrInsufficientFee, "have %d need %d", payer.Balance, tx.Fee)
	}
	payer.Balance -= tx.Fee
	sender.Nonce++
	if err := e.state.SetAccount(sender); err != nil {
		return err
	}
	if payer != sender {
		return e.state.SetAccount(payer)
	}
	return nil
}

func rejected(tx *core.Transaction, err error) *core.Receipt {
	return &core.Receipt{
		TxID:      tx.ID,
		Status:    core.ReceiptFailed,
		ErrorCode: core.ErrorCode(err),
		Error:     err.Error(),
	}
}
