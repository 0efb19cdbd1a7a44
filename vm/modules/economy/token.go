// Package economy implements the fungible token calls and the balance
// helpers other modules use to move stable and reward tokens.
package economy

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/crypto"
	"github.com/tolelom/bikerush/events"
	"github.com/tolelom/bikerush/vm"
)

func init() {
	vm.Register(core.MethodApprove, handleApprove)
	vm.Register(core.MethodTransfer, handleTransfer)
}

func handleApprove(ctx *vm.Context, payload json.RawMessage) error {
	var p core.ApprovePayload
	if err := vm.Decode(payload, &p); err != nil {
		return err
	}
	if !p.Token.Valid() {
		return core.Revert(core.ErrInvalidArgument, "unknown token %q", p.Token)
	}
	if p.Spender == "" {
		return core.Revert(core.ErrInvalidArgument, "spender required")
	}
	amount := core.AmountOrZero(p.Amount)
	if err := ctx.State.SetAllowance(p.Token, ctx.Caller(), p.Spender, amount); err != nil {
		return err
	}
	ctx.Emit(events.EventApproval, map[string]any{
		"token":   string(p.Token),
		"owner":   ctx.Caller(),
		"spender": p.Spender,
		"amount":  amount.Dec(),
	})
	return nil
}

func handleTransfer(ctx *vm.Context, payload json.RawMessage) error {
	var p core.TransferPayload
	if err := vm.Decode(payload, &p); err != nil {
		return err
	}
	if !p.Token.Valid() {
		return core.Revert(core.ErrInvalidArgument, "unknown token %q", p.Token)
	}
	if p.Amount == nil || p.Amount.IsZero() {
		return core.Revert(core.ErrInvalidArgument, "transfer amount must be > 0")
	}
	if !crypto.IsAddress(p.To) {
		return core.Revert(core.ErrInvalidRecipient, "to %q", p.To)
	}
	return Move(ctx, p.Token, ctx.Caller(), p.To, p.Amount)
}

// Move transfers amount of token between two accounts and records the
// transfer. It fails with ErrInsufficientBalance when from cannot cover it.
func Move(ctx *vm.Context, token core.Token, from, to string, amount *uint256.Int) error {
	if err := debit(ctx.State, token, from, amount); err != nil {
		return err
	}
	if err := Credit(ctx.State, token, to, amount); err != nil {
		return err
	}
	ctx.Emit(events.EventTokenTransfer, map[string]any{
		"token":  string(token),
		"from":   from,
		"to":     to,
		"amount": amount.Dec(),
	})
	return nil
}

// Spend moves amount from owner to recipient on behalf of spender, consuming
// allowance. A short allowance or balance fails with ErrPaymentFailed.
func Spend(ctx *vm.Context, token core.Token, owner, spender, to string, amount *uint256.Int) error {
	allowance, err := ctx.State.GetAllowance(token, owner, spender)
	if err != nil {
		return err
	}
	if allowance.Lt(amount) {
		return core.Revert(core.ErrPaymentFailed, "allowance %s below %s", allowance.Dec(), amount.Dec())
	}
	if err := Move(ctx, token, owner, to, amount); err != nil {
		if core.ErrorCode(err) == core.ErrInsufficientBalance.Code {
			return core.Revert(core.ErrPaymentFailed, "%v", err)
		}
		return err
	}
	return ctx.State.SetAllowance(token, owner, spender, new(uint256.Int).Sub(allowance, amount))
}

// Credit adds amount to owner's balance without a matching debit. Used for
// genesis allocation and by Move.
func Credit(st core.State, token core.Token, owner string, amount *uint256.Int) error {
	bal, err := st.GetTokenBalance(token, owner)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(bal, amount)
	if overflow {
		return fmt.Errorf("%s balance overflow for %s", token, owner)
	}
	return st.SetTokenBalance(token, owner, sum)
}

func debit(st core.State, token core.Token, owner string, amount *uint256.Int) error {
	bal, err := st.GetTokenBalance(token, owner)
	if err != nil {
		return err
	}
	if bal.Lt(amount) {
		return core.Revert(core.ErrInsufficientBalance, "%s: have %s need %s", token, bal.Dec(), amount.Dec())
	}
	return st.SetTokenBalance(token, owner, new(uint256.Int).Sub(bal, amount))
}
