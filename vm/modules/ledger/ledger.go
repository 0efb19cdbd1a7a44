// Package ledger implements the reward ledger: per-player unclaimed credits,
// claims against the contract-held reward token, credit transfers between
// players and operator withdrawal of protocol fees.
package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/crypto"
	"github.com/tolelom/bikerush/events"
	"github.com/tolelom/bikerush/vm"
	"github.com/tolelom/bikerush/vm/modules/economy"
)

func init() {
	vm.Register(core.MethodClaimRewards, handleClaimRewards)
	vm.Register(core.MethodTransferRewardCredits, handleTransferCredits)
	vm.Register(core.MethodWithdrawProtocolFees, handleWithdrawFees)
}

// Grant credits player with a freshly computed reward and books it in the
// total_computed pool.
func Grant(st core.State, player string, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if err := addRewards(st, player, amount); err != nil {
		return err
	}
	return AddPool(st, core.PoolTotalComputed, amount)
}

func handleClaimRewards(ctx *vm.Context, _ json.RawMessage) error {
	player := ctx.Caller()
	owed, err := ctx.State.GetRewards(player)
	if err != nil {
		return err
	}
	if owed.IsZero() {
		return core.Revert(core.ErrNothingToClaim, "no unclaimed rewards for %s", player)
	}
	if err := ctx.State.SetRewards(player, new(uint256.Int)); err != nil {
		return err
	}
	if err := economy.Move(ctx, core.TokenReward, core.ContractAddress, player, owed); err != nil {
		return core.Revert(core.ErrClaimTransferFailed, "%v", err)
	}
	if err := AddPool(ctx.State, core.PoolTotalClaimed, owed); err != nil {
		return err
	}
	ctx.Emit(events.EventRewardsClaimed, map[string]any{
		"player": player,
		"amount": owed.Dec(),
	})
	return nil
}

func handleTransferCredits(ctx *vm.Context, payload json.RawMessage) error {
	var p core.TransferRewardCreditsPayload
	if err := vm.Decode(payload, &p); err != nil {
		return err
	}
	from := ctx.Caller()
	if p.To == "" || p.To == from || !crypto.IsAddress(p.To) {
		return core.Revert(core.ErrInvalidRecipient, "to %q", p.To)
	}
	amount := core.AmountOrZero(p.Amount)
	if amount.IsZero() {
		return core.Revert(core.ErrInvalidArgument, "amount must be > 0")
	}
	bal, err := ctx.State.GetRewards(from)
	if err != nil {
		return err
	}
	if bal.Lt(amount) {
		return core.Revert(core.ErrInsufficientCredits, "have %s need %s", bal.Dec(), amount.Dec())
	}
	if err := ctx.State.SetRewards(from, new(uint256.Int).Sub(bal, amount)); err != nil {
		return err
	}
	if err := addRewards(ctx.State, p.To, amount); err != nil {
		return err
	}
	ctx.Emit(events.EventCreditsTransferred, map[string]any{
		"from":   from,
		"to":     p.To,
		"amount": amount.Dec(),
	})
	return nil
}

func handleWithdrawFees(ctx *vm.Context, payload json.RawMessage) error {
	var p core.WithdrawProtocolFeesPayload
	if err := vm.Decode(payload, &p); err != nil {
		return err
	}
	if ctx.Economy.Operator == "" || ctx.Caller() != ctx.Economy.Operator {
		return core.Revert(core.ErrNotOperator, "caller %s", ctx.Caller())
	}
	to := p.To
	if to == "" {
		to = ctx.Caller()
	}
	if !crypto.IsAddress(to) {
		return core.Revert(core.ErrInvalidRecipient, "to %q", to)
	}
	fees, err := ctx.State.GetPool(core.PoolProtocolFees)
	if err != nil {
		return err
	}
	if fees.IsZero() {
		return core.Revert(core.ErrNothingToClaim, "no protocol fees accrued")
	}
	if err := ctx.State.SetPool(core.PoolProtocolFees, new(uint256.Int)); err != nil {
		return err
	}
	if err := economy.Move(ctx, core.TokenStable, core.ContractAddress, to, fees); err != nil {
		return err
	}
	ctx.Emit(events.EventFeesWithdrawn, map[string]any{"to": to, "amount": fees.Dec()})
	return nil
}

func addRewards(st core.State, player string, amount *uint256.Int) error {
	bal, err := st.GetRewards(player)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(bal, amount)
	if overflow {
		return fmt.Errorf("reward ledger overflow for %s", player)
	}
	return st.SetRewards(player, sum)
}

// AddPool increases a contract pool by amount.
func AddPool(st core.State, name core.Pool, amount *uint256.Int) error {
	cur, err := st.GetPool(name)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(cur, amount)
	if overflow {
		return fmt.Errorf("%s overflow", name)
	}
	return st.SetPool(name, sum)
}
