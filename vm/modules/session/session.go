// Package session implements the session lifecycle calls: starting a run on
// an owned bike, completing it with a deterministic reward and rolling the
// daily challenge.
package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/events"
	"github.com/tolelom/bikerush/vm"
	"github.com/tolelom/bikerush/vm/modules/asset"
	"github.com/tolelom/bikerush/vm/modules/economy"
	"github.com/tolelom/bikerush/vm/modules/ledger"
)

func init() {
	vm.Register(core.MethodStartSession, handleStartSession)
	vm.Register(core.MethodCompleteSession, handleCompleteSession)
	vm.Register(core.MethodUpdateDailyChallenge, handleUpdateDailyChallenge)
}

func handleStartSession(ctx *vm.Context, payload json.RawMessage) error {
	var p core.StartSessionPayload
	if err := vm.Decode(payload, &p); err != nil {
		return err
	}
	if !p.Mode.Valid() {
		return core.Revert(core.ErrUnknownMode, "mode %q", p.Mode)
	}
	player := ctx.Caller()
	bike, err := asset.OwnedBike(ctx.State, p.BikeID, player)
	if err != nil {
		return err
	}

	switch p.Mode {
	case core.ModeRanked:
		if err := escrowEntryFee(ctx, player); err != nil {
			return err
		}
	case core.ModeDailyChallenge:
		if err := checkDailyEligible(ctx, player); err != nil {
			return err
		}
	}

	last, err := ctx.State.GetCounter(core.CounterSession)
	if err != nil {
		return err
	}
	id := last + 1
	sess := &core.Session{
		ID:             id,
		Player:         player,
		BikeID:         bike.ID,
		Mode:           p.Mode,
		StartedAt:      ctx.Block.Unix(),
		RewardsGranted: new(uint256.Int),
	}
	if err := ctx.State.SetSession(sess); err != nil {
		return err
	}
	if err := ctx.State.SetCounter(core.CounterSession, id); err != nil {
		return err
	}
	bike.Races++
	if err := ctx.State.SetBike(bike); err != nil {
		return err
	}

	ctx.Emit(events.EventSessionStarted, map[string]any{
		"session_id": id,
		"player":     player,
		"bike_id":    bike.ID,
		"mode":       string(p.Mode),
	})
	return nil
}

// escrowEntryFee debits the ranked entry fee and splits it between the prize
// pool and the protocol fee pool.
func escrowEntryFee(ctx *vm.Context, player string) error {
	fee := core.AmountOrZero(ctx.Economy.RankedEntryFee)
	if fee.IsZero() {
		return nil
	}
	if err := economy.Move(ctx, core.TokenStable, player, core.ContractAddress, fee); err != nil {
		if core.ErrorCode(err) == core.ErrInsufficientBalance.Code {
			return core.Revert(core.ErrPaymentFailed, "ranked entry fee: %v", err)
		}
		return err
	}
	prize := new(uint256.Int).Mul(fee, uint256.NewInt(ctx.Economy.PrizePoolPercent))
	prize.Div(prize, uint256.NewInt(100))
	protocol := new(uint256.Int).Sub(fee, prize)
	if err := ledger.AddPool(ctx.State, core.PoolPrize, prize); err != nil {
		return err
	}
	return ledger.AddPool(ctx.State, core.PoolProtocolFees, protocol)
}

func checkDailyEligible(ctx *vm.Context, player string) error {
	day := ctx.Block.Day()
	chal, err := ctx.State.GetDailyChallenge(day)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return err
	}
	if !chal.ActiveOn(day) {
		return core.Revert(core.ErrChallengeUnavailable, "day %d", day)
	}
	done, err := ctx.State.DailyCompleted(day, player)
	if err != nil {
		return err
	}
	if done {
		return core.Revert(core.ErrChallengeAlreadyDone, "day %d", day)
	}
	return nil
}

func handleCompleteSession(ctx *vm.Context, payload json.RawMessage) error {
	var p core.CompleteSessionPayload
	if err := vm.Decode(payload, &p); err != nil {
		return err
	}
	player := ctx.Caller()
	sess, err := ctx.State.GetSession(p.SessionID)
	if errors.Is(err, core.ErrNotFound) {
		return core.Revert(core.ErrSessionInvalid, "session %d does not exist", p.SessionID)
	}
	if err != nil {
		return fmt.Errorf("load session %d: %w", p.SessionID, err)
	}
	if sess.Completed || sess.Player != player {
		return core.Revert(core.ErrSessionInvalid, "session %d", p.SessionID)
	}
	bike, err := ctx.State.GetBike(sess.BikeID)
	if err != nil {
		return fmt.Errorf("load bike %d: %w", sess.BikeID, err)
	}

	result := Result{Score: p.Score, Distance: p.Distance, Dodged: p.Dodged}
	total := ComputeReward(bike.Stats(), result, sess.Mode)
	bonus := new(uint256.Int)
	if sess.Mode == core.ModeDailyChallenge {
		if bonus, err = dailyBonus(ctx, player, p.Score); err != nil {
			return err
		}
		total.Add(total, bonus)
	}

	sess.Score = p.Score
	sess.Distance = p.Distance
	sess.Dodged = p.Dodged
	sess.Completed = true
	sess.CompletedAt = ctx.Block.Unix()
	sess.RewardsGranted = total
	if err := ctx.State.SetSession(sess); err != nil {
		return err
	}
	if err := ledger.Grant(ctx.State, player, total); err != nil {
		return err
	}

	ctx.Emit(events.EventSessionCompleted, map[string]any{
		"session_id": sess.ID,
		"player":     player,
		"score":      p.Score,
		"reward":     total.Dec(),
		"bonus":      bonus.Dec(),
	})
	return nil
}

// dailyBonus grants today's challenge reward once per player when score
// meets the target. Eligibility is re-checked here since the challenge may
// have been completed by another session after this one started.
func dailyBonus(ctx *vm.Context, player string, score uint64) (*uint256.Int, error) {
	day := ctx.Block.Day()
	chal, err := ctx.State.GetDailyChallenge(day)
	if errors.Is(err, core.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	if !chal.ActiveOn(day) || score < chal.TargetScore {
		return new(uint256.Int), nil
	}
	done, err := ctx.State.DailyCompleted(day, player)
	if err != nil {
		return nil, err
	}
	if done {
		return new(uint256.Int), nil
	}
	if err := ctx.State.MarkDailyCompleted(day, player); err != nil {
		return nil, err
	}
	return core.AmountOrZero(chal.Reward), nil
}
