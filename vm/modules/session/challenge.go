package session

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"github.com/holiman/uint256"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/crypto"
	"github.com/tolelom/bikerush/events"
	"github.com/tolelom/bikerush/vm"
)

const (
	minTargetScore   = 1000
	targetScoreRange = 4000
)

func handleUpdateDailyChallenge(ctx *vm.Context, _ json.RawMessage) error {
	_, err := Rollover(ctx)
	return err
}

// Rollover creates the challenge for the block's day if the last one is
// from an earlier day, which is kept under its own day as inactive. It
// reports whether a new challenge was created.
//
// The target score is seeded from the previous block hash and the day
// index. Anyone who can influence block production can predict or steer it;
// that is tolerated because the reward is small.
func Rollover(ctx *vm.Context) (bool, error) {
	day := ctx.Block.Day()
	last, err := ctx.State.GetCounter(core.CounterChallengeDay)
	if err != nil {
		return false, err
	}
	if last == day+1 {
		return false, nil
	}
	if last == 0 {
		return createChallenge(ctx, day)
	}

	prev, err := ctx.State.GetDailyChallenge(last - 1)
	switch {
	case err == nil:
		prev.Active = false
		if err := ctx.State.SetDailyChallenge(prev); err != nil {
			return false, err
		}
	case !errors.Is(err, core.ErrNotFound):
		return false, err
	}
	return createChallenge(ctx, day)
}

func createChallenge(ctx *vm.Context, day uint64) (bool, error) {
	next := &core.DailyChallenge{
		Day:         day,
		TargetScore: TargetScore(ctx.Block.Header.PrevHash, day),
		Reward:      core.AmountOrZero(ctx.Economy.ChallengeReward),
		Active:      true,
	}
	if err := ctx.State.SetDailyChallenge(next); err != nil {
		return false, err
	}
	if err := ctx.State.SetCounter(core.CounterChallengeDay, day+1); err != nil {
		return false, err
	}
	ctx.Emit(events.EventChallengeRolled, map[string]any{
		"day":          day,
		"target_score": next.TargetScore,
		"reward":       next.Reward.Dec(),
	})
	return true, nil
}

// TargetScore derives the day's target in [1000, 5000) from
// sha256(prevHash || day).
func TargetScore(prevHash string, day uint64) uint64 {
	var d [8]byte
	binary.BigEndian.PutUint64(d[:], day)
	seed := new(uint256.Int).SetBytes(crypto.HashBytes([]byte(prevHash), d[:]))
	return minTargetScore + seed.Mod(seed, uint256.NewInt(targetScoreRange)).Uint64()
}
