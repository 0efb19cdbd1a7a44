package session

import (
	"github.com/holiman/uint256"
	"github.com/tolelom/bikerush/core"
)

// Result is the performance submitted when a session completes.
type Result struct {
	Score    uint64
	Distance uint64
	Dodged   uint64
}

// ComputeReward returns the base reward for a completed run, before any daily
// challenge bonus. Every term is summed in base units first; practice runs
// then halve the total with integer division.
//
//	base     10
//	bike     (speed + acceleration + handling) / 100
//	score    floor(score / 100)
//	distance floor(distance / 1000) * 5
//	dodged   dodged * 2
func ComputeReward(stats core.Stats, r Result, mode core.Mode) *uint256.Int {
	total := core.Units(10)

	bike := new(uint256.Int).Mul(uint256.NewInt(stats.Sum()), core.Unit)
	total.Add(total, bike.Div(bike, uint256.NewInt(100)))

	total.Add(total, core.Units(r.Score/100))
	total.Add(total, mulUnits(r.Distance/1000, 5))
	total.Add(total, mulUnits(r.Dodged, 2))

	if mode == core.ModePractice {
		total.Div(total, uint256.NewInt(2))
	}
	return total
}

// mulUnits returns n*k whole tokens without overflowing uint64 on large n.
func mulUnits(n, k uint64) *uint256.Int {
	v := new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(k))
	return v.Mul(v, core.Unit)
}
