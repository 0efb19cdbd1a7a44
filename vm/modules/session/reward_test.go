package session

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/tolelom/bikerush/core"
)

func TestComputeReward(t *testing.T) {
	sports := core.BaseStats[core.CategorySports]
	chopper := core.BaseStats[core.CategoryChopper]

	tests := []struct {
		name  string
		stats core.Stats
		run   Result
		mode  core.Mode
		want  string
	}{
		{"practice scenario", sports, Result{1000, 2000, 10}, core.ModePractice, "26250000000000000000"},
		{"ranked scenario", sports, Result{1000, 2000, 10}, core.ModeRanked, "52500000000000000000"},
		{"daily without bonus", sports, Result{1000, 2000, 10}, core.ModeDailyChallenge, "52500000000000000000"},
		{"empty run", chopper, Result{}, core.ModeRanked, "12400000000000000000"},
		{"floors score and distance", chopper, Result{199, 1999, 0}, core.ModeRanked, "18400000000000000000"},
		{"practice odd base unit", core.Stats{Speed: 1, Acceleration: 0, Handling: 0}, Result{}, core.ModePractice, "5005000000000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want, err := uint256.FromDecimal(tt.want)
			assert.NoError(t, err)
			assert.Equal(t, want, ComputeReward(tt.stats, tt.run, tt.mode))
		})
	}
}

// TestComputeRewardDeterministic verifies the same inputs always give the
// same total.
func TestComputeRewardDeterministic(t *testing.T) {
	stats := core.BaseStats[core.CategoryLady]
	run := Result{Score: 4321, Distance: 98765, Dodged: 17}
	first := ComputeReward(stats, run, core.ModeRanked)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ComputeReward(stats, run, core.ModeRanked))
	}
}

func TestComputeRewardLargeInputsDoNotOverflow(t *testing.T) {
	huge := ^uint64(0)
	got := ComputeReward(core.BaseStats[core.CategorySports], Result{huge, huge, huge}, core.ModeRanked)
	assert.True(t, got.Gt(core.Units(huge/100)))
}

func TestTargetScoreRange(t *testing.T) {
	seen := map[uint64]bool{}
	for day := uint64(20_000); day < 20_200; day++ {
		s := TargetScore("ab12", day)
		assert.GreaterOrEqual(t, s, uint64(1000))
		assert.Less(t, s, uint64(5000))
		assert.Equal(t, s, TargetScore("ab12", day))
		seen[s] = true
	}
	assert.Greater(t, len(seen), 100)
}
