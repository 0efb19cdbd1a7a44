package asset_test

import (
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/internal/testutil"
)

// TestMintSportsBike buys a tier-1 bike and checks its fixed stats, the
// payment and the owner index.
func TestMintSportsBike(t *testing.T) {
	ps := testutil.NewPlayers(t, 1)
	c := testutil.NewChain(t, ps)
	p := ps[0]

	id := c.MintBike(t, p, core.CategorySports)
	assert.Equal(t, uint64(0), id)

	st := c.Read()
	bike, err := st.GetBike(id)
	require.NoError(t, err)
	assert.Equal(t, p.Address(), bike.Owner)
	assert.Equal(t, core.CategorySports, bike.Category)
	assert.Equal(t, core.Stats{Speed: 95, Acceleration: 85, Handling: 70}, bike.Stats())
	assert.Equal(t, c.Now().Unix(), bike.CreatedAt)
	assert.Zero(t, bike.Races)

	bal, err := st.GetTokenBalance(core.TokenStable, p.Address())
	require.NoError(t, err)
	assert.Equal(t, core.Units(testutil.PlayerStable-100), bal)
	treasury, err := st.GetTokenBalance(core.TokenStable, core.ContractAddress)
	require.NoError(t, err)
	assert.Equal(t, core.Units(100), treasury)
	allowance, err := st.GetAllowance(core.TokenStable, p.Address(), core.ContractAddress)
	require.NoError(t, err)
	assert.True(t, allowance.IsZero())

	owned, err := c.Indexer.BikesByOwner(p.Address())
	require.NoError(t, err)
	assert.Equal(t, []uint64{id}, owned)
}

func TestMintPriceTiers(t *testing.T) {
	ps := testutil.NewPlayers(t, 1)
	c := testutil.NewChain(t, ps)
	p := ps[0]
	for _, cat := range core.Categories {
		c.MintBike(t, p, cat)
	}
	bal, err := c.Read().GetTokenBalance(core.TokenStable, p.Address())
	require.NoError(t, err)
	assert.Equal(t, core.Units(testutil.PlayerStable-100-150-250), bal)

	owned, err := c.Indexer.BikesByOwner(p.Address())
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 1, 2}, owned)
}

// TestMintFailures covers payment and argument failures; none of them may
// allocate a bike id.
func TestMintFailures(t *testing.T) {
	ps := testutil.NewPlayers(t, 1)
	c := testutil.NewChain(t, ps)
	p := ps[0]

	tests := []struct {
		name  string
		calls []core.Call
		code  string
	}{
		{
			name:  "no allowance",
			calls: []core.Call{core.MintBikeCall(core.CategorySports, "x")},
			code:  core.ErrPaymentFailed.Code,
		},
		{
			name: "allowance below price",
			calls: []core.Call{
				core.ApproveCall(core.TokenStable, core.ContractAddress, core.Units(99)),
				core.MintBikeCall(core.CategorySports, "x"),
			},
			code: core.ErrPaymentFailed.Code,
		},
		{
			name: "balance below price",
			calls: []core.Call{
				core.ApproveCall(core.TokenStable, core.ContractAddress, core.Units(5000)),
				core.MintBikeCall(core.CategoryChopper, "x"),
				core.MintBikeCall(core.CategoryChopper, "x"),
				core.MintBikeCall(core.CategoryChopper, "x"),
				core.MintBikeCall(core.CategoryChopper, "x"),
				core.MintBikeCall(core.CategoryChopper, "x"),
			},
			code: core.ErrPaymentFailed.Code,
		},
		{
			name:  "unknown category",
			calls: []core.Call{core.MintBikeCall(core.Category("tandem"), "x")},
			code:  core.ErrUnknownCategory.Code,
		},
		{
			name: "name too long",
			calls: []core.Call{
				core.ApproveCall(core.TokenStable, core.ContractAddress, core.Units(100)),
				core.MintBikeCall(core.CategorySports, strings.Repeat("n", 65)),
			},
			code: core.ErrInvalidArgument.Code,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := c.Exec(t, p, tt.calls...)
			require.False(t, r.Succeeded())
			assert.Equal(t, tt.code, r.ErrorCode)
		})
	}

	n, err := c.Read().GetCounter(core.CounterBike)
	require.NoError(t, err)
	assert.Zero(t, n)
	bal, err := c.Read().GetTokenBalance(core.TokenStable, p.Address())
	require.NoError(t, err)
	assert.Equal(t, core.Units(testutil.PlayerStable), bal)
	allowance, err := c.Read().GetAllowance(core.TokenStable, p.Address(), core.ContractAddress)
	require.NoError(t, err)
	assert.Equal(t, new(uint256.Int), allowance)
}

func TestTransferBike(t *testing.T) {
	ps := testutil.NewPlayers(t, 2)
	c := testutil.NewChain(t, ps)
	a, b := ps[0], ps[1]
	id := c.MintBike(t, a, core.CategoryLady)

	r := c.Exec(t, b, core.TransferBikeCall(id, b.Address()))
	assert.Equal(t, core.ErrInvalidRecipient.Code, r.ErrorCode)
	r = c.Exec(t, b, core.TransferBikeCall(id, a.Address()))
	assert.Equal(t, core.ErrNotAssetOwner.Code, r.ErrorCode)
	r = c.Exec(t, a, core.TransferBikeCall(id, "not-an-address"))
	assert.Equal(t, core.ErrInvalidRecipient.Code, r.ErrorCode)

	r = c.Exec(t, a, core.TransferBikeCall(id, b.Address()))
	require.True(t, r.Succeeded(), r.Error)

	bike, err := c.Read().GetBike(id)
	require.NoError(t, err)
	assert.Equal(t, b.Address(), bike.Owner)

	owned, err := c.Indexer.BikesByOwner(a.Address())
	require.NoError(t, err)
	assert.Empty(t, owned)
	owned, err = c.Indexer.BikesByOwner(b.Address())
	require.NoError(t, err)
	assert.Equal(t, []uint64{id}, owned)

	// The previous owner can no longer race it.
	r = c.Exec(t, a, core.StartSessionCall(id, core.ModePractice))
	assert.Equal(t, core.ErrNotAssetOwner.Code, r.ErrorCode)
	c.StartSession(t, b, id, core.ModePractice)
}
