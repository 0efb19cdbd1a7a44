package vm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/internal/testutil"
	"github.com/tolelom/bikerush/wallet"
)

func gas(t *testing.T, c *testutil.Chain, addr string) uint64 {
	t.Helper()
	acc, err := c.Read().GetAccount(addr)
	require.NoError(t, err)
	return acc.Balance
}

// TestBatchIsAtomic runs a batch whose second call fails and expects the
// first call to be rolled back while fee and nonce are still charged.
func TestBatchIsAtomic(t *testing.T) {
	ps := testutil.NewPlayers(t, 2)
	c := testutil.NewChain(t, ps)
	a, b := ps[0], ps[1]

	r := c.Exec(t, a,
		core.TransferCall(core.TokenStable, b.Address(), core.Units(10)),
		core.TransferCall(core.TokenStable, b.Address(), core.Units(testutil.PlayerStable)),
	)
	require.False(t, r.Succeeded())
	assert.Equal(t, core.ErrInsufficientBalance.Code, r.ErrorCode)
	assert.Contains(t, r.Error, "call 1 (transfer)")

	bal, err := c.Read().GetTokenBalance(core.TokenStable, b.Address())
	require.NoError(t, err)
	assert.Equal(t, core.Units(testutil.PlayerStable), bal)
	assert.Equal(t, uint64(1), c.Nonce(t, a.Address()))
	assert.Equal(t, uint64(testutil.PlayerGas-testutil.DefaultTxFee), gas(t, c, a.Address()))
}

// TestNonceReplay verifies that a batch signed with a stale nonce is
// rejected without touching state.
func TestNonceReplay(t *testing.T) {
	ps := testutil.NewPlayers(t, 2)
	c := testutil.NewChain(t, ps)
	a, b := ps[0], ps[1]

	require.True(t, c.Exec(t, a, core.TransferCall(core.TokenStable, b.Address(), core.Units(1))).Succeeded())

	stale := a.NewBatch(testutil.ChainID, 0, testutil.DefaultTxFee, core.TransferCall(core.TokenStable, b.Address(), core.Units(1)))
	require.NoError(t, c.Mempool.Add(stale))
	c.Produce(t)
	r, err := c.BC.GetReceipt(stale.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ErrInvalidNonce.Code, r.ErrorCode)
	assert.Equal(t, uint64(1), c.Nonce(t, a.Address()))

	bal, err := c.Read().GetTokenBalance(core.TokenStable, b.Address())
	require.NoError(t, err)
	assert.Equal(t, core.Units(testutil.PlayerStable+1), bal)
}

// TestSponsoredBatchChargesSponsor lets a player without gas act through
// the registered sponsor.
func TestSponsoredBatchChargesSponsor(t *testing.T) {
	ps := testutil.NewPlayers(t, 2)
	c := testutil.NewChain(t, ps)
	a, b := ps[0], ps[1]
	sponsorGas := gas(t, c, c.Sponsor.Address())

	r := c.ExecSponsored(t, a, core.TransferCall(core.TokenStable, b.Address(), core.Units(3)))
	require.True(t, r.Succeeded(), r.Error)
	assert.Equal(t, uint64(testutil.PlayerGas), gas(t, c, a.Address()))
	assert.Equal(t, sponsorGas-testutil.DefaultTxFee, gas(t, c, c.Sponsor.Address()))
	assert.Equal(t, uint64(1), c.Nonce(t, a.Address()))
}

// TestUnregisteredSponsorRejected surfaces the relay misconfiguration as a
// typed receipt error.
func TestUnregisteredSponsorRejected(t *testing.T) {
	ps := testutil.NewPlayers(t, 2)
	c := testutil.NewChain(t, ps)
	a, b := ps[0], ps[1]
	rogue, err := wallet.Generate()
	require.NoError(t, err)

	tx := a.NewSponsoredBatch(testutil.ChainID, 0, testutil.DefaultTxFee, rogue, core.TransferCall(core.TokenStable, b.Address(), core.Units(3)))
	require.NoError(t, c.Mempool.Add(tx))
	c.Produce(t)
	r, err := c.BC.GetReceipt(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ErrSponsorNotRegistered.Code, r.ErrorCode)
	assert.ErrorIs(t, r.Err(), core.ErrSponsorNotRegistered)
	assert.Zero(t, c.Nonce(t, a.Address()))
}

// TestInsufficientFee rejects a batch from an account without gas.
func TestInsufficientFee(t *testing.T) {
	ps := testutil.NewPlayers(t, 1)
	c := testutil.NewChain(t, ps)
	broke, err := wallet.Generate()
	require.NoError(t, err)

	r := c.Exec(t, broke, core.TransferCall(core.TokenStable, ps[0].Address(), core.Units(1)))
	assert.Equal(t, core.ErrInsufficientFee.Code, r.ErrorCode)
	assert.Zero(t, c.Nonce(t, broke.Address()))
}

func TestUnknownCall(t *testing.T) {
	ps := testutil.NewPlayers(t, 1)
	c := testutil.NewChain(t, ps)

	r := c.Exec(t, ps[0], core.Call{Method: core.Method("self_destruct")})
	assert.Equal(t, core.ErrUnknownCall.Code, r.ErrorCode)

	r = c.Exec(t, ps[0], core.TransferCall(core.TokenStable, "not-an-address", core.Units(1)))
	assert.Equal(t, core.ErrInvalidRecipient.Code, r.ErrorCode)
}
