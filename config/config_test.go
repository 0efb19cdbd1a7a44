package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tolelom/bikerush/config"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/crypto"
	"github.com/tolelom/bikerush/internal/testutil"
	"github.com/tolelom/bikerush/storage"
)

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: track-1
block_interval_ms: 500
genesis:
  chain_id: bikerush-test
  sponsors: [abcd]
  economy:
    ranked_entry_fee: 8
    bike_prices:
      chopper: 300
`), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "track-1", cfg.NodeID)
	assert.Equal(t, 500*time.Millisecond, cfg.BlockInterval())
	assert.Equal(t, 8545, cfg.RPCPort, "unset fields keep their defaults")

	econ := cfg.Genesis.EconomyParams()
	assert.Equal(t, core.Units(300), econ.Price(core.CategoryChopper))
	assert.Equal(t, core.Units(100), econ.Price(core.CategorySports))
	assert.Equal(t, core.Units(8), econ.RankedEntryFee)
	assert.True(t, econ.Sponsors["abcd"])
}

func TestSaveLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	cfg := config.DefaultConfig()
	cfg.Genesis.Operator = "op"
	require.NoError(t, config.Save(cfg, path))

	got, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*config.Config){
		"missing chain id": func(c *config.Config) { c.Genesis.ChainID = "" },
		"pool over 100":    func(c *config.Config) { c.Genesis.Economy.PrizePoolPercent = 101 },
		"missing price":    func(c *config.Config) { delete(c.Genesis.Economy.BikePrices, core.CategoryLady) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, config.DefaultConfig().Validate())
	assert.Equal(t, 2*time.Second, (&config.Config{}).BlockInterval())
}

// TestGenesisAllocations verifies that block zero commits the configured
// balances and the reward supply.
func TestGenesisAllocations(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	cfg.Genesis.Alloc[pub.Hex()] = 77
	cfg.Genesis.StableAlloc[pub.Hex()] = 12
	cfg.Genesis.RewardSupply = 9

	db := testutil.NewMemDB()
	st := storage.NewStateDB(db)
	block, err := config.CreateGenesisBlockAt(cfg, st, priv, time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(0), block.Header.Height)
	assert.True(t, config.IsGenesisHash(block.Header.PrevHash))
	require.NoError(t, block.Verify(pub))

	fresh := storage.NewStateDB(db)
	acc, err := fresh.GetAccount(pub.Hex())
	require.NoError(t, err)
	assert.Equal(t, uint64(77), acc.Balance)
	stable, err := fresh.GetTokenBalance(core.TokenStable, pub.Hex())
	require.NoError(t, err)
	assert.Equal(t, core.Units(12), stable)
	supply, err := fresh.GetTokenBalance(core.TokenReward, core.ContractAddress)
	require.NoError(t, err)
	assert.Equal(t, core.Units(9), supply)
	assert.Equal(t, block.Header.StateRoot, fresh.ComputeRoot())
}
