package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/crypto"
)

// GenesisHash is a canonical all-zeros previous hash for the genesis block.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// CreateGenesisBlock builds and signs block #0 from the genesis config: gas
// and stable-token allocations plus the reward supply held by the contract.
// The allocation is committed to state before the block is returned.
func CreateGenesisBlock(cfg *Config, state core.State, proposerPriv crypto.PrivateKey) (*core.Block, error) {
	return CreateGenesisBlockAt(cfg, state, proposerPriv, time.Now())
}

// CreateGenesisBlockAt is CreateGenesisBlock with an explicit timestamp.
func CreateGenesisBlockAt(cfg *Config, state core.State, proposerPriv crypto.PrivateKey, ts time.Time) (*core.Block, error) {
	g := cfg.Genesis
	for addr, gas := range g.Alloc {
		if err := state.SetAccount(&core.Account{Address: addr, Balance: gas}); err != nil {
			return nil, err
		}
	}
	for addr, whole := range g.StableAlloc {
		if err := state.SetTokenBalance(core.TokenStable, addr, core.Units(whole)); err != nil {
			return nil, fmt.Errorf("stable alloc %s: %w", addr, err)
		}
	}
	if g.RewardSupply > 0 {
		if err := state.SetTokenBalance(core.TokenReward, core.ContractAddress, core.Units(g.RewardSupply)); err != nil {
			return nil, fmt.Errorf("reward supply: %w", err)
		}
	}

	stateRoot := state.ComputeRoot()
	if err := state.Commit(); err != nil {
		return nil, err
	}

	block := core.NewBlockAt(0, GenesisHash, proposerPriv.Public().Hex(), nil, ts)
	block.Header.StateRoot = stateRoot
	// the genesis tx root commits to the chain id
	block.Header.TxRoot = crypto.Hash([]byte(g.ChainID))
	block.Sign(proposerPriv)
	return block, nil
}

// IsGenesisHash returns true if the hash is the canonical genesis prev-hash.
func IsGenesisHash(h string) bool {
	return len(h) == 64 && strings.Count(h, "0") == len(h)
}
