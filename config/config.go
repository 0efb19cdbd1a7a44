package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/tolelom/bikerush/core"
	"gopkg.in/yaml.v3"
)

// EconomyConfig holds genesis prices in whole tokens.
type EconomyConfig struct {
	BikePrices       map[core.Category]uint64 `json:"bike_prices" yaml:"bike_prices"`
	RankedEntryFee   uint64                   `json:"ranked_entry_fee" yaml:"ranked_entry_fee"`
	PrizePoolPercent uint64                   `json:"prize_pool_percent" yaml:"prize_pool_percent"`
	ChallengeReward  uint64                   `json:"challenge_reward" yaml:"challenge_reward"`
}

// GenesisConfig describes the chain's initial state.
type GenesisConfig struct {
	ChainID      string            `json:"chain_id" yaml:"chain_id"`
	Alloc        map[string]uint64 `json:"alloc" yaml:"alloc"`               // pubkey hex → gas balance
	StableAlloc  map[string]uint64 `json:"stable_alloc" yaml:"stable_alloc"` // pubkey hex → whole stable tokens
	RewardSupply uint64            `json:"reward_supply" yaml:"reward_supply"`
	Operator     string            `json:"operator" yaml:"operator"`
	Sponsors     []string          `json:"sponsors" yaml:"sponsors"`
	Economy      EconomyConfig     `json:"economy" yaml:"economy"`
}

// EconomyParams converts the configured prices to base units.
func (g GenesisConfig) EconomyParams() core.Economy {
	econ := core.Economy{
		Operator:         g.Operator,
		Sponsors:         make(map[string]bool, len(g.Sponsors)),
		BikePrices:       make(map[core.Category]*uint256.Int, len(g.Economy.BikePrices)),
		RankedEntryFee:   core.Units(g.Economy.RankedEntryFee),
		PrizePoolPercent: g.Economy.PrizePoolPercent,
		ChallengeReward:  core.Units(g.Economy.ChallengeReward),
	}
	for _, s := range g.Sponsors {
		econ.Sponsors[s] = true
	}
	for c, p := range g.Economy.BikePrices {
		econ.BikePrices[c] = core.Units(p)
	}
	return econ
}

// Config holds all node configuration.
type Config struct {
	NodeID          string        `json:"node_id" yaml:"node_id"`
	DataDir         string        `json:"data_dir" yaml:"data_dir"`
	RPCPort         int           `json:"rpc_port" yaml:"rpc_port"`
	MetricsPort     int           `json:"metrics_port" yaml:"metrics_port"` // 0 disables the metrics server
	BlockIntervalMs int           `json:"block_interval_ms" yaml:"block_interval_ms"`
	MaxBlockTxs     int           `json:"max_block_txs" yaml:"max_block_txs"` // 0 → 500
	Validators      []string      `json:"validators" yaml:"validators"`
	RPCAuthToken    string        `json:"rpc_auth_token" yaml:"rpc_auth_token"`
	LogLevel        string        `json:"log_level" yaml:"log_level"`
	Genesis         GenesisConfig `json:"genesis" yaml:"genesis"`
}

// BlockInterval returns the block production period.
func (c *Config) BlockInterval() time.Duration {
	if c.BlockIntervalMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.BlockIntervalMs) * time.Millisecond
}

// Validate checks the settings a node cannot start without.
func (c *Config) Validate() error {
	if c.Genesis.ChainID == "" {
		return fmt.Errorf("genesis.chain_id is required")
	}
	if c.Genesis.Economy.PrizePoolPercent > 100 {
		return fmt.Errorf("genesis.economy.prize_pool_percent must be <= 100")
	}
	for _, cat := range core.Categories {
		if _, ok := c.Genesis.Economy.BikePrices[cat]; !ok {
			return fmt.Errorf("genesis.economy.bike_prices missing %q", cat)
		}
	}
	return nil
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() *Config {
	return &Config{
		NodeID:          "node0",
		DataDir:         "./data",
		RPCPort:         8545,
		MetricsPort:     9100,
		BlockIntervalMs: 2000,
		MaxBlockTxs:     500,
		LogLevel:        "info",
		Genesis: GenesisConfig{
			ChainID:      "bikerush-dev",
			Alloc:        map[string]uint64{},
			StableAlloc:  map[string]uint64{},
			RewardSupply: 1_000_000,
			Economy: EconomyConfig{
				BikePrices: map[core.Category]uint64{
					core.CategorySports:  100,
					core.CategoryLady:    150,
					core.CategoryChopper: 250,
				},
				RankedEntryFee:   5,
				PrizePoolPercent: 80,
				ChallengeReward:  50,
			},
		},
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads a config file from path. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to path in the format implied by its extension.
func Save(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
