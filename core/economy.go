package core

import "github.com/holiman/uint256"

// ContractAddress is the account that holds the game treasury, the escrowed
// entry fees and the reward token supply.
const ContractAddress = "bikerush.game"

// Token names a fungible token tracked by the chain.
type Token string

const (
	TokenStable Token = "stable" // entry fees and bike purchases
	TokenReward Token = "reward" // paid out by claims
)

// Valid reports whether t is a known token.
func (t Token) Valid() bool {
	return t == TokenStable || t == TokenReward
}

// Category is the fixed class of a bike.
type Category string

const (
	CategorySports  Category = "sports"
	CategoryLady    Category = "lady"
	CategoryChopper Category = "chopper"
)

// Categories lists every category in price order.
var Categories = []Category{CategorySports, CategoryLady, CategoryChopper}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := BaseStats[c]
	return ok
}

// Stats are the performance attributes of a bike, each in [1,100].
type Stats struct {
	Speed        uint64 `json:"speed"`
	Acceleration uint64 `json:"acceleration"`
	Handling     uint64 `json:"handling"`
}

// Sum returns speed + acceleration + handling.
func (s Stats) Sum() uint64 {
	return s.Speed + s.Acceleration + s.Handling
}

// BaseStats assigns mint-time attributes per category. The table is fixed;
// minting is never randomised.
var BaseStats = map[Category]Stats{
	CategorySports:  {Speed: 95, Acceleration: 85, Handling: 70},
	CategoryLady:    {Speed: 80, Acceleration: 90, Handling: 85},
	CategoryChopper: {Speed: 70, Acceleration: 75, Handling: 95},
}

// Mode selects the fee and reward rules of a session.
type Mode string

const (
	ModePractice       Mode = "practice"
	ModeRanked         Mode = "ranked"
	ModeDailyChallenge Mode = "daily_challenge"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModePractice, ModeRanked, ModeDailyChallenge:
		return true
	}
	return false
}

// Economy holds the genesis-configured prices and fee rules.
type Economy struct {
	Operator         string
	Sponsors         map[string]bool
	BikePrices       map[Category]*uint256.Int
	RankedEntryFee   *uint256.Int
	PrizePoolPercent uint64 // share of the ranked entry fee added to the prize pool
	ChallengeReward  *uint256.Int
}

// DefaultEconomy returns the development price list.
func DefaultEconomy() Economy {
	return Economy{
		Sponsors: map[string]bool{},
		BikePrices: map[Category]*uint256.Int{
			CategorySports:  Units(100),
			CategoryLady:    Units(150),
			CategoryChopper: Units(250),
		},
		RankedEntryFee:   Units(5),
		PrizePoolPercent: 80,
		ChallengeReward:  Units(50),
	}
}

// Price returns the stable-token price of c, or nil for unknown categories.
func (e Economy) Price(c Category) *uint256.Int {
	p, ok := e.BikePrices[c]
	if !ok || p == nil {
		return nil
	}
	return p.Clone()
}

// IsSponsor reports whether addr may pay fees on behalf of other senders.
func (e Economy) IsSponsor(addr string) bool {
	return e.Sponsors[addr]
}
