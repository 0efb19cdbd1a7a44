package core

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/holiman/uint256"
)

// Account holds the gas balance and replay-protection nonce of a key.
// Address is the hex-encoded ed25519 public key. Token balances live in a
// separate keyspace, see State.GetTokenBalance.
type Account struct {
	Address string `json:"address"`
	Balance uint64 `json:"balance"` // gas units, charged per transaction fee
	Nonce   uint64 `json:"nonce"`
}

// Bike is a unique owned asset. Its stats are frozen at mint time.
type Bike struct {
	ID           uint64   `json:"id"`
	Owner        string   `json:"owner"`
	Category     Category `json:"category"`
	Name         string   `json:"name"`
	Speed        uint64   `json:"speed"`
	Acceleration uint64   `json:"acceleration"`
	Handling     uint64   `json:"handling"`
	CreatedAt    int64    `json:"created_at"`
	Races        uint64   `json:"races"`
	Wins         uint64   `json:"wins"`
}

// Stats returns the bike's performance attributes.
func (b *Bike) Stats() Stats {
	return Stats{Speed: b.Speed, Acceleration: b.Acceleration, Handling: b.Handling}
}

// Session is one play-through with a bike. Score, distance and dodged are
// written once on completion and never change afterwards.
type Session struct {
	ID             uint64       `json:"id"`
	Player         string       `json:"player"`
	BikeID         uint64       `json:"bike_id"`
	Mode           Mode         `json:"mode"`
	Score          uint64       `json:"score"`
	Distance       uint64       `json:"distance"`
	Dodged         uint64       `json:"dodged"`
	StartedAt      int64        `json:"started_at"`
	Completed      bool         `json:"completed"`
	CompletedAt    int64        `json:"completed_at,omitempty"`
	RewardsGranted *uint256.Int `json:"rewards_granted"`
}

// DailyChallenge is the per-day score target. Day is days since the Unix
// epoch as observed by the block timestamp.
type DailyChallenge struct {
	Day         uint64       `json:"day"`
	TargetScore uint64       `json:"target_score"`
	Reward      *uint256.Int `json:"reward"`
	Active      bool         `json:"active"`
}

// ActiveOn reports whether the challenge can be attempted on day.
func (c *DailyChallenge) ActiveOn(day uint64) bool {
	return c != nil && c.Active && c.Day == day
}

// CurrentChallenge returns the challenge of the last rollover, or
// ErrNotFound before the first one.
func CurrentChallenge(s State) (*DailyChallenge, error) {
	last, err := s.GetCounter(CounterChallengeDay)
	if err != nil {
		return nil, err
	}
	if last == 0 {
		return nil, ErrNotFound
	}
	return s.GetDailyChallenge(last - 1)
}

// Counter names a monotonically increasing state counter.
type Counter string

const (
	CounterBike         Counter = "bike"          // next bike id, starts at 0
	CounterSession      Counter = "session"       // last issued session id
	CounterChallengeDay Counter = "challenge_day" // day+1 of the last rollover, 0 when none
)

// Pool names a contract-held amount bucket.
type Pool string

const (
	PoolPrize         Pool = "prize_pool"
	PoolProtocolFees  Pool = "protocol_fees"
	PoolTotalComputed Pool = "total_computed" // sum of every reward ever credited
	PoolTotalClaimed  Pool = "total_claimed"  // sum of every claim paid out
)

// State is the full blockchain state interface. Implementations must be
// snapshot-able so the executor can roll back failed batches.
type State interface {
	GetAccount(address string) (*Account, error)
	SetAccount(account *Account) error

	// Fungible tokens. Missing balances and allowances read as zero.
	GetTokenBalance(token Token, owner string) (*uint256.Int, error)
	SetTokenBalance(token Token, owner string, amount *uint256.Int) error
	GetAllowance(token Token, owner, spender string) (*uint256.Int, error)
	SetAllowance(token Token, owner, spender string, amount *uint256.Int) error

	GetBike(id uint64) (*Bike, error)
	SetBike(b *Bike) error

	GetSession(id uint64) (*Session, error)
	SetSession(s *Session) error

	// Reward ledger: unclaimed credits per player.
	GetRewards(player string) (*uint256.Int, error)
	SetRewards(player string, amount *uint256.Int) error

	// Daily challenges are kept per day; SetDailyChallenge stores c under
	// c.Day and GetDailyChallenge returns ErrNotFound for a day never rolled.
	GetDailyChallenge(day uint64) (*DailyChallenge, error)
	SetDailyChallenge(c *DailyChallenge) error
	DailyCompleted(day uint64, player string) (bool, error)
	MarkDailyCompleted(day uint64, player string) error

	GetCounter(name Counter) (uint64, error)
	SetCounter(name Counter, v uint64) error
	GetPool(name Pool) (*uint256.Int, error)
	SetPool(name Pool, amount *uint256.Int) error

	// Snapshot / rollback / commit
	Snapshot() (int, error)
	RevertToSnapshot(id int) error
	// ComputeRoot returns the deterministic state root from the current write
	// buffer without flushing. Call this before signing a block.
	ComputeRoot() string
	// Commit flushes the write buffer to the underlying DB and clears it.
	Commit() error
}

// ---- Receipts ----

// Receipt status values.
const (
	ReceiptSuccess = "success"
	ReceiptFailed  = "failed"
)

// Log is an event produced by a successful batch.
type Log struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Receipt records the settled result of a transaction.
type Receipt struct {
	TxID        string `json:"tx_id"`
	Status      string `json:"status"`
	ErrorCode   string `json:"error_code,omitempty"`
	Error       string `json:"error,omitempty"`
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
	Logs        []Log  `json:"logs,omitempty"`
}

// Succeeded reports whether every call in the batch was applied.
func (r *Receipt) Succeeded() bool { return r.Status == ReceiptSuccess }

// Err restores the typed error carried by a failed receipt.
func (r *Receipt) Err() error {
	if r.Succeeded() {
		return nil
	}
	if sentinel := ErrorFromCode(r.ErrorCode); sentinel != nil {
		return fmt.Errorf("%s: %w", r.Error, sentinel)
	}
	return fmt.Errorf("transaction failed: %s", r.Error)
}

// DataUint reads a numeric log field. Logs round-trip through JSON, so the
// value may arrive as any of the numeric encodings.
func DataUint(data map[string]any, key string) (uint64, bool) {
	switch v := data[key].(type) {
	case uint64:
		return v, true
	case int:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	case float64:
		return uint64(v), v >= 0
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		return n, err == nil
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// DataString reads a string log field.
func DataString(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}
