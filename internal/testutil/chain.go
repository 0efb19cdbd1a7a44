package testutil

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tolelom/bikerush/config"
	"github.com/tolelom/bikerush/consensus"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/events"
	"github.com/tolelom/bikerush/indexer"
	"github.com/tolelom/bikerush/rpc"
	"github.com/tolelom/bikerush/storage"
	"github.com/tolelom/bikerush/vm"
	"github.com/tolelom/bikerush/wallet"

	_ "github.com/tolelom/bikerush/vm/modules/asset"
	_ "github.com/tolelom/bikerush/vm/modules/economy"
	_ "github.com/tolelom/bikerush/vm/modules/ledger"
	_ "github.com/tolelom/bikerush/vm/modules/session"
)

const (
	ChainID      = "bikerush-test"
	PlayerGas    = 1_000_000
	PlayerStable = 1_000 // whole tokens
	RewardSupply = 1_000_000
	DefaultTxFee = 1
)

// Genesis is the default block-zero time: noon UTC, well inside a day.
var Genesis = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Chain is a single-validator chain running entirely in memory with a
// controllable block clock.
type Chain struct {
	DB        *MemDB
	State     *storage.StateDB
	BC        *core.Blockchain
	Mempool   *core.Mempool
	Emitter   *events.Emitter
	Indexer   *indexer.Indexer
	PoA       *consensus.PoA
	Handler   *rpc.Handler
	Config    *config.Config
	Validator *wallet.Wallet
	Operator  *wallet.Wallet
	Sponsor   *wallet.Wallet

	mu  sync.Mutex
	now time.Time
}

// NewChain boots a chain whose genesis funds every player with gas and
// stable tokens, registers a gas sponsor and an operator, and seeds the
// contract with the reward supply. mutate may adjust the config before
// genesis.
func NewChain(t testing.TB, players []*wallet.Wallet, mutate ...func(*config.Config)) *Chain {
	t.Helper()
	c := &Chain{DB: NewMemDB(), now: Genesis}

	var err error
	c.Validator, err = wallet.Generate()
	require.NoError(t, err)
	c.Operator, err = wallet.Generate()
	require.NoError(t, err)
	c.Sponsor, err = wallet.Generate()
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Validators = []string{c.Validator.Address()}
	cfg.Genesis.ChainID = ChainID
	cfg.Genesis.RewardSupply = RewardSupply
	cfg.Genesis.Operator = c.Operator.Address()
	cfg.Genesis.Sponsors = []string{c.Sponsor.Address()}
	cfg.Genesis.Alloc[c.Sponsor.Address()] = PlayerGas
	cfg.Genesis.Alloc[c.Operator.Address()] = PlayerGas
	for _, p := range players {
		cfg.Genesis.Alloc[p.Address()] = PlayerGas
		cfg.Genesis.StableAlloc[p.Address()] = PlayerStable
	}
	for _, m := range mutate {
		m(cfg)
	}
	c.Config = cfg

	c.State = storage.NewStateDB(c.DB)
	c.BC = core.NewBlockchain(storage.NewBlockStore(c.DB))
	require.NoError(t, c.BC.Init())
	genesis, err := config.CreateGenesisBlockAt(cfg, c.State, c.Validator.PrivKey(), c.now)
	require.NoError(t, err)
	require.NoError(t, c.BC.AddBlock(genesis, nil))

	c.Emitter = events.NewEmitter()
	c.Indexer = indexer.New(c.DB, c.Emitter)
	c.Mempool = core.NewMempool(ChainID)
	exec := vm.NewExecutor(c.State, cfg.Genesis.EconomyParams())
	c.PoA = consensus.New(cfg, c.BC, c.State, c.Mempool, exec, c.Emitter, c.Validator.PrivKey(),
		consensus.WithClock(c.Now))
	c.Handler = rpc.NewHandler(c.BC, c.Mempool, c.DB, c.Indexer, ChainID)
	return c
}

// Now returns the block clock.
func (c *Chain) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the block clock forward by d.
func (c *Chain) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Read opens a view of the committed state.
func (c *Chain) Read() core.State {
	return storage.NewStateDB(c.DB)
}

// Nonce returns the committed nonce of addr.
func (c *Chain) Nonce(t testing.TB, addr string) uint64 {
	t.Helper()
	acc, err := c.Read().GetAccount(addr)
	require.NoError(t, err)
	return acc.Nonce
}

// Produce seals one block from the mempool. Each block advances the clock
// by one second.
func (c *Chain) Produce(t testing.TB) *core.Block {
	t.Helper()
	c.Advance(time.Second)
	b, err := c.PoA.ProduceBlock()
	require.NoError(t, err)
	return b
}

// Exec signs calls as w, settles them in a new block and returns the
// receipt.
func (c *Chain) Exec(t testing.TB, w *wallet.Wallet, calls ...core.Call) *core.Receipt {
	t.Helper()
	tx := w.NewBatch(ChainID, c.Nonce(t, w.Address()), DefaultTxFee, calls...)
	return c.settle(t, tx)
}

// ExecSponsored is Exec with the chain's registered sponsor paying the fee.
func (c *Chain) ExecSponsored(t testing.TB, w *wallet.Wallet, calls ...core.Call) *core.Receipt {
	t.Helper()
	tx := w.NewSponsoredBatch(ChainID, c.Nonce(t, w.Address()), DefaultTxFee, c.Sponsor, calls...)
	return c.settle(t, tx)
}

func (c *Chain) settle(t testing.TB, tx *core.Transaction) *core.Receipt {
	t.Helper()
	require.NoError(t, c.Mempool.Add(tx))
	c.Produce(t)
	r, err := c.BC.GetReceipt(tx.ID)
	require.NoError(t, err)
	return r
}

// Run produces a block every interval until the returned stop is called.
func (c *Chain) Run(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.PoA.Run(interval, done)
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

// ServeRPC exposes the chain over HTTP for the test's lifetime and returns
// a client bound to it.
func (c *Chain) ServeRPC(t testing.TB) *rpc.Client {
	t.Helper()
	srv := httptest.NewServer(rpc.NewServer("", c.Handler, ""))
	t.Cleanup(srv.Close)
	return rpc.NewClient(srv.URL, "")
}

// NewPlayers generates n wallets.
func NewPlayers(t testing.TB, n int) []*wallet.Wallet {
	t.Helper()
	ws := make([]*wallet.Wallet, n)
	for i := range ws {
		w, err := wallet.Generate()
		require.NoError(t, err)
		ws[i] = w
	}
	return ws
}

// MintBike approves the category price and mints a bike for w, failing the
// test unless the batch succeeds. It returns the new bike id.
func (c *Chain) MintBike(t testing.TB, w *wallet.Wallet, cat core.Category) uint64 {
	t.Helper()
	price := c.Config.Genesis.EconomyParams().Price(cat)
	r := c.Exec(t, w,
		core.ApproveCall(core.TokenStable, core.ContractAddress, price),
		core.MintBikeCall(cat, string(cat)+" bike"),
	)
	require.True(t, r.Succeeded(), r.Error)
	id, ok := LogUint(r, events.EventBikeMinted, "bike_id")
	require.True(t, ok, "bike_minted log missing")
	return id
}

// StartSession starts a session for w on bikeID and returns its id.
func (c *Chain) StartSession(t testing.TB, w *wallet.Wallet, bikeID uint64, mode core.Mode) uint64 {
	t.Helper()
	calls := []core.Call{core.StartSessionCall(bikeID, mode)}
	if mode == core.ModeDailyChallenge {
		calls = append([]core.Call{core.UpdateDailyChallengeCall()}, calls...)
	}
	r := c.Exec(t, w, calls...)
	require.True(t, r.Succeeded(), r.Error)
	id, ok := LogUint(r, events.EventSessionStarted, "session_id")
	require.True(t, ok, "session_started log missing")
	return id
}

// LogUint reads a numeric field from the first log of type typ.
func LogUint(r *core.Receipt, typ events.EventType, key string) (uint64, bool) {
	for _, l := range r.Logs {
		if l.Type == string(typ) {
			return core.DataUint(l.Data, key)
		}
	}
	return 0, false
}

// HasLog reports whether r carries a log of type typ.
func HasLog(r *core.Receipt, typ events.EventType) bool {
	for _, l := range r.Logs {
		if l.Type == string(typ) {
			return true
		}
	}
	return false
}
