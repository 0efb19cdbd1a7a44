// Package consensus implements Proof-of-Authority block production.
// Validators propose blocks in round-robin order. Each block is signed by
// the proposer; other nodes verify the signature before accepting the block.
package consensus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tolelom/bikerush/config"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/crypto"
	"github.com/tolelom/bikerush/events"
	"github.com/tolelom/bikerush/metrics"
	"github.com/tolelom/bikerush/vm"
)

// ErrNotProposer is returned by ProduceBlock when another validator owns
// the next height.
var ErrNotProposer = errors.New("not the proposer for this round")

// PoA is the Proof-of-Authority consensus engine.
type PoA struct {
	mu      sync.Mutex // serialises block production against the state buffer
	cfg     *config.Config
	bc      *core.Blockchain
	state   core.State
	mempool *core.Mempool
	exec    *vm.Executor
	emitter *events.Emitter
	metrics *metrics.Node
	privKey crypto.PrivateKey
	pubKey  crypto.PublicKey
	now     func() time.Time
	log     logrus.FieldLogger
}

// Option customises a PoA engine.
type Option func(*PoA)

// WithMetrics records produced blocks in m.
func WithMetrics(m *metrics.Node) Option {
	return func(p *PoA) { p.metrics = m }
}

// WithClock overrides the block timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *PoA) { p.now = now }
}

// New creates a PoA engine for the local validator identified by privKey.
func New(
	cfg *config.Config,
	bc *core.Blockchain,
	state core.State,
	mempool *core.Mempool,
	exec *vm.Executor,
	emitter *events.Emitter,
	privKey crypto.PrivateKey,
	opts ...Option,
) *PoA {
	p := &PoA{
		cfg:     cfg,
		bc:      bc,
		state:   state,
		mempool: mempool,
		exec:    exec,
		emitter: emitter,
		privKey: privKey,
		pubKey:  privKey.Public(),
		now:     time.Now,
		log:     logrus.WithField("component", "consensus"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// IsProposer reports whether this node should propose the next block.
func (p *PoA) IsProposer() bool {
	if len(p.cfg.Validators) == 0 {
		return false
	}
	nextHeight := p.bc.Height() + 1
	idx := int(nextHeight) % len(p.cfg.Validators)
	return p.cfg.Validators[idx] == p.pubKey.Hex()
}

// ProduceBlock builds, executes, signs and commits the next block, then
// publishes the logs of every successful batch to the emitter.
func (p *PoA) ProduceBlock() (*core.Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.IsProposer() {
		return nil, ErrNotProposer
	}

	limit := p.cfg.MaxBlockTxs
	if limit <= 0 {
		limit = 500
	}
	var txs, stale []*core.Transaction
	for _, tx := range p.mempool.Pending(limit) {
		if p.bc.Settled(tx.ID) {
			stale = append(stale, tx)
			continue
		}
		txs = append(txs, tx)
	}
	if len(stale) > 0 {
		p.mempool.Remove(txIDs(stale))
		p.log.WithField("txs", len(stale)).Warn("dropped already settled transactions")
	}

	prevHash, nextHeight := config.GenesisHash, int64(1)
	if tip := p.bc.Tip(); tip != nil {
		prevHash, nextHeight = tip.Hash, tip.Header.Height+1
	}
	block := core.NewBlockAt(nextHeight, prevHash, p.pubKey.Hex(), txs, p.now())

	snap, err := p.state.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	receipts, err := p.exec.ExecuteBlock(block)
	if err != nil {
		if rerr := p.state.RevertToSnapshot(snap); rerr != nil {
			p.log.WithError(rerr).Error("revert after failed block")
		}
		return nil, fmt.Errorf("execute block: %w", err)
	}

	// Root comes from the write buffer before flushing so a failed AddBlock
	// leaves nothing persisted.
	block.Header.StateRoot = p.state.ComputeRoot()
	block.Sign(p.privKey)

	if err := p.bc.AddBlock(block, receipts); err != nil {
		if rerr := p.state.RevertToSnapshot(snap); rerr != nil {
			p.log.WithError(rerr).Error("revert after failed add")
		}
		return nil, fmt.Errorf("add block: %w", err)
	}
	if err := p.state.Commit(); err != nil {
		p.log.WithError(err).WithField("height", block.Header.Height).Fatal("block stored but state commit failed")
	}

	p.publish(block, receipts)

	p.mempool.Remove(txIDs(txs))
	return block, nil
}

func txIDs(txs []*core.Transaction) []string {
	ids := make([]string, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	return ids
}

func (p *PoA) publish(block *core.Block, receipts []*core.Receipt) {
	statuses := make([]string, len(receipts))
	for i, r := range receipts {
		statuses[i] = r.Status
		if !r.Succeeded() {
			p.emitter.Emit(events.Event{
				Type:        events.EventTxFailed,
				TxID:        r.TxID,
				BlockHeight: block.Header.Height,
				Data:        map[string]any{"error_code": r.ErrorCode, "error": r.Error},
			})
			continue
		}
		for _, l := range r.Logs {
			p.emitter.Emit(events.Event{
				Type:        events.EventType(l.Type),
				TxID:        r.TxID,
				BlockHeight: block.Header.Height,
				Data:        l.Data,
			})
		}
	}
	p.emitter.Emit(events.Event{
		Type:        events.EventBlockCommit,
		BlockHeight: block.Header.Height,
		Data:        map[string]any{"hash": block.Hash, "txs": len(block.Transactions)},
	})
	p.metrics.ObserveBlock(block.Header.Height, statuses)
	if len(receipts) > 0 {
		p.log.WithFields(logrus.Fields{"height": block.Header.Height, "txs": len(receipts)}).Debug("block committed")
	}
}

// ValidateBlock checks that block was proposed by the expected validator.
func (p *PoA) ValidateBlock(block *core.Block) error {
	if len(p.cfg.Validators) == 0 {
		return errors.New("no validators configured")
	}
	idx := int(block.Header.Height) % len(p.cfg.Validators)
	expected := p.cfg.Validators[idx]
	if block.Header.Proposer != expected {
		return fmt.Errorf("wrong proposer: got %s want %s", block.Header.Proposer, expected)
	}

	pub, err := crypto.PubKeyFromHex(block.Header.Proposer)
	if err != nil {
		return fmt.Errorf("invalid proposer pubkey: %w", err)
	}
	if err := block.Verify(pub); err != nil {
		return fmt.Errorf("block signature invalid: %w", err)
	}

	tip := p.bc.Tip()
	if tip == nil {
		if !config.IsGenesisHash(block.Header.PrevHash) {
			return errors.New("first block must reference genesis prev-hash")
		}
		return nil
	}
	if block.Header.PrevHash != tip.Hash {
		return fmt.Errorf("prev_hash mismatch: got %s want %s", block.Header.PrevHash, tip.Hash)
	}
	if block.Header.Height != tip.Header.Height+1 {
		return fmt.Errorf("height mismatch: got %d want %d", block.Header.Height, tip.Header.Height+1)
	}
	return nil
}

// Run starts the block-production loop with the given interval. It blocks
// until done is closed.
func (p *PoA) Run(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !p.IsProposer() {
				continue
			}
			if _, err := p.ProduceBlock(); err != nil {
				p.log.WithError(err).Warn("produce block")
			}
		}
	}
}
