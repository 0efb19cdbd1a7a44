package reconcile_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tolelom/bikerush/balancesync"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/events"
	"github.com/tolelom/bikerush/reconcile"
	"github.com/tolelom/bikerush/relay"
)

// scriptedRelay settles each submitted batch with whatever settle returns.
// A nil receipt leaves the batch pending until release is called.
type scriptedRelay struct {
	mu        sync.Mutex
	batches   [][]core.Call
	receipts  map[string]*core.Receipt
	submitErr error
	settle    func(n int, calls []core.Call) *core.Receipt
}

func newRelay(settle func(n int, calls []core.Call) *core.Receipt) *scriptedRelay {
	return &scriptedRelay{receipts: map[string]*core.Receipt{}, settle: settle}
}

func (f *scriptedRelay) Submit(_ context.Context, calls []core.Call, _ bool) (relay.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return relay.Handle{}, f.submitErr
	}
	n := len(f.batches)
	f.batches = append(f.batches, calls)
	id := fmt.Sprintf("tx%d", n)
	if f.settle != nil {
		if r := f.settle(n, calls); r != nil {
			r.TxID = id
			f.receipts[id] = r
		}
	}
	return relay.Handle{TxID: id, SubmittedAt: time.Now()}, nil
}

func (f *scriptedRelay) AwaitReceipt(ctx context.Context, h relay.Handle, _ time.Duration) (*core.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[h.TxID]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%w: tx %s", relay.ErrTimeout, h.TxID)
}

func (f *scriptedRelay) release(txID string, r *core.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.TxID = txID
	f.receipts[txID] = r
}

func (f *scriptedRelay) submitted() [][]core.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]core.Call(nil), f.batches...)
}

func ok(logs ...core.Log) *core.Receipt {
	return &core.Receipt{Status: core.ReceiptSuccess, Logs: logs}
}

func reverted(code *core.ContractError) *core.Receipt {
	return &core.Receipt{Status: core.ReceiptFailed, ErrorCode: code.Code, Error: "call 0: " + code.Msg}
}

func started(id uint64) core.Log {
	return core.Log{Type: string(events.EventSessionStarted), Data: map[string]any{"session_id": float64(id)}}
}

func completed(reward string) core.Log {
	return core.Log{Type: string(events.EventSessionCompleted), Data: map[string]any{"reward": reward}}
}

// fakeRefresher reports a fixed set of owned categories.
type fakeRefresher struct {
	mu    sync.Mutex
	owned []core.Category
	calls int
}

func (f *fakeRefresher) Refresh(context.Context, bool) (*balancesync.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &balancesync.View{Categories: append([]core.Category(nil), f.owned...)}, nil
}

func (f *fakeRefresher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// lateRelay settles like scriptedRelay but reports a timeout on the first
// wait for each tx listed in late.
type lateRelay struct {
	*scriptedRelay
	late   map[string]bool
	waited sync.Map
}

func (l *lateRelay) AwaitReceipt(ctx context.Context, h relay.Handle, d time.Duration) (*core.Receipt, error) {
	if _, seen := l.waited.LoadOrStore(h.TxID, true); !seen && l.late[h.TxID] {
		return nil, fmt.Errorf("%w: tx %s", relay.ErrTimeout, h.TxID)
	}
	return l.scriptedRelay.AwaitReceipt(ctx, h, d)
}

type fixedCounter uint64

func (c fixedCounter) SessionCounter(context.Context) (uint64, error) { return uint64(c), nil }

// flakyCounter fails the first failures reads, then reports n.
type flakyCounter struct {
	mu       sync.Mutex
	n        uint64
	failures int
	reads    int
}

func (c *flakyCounter) SessionCounter(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.reads <= c.failures {
		return 0, errors.New("node unavailable")
	}
	return c.n, nil
}

func testConfig() reconcile.Config {
	cfg := reconcile.DefaultConfig()
	cfg.SettlementTimeout = 50 * time.Millisecond
	cfg.RecheckDelay = 10 * time.Millisecond
	cfg.RecheckTimeout = 10 * time.Millisecond
	cfg.MaxRechecks = 2
	cfg.VerifyDelay = 10 * time.Millisecond
	cfg.VerifyRetryDelay = 10 * time.Millisecond
	return cfg
}

func newReconciler(t *testing.T, rl relay.Relay, ref reconcile.Refresher) *reconcile.Reconciler {
	t.Helper()
	if ref == nil {
		ref = &fakeRefresher{}
	}
	r, err := reconcile.New("player", rl, ref, fixedCounter(0), nil, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func payload[T any](t *testing.T, c core.Call) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(c.Payload, &v))
	return v
}

func methods(calls []core.Call) []core.Method {
	out := make([]core.Method, len(calls))
	for i, c := range calls {
		out[i] = c.Method
	}
	return out
}
