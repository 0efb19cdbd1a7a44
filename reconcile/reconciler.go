// Package reconcile drives a player's session lifecycle through the relay
// and keeps local state consistent with what eventually settles on-chain.
//
// Every action resolves to an Outcome. A batch whose settlement cannot be
// confirmed in time is Indeterminate: it is never resubmitted, and a
// scheduled recheck later moves its Status to confirmed or reverted.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/tolelom/bikerush/balancesync"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/events"
	"github.com/tolelom/bikerush/metrics"
	"github.com/tolelom/bikerush/relay"
	"github.com/tolelom/bikerush/schedule"
)

// Refresher re-reads the player's balances and owned bikes.
type Refresher interface {
	Refresh(ctx context.Context, expectBikes bool) (*balancesync.View, error)
}

// ChainReader is the read access the reconciler needs beyond receipts.
type ChainReader interface {
	SessionCounter(ctx context.Context) (uint64, error)
}

// Run is the result of one play session.
type Run struct {
	Score    uint64 `json:"score"`
	Distance uint64 `json:"distance"`
	Dodged   uint64 `json:"dodged"`
}

// Config holds the timing policy.
type Config struct {
	SettlementTimeout time.Duration
	RecheckDelay      time.Duration
	RecheckTimeout    time.Duration
	MaxRechecks       int
	VerifyDelay       time.Duration
	VerifyRetryDelay  time.Duration
	// OpTTL is how long a resolved operation stays queryable. Zero keeps
	// every operation.
	OpTTL             time.Duration
	Sponsored         bool
	Prices            map[core.Category]*uint256.Int
}

// DefaultConfig returns the production timing policy.
func DefaultConfig() Config {
	return Config{
		SettlementTimeout: 60 * time.Second,
		RecheckDelay:      10 * time.Second,
		RecheckTimeout:    5 * time.Second,
		MaxRechecks:       3,
		VerifyDelay:       2 * time.Second,
		VerifyRetryDelay:  5 * time.Second,
		OpTTL:             time.Hour,
		Sponsored:         true,
		Prices:            core.DefaultEconomy().BikePrices,
	}
}

// Reconciler is the single session/reward state holder for one player.
type Reconciler struct {
	relay   relay.Relay
	sync    Refresher
	chain   ChainReader
	sched   *schedule.Scheduler
	metrics *metrics.Reconciler
	cfg     Config
	log     logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ops      map[uuid.UUID]*Op
	sessions map[string]*LocalSession
	owned    map[core.Category]bool
	lastKey  int64
	closed   bool
}

// New creates a Reconciler for player. m may be nil.
func New(player string, rl relay.Relay, refresher Refresher, chain ChainReader, m *metrics.Reconciler, cfg Config) (*Reconciler, error) {
	sched, err := schedule.New()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		relay:    rl,
		sync:     refresher,
		chain:    chain,
		sched:    sched,
		metrics:  m,
		cfg:      cfg,
		log:      logrus.WithFields(logrus.Fields{"component": "reconcile", "player": player}),
		ctx:      ctx,
		cancel:   cancel,
		ops:      make(map[uuid.UUID]*Op),
		sessions: make(map[string]*LocalSession),
		owned:    make(map[core.Category]bool),
	}
	if cfg.OpTTL > 0 {
		if _, err := sched.Every(cfg.OpTTL, false, r.pruneOps); err != nil {
			cancel()
			_ = sched.Shutdown()
			return nil, err
		}
	}
	return r, nil
}

// Close cancels every scheduled recheck and verification.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	return r.sched.Shutdown()
}

// Op returns a copy of the operation with the given id.
func (r *Reconciler) Op(id uuid.UUID) (Op, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return Op{}, false
	}
	return *op, true
}

// Session returns a copy of the local session with the given key.
func (r *Reconciler) Session(key string) (LocalSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return LocalSession{}, false
	}
	return *s, true
}

// OptimisticallyOwned reports whether a confirmed mint of c awaits ownership
// verification or has been verified.
func (r *Reconciler) OptimisticallyOwned(c core.Category) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owned[c]
}

// Mint buys a bike of category. The batch approves exactly the price and
// mints in one transaction. It is never resubmitted automatically.
func (r *Reconciler) Mint(ctx context.Context, category core.Category, name string) (Op, error) {
	op := r.newOp(KindMint, "", category)
	price, ok := r.cfg.Prices[category]
	if !category.Valid() || !ok {
		return r.fail(op, core.Revert(core.ErrUnknownCategory, "category %q", category))
	}
	calls := []core.Call{
		core.ApproveCall(core.TokenStable, core.ContractAddress, price),
		core.MintBikeCall(category, name),
	}
	rcpt, err := r.settle(ctx, op, calls)
	if err != nil {
		return r.fail(op, err)
	}
	if rcpt == nil {
		return r.snapshot(op), nil
	}
	return r.applyReceipt(op, rcpt)
}

// StartSession begins a run on bikeID. Practice runs are local only; ranked
// and daily runs settle a start batch first.
func (r *Reconciler) StartSession(ctx context.Context, bikeID uint64, mode core.Mode) (Op, LocalSession, error) {
	if !mode.Valid() {
		o, err := r.fail(r.newOp(KindStart, "", ""), core.Revert(core.ErrUnknownMode, "mode %q", mode))
		return o, LocalSession{}, err
	}

	sess := &LocalSession{BikeID: bikeID, Mode: mode, State: SessionActive, StartedAt: time.Now()}
	op := r.newOp(KindStart, r.addSession(sess), "")

	if mode == core.ModePractice {
		r.mu.Lock()
		op.Status = StatusConfirmed
		r.mu.Unlock()
		o := r.resolve(op, Succeeded, nil)
		s, _ := r.Session(sess.Key)
		return o, s, nil
	}

	calls := []core.Call{core.StartSessionCall(bikeID, mode)}
	if mode == core.ModeDailyChallenge {
		calls = append([]core.Call{core.UpdateDailyChallengeCall()}, calls...)
	}
	rcpt, err := r.settle(ctx, op, calls)
	if err != nil {
		r.setSessionState(sess.Key, SessionAborted)
		o, err := r.fail(op, err)
		return o, LocalSession{}, err
	}
	if rcpt == nil {
		s, _ := r.Session(sess.Key)
		return r.snapshot(op), s, nil
	}
	o, err := r.applyReceipt(op, rcpt)
	if err != nil {
		return o, LocalSession{}, err
	}
	s, _ := r.Session(sess.Key)
	return o, s, nil
}

// Complete submits the run for the session with key and claims the reward
// in the same batch. A session is completed at most once.
func (r *Reconciler) Complete(ctx context.Context, key string, run Run) (Op, error) {
	op := r.newOp(KindComplete, key, "")

	r.mu.Lock()
	sess, ok := r.sessions[key]
	switch {
	case !ok || sess.State == SessionAborted:
		r.mu.Unlock()
		return r.fail(op, ErrUnknownSession)
	case sess.State != SessionActive:
		r.mu.Unlock()
		return r.fail(op, ErrAlreadyCompleted)
	case sess.pendingStart, !sess.OnChain && sess.Mode != core.ModePractice:
		r.mu.Unlock()
		return r.fail(op, ErrSessionSettling)
	}
	sess.State = SessionCompleting
	needsStart := !sess.OnChain
	bikeID, mode := sess.BikeID, sess.Mode
	r.mu.Unlock()

	if needsStart {
		// Practice runs exist on-chain only once they are submitted.
		startOp := r.newOp(KindStart, key, "")
		rcpt, err := r.settle(ctx, startOp, []core.Call{core.StartSessionCall(bikeID, mode)})
		if err != nil {
			r.setSessionState(key, SessionActive)
			r.fail(startOp, err)
			return r.fail(op, err)
		}
		if rcpt == nil {
			// The completion itself was never sent; the start keeps being
			// rechecked and the player retries once it has settled.
			return r.fail(op, fmt.Errorf("%w: start tx %s", ErrSessionSettling, r.snapshot(startOp).TxID))
		}
		if _, err := r.applyReceipt(startOp, rcpt); err != nil {
			return r.fail(op, err)
		}
		r.mu.Lock()
		bound := sess.OnChain
		if !bound {
			sess.State = SessionActive
		}
		r.mu.Unlock()
		if !bound {
			return r.fail(op, fmt.Errorf("%w: session id of start tx %s unknown", ErrSessionSettling, rcpt.TxID))
		}
	}

	r.mu.Lock()
	chainID := sess.ChainID
	r.mu.Unlock()
	calls := []core.Call{
		core.CompleteSessionCall(chainID, run.Score, run.Distance, run.Dodged),
		core.ClaimRewardsCall(),
	}
	rcpt, err := r.settle(ctx, op, calls)
	if err != nil {
		r.setSessionState(key, SessionActive)
		return r.fail(op, err)
	}
	if rcpt == nil {
		return r.snapshot(op), nil
	}
	return r.applyReceipt(op, rcpt)
}

// RollDailyChallenge submits the lazy daily rollover. It is a no-op
// on-chain when today's challenge already exists.
func (r *Reconciler) RollDailyChallenge(ctx context.Context) (Op, error) {
	op := r.newOp(KindRollover, "", "")
	rcpt, err := r.settle(ctx, op, []core.Call{core.UpdateDailyChallengeCall()})
	if err != nil {
		return r.fail(op, err)
	}
	if rcpt == nil {
		return r.snapshot(op), nil
	}
	return r.applyReceipt(op, rcpt)
}

// settle submits calls and waits for the receipt. A nil receipt with a nil
// error means the batch was submitted but did not settle in time; op is then
// Indeterminate and a recheck is scheduled.
func (r *Reconciler) settle(ctx context.Context, op *Op, calls []core.Call) (*core.Receipt, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	h, err := r.relay.Submit(ctx, calls, r.cfg.Sponsored)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	op.TxID = h.TxID
	op.Status = StatusOptimistic
	r.mu.Unlock()

	rcpt, err := r.relay.AwaitReceipt(ctx, h, r.cfg.SettlementTimeout)
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{"op": op.ID, "tx": h.TxID}).Warn("settlement unconfirmed")
		r.markStartPending(op)
		r.resolve(op, Indeterminate, relay.ErrTimeout)
		r.scheduleRecheck(op.ID, h, 1)
		return nil, nil
	}
	r.metrics.Settled(string(op.Kind), time.Since(h.SubmittedAt))
	return rcpt, nil
}

// applyReceipt moves op to its settled state and applies the kind-specific
// local effects.
func (r *Reconciler) applyReceipt(op *Op, rcpt *core.Receipt) (Op, error) {
	if !rcpt.Succeeded() {
		err := revertError(rcpt)
		r.mu.Lock()
		op.Status = StatusReverted
		if sess := r.sessions[op.SessionKey]; sess != nil {
			switch {
			case op.Kind == KindStart:
				sess.State = SessionAborted
			case op.Kind == KindComplete && rcpt.ErrorCode == core.ErrSessionInvalid.Code:
				sess.State = SessionAborted
			case op.Kind == KindComplete:
				sess.State = SessionActive
			}
			sess.pendingStart = false
		}
		r.mu.Unlock()
		return r.fail(op, err)
	}

	r.mu.Lock()
	op.Status = StatusConfirmed
	r.mu.Unlock()

	switch op.Kind {
	case KindMint:
		r.mu.Lock()
		r.owned[op.Category] = true
		r.mu.Unlock()
		r.after(r.cfg.VerifyDelay, func() { r.verifyOwnership(op.ID, 0) })
	case KindStart:
		r.bindSession(op, rcpt)
	case KindComplete:
		r.mu.Lock()
		if sess := r.sessions[op.SessionKey]; sess != nil {
			sess.State = SessionCompleted
		}
		op.Reward = rewardOf(rcpt)
		r.mu.Unlock()
		r.after(0, r.refreshBalances)
	}
	return r.resolve(op, Succeeded, nil), nil
}

// markStartPending holds the session of an unsettled start out of
// completion. It runs before the recheck is scheduled so a recheck that
// binds the session is never overwritten.
func (r *Reconciler) markStartPending(op *Op) {
	if op.Kind != KindStart {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess := r.sessions[op.SessionKey]; sess != nil {
		sess.State = SessionActive
		sess.pendingStart = true
	}
}

// bindSession records the on-chain id of a settled start batch, read from
// its session_started log or, failing that, from the session counter.
func (r *Reconciler) bindSession(op *Op, rcpt *core.Receipt) {
	if id, ok := logUint(rcpt, events.EventSessionStarted, "session_id"); ok {
		r.setChainID(op.SessionKey, id)
		return
	}
	r.mu.Lock()
	if sess := r.sessions[op.SessionKey]; sess != nil {
		sess.pendingStart = true
	}
	r.mu.Unlock()
	r.bindFromCounter(op, 1)
}

// bindFromCounter reads the session counter, retrying on the recheck
// schedule. The session stays pending until the read succeeds.
func (r *Reconciler) bindFromCounter(op *Op, attempt int) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.RecheckTimeout)
	defer cancel()
	n, err := r.chain.SessionCounter(ctx)
	if err == nil {
		r.setChainID(op.SessionKey, n)
		return
	}
	if r.ctx.Err() != nil {
		return
	}
	log := r.log.WithError(err).WithFields(logrus.Fields{"op": op.ID, "attempt": attempt})
	if attempt < r.cfg.MaxRechecks {
		log.Debug("read session counter")
		r.after(r.cfg.RecheckDelay, func() { r.bindFromCounter(op, attempt+1) })
		return
	}
	log.Warn("session id unknown, manual refresh required")
	r.mu.Lock()
	op.NeedsRefresh = true
	op.UpdatedAt = time.Now()
	r.mu.Unlock()
}

func (r *Reconciler) setChainID(key string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess := r.sessions[key]; sess != nil {
		sess.ChainID = id
		sess.OnChain = true
		sess.pendingStart = false
	}
}

// pruneOps forgets operations resolved more than OpTTL ago. Operations
// still waiting on a recheck are kept.
func (r *Reconciler) pruneOps() {
	cutoff := time.Now().Add(-r.cfg.OpTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, op := range r.ops {
		if op.UpdatedAt.Before(cutoff) && (op.Status != StatusOptimistic || op.NeedsRefresh) {
			delete(r.ops, id)
		}
	}
}

// recheck looks for the receipt of an Indeterminate batch.
func (r *Reconciler) recheck(id uuid.UUID, h relay.Handle, attempt int) {
	r.mu.Lock()
	op := r.ops[id]
	r.mu.Unlock()
	if op == nil {
		return
	}
	log := r.log.WithFields(logrus.Fields{"op": id, "tx": h.TxID, "attempt": attempt})

	rcpt, err := r.relay.AwaitReceipt(r.ctx, h, r.cfg.RecheckTimeout)
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		if attempt < r.cfg.MaxRechecks {
			log.Debug("still unsettled")
			r.scheduleRecheck(id, h, attempt+1)
			return
		}
		log.Warn("giving up on settlement, manual refresh required")
		r.mu.Lock()
		op.NeedsRefresh = true
		op.UpdatedAt = time.Now()
		r.mu.Unlock()
		return
	}
	log.WithField("status", rcpt.Status).Info("late settlement")
	r.applyReceipt(op, rcpt)
}

// verifyOwnership checks a confirmed mint against the chain, absorbing
// indexing lag with one retry.
func (r *Reconciler) verifyOwnership(id uuid.UUID, attempt int) {
	r.mu.Lock()
	op := r.ops[id]
	r.mu.Unlock()
	if op == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.SettlementTimeout)
	defer cancel()
	view, err := r.sync.Refresh(ctx, true)
	if err == nil && view.Owns(op.Category) {
		return
	}
	if r.ctx.Err() != nil {
		return
	}
	if attempt == 0 {
		r.after(r.cfg.VerifyRetryDelay, func() { r.verifyOwnership(id, 1) })
		return
	}
	r.log.WithFields(logrus.Fields{"op": id, "category": op.Category}).WithError(err).Warn("ownership not visible, manual refresh required")
	r.mu.Lock()
	op.NeedsRefresh = true
	op.UpdatedAt = time.Now()
	r.mu.Unlock()
}

func (r *Reconciler) refreshBalances() {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.SettlementTimeout)
	defer cancel()
	if _, err := r.sync.Refresh(ctx, false); err != nil && r.ctx.Err() == nil {
		r.log.WithError(err).Warn("balance refresh failed")
	}
}

func (r *Reconciler) scheduleRecheck(id uuid.UUID, h relay.Handle, attempt int) {
	r.after(r.cfg.RecheckDelay, func() { r.recheck(id, h, attempt) })
}

func (r *Reconciler) after(d time.Duration, fn func()) {
	if r.isClosed() {
		return
	}
	if _, err := r.sched.After(d, fn); err != nil {
		r.log.WithError(err).Error("schedule follow-up")
	}
}

func (r *Reconciler) newOp(kind Kind, sessionKey string, category core.Category) *Op {
	now := time.Now()
	op := &Op{
		ID:         uuid.New(),
		Kind:       kind,
		SessionKey: sessionKey,
		Category:   category,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.mu.Lock()
	r.ops[op.ID] = op
	r.mu.Unlock()
	return op
}

func (r *Reconciler) addSession(s *LocalSession) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := s.StartedAt.UnixNano()
	if n <= r.lastKey {
		n = r.lastKey + 1
	}
	r.lastKey = n
	s.Key = fmt.Sprintf("local-%d", n)
	r.sessions[s.Key] = s
	return s.Key
}

func (r *Reconciler) setSessionState(key string, st SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.sessions[key]; s != nil {
		s.State = st
		s.pendingStart = false
	}
}

func (r *Reconciler) fail(op *Op, err error) (Op, error) {
	return r.resolve(op, Failed, err), err
}

func (r *Reconciler) resolve(op *Op, outcome Outcome, err error) Op {
	r.mu.Lock()
	op.Outcome = outcome
	op.Err = err
	op.ErrorCode = core.ErrorCode(err)
	op.Message = Describe(err)
	op.UpdatedAt = time.Now()
	snap := *op
	r.mu.Unlock()

	r.metrics.Outcome(string(snap.Kind), string(outcome))
	entry := r.log.WithFields(logrus.Fields{"op": snap.ID, "kind": snap.Kind, "tx": snap.TxID, "outcome": outcome})
	if err != nil && outcome == Failed {
		entry.WithError(err).Info("operation failed")
	} else {
		entry.Debug("operation resolved")
	}
	return snap
}

func (r *Reconciler) snapshot(op *Op) Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *op
}

func (r *Reconciler) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func logUint(rcpt *core.Receipt, typ events.EventType, key string) (uint64, bool) {
	for _, l := range rcpt.Logs {
		if l.Type == string(typ) {
			return core.DataUint(l.Data, key)
		}
	}
	return 0, false
}

func rewardOf(rcpt *core.Receipt) string {
	for _, l := range rcpt.Logs {
		if l.Type == string(events.EventSessionCompleted) {
			return core.DataString(l.Data, "reward")
		}
	}
	return ""
}
