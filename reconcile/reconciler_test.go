package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/reconcile"
	"github.com/tolelom/bikerush/relay"
)

var ctx = context.Background()

// TestMintApprovesExactPrice verifies the mint batch and the optimistic
// ownership that follows a confirmed receipt.
func TestMintApprovesExactPrice(t *testing.T) {
	rl := newRelay(func(int, []core.Call) *core.Receipt { return ok() })
	ref := &fakeRefresher{owned: []core.Category{core.CategoryChopper}}
	r := newReconciler(t, rl, ref)

	op, err := r.Mint(ctx, core.CategoryChopper, "Hog")
	require.NoError(t, err)
	assert.Equal(t, reconcile.Succeeded, op.Outcome)
	assert.Equal(t, reconcile.StatusConfirmed, op.Status)
	assert.Equal(t, "tx0", op.TxID)
	assert.True(t, r.OptimisticallyOwned(core.CategoryChopper))

	batches := rl.submitted()
	require.Len(t, batches, 1)
	assert.Equal(t, []core.Method{core.MethodApprove, core.MethodMintBike}, methods(batches[0]))
	approve := payload[core.ApprovePayload](t, batches[0][0])
	assert.Equal(t, core.Units(250), approve.Amount)
	assert.Equal(t, core.ContractAddress, approve.Spender)

	assert.Eventually(t, func() bool { return ref.count() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, ref.count(), "verified on the first check")
	got, _ := r.Op(op.ID)
	assert.False(t, got.NeedsRefresh)
}

// TestMintOwnershipNotVisible verifies the two ownership checks before the
// operation is flagged for a manual refresh.
func TestMintOwnershipNotVisible(t *testing.T) {
	rl := newRelay(func(int, []core.Call) *core.Receipt { return ok() })
	ref := &fakeRefresher{}
	r := newReconciler(t, rl, ref)

	op, err := r.Mint(ctx, core.CategorySports, "Zed")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		got, _ := r.Op(op.ID)
		return got.NeedsRefresh
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, ref.count())
	assert.Len(t, rl.submitted(), 1, "mint is never resubmitted")
}

func TestMintRevert(t *testing.T) {
	rl := newRelay(func(int, []core.Call) *core.Receipt { return reverted(core.ErrPaymentFailed) })
	r := newReconciler(t, rl, nil)

	op, err := r.Mint(ctx, core.CategoryLady, "Rosa")
	require.ErrorIs(t, err, core.ErrPaymentFailed)
	var re *reconcile.RevertError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "tx0", re.TxID)

	assert.Equal(t, reconcile.Failed, op.Outcome)
	assert.Equal(t, reconcile.StatusReverted, op.Status)
	assert.Equal(t, core.ErrPaymentFailed.Code, op.ErrorCode)
	assert.Contains(t, op.Message, "Not enough stable tokens")
	assert.False(t, r.OptimisticallyOwned(core.CategoryLady))
}

func TestMintUnknownCategory(t *testing.T) {
	rl := newRelay(nil)
	r := newReconciler(t, rl, nil)

	op, err := r.Mint(ctx, core.Category("tandem"), "x")
	assert.ErrorIs(t, err, core.ErrUnknownCategory)
	assert.Equal(t, reconcile.Failed, op.Outcome)
	assert.Empty(t, op.TxID)
	assert.Empty(t, rl.submitted())
}

// TestTimeoutIsIndeterminateUntilLateReceipt verifies that an unconfirmed
// batch is reported with its tx id and later reconciled without a resubmit.
func TestTimeoutIsIndeterminateUntilLateReceipt(t *testing.T) {
	rl := newRelay(nil)
	ref := &fakeRefresher{owned: []core.Category{core.CategorySports}}
	r := newReconciler(t, rl, ref)

	op, err := r.Mint(ctx, core.CategorySports, "Zed")
	require.NoError(t, err)
	assert.Equal(t, reconcile.Indeterminate, op.Outcome)
	assert.Equal(t, reconcile.StatusOptimistic, op.Status)
	assert.Equal(t, "tx0", op.TxID)
	assert.ErrorIs(t, op.Err, relay.ErrTimeout)
	assert.False(t, r.OptimisticallyOwned(core.CategorySports))

	rl.release("tx0", ok())
	assert.Eventually(t, func() bool {
		got, _ := r.Op(op.ID)
		return got.Status == reconcile.StatusConfirmed
	}, time.Second, 5*time.Millisecond)
	got, _ := r.Op(op.ID)
	assert.Equal(t, reconcile.Succeeded, got.Outcome)
	assert.True(t, r.OptimisticallyOwned(core.CategorySports))
	assert.Len(t, rl.submitted(), 1)
}

func TestTimeoutGivesUpAfterRechecks(t *testing.T) {
	rl := newRelay(nil)
	r := newReconciler(t, rl, nil)

	op, err := r.RollDailyChallenge(ctx)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Indeterminate, op.Outcome)

	assert.Eventually(t, func() bool {
		got, _ := r.Op(op.ID)
		return got.NeedsRefresh
	}, time.Second, 5*time.Millisecond)
	got, _ := r.Op(op.ID)
	assert.Equal(t, reconcile.StatusOptimistic, got.Status)
	assert.Len(t, rl.submitted(), 1)
}

func TestSponsorNotRegisteredIsConfigError(t *testing.T) {
	rl := newRelay(func(int, []core.Call) *core.Receipt { return reverted(core.ErrSponsorNotRegistered) })
	r := newReconciler(t, rl, nil)

	op, err := r.RollDailyChallenge(ctx)
	var cfgErr *relay.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, core.ErrSponsorNotRegistered)
	assert.Contains(t, op.Message, "misconfigured")
	assert.Contains(t, op.Message, relay.SponsorRemedy)
}

func TestSubmitErrorFails(t *testing.T) {
	rl := newRelay(nil)
	rl.submitErr = errors.New("connection refused")
	r := newReconciler(t, rl, nil)

	op, _, err := r.StartSession(ctx, 1, core.ModeRanked)
	require.Error(t, err)
	assert.Equal(t, reconcile.Failed, op.Outcome)
	assert.Empty(t, op.TxID)
	sess, found := r.Session(op.SessionKey)
	require.True(t, found)
	assert.Equal(t, reconcile.SessionAborted, sess.State)
}

// TestPracticeSessionLifecycle verifies that a practice run stays local until
// completion, which settles the start batch and then the completion batch.
func TestPracticeSessionLifecycle(t *testing.T) {
	rl := newRelay(func(n int, calls []core.Call) *core.Receipt {
		if calls[0].Method == core.MethodStartSession {
			return ok(started(7))
		}
		return ok(completed("26250000000000000000"))
	})
	ref := &fakeRefresher{}
	r := newReconciler(t, rl, ref)

	op, sess, err := r.StartSession(ctx, 2, core.ModePractice)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Succeeded, op.Outcome)
	assert.Equal(t, reconcile.SessionActive, sess.State)
	assert.False(t, sess.OnChain)
	assert.Empty(t, rl.submitted(), "practice start is local")

	run := reconcile.Run{Score: 1500, Distance: 2000, Dodged: 5}
	done, err := r.Complete(ctx, sess.Key, run)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Succeeded, done.Outcome)
	assert.Equal(t, "26250000000000000000", done.Reward)

	batches := rl.submitted()
	require.Len(t, batches, 2)
	assert.Equal(t, []core.Method{core.MethodStartSession}, methods(batches[0]))
	start := payload[core.StartSessionPayload](t, batches[0][0])
	assert.Equal(t, core.ModePractice, start.Mode)
	assert.Equal(t, uint64(2), start.BikeID)
	assert.Equal(t, []core.Method{core.MethodCompleteSession, core.MethodClaimRewards}, methods(batches[1]))
	complete := payload[core.CompleteSessionPayload](t, batches[1][0])
	assert.Equal(t, core.CompleteSessionPayload{SessionID: 7, Score: 1500, Distance: 2000, Dodged: 5}, complete)

	final, _ := r.Session(sess.Key)
	assert.Equal(t, reconcile.SessionCompleted, final.State)
	assert.Equal(t, uint64(7), final.ChainID)
	assert.Eventually(t, func() bool { return ref.count() == 1 }, time.Second, 5*time.Millisecond)

	again, err := r.Complete(ctx, sess.Key, run)
	assert.ErrorIs(t, err, reconcile.ErrAlreadyCompleted)
	assert.Equal(t, reconcile.Failed, again.Outcome)
	assert.Len(t, rl.submitted(), 2)
}

func TestRankedStartBindsChainID(t *testing.T) {
	rl := newRelay(func(int, []core.Call) *core.Receipt { return ok(started(3)) })
	r := newReconciler(t, rl, nil)

	op, sess, err := r.StartSession(ctx, 0, core.ModeRanked)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Succeeded, op.Outcome)
	assert.True(t, sess.OnChain)
	assert.Equal(t, uint64(3), sess.ChainID)
	assert.Equal(t, []core.Method{core.MethodStartSession}, methods(rl.submitted()[0]))
}

func TestStartWithoutLogFallsBackToCounter(t *testing.T) {
	rl := newRelay(func(int, []core.Call) *core.Receipt { return ok() })
	r, err := reconcile.New("player", rl, &fakeRefresher{}, fixedCounter(9), nil, testConfig())
	require.NoError(t, err)
	defer r.Close()

	_, sess, err := r.StartSession(ctx, 0, core.ModeRanked)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), sess.ChainID)
}

func TestDailyStartRollsChallengeFirst(t *testing.T) {
	rl := newRelay(func(int, []core.Call) *core.Receipt { return ok(started(1)) })
	r := newReconciler(t, rl, nil)

	_, _, err := r.StartSession(ctx, 0, core.ModeDailyChallenge)
	require.NoError(t, err)
	assert.Equal(t, []core.Method{core.MethodUpdateDailyChallenge, core.MethodStartSession}, methods(rl.submitted()[0]))
}

func TestStartUnknownMode(t *testing.T) {
	rl := newRelay(nil)
	r := newReconciler(t, rl, nil)
	_, _, err := r.StartSession(ctx, 0, core.Mode("marathon"))
	assert.ErrorIs(t, err, core.ErrUnknownMode)
	assert.Empty(t, rl.submitted())
}

func TestStartRevertAbortsSession(t *testing.T) {
	rl := newRelay(func(int, []core.Call) *core.Receipt { return reverted(core.ErrNotAssetOwner) })
	r := newReconciler(t, rl, nil)

	op, _, err := r.StartSession(ctx, 4, core.ModeRanked)
	assert.ErrorIs(t, err, core.ErrNotAssetOwner)
	sess, _ := r.Session(op.SessionKey)
	assert.Equal(t, reconcile.SessionAborted, sess.State)

	_, err = r.Complete(ctx, op.SessionKey, reconcile.Run{})
	assert.ErrorIs(t, err, reconcile.ErrUnknownSession)
	assert.Len(t, rl.submitted(), 1)
}

// TestUnsettledStartBlocksCompletion verifies that a run cannot be submitted
// while its start batch is Indeterminate, and can once it settles.
func TestUnsettledStartBlocksCompletion(t *testing.T) {
	rl := newRelay(func(n int, _ []core.Call) *core.Receipt {
		if n == 0 {
			return nil
		}
		return ok(completed("1"))
	})
	r := newReconciler(t, rl, nil)

	op, sess, err := r.StartSession(ctx, 0, core.ModeRanked)
	require.NoError(t, err)
	assert.Equal(t, reconcile.Indeterminate, op.Outcome)

	_, err = r.Complete(ctx, sess.Key, reconcile.Run{Score: 10})
	assert.ErrorIs(t, err, reconcile.ErrSessionSettling)
	assert.Len(t, rl.submitted(), 1)

	rl.release("tx0", ok(started(5)))
	assert.Eventually(t, func() bool {
		s, _ := r.Session(sess.Key)
		return s.OnChain
	}, time.Second, 5*time.Millisecond)

	done, err := r.Complete(ctx, sess.Key, reconcile.Run{Score: 10})
	require.NoError(t, err)
	assert.Equal(t, reconcile.Succeeded, done.Outcome)
	assert.Equal(t, uint64(5), payload[core.CompleteSessionPayload](t, rl.submitted()[1][0]).SessionID)
}

func TestPracticeStartTimeoutDuringCompletion(t *testing.T) {
	rl := newRelay(nil)
	r := newReconciler(t, rl, nil)

	_, sess, err := r.StartSession(ctx, 0, core.ModePractice)
	require.NoError(t, err)
	op, err := r.Complete(ctx, sess.Key, reconcile.Run{})
	assert.ErrorIs(t, err, reconcile.ErrSessionSettling)
	assert.Equal(t, reconcile.Failed, op.Outcome)

	s, _ := r.Session(sess.Key)
	assert.Equal(t, reconcile.SessionActive, s.State)
	_, err = r.Complete(ctx, sess.Key, reconcile.Run{})
	assert.ErrorIs(t, err, reconcile.ErrSessionSettling)
	assert.Len(t, rl.submitted(), 1, "the start batch is not sent twice")
}

func TestCompleteRevertedClaimKeepsSessionActive(t *testing.T) {
	var fail sync.Once
	rl := newRelay(func(n int, calls []core.Call) *core.Receipt {
		if calls[0].Method == core.MethodStartSession {
			return ok(started(1))
		}
		var r *core.Receipt
		fail.Do(func() { r = reverted(core.ErrClaimTransferFailed) })
		if r != nil {
			return r
		}
		return ok(completed("5"))
	})
	r := newReconciler(t, rl, nil)

	_, sess, err := r.StartSession(ctx, 0, core.ModeRanked)
	require.NoError(t, err)

	op, err := r.Complete(ctx, sess.Key, reconcile.Run{})
	assert.ErrorIs(t, err, core.ErrClaimTransferFailed)
	assert.Contains(t, op.Message, "reward pool is empty")
	s, _ := r.Session(sess.Key)
	assert.Equal(t, reconcile.SessionActive, s.State)

	op, err = r.Complete(ctx, sess.Key, reconcile.Run{})
	require.NoError(t, err)
	assert.Equal(t, "5", op.Reward)
}

func TestCompleteInvalidSessionAborts(t *testing.T) {
	rl := newRelay(func(n int, calls []core.Call) *core.Receipt {
		if calls[0].Method == core.MethodStartSession {
			return ok(started(1))
		}
		return reverted(core.ErrSessionInvalid)
	})
	r := newReconciler(t, rl, nil)

	_, sess, err := r.StartSession(ctx, 0, core.ModeRanked)
	require.NoError(t, err)
	_, err = r.Complete(ctx, sess.Key, reconcile.Run{})
	assert.ErrorIs(t, err, core.ErrSessionInvalid)

	s, _ := r.Session(sess.Key)
	assert.Equal(t, reconcile.SessionAborted, s.State)
	_, err = r.Complete(ctx, sess.Key, reconcile.Run{})
	assert.ErrorIs(t, err, reconcile.ErrUnknownSession)
}

// TestConcurrentCompletionSubmitsOnce races several completions of one
// session.
func TestConcurrentCompletionSubmitsOnce(t *testing.T) {
	rl := newRelay(func(int, []core.Call) *core.Receipt { return ok(started(1), completed("1")) })
	r := newReconciler(t, rl, nil)
	_, sess, err := r.StartSession(ctx, 0, core.ModeRanked)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]reconcile.Outcome, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			op, _ := r.Complete(ctx, sess.Key, reconcile.Run{Score: 1})
			results[i] = op.Outcome
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, o := range results {
		if o == reconcile.Succeeded {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Len(t, rl.submitted(), 2)
}

func TestUnknownSession(t *testing.T) {
	r := newReconciler(t, newRelay(nil), nil)
	op, err := r.Complete(ctx, "local-1", reconcile.Run{})
	assert.ErrorIs(t, err, reconcile.ErrUnknownSession)
	assert.Equal(t, "That session no longer exists. Start a new run.", op.Message)
}

// TestCloseCancelsRechecks verifies that a closed reconciler neither
// reconciles late receipts nor submits new batches.
func TestCloseCancelsRechecks(t *testing.T) {
	rl := newRelay(nil)
	r, err := reconcile.New("player", rl, &fakeRefresher{}, fixedCounter(0), nil, testConfig())
	require.NoError(t, err)

	op, err := r.RollDailyChallenge(ctx)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	rl.release(op.TxID, ok())
	time.Sleep(60 * time.Millisecond)
	got, _ := r.Op(op.ID)
	assert.Equal(t, reconcile.StatusOptimistic, got.Status)

	_, err = r.RollDailyChallenge(ctx)
	assert.ErrorIs(t, err, reconcile.ErrClosed)
	assert.Len(t, rl.submitted(), 1)
}

func TestSessionKeysAreUnique(t *testing.T) {
	r := newReconciler(t, newRelay(nil), nil)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		_, sess, err := r.StartSession(ctx, 0, core.ModePractice)
		require.NoError(t, err)
		assert.False(t, seen[sess.Key])
		seen[sess.Key] = true
	}
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{relay.ErrTimeout, "Still processing. Check again shortly or refresh your balances."},
		{reconcile.ErrAlreadyCompleted, "This run was already submitted."},
		{core.Revert(core.ErrChallengeAlreadyDone, "day 3"), "You already finished today's challenge."},
		{relay.NewSponsorError(errors.New("x")), "The game server is misconfigured: " + relay.SponsorRemedy + "."},
		{errors.New("disk on fire"), "Something went wrong. Please try again."},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, reconcile.Describe(c.err))
	}
}

// With no recheck delay the recheck can bind the session before settle
// returns; the session must still be completable afterwards.
func TestStartRecheckWithoutDelayBindsSession(t *testing.T) {
	cfg := testConfig()
	cfg.RecheckDelay = 0
	for i := 0; i < 20; i++ {
		rl := &lateRelay{
			scriptedRelay: newRelay(func(n int, _ []core.Call) *core.Receipt {
				if n == 0 {
					return ok(started(4))
				}
				return ok(completed("1"))
			}),
			late: map[string]bool{"tx0": true},
		}
		r, err := reconcile.New("player", rl, &fakeRefresher{}, fixedCounter(0), nil, cfg)
		require.NoError(t, err)

		op, sess, err := r.StartSession(ctx, 0, core.ModeRanked)
		require.NoError(t, err)
		require.NotEmpty(t, op.TxID)
		require.Eventually(t, func() bool {
			s, _ := r.Session(sess.Key)
			return s.OnChain
		}, time.Second, time.Millisecond)

		done, err := r.Complete(ctx, sess.Key, reconcile.Run{Score: 100})
		require.NoError(t, err, "run %d", i)
		assert.Equal(t, reconcile.Succeeded, done.Outcome)
		require.NoError(t, r.Close())
	}
}

// A start receipt without a session log whose counter read fails keeps the
// practice run pending instead of completing a session that does not exist.
func TestPracticeCompletionWaitsForSessionID(t *testing.T) {
	rl := newRelay(func(_ int, calls []core.Call) *core.Receipt {
		if calls[0].Method == core.MethodStartSession {
			return ok()
		}
		return ok(completed("1"))
	})
	counter := &flakyCounter{n: 9, failures: 1}
	r, err := reconcile.New("player", rl, &fakeRefresher{}, counter, nil, testConfig())
	require.NoError(t, err)
	defer r.Close()

	_, sess, err := r.StartSession(ctx, 2, core.ModePractice)
	require.NoError(t, err)

	_, err = r.Complete(ctx, sess.Key, reconcile.Run{Score: 10})
	assert.ErrorIs(t, err, reconcile.ErrSessionSettling)
	require.Len(t, rl.submitted(), 1, "no completion without a session id")

	require.Eventually(t, func() bool {
		s, _ := r.Session(sess.Key)
		return s.OnChain && s.ChainID == 9
	}, time.Second, 5*time.Millisecond)

	done, err := r.Complete(ctx, sess.Key, reconcile.Run{Score: 10})
	require.NoError(t, err)
	assert.Equal(t, reconcile.Succeeded, done.Outcome)
	batches := rl.submitted()
	require.Len(t, batches, 2)
	assert.Equal(t, uint64(9), payload[core.CompleteSessionPayload](t, batches[1][0]).SessionID)
}

func TestCounterRetriesThenNeedsRefresh(t *testing.T) {
	rl := newRelay(func(int, []core.Call) *core.Receipt { return ok() })
	counter := &flakyCounter{failures: 100}
	r, err := reconcile.New("player", rl, &fakeRefresher{}, counter, nil, testConfig())
	require.NoError(t, err)
	defer r.Close()

	op, sess, err := r.StartSession(ctx, 0, core.ModeRanked)
	require.NoError(t, err)
	assert.False(t, sess.OnChain)
	assert.Eventually(t, func() bool {
		o, _ := r.Op(op.ID)
		return o.NeedsRefresh
	}, time.Second, 5*time.Millisecond)

	counter.mu.Lock()
	assert.Equal(t, testConfig().MaxRechecks, counter.reads)
	counter.mu.Unlock()
	_, err = r.Complete(ctx, sess.Key, reconcile.Run{})
	assert.ErrorIs(t, err, reconcile.ErrSessionSettling)
}

func TestResolvedOpsAreForgotten(t *testing.T) {
	cfg := testConfig()
	cfg.OpTTL = 20 * time.Millisecond
	cfg.MaxRechecks = 1000
	rl := newRelay(nil)
	r, err := reconcile.New("player", rl, &fakeRefresher{}, fixedCounter(0), nil, cfg)
	require.NoError(t, err)
	defer r.Close()

	failed, _ := r.Mint(ctx, core.Category("tandem"), "x")
	pending, err := r.Mint(ctx, core.CategorySports, "x")
	require.NoError(t, err)
	require.Equal(t, reconcile.Indeterminate, pending.Outcome)

	assert.Eventually(t, func() bool {
		_, found := r.Op(failed.ID)
		return !found
	}, time.Second, 5*time.Millisecond)
	_, found := r.Op(pending.ID)
	assert.True(t, found, "unsettled operations are kept")
}
