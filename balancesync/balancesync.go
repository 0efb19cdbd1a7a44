// Package balancesync keeps a disposable read-only projection of a player's
// balances and owned bike categories, re-read from the chain after every
// state-changing operation.
package balancesync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/tolelom/bikerush/core"
)

// ErrManualRefresh is returned when chain reads keep failing after the retry
// budget. The previous view stays in place.
var ErrManualRefresh = errors.New("balances unavailable, refresh manually")

var errNoBikesYet = errors.New("no bikes indexed yet")

// Reader is the read side of the node RPC client.
type Reader interface {
	TokenBalance(ctx context.Context, token core.Token, owner string) (*uint256.Int, error)
	PlayerRewards(ctx context.Context, player string) (*uint256.Int, error)
	BikesByOwner(ctx context.Context, owner string) ([]uint64, error)
	Bike(ctx context.Context, id uint64) (*core.Bike, error)
}

// View is one consistent snapshot of what the chain reported.
type View struct {
	Player       string          `json:"player"`
	Stable       *uint256.Int    `json:"stable"`
	RewardWallet *uint256.Int    `json:"reward_wallet"`
	Unclaimed    *uint256.Int    `json:"unclaimed"`
	Bikes        []*core.Bike    `json:"bikes"`
	Categories   []core.Category `json:"categories"`
	RefreshedAt  time.Time       `json:"refreshed_at"`
}

// Owns reports whether the player held a bike of category c at refresh time.
func (v *View) Owns(c core.Category) bool {
	return v != nil && slices.Contains(v.Categories, c)
}

// BikeOf returns an owned bike of category c, or nil.
func (v *View) BikeOf(c core.Category) *core.Bike {
	if v == nil {
		return nil
	}
	for _, b := range v.Bikes {
		if b.Category == c {
			return b
		}
	}
	return nil
}

// Config sets the retry budget.
type Config struct {
	Retries int           // extra attempts after the first read
	Step    time.Duration // linear backoff step: Step, 2*Step, ...
}

// DefaultConfig retries three times after 1s, 2s and 3s.
func DefaultConfig() Config {
	return Config{Retries: 3, Step: time.Second}
}

// Synchronizer refreshes the View of one player.
type Synchronizer struct {
	reader Reader
	player string
	cfg    Config
	log    logrus.FieldLogger

	mu   sync.RWMutex
	view *View
}

// New creates a Synchronizer for player.
func New(reader Reader, player string, cfg Config) *Synchronizer {
	return &Synchronizer{
		reader: reader,
		player: player,
		cfg:    cfg,
		log:    logrus.WithFields(logrus.Fields{"component": "balancesync", "player": player}),
	}
}

// View returns the last refreshed view, or nil before the first refresh.
func (s *Synchronizer) View() *View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Invalidate drops the cached view.
func (s *Synchronizer) Invalidate() {
	s.mu.Lock()
	s.view = nil
	s.mu.Unlock()
}

// Refresh re-reads every balance and the owned bikes. With expectBikes set
// (right after a mint) an empty bike list is treated as indexing lag and
// retried; once the budget is spent the empty result is accepted. Read
// failures are retried with the same budget and then reported as
// ErrManualRefresh.
func (s *Synchronizer) Refresh(ctx context.Context, expectBikes bool) (*View, error) {
	var last *View
	attempt := 0
	op := func() error {
		attempt++
		v, err := s.read(ctx)
		if err != nil {
			s.log.WithError(err).WithField("attempt", attempt).Warn("balance read failed")
			return err
		}
		last = v
		if expectBikes && len(v.Bikes) == 0 {
			return errNoBikesYet
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(newLinear(s.cfg), ctx))
	switch {
	case err == nil, errors.Is(err, errNoBikesYet):
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("%w: %v", ErrManualRefresh, err)
	}

	s.mu.Lock()
	s.view = last
	s.mu.Unlock()
	return last, nil
}

func (s *Synchronizer) read(ctx context.Context) (*View, error) {
	v := &View{Player: s.player, RefreshedAt: time.Now()}
	var err error
	if v.Stable, err = s.reader.TokenBalance(ctx, core.TokenStable, s.player); err != nil {
		return nil, fmt.Errorf("stable balance: %w", err)
	}
	if v.RewardWallet, err = s.reader.TokenBalance(ctx, core.TokenReward, s.player); err != nil {
		return nil, fmt.Errorf("reward balance: %w", err)
	}
	if v.Unclaimed, err = s.reader.PlayerRewards(ctx, s.player); err != nil {
		return nil, fmt.Errorf("unclaimed rewards: %w", err)
	}
	ids, err := s.reader.BikesByOwner(ctx, s.player)
	if err != nil {
		return nil, fmt.Errorf("owned bikes: %w", err)
	}
	owned := map[core.Category]bool{}
	for _, id := range ids {
		b, err := s.reader.Bike(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("bike %d: %w", id, err)
		}
		v.Bikes = append(v.Bikes, b)
		owned[b.Category] = true
	}
	for _, c := range core.Categories {
		if owned[c] {
			v.Categories = append(v.Categories, c)
		}
	}
	return v, nil
}

// linear is a backoff.BackOff waiting step, 2*step, ... for a fixed number
// of retries.
type linear struct {
	step    time.Duration
	retries int
	n       int
}

func newLinear(cfg Config) *linear {
	return &linear{step: cfg.Step, retries: cfg.Retries}
}

func (l *linear) NextBackOff() time.Duration {
	if l.n >= l.retries {
		return backoff.Stop
	}
	l.n++
	return time.Duration(l.n) * l.step
}

func (l *linear) Reset() { l.n = 0 }
