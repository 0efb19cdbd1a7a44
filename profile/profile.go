// Package profile keeps an advisory per-player progression cache in Redis.
// Nothing here affects rewards; a lost profile is rebuilt from new races.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/tolelom/bikerush/core"
)

const (
	// DefaultTTL bounds how long an idle profile is kept.
	DefaultTTL = 30 * 24 * time.Hour
	// KeyPrefix prefixes every profile key.
	KeyPrefix = "bikerush:profile:"
	// HistoryLimit caps the stored race history.
	HistoryLimit = 20

	xpPerLevel = 1000
	maxTxTries = 5
)

// Race is one entry in a profile's history.
type Race struct {
	SessionKey string    `json:"session_key"`
	Mode       core.Mode `json:"mode"`
	Score      uint64    `json:"score"`
	Distance   uint64    `json:"distance"`
	Dodged     uint64    `json:"dodged"`
	Reward     string    `json:"reward,omitempty"`
	At         time.Time `json:"at"`
}

// Profile is a player's cached progression.
type Profile struct {
	Player    string    `json:"player"`
	XP        uint64    `json:"xp"`
	Level     uint64    `json:"level"`
	Races     uint64    `json:"races"`
	BestScore uint64    `json:"best_score"`
	History   []Race    `json:"history"`
	UpdatedAt time.Time `json:"updated_at"`
}

// XPFor returns the experience earned by a race.
func XPFor(score, distance uint64) uint64 {
	return score/10 + distance/100
}

// LevelFor returns the level reached with xp.
func LevelFor(xp uint64) uint64 {
	return 1 + xp/xpPerLevel
}

// Store reads and writes profiles.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewStore wraps an existing client. A zero ttl uses DefaultTTL.
func NewStore(client redis.UniversalClient, ttl time.Duration) *Store {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

// Connect opens a client to addr and pings it with exponential backoff.
func Connect(ctx context.Context, addr, password string, maxRetries uint64) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	attempt := 0
	op := func() error {
		attempt++
		err := client.Ping(ctx).Err()
		if err != nil {
			logrus.Warnf("redis connection failed (attempt %d): %v", attempt, err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	logrus.Infof("connected to redis at %s", addr)
	return client, nil
}

func makeKey(player string) string {
	return KeyPrefix + player
}

// Get returns the profile of player, or a fresh level-1 profile when none
// is cached.
func (s *Store) Get(ctx context.Context, player string) (*Profile, error) {
	return s.get(ctx, s.client, player)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) get(ctx context.Context, c getter, player string) (*Profile, error) {
	data, err := c.Get(ctx, makeKey(player)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &Profile{Player: player, Level: 1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

// RecordRace adds a completed race to player's profile. Concurrent updates
// of one profile are serialised with an optimistic WATCH transaction.
func (s *Store) RecordRace(ctx context.Context, player string, race Race) (*Profile, error) {
	key := makeKey(player)
	var out *Profile
	update := func(tx *redis.Tx) error {
		p, err := s.get(ctx, tx, player)
		if err != nil {
			return err
		}
		apply(p, race)
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode profile: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			out = p
		}
		return err
	}

	for i := 0; i < maxTxTries; i++ {
		err := s.client.Watch(ctx, update, key)
		if err == nil {
			logrus.WithFields(logrus.Fields{"player": player, "xp": out.XP, "level": out.Level}).Debug("profile updated")
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("record race for %s: too much contention", player)
}

// Delete drops the cached profile.
func (s *Store) Delete(ctx context.Context, player string) error {
	if err := s.client.Del(ctx, makeKey(player)).Err(); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return nil
}

func apply(p *Profile, race Race) {
	if race.At.IsZero() {
		race.At = time.Now().UTC()
	}
	p.XP += XPFor(race.Score, race.Distance)
	p.Level = LevelFor(p.XP)
	p.Races++
	if race.Score > p.BestScore {
		p.BestScore = race.Score
	}
	p.History = append([]Race{race}, p.History...)
	if len(p.History) > HistoryLimit {
		p.History = p.History[:HistoryLimit]
	}
	p.UpdatedAt = race.At
}
