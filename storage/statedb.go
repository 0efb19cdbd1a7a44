package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/holiman/uint256"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/crypto"
)

// registerPrefix records a state-key prefix so that ComputeRoot covers it.
func registerPrefix(p string) string {
	statePrefixes = append(statePrefixes, p)
	return p
}

var statePrefixes []string

var (
	prefixAccount   = registerPrefix("acct:")
	prefixToken     = registerPrefix("tok:")
	prefixAllowance = registerPrefix("allow:")
	prefixBike      = registerPrefix("bike:")
	prefixSession   = registerPrefix("sess:")
	prefixLedger    = registerPrefix("ledger:")
	prefixChallenge = registerPrefix("chal:")
	prefixDayDone   = registerPrefix("dayd:")
	prefixCounter   = registerPrefix("ctr:")
	prefixPool      = registerPrefix("amt:")
)


type stateSnapshot struct {
	dirty   map[string][]byte
	deleted map[string]bool
}

// StateDB implements core.State on top of a DB with an in-memory write
// buffer, nested snapshots and deterministic state-root computation.
// A StateDB is not safe for concurrent use; readers that only need
// committed state should open their own with NewStateDB.
type StateDB struct {
	db        DB
	dirty     map[string][]byte
	deleted   map[string]bool
	snapshots []stateSnapshot
}

// NewStateDB creates a StateDB backed by db.
func NewStateDB(db DB) *StateDB {
	return &StateDB{
		db:      db,
		dirty:   make(map[string][]byte),
		deleted: make(map[string]bool),
	}
}

// ---- internal helpers ----

func (s *StateDB) get(key string) ([]byte, error) {
	if s.deleted[key] {
		return nil, core.ErrNotFound
	}
	if v, ok := s.dirty[key]; ok {
		return v, nil
	}
	return s.db.Get([]byte(key))
}

func (s *StateDB) set(key string, val []byte) {
	delete(s.deleted, key)
	s.dirty[key] = val
}

func (s *StateDB) getJSON(key string, v any) error {
	data, err := s.get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *StateDB) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.set(key, data)
	return nil
}

// getAmount reads a decimal-encoded amount; missing keys read as zero.
func (s *StateDB) getAmount(key string) (*uint256.Int, error) {
	data, err := s.get(key)
	if errors.Is(err, core.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	v, err := uint256.FromDecimal(string(data))
	if err != nil {
		return nil, fmt.Errorf("decode amount %s: %w", key, err)
	}
	return v, nil
}

func (s *StateDB) setAmount(key string, v *uint256.Int) error {
	if v == nil {
		return fmt.Errorf("nil amount for %s", key)
	}
	s.set(key, []byte(v.Dec()))
	return nil
}

func idKey(prefix string, id uint64) string {
	return fmt.Sprintf("%s%020d", prefix, id)
}

// ---- Account ----

func (s *StateDB) GetAccount(address string) (*core.Account, error) {
	var acc core.Account
	err := s.getJSON(prefixAccount+address, &acc)
	if errors.Is(err, core.ErrNotFound) {
		return &core.Account{Address: address}, nil
	}
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *StateDB) SetAccount(acc *core.Account) error {
	return s.setJSON(prefixAccount+acc.Address, acc)
}

// ---- Tokens ----

func (s *StateDB) GetTokenBalance(token core.Token, owner string) (*uint256.Int, error) {
	return s.getAmount(prefixToken + string(token) + ":" + owner)
}

func (s *StateDB) SetTokenBalance(token core.Token, owner string, amount *uint256.Int) error {
	return s.setAmount(prefixToken+string(token)+":"+owner, amount)
}

func (s *StateDB) GetAllowance(token core.Token, owner, spender string) (*uint256.Int, error) {
	return s.getAmount(prefixAllowance + string(token) + ":" + owner + ":" + spender)
}

func (s *StateDB) SetAllowance(token core.Token, owner, spender string, amount *uint256.Int) error {
	return s.setAmount(prefixAllowance+string(token)+":"+owner+":"+spender, amount)
}

// ---- Bikes ----

func (s *StateDB) GetBike(id uint64) (*core.Bike, error) {
	var b core.Bike
	if err := s.getJSON(idKey(prefixBike, id), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *StateDB) SetBike(b *core.Bike) error {
	return s.setJSON(idKey(prefixBike, b.ID), b)
}

// ---- Sessions ----

func (s *StateDB) GetSession(id uint64) (*core.Session, error) {
	var sess core.Session
	if err := s.getJSON(idKey(prefixSession, id), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *StateDB) SetSession(sess *core.Session) error {
	return s.setJSON(idKey(prefixSession, sess.ID), sess)
}

// ---- Reward ledger ----

func (s *StateDB) GetRewards(player string) (*uint256.Int, error) {
	return s.getAmount(prefixLedger + player)
}

func (s *StateDB) SetRewards(player string, amount *uint256.Int) error {
	return s.setAmount(prefixLedger+player, amount)
}

// ---- Daily challenge ----

func (s *StateDB) GetDailyChallenge(day uint64) (*core.DailyChallenge, error) {
	var c core.DailyChallenge
	if err := s.getJSON(idKey(prefixChallenge, day), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *StateDB) SetDailyChallenge(c *core.DailyChallenge) error {
	return s.setJSON(idKey(prefixChallenge, c.Day), c)
}

func (s *StateDB) DailyCompleted(day uint64, player string) (bool, error) {
	_, err := s.get(idKey(prefixDayDone, day) + ":" + player)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *StateDB) MarkDailyCompleted(day uint64, player string) error {
	s.set(idKey(prefixDayDone, day)+":"+player, []byte{1})
	return nil
}

// ---- Counters and pools ----

func (s *StateDB) GetCounter(name core.Counter) (uint64, error) {
	data, err := s.get(prefixCounter + string(name))
	if errors.Is(err, core.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(string(data), 10, 64)
}

func (s *StateDB) SetCounter(name core.Counter, v uint64) error {
	s.set(prefixCounter+string(name), []byte(strconv.FormatUint(v, 10)))
	return nil
}

func (s *StateDB) GetPool(name core.Pool) (*uint256.Int, error) {
	return s.getAmount(prefixPool + string(name))
}

func (s *StateDB) SetPool(name core.Pool, amount *uint256.Int) error {
	return s.setAmount(prefixPool+string(name), amount)
}

// ---- Snapshot / Rollback / Commit ----

// Snapshot saves the current write buffer and returns a snapshot ID.
func (s *StateDB) Snapshot() (int, error) {
	s.snapshots = append(s.snapshots, stateSnapshot{
		dirty:   copyDirty(s.dirty),
		deleted: copyDeleted(s.deleted),
	})
	return len(s.snapshots) - 1, nil
}

// RevertToSnapshot restores the write buffer to a previously saved snapshot
// and discards every later snapshot.
func (s *StateDB) RevertToSnapshot(id int) error {
	if id < 0 || id >= len(s.snapshots) {
		return fmt.Errorf("invalid snapshot id %d", id)
	}
	snap := s.snapshots[id]
	s.dirty = copyDirty(snap.dirty)
	s.deleted = copyDeleted(snap.deleted)
	s.snapshots = s.snapshots[:id]
	return nil
}

func copyDirty(src map[string][]byte) map[string][]byte {
	dst := make(map[string][]byte, len(src))
	for k, v := range src {
		dst[k] = bytes.Clone(v)
	}
	return dst
}

func copyDeleted(src map[string]bool) map[string]bool {
	dst := make(map[string]bool, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// ComputeRoot returns the deterministic hash of the complete world state:
// persisted entries under every state prefix merged with the write buffer,
// sorted by key and length-prefix encoded. It does not flush.
func (s *StateDB) ComputeRoot() string {
	merged := make(map[string][]byte)
	for _, prefix := range statePrefixes {
		it := s.db.NewIterator([]byte(prefix))
		for it.Next() {
			merged[string(it.Key())] = bytes.Clone(it.Value())
		}
		it.Release()
	}
	for k, v := range s.dirty {
		merged[k] = v
	}
	for k := range s.deleted {
		delete(merged, k)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, k := range keys {
		v := merged[k]
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(k)))
		buf.Write(lenBuf[:])
		buf.WriteString(k)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
		buf.Write(lenBuf[:])
		buf.Write(v)
	}
	return crypto.Hash(buf.Bytes())
}

// Commit atomically flushes the write buffer to the underlying DB and
// clears it.
func (s *StateDB) Commit() error {
	batch := s.db.NewBatch()
	for k, v := range s.dirty {
		batch.Set([]byte(k), v)
	}
	for k := range s.deleted {
		batch.Delete([]byte(k))
	}
	if err := batch.Write(); err != nil {
		return err
	}
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
	return nil
}

// Discard drops every uncommitted write.
func (s *StateDB) Discard() {
	s.dirty = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.snapshots = nil
}
