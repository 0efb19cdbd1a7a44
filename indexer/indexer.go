// Package indexer maintains secondary indexes over committed blocks so
// clients can list bikes by owner and sessions by player without scanning
// the full state.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/tolelom/bikerush/core"
	"github.com/tolelom/bikerush/events"
	"github.com/tolelom/bikerush/storage"
)

const (
	prefixOwnerBikes    = "idx:owner:bike:"
	prefixPlayerSession = "idx:player:session:"
)

// Indexer subscribes to chain events and updates secondary lookup tables.
type Indexer struct {
	mu  sync.Mutex
	db  storage.DB
	log logrus.FieldLogger
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db, log: logrus.WithField("component", "indexer")}
	emitter.Subscribe(events.EventBikeMinted, idx.onBikeMinted)
	emitter.Subscribe(events.EventBikeTransfer, idx.onBikeTransferred)
	emitter.Subscribe(events.EventSessionStarted, idx.onSessionStarted)
	return idx
}

// BikesByOwner returns the ids of every bike currently owned by owner in
// mint order.
func (idx *Indexer) BikesByOwner(owner string) ([]uint64, error) {
	return idx.getList(prefixOwnerBikes + owner)
}

// SessionsByPlayer returns the ids of every session started by player.
func (idx *Indexer) SessionsByPlayer(player string) ([]uint64, error) {
	return idx.getList(prefixPlayerSession + player)
}

// ---- event handlers ----

func (idx *Indexer) onBikeMinted(ev events.Event) {
	owner := core.DataString(ev.Data, "owner")
	id, ok := core.DataUint(ev.Data, "bike_id")
	if owner == "" || !ok {
		return
	}
	idx.update(prefixOwnerBikes+owner, func(ids []uint64) []uint64 { return insertSorted(ids, id) })
}

func (idx *Indexer) onBikeTransferred(ev events.Event) {
	from := core.DataString(ev.Data, "from")
	to := core.DataString(ev.Data, "to")
	id, ok := core.DataUint(ev.Data, "bike_id")
	if from == "" || to == "" || !ok {
		return
	}
	idx.update(prefixOwnerBikes+from, func(ids []uint64) []uint64 {
		return slices.DeleteFunc(ids, func(v uint64) bool { return v == id })
	})
	idx.update(prefixOwnerBikes+to, func(ids []uint64) []uint64 { return insertSorted(ids, id) })
}

func (idx *Indexer) onSessionStarted(ev events.Event) {
	player := core.DataString(ev.Data, "player")
	id, ok := core.DataUint(ev.Data, "session_id")
	if player == "" || !ok {
		return
	}
	idx.update(prefixPlayerSession+player, func(ids []uint64) []uint64 { return insertSorted(ids, id) })
}

// ---- list helpers ----

func insertSorted(ids []uint64, id uint64) []uint64 {
	i, found := slices.BinarySearch(ids, id)
	if found {
		return ids
	}
	return slices.Insert(ids, i, id)
}

func (idx *Indexer) update(key string, fn func([]uint64) []uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	ids, err := idx.getList(key)
	if err != nil {
		idx.log.WithError(err).WithField("key", key).Warn("read index")
		return
	}
	data, err := json.Marshal(fn(ids))
	if err != nil {
		idx.log.WithError(err).WithField("key", key).Warn("encode index")
		return
	}
	if err := idx.db.Set([]byte(key), data); err != nil {
		idx.log.WithError(err).WithField("key", key).Warn("write index")
	}
}

func (idx *Indexer) getList(key string) ([]uint64, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ids []uint64
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return ids, nil
}
