package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// EventType labels what happened.
type EventType string

const (
	EventBlockCommit        EventType = "block_commit"
	EventTxExecuted         EventType = "tx_executed"
	EventTxFailed           EventType = "tx_failed"
	EventApproval           EventType = "approval"
	EventTokenTransfer      EventType = "token_transfer"
	EventBikeMinted         EventType = "bike_minted"
	EventBikeTransfer       EventType = "bike_transfer"
	EventSessionStarted     EventType = "session_started"
	EventSessionCompleted   EventType = "session_completed"
	EventRewardsClaimed     EventType = "rewards_claimed"
	EventCreditsTransferred EventType = "credits_transferred"
	EventChallengeRolled    EventType = "challenge_rolled"
	EventFeesWithdrawn      EventType = "fees_withdrawn"
)

// Event carries a typed payload emitted after a block is committed.
type Event struct {
	Type        EventType      `json:"type"`
	TxID        string         `json:"tx_id"`
	BlockHeight int64          `json:"block_height"`
	Data        map[string]any `json:"data"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	log      logrus.FieldLogger
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{
		handlers: make(map[EventType][]Handler),
		log:      logrus.WithField("component", "events"),
	}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// Emit delivers ev to all subscribers for ev.Type synchronously. A panicking
// handler is logged and skipped.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		e.deliver(h, ev)
	}
}

func (e *Emitter) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{"event": ev.Type, "tx": ev.TxID}).Errorf("handler panicked: %v", r)
		}
	}()
	h(ev)
}
