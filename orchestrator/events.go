package orchestrator

import (
	"log"
	"sync"

	"github.com/tolelom/protoreg/ids"
)

// EventType labels what happened.
type EventType string

// EventCommitObserved is emitted once per Commit applied to the Merkle
// Store, the "notify application observers" hook spec §4.6 calls for.
const EventCommitObserved EventType = "commit_observed"

// Event carries a typed payload emitted after a commit is applied.
type Event struct {
	Type       EventType
	Height     uint64
	Hash       ids.ProposalHash
	ChangeSize int
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// Emit delivers ev to all subscribers for ev.Type synchronously. Each
// handler is guarded by panic recovery so a misbehaving subscriber cannot
// halt the Orchestrator's event pump.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[orchestrator] handler panicked for %s: %v", ev.Type, r)
				}
			}()
			h(ev)
		}()
	}
}
