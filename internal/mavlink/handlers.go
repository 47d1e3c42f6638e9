package mavlink

import (
	"sync"

	"github.com/google/uuid"

	"github.com/DroneLeaf/petal-app-manager/pkg/mavlinkwire"
)

// HandlerFunc processes a decoded frame.
type HandlerFunc func(mavlinkwire.Frame)

// WildcardMessageID receives every frame after its specific-id handlers
// have run.
const WildcardMessageID = "*"

type entry struct {
	id string
	cb HandlerFunc
}

// HandlerRegistry maps a message-id string to an ordered sequence of
// (handler_id, callback) pairs. Callbacks for a given id run in
// registration order, within one worker; different ids may run
// concurrently on different workers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]entry
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string][]entry)}
}

// Register adds cb for messageID (or WildcardMessageID) and returns an
// opaque handler id for later Unregister.
func (r *HandlerRegistry) Register(messageID string, cb HandlerFunc) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	r.handlers[messageID] = append(r.handlers[messageID], entry{id: id, cb: cb})
	return id
}

// Unregister removes the handler with the given id, if present. A no-op if
// already removed or never registered; after it returns, no further
// deliveries to that callback occur.
func (r *HandlerRegistry) Unregister(handlerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for messageID, entries := range r.handlers {
		for i, e := range entries {
			if e.id == handlerID {
				r.handlers[messageID] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Dispatch invokes every handler registered for f's message id, in
// registration order, then every wildcard handler.
func (r *HandlerRegistry) Dispatch(f mavlinkwire.Frame) {
	r.mu.RLock()
	specific := append([]entry(nil), r.handlers[f.MessageIDString()]...)
	wildcard := append([]entry(nil), r.handlers[WildcardMessageID]...)
	r.mu.RUnlock()

	for _, e := range specific {
		e.cb(f)
	}
	for _, e := range wildcard {
		e.cb(f)
	}
}
