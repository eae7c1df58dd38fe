package messaging

import "sync"

// Handler processes an inbound Message and optionally returns a
// response Message to be sent back over the same path it arrived on.
type Handler func(m *Message) (*Message, error)

// router dispatches inbound messages to type-registered handlers and
// tracks outstanding request messages for response correlation.
type router struct {
	mu       sync.RWMutex
	handlers map[string][]Handler

	pendingMu sync.Mutex
	pending   map[string]*Message // message_id -> original request, for correlation
}

func newRouter() *router {
	return &router{
		handlers: make(map[string][]Handler),
		pending:  make(map[string]*Message),
	}
}

// RegisterHandler adds a handler for messageType. Multiple handlers may
// be registered for the same type; Service.Dispatch tries them in
// registration order and stops at the first response or error.
func (r *router) RegisterHandler(messageType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[messageType] = append(r.handlers[messageType], h)
}

// HandlersFor returns the handlers registered for messageType.
func (r *router) HandlersFor(messageType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Handler(nil), r.handlers[messageType]...)
}

// TrackOutstanding records m as an outstanding request awaiting a
// correlated response.
func (r *router) TrackOutstanding(m *Message) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	r.pending[m.MessageID] = m
}

// ResolveCorrelation looks up (and forgets) the original request a
// response with the given correlation id was replying to.
func (r *router) ResolveCorrelation(correlationID string) (*Message, bool) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	orig, ok := r.pending[correlationID]
	if ok {
		delete(r.pending, correlationID)
	}
	return orig, ok
}
