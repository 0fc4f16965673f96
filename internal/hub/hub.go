package hub

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"pricefeed/internal/source"
)

// Update is one price-change event delivered to subscribers.
type Update struct {
	Symbol string        `json:"symbol"`
	Record source.Record `json:"record"`
}

// listenerBuffer is the per-listener channel capacity. Delivery is
// non-blocking: a listener that stops draining loses events instead of
// stalling the broadcast loop for everyone else.
const listenerBuffer = 16

type listener struct {
	ch      chan Update
	symbols map[string]struct{}
}

// Hub fans price-change events out to subscribed listeners.
//
// Listener lifecycle: Register -> Subscribe/Unsubscribe -> Disconnect.
// Disconnect closes the listener's channel and drops every subscription,
// so no dangling references survive a gone client.
type Hub struct {
	log *slog.Logger

	mu        sync.RWMutex
	listeners map[string]*listener
}

func New(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:       log,
		listeners: make(map[string]*listener),
	}
}

// Register adds a listener and returns its id and receive channel.
// The channel is closed by Disconnect and never by the sender mid-stream.
func (h *Hub) Register() (string, <-chan Update) {
	id := uuid.NewString()
	l := &listener{
		ch:      make(chan Update, listenerBuffer),
		symbols: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.listeners[id] = l
	h.mu.Unlock()
	return id, l.ch
}

// Subscribe adds symbols to a listener's subscription set.
// Unknown listener ids are ignored.
func (h *Hub) Subscribe(id string, symbols ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := h.listeners[id]
	if l == nil {
		return
	}
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			l.symbols[s] = struct{}{}
		}
	}
}

// Unsubscribe removes symbols from a listener's subscription set.
func (h *Hub) Unsubscribe(id string, symbols ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l := h.listeners[id]
	if l == nil {
		return
	}
	for _, s := range symbols {
		delete(l.symbols, strings.ToUpper(strings.TrimSpace(s)))
	}
}

// Disconnect removes the listener and closes its channel.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	l := h.listeners[id]
	delete(h.listeners, id)
	h.mu.Unlock()
	if l != nil {
		close(l.ch)
	}
}

// Publish delivers rec to every listener subscribed to symbol.
// Sends are fire-and-forget per listener; one full buffer never blocks
// delivery to the remaining subscribers.
func (h *Hub) Publish(symbol string, rec source.Record) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, l := range h.listeners {
		if _, ok := l.symbols[symbol]; !ok {
			continue
		}
		select {
		case l.ch <- Update{Symbol: symbol, Record: rec}:
		default:
			h.log.Warn("dropping price update for slow listener", "listener", id, "symbol", symbol)
		}
	}
}

// Subscribers returns how many listeners are subscribed to symbol.
func (h *Hub) Subscribers(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, l := range h.listeners {
		if _, ok := l.symbols[symbol]; ok {
			n++
		}
	}
	return n
}
