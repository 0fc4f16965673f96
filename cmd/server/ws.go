package main

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"pricefeed/internal/hub"
)

const wsWriteTimeout = 5 * time.Second

// wsCommand is what a client sends to manage its subscriptions.
type wsCommand struct {
	Action  string   `json:"action"` // "subscribe" | "unsubscribe"
	Symbols []string `json:"symbols"`
}

// wsEvent is one pushed price-change message.
type wsEvent struct {
	Type   string     `json:"type"`
	Symbol string     `json:"symbol"`
	Data   hub.Update `json:"data"`
}

// handleWS upgrades the connection and bridges the broadcast hub to the
// socket. The hub side never blocks on this client: a slow socket only
// loses its own events.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	id, updates := s.hub.Register()
	defer s.hub.Disconnect(id)
	s.log.Info("listener connected", "listener", id)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: subscription commands. Exits (and cancels the writer) when
	// the client goes away.
	go func() {
		defer cancel()
		for {
			var cmd wsCommand
			if err := wsjson.Read(ctx, conn, &cmd); err != nil {
				return
			}
			switch cmd.Action {
			case "subscribe":
				s.hub.Subscribe(id, cmd.Symbols...)
			case "unsubscribe":
				s.hub.Unsubscribe(id, cmd.Symbols...)
			}
		}
	}()

	// Writer: pushes hub updates until disconnect.
	for {
		select {
		case <-ctx.Done():
			s.log.Info("listener disconnected", "listener", id)
			conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(writeCtx, conn, wsEvent{Type: "price", Symbol: u.Symbol, Data: u})
			writeCancel()
			if err != nil {
				s.log.Warn("websocket write failed", "listener", id, "err", err)
				return
			}
		}
	}
}
