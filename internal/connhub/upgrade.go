package connhub

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// UpgradeHandler returns an http.HandlerFunc that upgrades the request to a
// websocket and hands it to the Hub. Blocks the request goroutine for the
// lifetime of the connection, matching net/http's one-goroutine-per-request
// model.
func (h *Hub) UpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Accept(ws)
	}
}
