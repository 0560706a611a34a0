package gramdb

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	changesWriteTimeout = 10 * time.Second
	changesPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ChangesMessage is one frame of the _changes websocket feed.
type ChangesMessage struct {
	Type       string     `json:"type"`
	Collection string     `json:"collection,omitempty"`
	Docs       []Document `json:"docs"`
	Error      string     `json:"error,omitempty"`
}

// setupChangesRoutes serves GET /{collection}/_changes as a websocket that
// sends the full result set of the collection, optionally narrowed with
// ?field=value equality filters, every time it changes.
func setupChangesRoutes(mux *http.ServeMux, db *DB, wrap func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("GET /{collection}/_changes", wrap(func(w http.ResponseWriter, r *http.Request) {
		coll, ok := collectionFromRequest(w, r, db)
		if !ok {
			return
		}
		var sel Selector
		for field, values := range r.URL.Query() {
			if len(values) > 0 {
				sel = append(sel, Eq(field, values[0]))
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client.
			db.logger.Warn("changes feed upgrade failed", "err", err)
			return
		}
		defer func() { _ = conn.Close() }()

		sub, err := coll.Subscribe(sel)
		if err != nil {
			writeChanges(conn, ChangesMessage{Type: "error", Error: err.Error()})
			return
		}
		defer sub.Cancel()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// The read loop only detects the client going away.
		go func() {
			defer cancel()
			_ = conn.SetReadDeadline(time.Time{})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		forwardChanges(ctx, conn, coll.Name(), sub, db.ctx.Done())
	}))
}

func forwardChanges(ctx context.Context, conn *websocket.Conn, collection string, sub *Subscription, closed <-chan struct{}) {
	ping := time.NewTicker(changesPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(changesWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case docs, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeChanges(conn, ChangesMessage{Type: "snapshot", Collection: collection, Docs: docs}); err != nil {
				return
			}
		}
	}
}

func writeChanges(conn *websocket.Conn, msg ChangesMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(changesWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
