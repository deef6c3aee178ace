// Transport exposes Bus over a WebSocket, one connection per admin
// client. Grounded on codeready-toolchain-tarsy's pkg/api/websocket.go
// upgrader/hub shape for the server-side Upgrade+register/unregister
// pattern, and on nugget's internal/homeassistant/websocket.go for the
// request/response id-correlation envelope (there client-side, here
// server-side: the roles are reversed but the id-keyed response
// matching is the same idea).
package commandbus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stacknerd/msghub/internal/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// request is one inbound frame: an id the client picks to correlate
// its own response (echoed back verbatim, not interpreted), a command
// name, and its raw payload.
type request struct {
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// response is one outbound frame: either a reply to a request (ID set)
// or an unsolicited event push (Event set).
type response struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event,omitempty"`
	Envelope
}

// Transport serves Bus commands over WebSocket connections and pushes
// notify.Dispatch events to every connected client as unsolicited
// frames of type "event".
type Transport struct {
	bus *Bus
	log *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan response
}

// NewTransport wires a WebSocket front end onto bus.
func NewTransport(bus *Bus, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{bus: bus, log: log, clients: make(map[*websocket.Conn]chan response)}
}

// ServeHTTP upgrades the connection and serves it until the client
// disconnects or sends a close frame.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Error("websocket upgrade failed", "error", err)
		return
	}

	out := make(chan response, 64)
	t.mu.Lock()
	t.clients[conn] = out
	t.mu.Unlock()

	defer conn.Close()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for resp := range out {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(resp); err != nil {
				t.log.Warn("websocket write failed", "error", err)
				return
			}
		}
	}()

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				t.log.Warn("websocket read error", "error", err)
			}
			break
		}
		env := t.bus.Dispatch(req.Command, req.Payload)
		select {
		case out <- response{ID: req.ID, Envelope: env}:
		default:
			t.log.Warn("websocket client slow, dropping response", "command", req.Command)
		}
	}
	t.mu.Lock()
	delete(t.clients, conn)
	t.mu.Unlock()
	close(out)
	<-writerDone
}

// BroadcastEvents relays every notify.Dispatch delivered on ch to all
// connected admin clients until ch is closed, pushing one "event" frame
// per message in the batch so clients can render a live feed without
// polling admin.messages.query.
func (t *Transport) BroadcastEvents(ch <-chan notify.Dispatch) {
	for d := range ch {
		t.mu.RLock()
		targets := make([]chan response, 0, len(t.clients))
		for _, out := range t.clients {
			targets = append(targets, out)
		}
		t.mu.RUnlock()

		for _, m := range d.Messages {
			frame := response{Event: string(d.Event), Envelope: ok(m)}
			for _, out := range targets {
				select {
				case out <- frame:
				default:
				}
			}
		}
	}
}
