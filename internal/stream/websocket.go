package stream

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/forgegate/hub/internal/project"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	wsSendBuffer   = 256
)

// WSOptions control websocket upgrades. An empty AllowedOrigins list
// accepts any origin.
type WSOptions struct {
	AllowedOrigins []string
}

func newUpgrader(opts WSOptions) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(opts.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range opts.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
}

// wsRemote adapts a websocket connection to the Remote interface. Send is
// non-blocking: a full outbound buffer reports the client as slow instead
// of stalling the hub.
type wsRemote struct {
	conn *websocket.Conn
	send chan *project.Event
	done chan struct{}
	once sync.Once
}

func (r *wsRemote) Send(e *project.Event) error {
	select {
	case <-r.done:
		return errors.New("websocket closed")
	case r.send <- e:
		return nil
	default:
		return errors.New("websocket send buffer full")
	}
}

func (r *wsRemote) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		err = r.conn.Close()
	})
	return err
}

func (r *wsRemote) writePump(logf func(format string, args ...interface{})) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		r.conn.Close()
	}()
	for {
		select {
		case <-r.done:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			r.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case e := <-r.send:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteJSON(e); err != nil {
				logf("websocket write: %v", err)
				return
			}
		case <-ticker.C:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades the request, subscribes the client to the hub with the
// given filter, and streams matching events until the connection drops.
// It blocks for the life of the connection.
func ServeWS(h *Hub, w http.ResponseWriter, r *http.Request, subscriberID string, f Filter, opts WSOptions) error {
	up := newUpgrader(opts)
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	remote := &wsRemote{
		conn: conn,
		send: make(chan *project.Event, wsSendBuffer),
		done: make(chan struct{}),
	}
	subID := h.Subscribe(subscriberID, f, 0, nil)
	if err := h.Attach(subID, remote); err != nil {
		conn.Close()
		return err
	}
	h.logger.Printf("websocket subscriber %s connected (subscription %s)", subscriberID, subID)

	go remote.writePump(h.logger.Printf)

	// Drain inbound frames so pongs are processed; clients have nothing
	// meaningful to say on this channel.
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.Unsubscribe(subID)
	h.logger.Printf("websocket subscriber %s disconnected", subscriberID)
	return nil
}
