package broadcast

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	keepAliveInterval = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // same-origin handled by the fronting proxy
	},
}

// ServeWS upgrades the request to a websocket and streams the job's events
// until the client disconnects. Events are written as JSON envelopes in
// publish order, interleaved with keepalive pings.
func (b *Broadcaster) ServeWS(w http.ResponseWriter, r *http.Request, jobID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}

	sub := b.Subscribe(jobID)
	b.logger.Debug("websocket subscriber attached", "job_id", jobID)

	// Reader goroutine: we never expect client messages, but reading is
	// required to notice closes and answer control frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		sub.Close()
		conn.Close()
		b.logger.Debug("websocket subscriber detached", "job_id", jobID)
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				b.logger.Debug("websocket write failed", "job_id", jobID, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
