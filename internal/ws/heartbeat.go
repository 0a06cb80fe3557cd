package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"

	"github.com/pitchlink/chat-service/internal/metrics"
)

// heartbeatLoop pings every connection on HeartbeatInterval and evicts those
// with no activity within HeartbeatInterval + HeartbeatTimeout. A client that
// vanished mid-conversation is caught here; eviction runs the disconnect
// callback, which tears down the open conversation view and announces the
// presence leave. Runs until the server's done channel closes.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepConnections()
		}
	}
}

// sweepConnections evicts stale connections and pings the rest. LastPing is
// refreshed by any successful read (client pings included), so a connection
// older than interval+timeout has answered nothing for a full cycle. Live
// connections get a protocol-level ping frame (opcode 0x9), which browsers
// answer automatically.
func (s *Server) sweepConnections() {
	deadline := s.config.HeartbeatInterval + s.config.HeartbeatTimeout
	now := time.Now()

	for _, c := range s.conns.All() {
		if now.Sub(c.LastPing) > deadline {
			log.Printf("ws: heartbeat eviction session=%s user=%s idle=%s",
				c.ID, c.UserID, now.Sub(c.LastPing).Round(time.Second))
			metrics.HeartbeatEvictions.Inc()
			s.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed session=%s user=%s: %v", c.ID, c.UserID, err)
			metrics.HeartbeatEvictions.Inc()
			s.RemoveConnection(c)
		}
	}
}

// WritePing sends a WebSocket protocol-level ping frame on the connection.
// The write mutex keeps it from interleaving with application frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
