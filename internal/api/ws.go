package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handlePendingWS streams StatusResponse frames: one on connect and one
// after every change to the pending count. Clients only read.
func (s *Server) handlePendingWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local API, any Origin
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream ended")

	// CloseRead discards incoming frames and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	// Wake-up mailbox: subscribers run on the queue's mutation path and must
	// never block. Each frame reads the live status, so a coalesced or late
	// notification can never push a stale count.
	wake := make(chan struct{}, 1)
	cancel := s.queue.Subscribe(func(int) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer cancel()

	s.logger.Debug("pending stream connected", "remote", r.RemoteAddr)

	if err := s.writeStatus(ctx, conn, s.status()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			if err := s.writeStatus(ctx, conn, s.status()); err != nil {
				s.logger.Debug("pending stream ended", "error", err)
				return
			}
		}
	}
}

func (s *Server) writeStatus(ctx context.Context, conn *websocket.Conn, st StatusResponse) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, conn, st)
}
