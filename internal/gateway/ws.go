package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/caminholabs/orienta/internal/engine"
)

// handleWS implements GET /api/v1/ws. Each JSON frame read from the socket
// is one envelope; its full event stream is written back frame by frame
// before the next envelope is read.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.logger.Info("ws client connected")
	defer func() {
		s.logger.Info("ws client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		var env engine.Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			s.logger.Debug("ws read ended", "error", err)
			return
		}
		if len(env.Parts) == 0 {
			if err := wsjson.Write(ctx, conn, map[string]string{"error": "parts is required"}); err != nil {
				return
			}
			continue
		}

		q := engine.NewQueue()
		s.run(ctx, &env, q)
		for ev := range q.Events() {
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				s.logger.Error("ws write failed", "error", err)
				return
			}
		}
	}
}
