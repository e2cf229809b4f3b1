package server

import (
	"context"
	"errors"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/openquant/tradecore/internal/domain"
)

// handleStreamBars upgrades GET /api/bars/stream?symbol=&timeframe= to a
// websocket and forwards live bars until the client disconnects.
func (s *Server) handleStreamBars(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	tf := domain.Timeframe(r.URL.Query().Get("timeframe"))
	if symbol == "" || !tf.Valid() {
		s.writeJSON(w, http.StatusBadRequest,
			map[string]string{"error": "symbol and a valid timeframe are required"})
		return
	}

	sub, err := s.hub.Subscribe(symbol, tf)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer s.hub.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	s.log.Info().Str("symbol", symbol).Str("timeframe", string(tf)).
		Msg("Client subscribed to bar stream")

	ctx := r.Context()
	// Reads are only needed to notice the client going away.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-readDone:
			return
		case bar, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "stream closed")
				return
			}
			if err := wsjson.Write(ctx, conn, bar); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.log.Debug().Err(err).Str("symbol", symbol).Msg("Bar stream write failed")
				}
				return
			}
		}
	}
}
