package api

import (
	"net/http"
	"time"

	"basketbatch/internal/events"
	"basketbatch/internal/logging"
	"basketbatch/internal/store"

	"github.com/gorilla/websocket"
)

const (
	feedWriteWait    = 10 * time.Second
	feedPingInterval = 30 * time.Second
)

// handleFeed streams committed events as JSON text frames. With ?after=N the
// journal past N is replayed before live events; live events already
// replayed are skipped by seq. A subscriber that falls behind the bus buffer
// misses events and can reconnect with after set to its last seq.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	after, _, err := pageParams(r)
	if err != nil {
		s.sendError(w, err)
		return
	}

	// Subscribe before replaying so nothing committed in between is lost.
	sub := s.engine.Bus().Subscribe()
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Get(logging.CategoryAPI).Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	logging.API("feed opened by %s", r.RemoteAddr)

	send := func(ev events.Event) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			logging.APIDebug("feed write failed: %v", err)
			return false
		}
		return true
	}

	last := after
	if r.URL.Query().Has("after") {
		for {
			page, err := s.engine.Events(r.Context(), last, store.DefaultEventLimit)
			if err != nil {
				logging.Get(logging.CategoryAPI).Error("feed replay failed: %v", err)
				return
			}
			if len(page) == 0 {
				break
			}
			for _, ev := range page {
				if !send(ev) {
					return
				}
				last = ev.Seq
			}
		}
	}

	// The reader only notices the peer going away; clients send nothing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(feedWriteWait))
			return
		case <-gone:
			logging.API("feed closed by %s", r.RemoteAddr)
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if ev.Seq <= last {
				continue
			}
			if !send(ev) {
				return
			}
			last = ev.Seq
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				return
			}
		}
	}
}
