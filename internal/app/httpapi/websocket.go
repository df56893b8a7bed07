package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Job progress carries no credentials and is read-only; any origin may
	// subscribe once it holds a valid job id.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsPingInterval = 20 * time.Second

// handleJobWebsocket implements WS /ws/job/{id}: it relays ProgressBus
// events for the job to the client until the bus closes the subscription
// (job reached a terminal state and the grace window elapsed) or the
// client disconnects.
func (s *Service) handleJobWebsocket(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.log != nil {
			s.log.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		}
		return
	}
	defer conn.Close()

	events := s.bus.Subscribe(jobID)
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
