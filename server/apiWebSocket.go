package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/fusion/pkg/gen"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Stream every fused batch of a camera to the client, as JSON text messages.
// The client doesn't send us anything. We only read so that we notice when it goes away.
func (s *Server) httpWSDetections(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	cam := s.getCameraOrPanic(params)

	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("httpWSDetections websocket upgrade failed: %v", err)
		return
	}
	defer c.Close()

	watcher := cam.engine.AddWatcher()
	defer cam.engine.RemoveWatcher(watcher)

	clientGone := make(chan bool)
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				close(clientGone)
				return
			}
		}
	}()

	s.Log.Infof("Camera %v: Detection stream starting", cam.config.ID)
	for {
		select {
		case <-s.shutdown:
			c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down"), time.Now().Add(time.Second))
			return
		case <-clientGone:
			s.Log.Infof("Camera %v: Detection stream closed by client", cam.config.ID)
			return
		case result := <-watcher:
			// If the client has fallen behind, skip straight to the newest batch
			if backlog := gen.DrainChannelIntoSlice(watcher); len(backlog) != 0 {
				result = backlog[len(backlog)-1]
			}
			if err := c.WriteJSON(result); err != nil {
				s.Log.Infof("Camera %v: Error writing to detection stream: %v", cam.config.ID, err)
				return
			}
		}
	}
}

// Receive authoritative batches over a websocket. Every text message is one authoritativeBatchJSON,
// and we reply to each one with an authoritativeResponseJSON.
func (s *Server) httpWSAuthoritative(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	cam := s.getCameraOrPanic(params)

	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("httpWSAuthoritative websocket upgrade failed: %v", err)
		return
	}
	defer c.Close()
	c.SetReadLimit(maxBodyBytes)

	// Unblock ReadJSON when we shutdown
	done := make(chan bool)
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			c.Close()
		case <-done:
		}
	}()

	s.Log.Infof("Camera %v: Authoritative stream starting", cam.config.ID)
	for {
		batch := authoritativeBatchJSON{}
		if err := c.ReadJSON(&batch); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.Log.Warnf("Camera %v: Authoritative stream error: %v", cam.config.ID, err)
			}
			return
		}
		accepted := cam.engine.UpdateAuthoritativeBatch(batch.Objects, time.Now())
		if err := c.WriteJSON(authoritativeResponseJSON{Accepted: accepted}); err != nil {
			return
		}
	}
}
