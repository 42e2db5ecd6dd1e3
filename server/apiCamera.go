package server

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/cyclopcam/fusion/pkg/nn"
	"github.com/cyclopcam/fusion/server/tracker"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// SYNC-AUTHORITATIVE-BATCH
type authoritativeBatchJSON struct {
	Objects []nn.AuthoritativeDetection `json:"objects"`
}

// SYNC-AUTHORITATIVE-RESPONSE
type authoritativeResponseJSON struct {
	Accepted int `json:"accepted"` // Number of objects that passed validation
}

// SYNC-CAMERA-INFO
type cameraInfoJSON struct {
	ID    int64         `json:"id"`
	Name  string        `json:"name"`
	Stats tracker.Stats `json:"stats"`
}

func (s *Server) getCameraOrPanic(params httprouter.Params) *liveCamera {
	id, err := strconv.ParseInt(params.ByName("cameraID"), 10, 64)
	if err != nil {
		www.PanicBadRequestf("Invalid camera ID '%v'", params.ByName("cameraID"))
	}
	s.camerasLock.RLock()
	cam := s.cameras[id]
	s.camerasLock.RUnlock()
	if cam == nil {
		www.Panic(http.StatusNotFound, "Camera not found")
	}
	return cam
}

func (s *Server) httpListCameras(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.camerasLock.RLock()
	list := make([]cameraInfoJSON, 0, len(s.cameras))
	for _, cam := range s.cameras {
		list = append(list, cameraInfoJSON{
			ID:    cam.config.ID,
			Name:  cam.config.Name,
			Stats: cam.engine.GetStats(),
		})
	}
	s.camerasLock.RUnlock()
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})
	www.SendJSON(w, list)
}

func (s *Server) httpPostAuthoritative(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	cam := s.getCameraOrPanic(params)
	batch := authoritativeBatchJSON{}
	www.ReadJSON(w, r, &batch, maxBodyBytes)
	accepted := cam.engine.UpdateAuthoritativeBatch(batch.Objects, time.Now())
	www.SendJSON(w, authoritativeResponseJSON{Accepted: accepted})
}

func (s *Server) httpCameraStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	cam := s.getCameraOrPanic(params)
	www.SendJSON(w, cam.engine.GetStats())
}

func (s *Server) httpGetCameraConfig(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	cam := s.getCameraOrPanic(params)
	cfg := cam.engine.Config()
	www.SendJSON(w, cfg.Partial())
}

func (s *Server) httpPatchCameraConfig(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	cam := s.getCameraOrPanic(params)
	update := tracker.PartialConfig{}
	www.ReadJSON(w, r, &update, maxBodyBytes)
	if err := cam.engine.SetConfig(update); err != nil {
		if errors.Is(err, tracker.ErrInvalidConfig) {
			www.PanicBadRequestf("%v", err)
		}
		www.Check(err)
	}
	cfg := cam.engine.Config()
	www.SendJSON(w, cfg.Partial())
}

func (s *Server) httpCameraTracks(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	cam := s.getCameraOrPanic(params)
	if s.trackDB == nil {
		www.Panic(http.StatusNotFound, "The track journal is disabled")
	}
	limit, _ := strconv.Atoi(www.QueryValue(r, "limit"))
	since := time.Time{}
	if v := www.QueryValue(r, "since"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			www.PanicBadRequestf("Invalid 'since' value '%v'. Must be unix milliseconds", v)
		}
		since = time.UnixMilli(ms)
	}
	tracks, err := s.trackDB.ReadTracks(cam.config.ID, since, limit)
	www.Check(err)
	www.SendJSON(w, tracks)
}
