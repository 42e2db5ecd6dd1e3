package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

// Maximum size of a JSON request body
const maxBodyBytes = 4 * 1024 * 1024

func (s *Server) setupHttpRoutes() {
	logEveryRequest := false
	router := httprouter.New()

	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP %v %v", method, r.URL.Path)
			}
			handle(w, r, params)
		})
	}

	// We create a unique rate limiter for each endpoint, so we don't need httprate.KeyByEndpoint
	ratelimited := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/cameras", s.httpListCameras)
	ratelimited("POST", "/api/camera/:cameraID/authoritative", s.httpPostAuthoritative, s.Config.AuthoritativeRateLimit, time.Second)
	handle("GET", "/api/camera/:cameraID/stats", s.httpCameraStats)
	handle("GET", "/api/camera/:cameraID/config", s.httpGetCameraConfig)
	handle("PATCH", "/api/camera/:cameraID/config", s.httpPatchCameraConfig)
	handle("GET", "/api/camera/:cameraID/tracks", s.httpCameraTracks)
	handle("GET", "/api/ws/camera/:cameraID/detections", s.httpWSDetections)
	handle("GET", "/api/ws/camera/:cameraID/authoritative", s.httpWSAuthoritative)
	router.Handler("GET", "/metrics", s.metrics.Handler())

	s.httpRouter = router
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendOK(w)
}
