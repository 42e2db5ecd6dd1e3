package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/cyclopcam/fusion/pkg/nn"
	"github.com/cyclopcam/fusion/pkg/replay"
	"github.com/cyclopcam/fusion/server/config"
	"github.com/cyclopcam/fusion/server/metrics"
	"github.com/cyclopcam/fusion/server/trackdb"
	"github.com/cyclopcam/fusion/server/tracker"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// How often evicted tracks are flushed to the journal
const trackDBFlushInterval = 5 * time.Second

type Server struct {
	Log              logs.Log
	Config           *config.Config
	ShutdownComplete chan bool // Closed when Shutdown() has finished

	signalIn     chan os.Signal
	shutdown     chan bool // Closed when Shutdown() starts, so that long-lived websockets can exit
	shutdownOnce sync.Once
	httpServer   *http.Server
	httpRouter   *httprouter.Router
	wsUpgrader   websocket.Upgrader
	trackDB      *trackdb.TrackDB // nil if the journal is disabled
	metrics      *metrics.Metrics

	retentionStop    chan bool
	retentionStopped chan bool

	camerasLock sync.RWMutex
	cameras     map[int64]*liveCamera
}

type liveCamera struct {
	config config.Camera
	engine *tracker.Engine
}

// Frame source for cameras with no local detector. The tracker still needs ticks, so that
// authoritative tracks are dead-reckoned between batches.
type tickSource struct {
	cameraID int64
	seq      int64 // Only touched by the engine's frame loop
}

func (t *tickSource) NextFrame() *nn.Frame {
	t.seq++
	return &nn.Frame{CameraID: t.cameraID, Seq: t.seq, PTS: time.Now()}
}

// NewServer opens the track journal, and starts a tracker for every configured camera
func NewServer(logger logs.Log, cfg *config.Config) (*Server, error) {
	s := &Server{
		Log:              logger,
		Config:           cfg,
		ShutdownComplete: make(chan bool),
		shutdown:         make(chan bool),
		cameras:          map[int64]*liveCamera{},
	}

	if cfg.TrackDBPath != "" {
		db, err := trackdb.Open(logger, cfg.TrackDBPath, trackDBFlushInterval)
		if err != nil {
			return nil, err
		}
		s.trackDB = db
		if cfg.TrackRetention() > 0 {
			s.retentionStop = make(chan bool)
			s.retentionStopped = make(chan bool)
			go s.retentionThread()
		}
	}

	for _, cam := range cfg.Cameras {
		if err := s.startCamera(cam); err != nil {
			s.closeCameras()
			s.closeTrackDB()
			return nil, err
		}
	}

	s.metrics = metrics.New(s.Engines)
	s.setupHttpRoutes()
	return s, nil
}

func (s *Server) startCamera(cam config.Camera) error {
	trackerConfig, err := cam.TrackerConfig()
	if err != nil {
		return err
	}

	var detector nn.ObjectDetector
	var source nn.FrameSource
	if cam.ReplayFile != "" {
		rec, err := replay.Load(cam.ReplayFile)
		if err != nil {
			return fmt.Errorf("Camera %v: %w", cam.ID, err)
		}
		player := replay.NewPlayer(rec, cam.ID, cam.ReplayLoop)
		detector = player
		source = player
		s.Log.Infof("Camera %v (%v): Replaying %v frames from %v", cam.ID, cam.Name, len(rec.Records), cam.ReplayFile)
	} else {
		source = &tickSource{cameraID: cam.ID}
		s.Log.Infof("Camera %v (%v): No local detector. Only authoritative and predicted objects will be emitted", cam.ID, cam.Name)
	}

	// Avoid handing the engine a non-nil interface that wraps a nil *TrackDB
	var journal tracker.TrackJournal
	if s.trackDB != nil {
		journal = s.trackDB
	}

	engine, err := tracker.NewEngine(s.Log, cam.ID, detector, trackerConfig, journal)
	if err != nil {
		return fmt.Errorf("Camera %v: %w", cam.ID, err)
	}
	engine.Run(source, cam.FrameInterval())

	s.camerasLock.Lock()
	s.cameras[cam.ID] = &liveCamera{
		config: cam,
		engine: engine,
	}
	s.camerasLock.Unlock()
	return nil
}

// Engine returns the tracker of the given camera, or nil
func (s *Server) Engine(cameraID int64) *tracker.Engine {
	s.camerasLock.RLock()
	defer s.camerasLock.RUnlock()
	if c := s.cameras[cameraID]; c != nil {
		return c.engine
	}
	return nil
}

// Engines returns all trackers, ordered by camera ID
func (s *Server) Engines() []*tracker.Engine {
	s.camerasLock.RLock()
	all := make([]*tracker.Engine, 0, len(s.cameras))
	for _, c := range s.cameras {
		all = append(all, c.engine)
	}
	s.camerasLock.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		return all[i].CameraID < all[j].CameraID
	})
	return all
}

func (s *Server) retentionThread() {
	keepRunning := true
	for keepRunning {
		select {
		case <-s.retentionStop:
			keepRunning = false
		case <-time.After(time.Hour):
			if _, err := s.trackDB.DeleteOldTracks(time.Now().Add(-s.Config.TrackRetention())); err != nil {
				s.Log.Errorf("Failed to delete old tracks: %v", err)
			}
		}
	}
	close(s.retentionStopped)
}

// ListenHTTP blocks until the HTTP server is shut down
func (s *Server) ListenHTTP() error {
	s.Log.Infof("Listening on %v", s.Config.Listen)
	s.httpServer = &http.Server{
		Addr:    s.Config.Listen,
		Handler: s.httpRouter,
	}
	return s.httpServer.ListenAndServe()
}

// Handler returns the HTTP router, without a listener
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// Shutdown() was called by something other than ourselves, and it closed signalIn
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.doShutdown)
}

func (s *Server) doShutdown() {
	s.Log.Infof("Shutdown")
	close(s.shutdown)
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
	}
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP server shutdown error: %v", err)
		}
		cancel()
	}
	s.closeCameras()
	s.closeTrackDB()
	s.Log.Infof("Shutdown complete")
	close(s.ShutdownComplete)
}

func (s *Server) closeCameras() {
	s.camerasLock.Lock()
	cameras := s.cameras
	s.cameras = map[int64]*liveCamera{}
	s.camerasLock.Unlock()
	for _, c := range cameras {
		c.engine.Close()
	}
}

func (s *Server) closeTrackDB() {
	if s.retentionStop != nil {
		close(s.retentionStop)
		<-s.retentionStopped
		s.retentionStop = nil
	}
	if s.trackDB != nil {
		s.trackDB.Close()
		s.trackDB = nil
	}
}
