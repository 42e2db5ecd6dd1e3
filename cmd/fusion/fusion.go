package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/fusion/server"
	"github.com/cyclopcam/fusion/server/config"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("fusion", "Fuse fast local object detections with authoritative remote detections")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file", Default: "fusion.json"})
	listen := parser.String("l", "listen", &argparse.Options{Help: "HTTP listen address (overrides config file)", Default: ""})
	trackDB := parser.String("", "trackdb", &argparse.Options{Help: "Directory of the track journal (overrides config file)", Default: ""})
	verbose := parser.Flag("v", "verbose", &argparse.Options{Help: "Log every new and evicted track", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *trackDB != "" {
		cfg.TrackDBPath = *trackDB
	}
	if *verbose {
		on := true
		for i := range cfg.Cameras {
			cfg.Cameras[i].Tracker.Verbose = &on
		}
	}

	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	exitCode := 0
	err = srv.ListenHTTP()
	if !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("ListenHTTP returned: %v", err)
		exitCode = 1
		srv.Shutdown()
	}
	<-srv.ShutdownComplete
	logger.Close()
	os.Exit(exitCode)
}
