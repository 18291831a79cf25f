// Command bitforge is a minimal CLI shell around the session package: it
// loads a config file, adds the metainfo files given on the command
// line, and runs until interrupted.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	bitforge "github.com/bitforge/torrent"
	"github.com/bitforge/torrent/session"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := bitforge.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("bitforge: load config: %v", err)
	}

	s, err := session.New(session.Config{
		DownloadDirectory:      cfg.DownloadDirectory,
		Database:               cfg.Database,
		BaseListenPort:         cfg.BaseListenPort,
		MaxConcurrentDownloads: cfg.MaxConcurrentDownloads,
		MaxConcurrentUploads:   cfg.MaxConcurrentUploads,
		AnnounceInterval:       cfg.AnnounceInterval(),
		TrackerTimeout:         cfg.TrackerTimeout(),
		MaxPortProbeAttempts:   cfg.MaxPortProbeAttempts,
	})
	if err != nil {
		log.Fatalf("bitforge: start session: %v", err)
	}

	for _, path := range flag.Args() {
		id, err := s.AddTorrentFile(path)
		if err != nil {
			log.Printf("bitforge: add %s: %v", path, err)
			continue
		}
		fmt.Printf("added %s as %s\n", path, id)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	if err := s.Close(); err != nil {
		log.Fatalf("bitforge: close session: %v", err)
	}
}
