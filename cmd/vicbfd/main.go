// Command vicbfd runs the content-addressed blob server: it opens the
// durable blob map, sizes and populates the VICBF from its key set, and
// serves the TLS protocol loop.
//
// Grounded on the teacher's cmd/benchmark entry point's plain flag-parsed
// main(), scaled up to the handful of settings this server needs, and on
// the `*Config` struct convention the teacher uses for every component it
// wires together (DaemonConfig, IndexerConfig).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/denulproto/vicbfd/internal/cache"
	"github.com/denulproto/vicbfd/internal/lock"
	"github.com/denulproto/vicbfd/internal/logging"
	"github.com/denulproto/vicbfd/internal/protocol"
	"github.com/denulproto/vicbfd/internal/server"
	"github.com/denulproto/vicbfd/internal/sizing"
	"github.com/denulproto/vicbfd/internal/store"
	"github.com/denulproto/vicbfd/internal/vicbf"
)

// Config holds vicbfd's startup configuration, gathered from flags in
// main and passed as one value into run.
type Config struct {
	ListenAddr string
	DBPath     string
	CertFile   string
	KeyFile    string
	LogLevel   string
	VICBFMinM  uint32
}

func main() {
	var (
		listenAddr = flag.String("listen", "0.0.0.0:5566", "address to listen on")
		dbPath     = flag.String("db", "denul.db", "path to the SQLite blob database")
		certFile   = flag.String("cert", "server.crt", "TLS certificate file")
		keyFile    = flag.String("key", "server.key", "TLS private key file")
		logLevel   = flag.String("log-level", "info", "debug|info|warn|error")
		minCounter = flag.Uint("vicbf-min-slots", 10000, "minimum VICBF slot count regardless of blob count")
	)
	flag.Parse()

	cfg := Config{
		ListenAddr: *listenAddr,
		DBPath:     *dbPath,
		CertFile:   *certFile,
		KeyFile:    *keyFile,
		LogLevel:   *logLevel,
		VICBFMinM:  uint32(*minCounter),
	}

	log := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel))

	if err := run(cfg, log); err != nil {
		log.Error("fatal: %v", err)
		os.Exit(1)
	}
}

func run(cfg Config, log *logging.Logger) error {
	fileLock, err := lock.Acquire(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("another instance already holds %s: %w", cfg.DBPath, err)
	}
	defer fileLock.Close()

	blobs, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer blobs.Close()

	log.Info("reading existing keys from %s", cfg.DBPath)
	keys, err := blobs.AllKeys()
	if err != nil {
		return err
	}
	n0 := len(keys)

	m, k, threshUp := vicbf.Sizing(n0)
	if m < cfg.VICBFMinM {
		m = cfg.VICBFMinM
	}
	log.Info("sizing VICBF: n0=%d m=%d k=%d threshUp=%d", n0, m, k, threshUp)

	filter, err := vicbf.New(m, vicbf.Options{K: k})
	if err != nil {
		return err
	}
	for _, key := range keys {
		filter.Insert(key)
	}

	snap, err := sizing.Load(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := snap.Update(n0, m, k, threshUp); err != nil {
		log.Warn("persisting sizing sidecar: %v", err)
	}

	guarded := cache.NewGuarded(filter)
	log.Info("warming serialization cache")
	if _, err := guarded.Image(); err != nil {
		return fmt.Errorf("warming serialization cache: %w", err)
	}

	handler := protocol.New(blobs, guarded, log)
	srv := server.New(server.Config{
		ListenAddr: cfg.ListenAddr,
		CertFile:   cfg.CertFile,
		KeyFile:    cfg.KeyFile,
	}, handler, log)

	return srv.Start()
}
