// Command vicbf-rebuild is the operator-driven counterpart to vicbfd's
// boot-time sizing: read every key out of a blob database, size a fresh
// VICBF for the current key count (or a larger operator-supplied floor),
// and write its serialized image to a file for inspection or for seeding
// a resized deployment. It opens the database through store.Open, the
// same read-write open the server uses (which creates the schema if it is
// missing), reads the keys without modifying the blob map, and rewrites
// the sizing sidecar next to the database. It takes no boot lock.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/denulproto/vicbfd/internal/logging"
	"github.com/denulproto/vicbfd/internal/rebuild"
	"github.com/denulproto/vicbfd/internal/sizing"
	"github.com/denulproto/vicbfd/internal/store"
)

func main() {
	var (
		dbPath     = flag.String("db", "denul.db", "path to the SQLite blob database")
		outPath    = flag.String("out", "vicbf.image", "path to write the serialized VICBF image to")
		minCounter = flag.Uint("vicbf-min-slots", 10000, "minimum VICBF slot count regardless of blob count")
		logLevel   = flag.String("log-level", "info", "debug|info|warn|error")
	)
	flag.Parse()

	log := logging.New(os.Stderr, logging.ParseLevel(*logLevel))

	if err := run(*dbPath, *outPath, uint32(*minCounter), log); err != nil {
		log.Error("fatal: %v", err)
		os.Exit(1)
	}
}

func run(dbPath, outPath string, minSlots uint32, log *logging.Logger) error {
	blobs, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer blobs.Close()

	log.Info("scanning %s for keys", dbPath)
	res, err := rebuild.Run(blobs, os.TempDir(), minSlots)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	log.Info("rebuilt VICBF: n0=%d m=%d k=%d threshUp=%d", res.N0, res.M, res.K, res.ThreshUp)

	if err := os.WriteFile(outPath, res.Image, 0644); err != nil {
		return fmt.Errorf("writing image to %s: %w", outPath, err)
	}
	log.Info("wrote image to %s (%d bytes)", outPath, len(res.Image))

	snap, err := sizing.Load(dbPath)
	if err != nil {
		return fmt.Errorf("loading sizing sidecar: %w", err)
	}
	if err := snap.Update(res.N0, res.M, res.K, res.ThreshUp); err != nil {
		log.Warn("persisting sizing sidecar: %v", err)
	}

	return nil
}
