// Package rebuild implements the operator-driven VICBF resize the core
// intentionally never performs automatically (§9's open question): reread
// every key from the blob map, size a fresh filter for the current n0,
// and return its serialized image. vicbfd does not load such an image:
// at boot it sizes and populates its filter from its own key scan.
//
// The keys are read from the source as one slice, spilled to
// lz4-compressed chunk files, and inserted into the new filter by
// streaming the chunks back — the chunk-file staging the teacher's Sorter
// uses for its chunked merge, narrowed here to chunk-and-reload (no merge
// is needed: VICBF insertion order does not matter). The full key slice
// stays in memory for the whole run, so the spill does not lower peak
// memory use.
package rebuild

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"

	"github.com/denulproto/vicbfd/internal/keyid"
	"github.com/denulproto/vicbfd/internal/vicbf"
)

// chunkSize bounds how many keys are buffered in memory before being
// spilled to a compressed chunk file.
const chunkSize = 100_000

// Result summarizes a completed rebuild.
type Result struct {
	N0       int
	M        uint32
	K        uint8
	ThreshUp int
	Image    []byte
}

// KeySource yields every key currently in the blob map, in whatever order
// the store prefers. It exists so the rebuild tool does not need to import
// internal/store directly, keeping it usable against any blob map
// implementation that can enumerate its keys.
type KeySource interface {
	AllKeys() ([][]byte, error)
}

// Run spills ks's keys into lz4-compressed chunk files under tempDir,
// reloads them into a freshly sized VICBF, and returns its serialized
// image. minSlots floors the slot count the same way the live server's
// boot sizing does.
func Run(ks KeySource, tempDir string, minSlots uint32) (Result, error) {
	keys, err := ks.AllKeys()
	if err != nil {
		return Result{}, fmt.Errorf("rebuild: read keys: %w", err)
	}

	chunkFiles, err := spillChunks(keys, tempDir)
	defer cleanup(chunkFiles)
	if err != nil {
		return Result{}, err
	}

	n0 := len(keys)
	m, k, threshUp := vicbf.Sizing(n0)
	if m < minSlots {
		m = minSlots
	}

	filter, err := vicbf.New(m, vicbf.Options{K: k})
	if err != nil {
		return Result{}, err
	}

	for _, path := range chunkFiles {
		if err := reloadChunk(path, filter); err != nil {
			return Result{}, err
		}
	}

	return Result{N0: n0, M: m, K: k, ThreshUp: threshUp, Image: filter.Serialize()}, nil
}

func spillChunks(keys [][]byte, tempDir string) ([]string, error) {
	var chunkFiles []string
	for start := 0; start < len(keys); start += chunkSize {
		end := start + chunkSize
		if end > len(keys) {
			end = len(keys)
		}
		path := filepath.Join(tempDir, fmt.Sprintf("vicbf-rebuild-chunk-%d.lz4", start/chunkSize))
		if err := writeChunk(path, keys[start:end]); err != nil {
			return chunkFiles, err
		}
		chunkFiles = append(chunkFiles, path)
	}
	return chunkFiles, nil
}

func writeChunk(path string, keys [][]byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rebuild: create chunk %s: %w", path, err)
	}
	defer f.Close()

	lzw := lz4.NewWriter(f)
	bw := bufio.NewWriterSize(lzw, 256*1024)

	for _, key := range keys {
		if len(key) != keyid.Size {
			return fmt.Errorf("rebuild: unexpected key length %d", len(key))
		}
		if _, err := bw.Write(key); err != nil {
			return fmt.Errorf("rebuild: write chunk %s: %w", path, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("rebuild: flush chunk %s: %w", path, err)
	}
	return lzw.Close()
}

func reloadChunk(path string, filter *vicbf.Filter) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("rebuild: open chunk %s: %w", path, err)
	}
	defer f.Close()

	lzr := lz4.NewReader(f)
	br := bufio.NewReaderSize(lzr, 64*1024)

	key := make([]byte, keyid.Size)
	for {
		_, err := io.ReadFull(br, key)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("rebuild: read chunk %s: %w", path, err)
		}
		filter.Insert(key)
	}
}

func cleanup(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
