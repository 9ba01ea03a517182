// Command vicbf-loadtest is a protocol-level smoke and throughput tool: it
// dials a running vicbfd, performs the handshake, then stores, fetches,
// and deletes a batch of synthetic blobs end to end, reporting elapsed
// time and throughput.
//
// Grounded on the teacher's cmd/benchmark tool's shape — generate
// synthetic workload, time a run, print a throughput line — adapted from
// generating a CSV file for the indexer to generating blobs for the wire
// protocol.
package main

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"flag"
	"fmt"
	mrand "math/rand/v2"
	"net"
	"os"
	"time"

	"github.com/denulproto/vicbfd/internal/keyid"
	"github.com/denulproto/vicbfd/internal/wire"
)

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:5566", "server address")
		count    = flag.Int("n", 1000, "number of blobs to store/fetch/delete")
		blobSize = flag.Int("blob-size", 256, "size in bytes of each synthetic blob")
		insecure = flag.Bool("insecure-skip-verify", true, "skip TLS certificate verification (self-signed test certs)")
	)
	flag.Parse()

	if err := run(*addr, *count, *blobSize, *insecure); err != nil {
		fmt.Fprintf(os.Stderr, "vicbf-loadtest: %v\n", err)
		os.Exit(1)
	}
}

func run(addr string, count, blobSize int, insecureSkipVerify bool) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: insecureSkipVerify})
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if err := handshake(conn); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	fmt.Printf("generating %d synthetic blobs of %d bytes\n", count, blobSize)
	blobs := make([][]byte, count)
	for i := range blobs {
		b := make([]byte, blobSize)
		if _, err := rand.Read(b); err != nil {
			return err
		}
		blobs[i] = b
	}

	start := time.Now()
	keys, auths, err := storeAll(conn, blobs)
	if err != nil {
		return fmt.Errorf("store phase: %w", err)
	}
	storeElapsed := time.Since(start)

	start = time.Now()
	if err := getAll(conn, keys, blobs); err != nil {
		return fmt.Errorf("get phase: %w", err)
	}
	getElapsed := time.Since(start)

	start = time.Now()
	if err := deleteAll(conn, keys, auths); err != nil {
		return fmt.Errorf("delete phase: %w", err)
	}
	deleteElapsed := time.Since(start)

	totalBytes := float64(count*blobSize) / (1024 * 1024)
	fmt.Println("--------------------------------------------------")
	fmt.Printf("store:  %v (%.2f MB/s)\n", storeElapsed, totalBytes/storeElapsed.Seconds())
	fmt.Printf("get:    %v (%.2f MB/s)\n", getElapsed, totalBytes/getElapsed.Seconds())
	fmt.Printf("delete: %v (%.2f ops/s)\n", deleteElapsed, float64(count)/deleteElapsed.Seconds())
	fmt.Println("--------------------------------------------------")
	return nil
}

func handshake(conn net.Conn) error {
	if err := wire.WriteFrame(conn, wire.Encode(wire.Message{
		Tag:         wire.TagClientHello,
		ClientHello: wire.ClientHello{ClientProto: "1.0"},
	})); err != nil {
		return err
	}
	payload, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	reply, err := wire.Decode(payload)
	if err != nil {
		return err
	}
	if reply.Tag != wire.TagServerHello {
		return fmt.Errorf("unexpected reply tag %d", reply.Tag)
	}
	if reply.ServerHello.Opcode != wire.ClientHelloOK {
		return fmt.Errorf("server rejected client proto, opcode=%d", reply.ServerHello.Opcode)
	}
	return nil
}

// deriveKeyAndAuth picks a random preimage n, and derives auth = sha256(n)
// and key = hex(sha256(auth)), matching the double-hash authenticator
// scheme: presenting auth later proves knowledge of n without the server
// ever having seen n itself.
func deriveKeyAndAuth() (key string, auth []byte) {
	n := make([]byte, 32)
	_, _ = rand.Read(n)
	sum := sha256.Sum256(n)
	auth = sum[:]
	keySum := sha256.Sum256(auth)
	return keyid.Encode(keySum[:]), auth
}

func storeAll(conn net.Conn, blobs [][]byte) (keys []string, auths [][]byte, err error) {
	keys = make([]string, len(blobs))
	auths = make([][]byte, len(blobs))
	for i, blob := range blobs {
		key, auth := deriveKeyAndAuth()
		keys[i], auths[i] = key, auth

		if err := wire.WriteFrame(conn, wire.Encode(wire.Message{
			Tag:   wire.TagStore,
			Store: wire.Store{Key: key, Value: blob},
		})); err != nil {
			return nil, nil, err
		}
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return nil, nil, err
		}
		reply, err := wire.Decode(payload)
		if err != nil {
			return nil, nil, err
		}
		if reply.Tag != wire.TagStoreReply || reply.StoreReply.Opcode != wire.StoreOK {
			return nil, nil, fmt.Errorf("store %s failed, opcode=%d", key, reply.StoreReply.Opcode)
		}
	}
	return keys, auths, nil
}

func getAll(conn net.Conn, keys []string, blobs [][]byte) error {
	// Fetch in a randomized order so the run exercises cache and disk
	// access patterns beyond straight sequential replay.
	order := mrand.Perm(len(keys))
	for _, i := range order {
		key := keys[i]
		if err := wire.WriteFrame(conn, wire.Encode(wire.Message{
			Tag: wire.TagGet,
			Get: wire.Get{Key: key},
		})); err != nil {
			return err
		}
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return err
		}
		reply, err := wire.Decode(payload)
		if err != nil {
			return err
		}
		if reply.Tag != wire.TagGetReply || reply.GetReply.Opcode != wire.GetOK {
			return fmt.Errorf("get %s failed, opcode=%d", key, reply.GetReply.Opcode)
		}
		if string(reply.GetReply.Value) != string(blobs[i]) {
			return fmt.Errorf("get %s returned mismatched value", key)
		}
	}
	return nil
}

func deleteAll(conn net.Conn, keys []string, auths [][]byte) error {
	for i, key := range keys {
		if err := wire.WriteFrame(conn, wire.Encode(wire.Message{
			Tag:    wire.TagDelete,
			Delete: wire.Delete{Key: key, Auth: auths[i]},
		})); err != nil {
			return err
		}
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return err
		}
		reply, err := wire.Decode(payload)
		if err != nil {
			return err
		}
		if reply.Tag != wire.TagDeleteReply || reply.DeleteReply.Opcode != wire.DeleteOK {
			return fmt.Errorf("delete %s failed, opcode=%d", key, reply.DeleteReply.Opcode)
		}
	}
	return nil
}
