package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/denulproto/vicbfd/internal/cache"
	"github.com/denulproto/vicbfd/internal/logging"
	"github.com/denulproto/vicbfd/internal/protocol"
	"github.com/denulproto/vicbfd/internal/store"
	"github.com/denulproto/vicbfd/internal/vicbf"
	"github.com/denulproto/vicbfd/internal/wire"
)

// generateSelfSignedCert writes an ephemeral self-signed certificate and
// key into dir, valid for 127.0.0.1, for Start to load.
func generateSelfSignedCert(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "vicbfd-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "server.crt")
	keyPath = filepath.Join(dir, "server.key")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}))
	require.NoError(t, keyOut.Close())

	return certPath, keyPath
}

// newTestServer wires a full Handler and Server over a throwaway blob
// store and starts it listening on addr in the background.
func newTestServer(t *testing.T, addr string) *Server {
	t.Helper()
	dir := t.TempDir()
	certPath, keyPath := generateSelfSignedCert(t, dir)

	blobs, err := store.Open(filepath.Join(dir, "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	filter, err := vicbf.New(10000, vicbf.Options{})
	require.NoError(t, err)

	log := logging.New(os.Stderr, logging.LevelError)
	handler := protocol.New(blobs, cache.NewGuarded(filter), log)

	srv := New(Config{
		ListenAddr: addr,
		CertFile:   certPath,
		KeyFile:    keyPath,
	}, handler, log)

	started := make(chan struct{})
	go func() {
		close(started)
		_ = srv.Start()
	}()
	<-started
	// Give the listener a moment to bind before the first dial.
	time.Sleep(50 * time.Millisecond)

	t.Cleanup(srv.Shutdown)
	return srv
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	var lastErr error
	for i := 0; i < 20; i++ {
		conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
		if err == nil {
			return conn
		}
		lastErr = err
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", addr, lastErr)
	return nil
}

func roundTrip(t *testing.T, conn net.Conn, req wire.Message) wire.Message {
	t.Helper()
	require.NoError(t, wire.WriteFrame(conn, wire.Encode(req)))
	payload, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	reply, err := wire.Decode(payload)
	require.NoError(t, err)
	return reply
}

func TestServerHandshakeOverTLS(t *testing.T) {
	const addr = "127.0.0.1:18566"
	newTestServer(t, addr)

	conn := dial(t, addr)
	defer conn.Close()

	reply := roundTrip(t, conn, wire.Message{
		Tag:         wire.TagClientHello,
		ClientHello: wire.ClientHello{ClientProto: "1.0"},
	})
	require.Equal(t, wire.TagServerHello, reply.Tag)
	require.Equal(t, uint8(wire.ClientHelloOK), reply.ServerHello.Opcode)
}

func TestServerStoreGetOverTLS(t *testing.T) {
	const addr = "127.0.0.1:18567"
	newTestServer(t, addr)

	conn := dial(t, addr)
	defer conn.Close()

	key := "ab000000000000000000000000000000000000000000000000000000000000cd"
	value := []byte("payload carried end to end ove")

	storeReply := roundTrip(t, conn, wire.Message{
		Tag:   wire.TagStore,
		Store: wire.Store{Key: key, Value: value},
	})
	require.Equal(t, uint8(wire.StoreOK), storeReply.StoreReply.Opcode)

	getReply := roundTrip(t, conn, wire.Message{
		Tag: wire.TagGet,
		Get: wire.Get{Key: key},
	})
	require.Equal(t, uint8(wire.GetOK), getReply.GetReply.Opcode)
	require.Equal(t, value, getReply.GetReply.Value)
}

func TestServerMultipleConnectionsShareCoreOrdering(t *testing.T) {
	const addr = "127.0.0.1:18568"
	newTestServer(t, addr)

	key := "cd000000000000000000000000000000000000000000000000000000000000ef"
	value := []byte("seen across connections via the")

	conn1 := dial(t, addr)
	defer conn1.Close()
	storeReply := roundTrip(t, conn1, wire.Message{
		Tag:   wire.TagStore,
		Store: wire.Store{Key: key, Value: value},
	})
	require.Equal(t, uint8(wire.StoreOK), storeReply.StoreReply.Opcode)

	conn2 := dial(t, addr)
	defer conn2.Close()
	getReply := roundTrip(t, conn2, wire.Message{
		Tag: wire.TagGet,
		Get: wire.Get{Key: key},
	})
	require.Equal(t, uint8(wire.GetOK), getReply.GetReply.Opcode)
	require.Equal(t, value, getReply.GetReply.Value)
}

func TestServerShutdownClosesListener(t *testing.T) {
	const addr = "127.0.0.1:18569"
	srv := newTestServer(t, addr)

	conn := dial(t, addr)
	conn.Close()

	srv.Shutdown()

	_, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	require.Error(t, err)
}
