// Package server implements the connection loop described in §4.6/§5:
// accept TLS connections, read one message at a time per connection, and
// serialize every request that touches the blob map or VICBF through a
// single core goroutine so the two stay consistent without per-request
// locking.
//
// Grounded on the teacher's UDSDaemon: a net.Listener accept loop, a
// bounded worker semaphore, per-connection idle read/write deadlines, and
// signal-driven graceful shutdown — adapted here from a Unix-socket JSON
// daemon to a TLS/TCP length-prefixed binary protocol.
package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/denulproto/vicbfd/internal/logging"
	"github.com/denulproto/vicbfd/internal/protocol"
	"github.com/denulproto/vicbfd/internal/wire"
)

// Config holds the server's runtime configuration.
type Config struct {
	ListenAddr     string
	CertFile       string
	KeyFile        string
	MaxConcurrency int
	IdleTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 256
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	return c
}

// job is one request submitted to the core goroutine: the parsed message
// and a channel the submitting connection goroutine waits on for the
// reply.
type job struct {
	req   wire.Message
	reply chan jobResult
}

type jobResult struct {
	msg wire.Message
	ok  bool
}

// Server owns the listener, the protocol handler, and the core goroutine
// that gives the handler its totally-ordered view of requests.
type Server struct {
	cfg      Config
	listener net.Listener
	handler  *protocol.Handler
	log      *logging.Logger

	jobs       chan job
	sem        chan struct{}
	shutdown   chan struct{}
	shutdownOn sync.Once
	wg         sync.WaitGroup
}

// New constructs a Server. Start must be called to begin accepting
// connections.
func New(cfg Config, handler *protocol.Handler, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	cfg = cfg.withDefaults()
	return &Server{
		cfg:      cfg,
		handler:  handler,
		log:      log,
		jobs:     make(chan job),
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		shutdown: make(chan struct{}),
	}
}

// Start loads the TLS certificate, binds the listener, launches the core
// goroutine, and accepts connections until Shutdown is called. It blocks
// until the listener stops.
func (s *Server) Start() error {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("server: load certificate: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: aeadCipherSuites(),
	}

	ln, err := tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln

	go s.runCore()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		s.log.Info("signal received, shutting down")
		s.Shutdown()
	}()

	s.log.Info("listening on %s", s.cfg.ListenAddr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				s.log.Error("accept: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Shutdown closes the listener and waits for in-flight connections to
// drain. Safe to call more than once, and from both a signal handler and
// a caller of Start concurrently.
func (s *Server) Shutdown() {
	s.shutdownOn.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
	s.wg.Wait()
}

// runCore is the single serializing goroutine: it drains jobs one at a
// time, handing each to the protocol handler to completion before
// accepting the next. A handler panic (filter corruption, per §7) is
// fatal: it is logged and the process exits, since §7 says the process
// "should be considered untrusted until restarted."
func (s *Server) runCore() {
	for {
		select {
		case <-s.shutdown:
			return
		case j := <-s.jobs:
			j.reply <- s.runOneJob(j.req)
		}
	}
}

func (s *Server) runOneJob(req wire.Message) (result jobResult) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("fatal protocol invariant violation, exiting: %v", r)
			panic(r) // re-panic: crash the process, the operator's supervisor restarts it.
		}
	}()
	msg, ok := s.handler.Handle(req)
	return jobResult{msg: msg, ok: ok}
}

// submit hands req to the core goroutine and waits for its reply.
func (s *Server) submit(req wire.Message) (wire.Message, bool) {
	reply := make(chan jobResult, 1)
	s.jobs <- job{req: req, reply: reply}
	r := <-reply
	return r.msg, r.ok
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-s.shutdown:
		return
	}

	log := s.log.With("remote", conn.RemoteAddr().String())
	log.Info("connected")
	defer log.Info("disconnected")

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			log.Debug("read frame: %v", err)
			return
		}

		msg, err := wire.Decode(payload)
		if err != nil {
			log.Warn("decode: %v", err)
			return
		}

		reply, ok := s.submit(msg)
		if !ok {
			// The handler declined the message: no reply, the connection
			// stays open and awaits the next message. A payload with an
			// unknown tag never gets here; Decode rejects it above and
			// the connection is dropped.
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
		if err := wire.WriteFrame(conn, wire.Encode(reply)); err != nil {
			log.Debug("write frame: %v", err)
			return
		}
	}
}

// aeadCipherSuites enforces the TLS posture design note: TLS 1.2+,
// AEAD-only cipher suites, ruling out the legacy implementation's
// unrestricted SSLv3/RC4-permitting socket wrap.
func aeadCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	}
}
