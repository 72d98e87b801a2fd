// Package server runs the orchestrator daemon: a unix-socket
// listener speaking the newline-delimited client protocol, guarded by
// a single-instance lock, logging to a rotating file.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/untoldecay/CodeLoom/internal/agent"
	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/lockfile"
	"github.com/untoldecay/CodeLoom/internal/protocol"
	"github.com/untoldecay/CodeLoom/internal/router"
)

// Version is the daemon version, stamped by the build.
var Version = "0.1.0"

const socketName = "loomd.sock"

// SocketPath returns the daemon socket path for a state directory.
func SocketPath(stateDir string) string {
	return filepath.Join(stateDir, socketName)
}

// Config configures a daemon.
type Config struct {
	StateDir       string
	MaxConns       int
	RequestTimeout time.Duration
	LogMaxSizeMB   int
	LogMaxBackups  int
}

// Server is the daemon listener for one project.
type Server struct {
	cfg    Config
	agent  *agent.Orchestrator
	router *router.Router

	lock     *flock.Flock
	listener net.Listener
	logger   *log.Logger
	logSink  *lumberjack.Logger

	startTime   time.Time
	activeConns int32
	connSem     chan struct{}

	readyChan    chan struct{}
	shutdownChan chan struct{}
	stopOnce     sync.Once
}

// New creates a daemon server over an orchestrator.
func New(cfg Config, o *agent.Orchestrator) *Server {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 100
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.LogMaxSizeMB <= 0 {
		cfg.LogMaxSizeMB = 10
	}
	return &Server{
		cfg:          cfg,
		agent:        o,
		router:       router.New(o),
		startTime:    time.Now(),
		connSem:      make(chan struct{}, cfg.MaxConns),
		readyChan:    make(chan struct{}),
		shutdownChan: make(chan struct{}),
	}
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} { return s.readyChan }

// Uptime reports how long the daemon has been running.
func (s *Server) Uptime() time.Duration { return time.Since(s.startTime) }

// Start acquires the daemon lock, opens the socket, and serves until
// the context is cancelled. It blocks.
func (s *Server) Start(ctx context.Context) error {
	lock, err := lockfile.AcquireDaemonLock(s.cfg.StateDir)
	if err != nil {
		return err
	}
	s.lock = lock

	s.logSink = &lumberjack.Logger{
		Filename:   filepath.Join(s.cfg.StateDir, "loomd.log"),
		MaxSize:    s.cfg.LogMaxSizeMB,
		MaxBackups: s.cfg.LogMaxBackups,
	}
	s.logger = log.New(s.logSink, "", log.LstdFlags)

	socketPath := SocketPath(s.cfg.StateDir)
	// A previous daemon that crashed leaves a stale socket behind;
	// holding the lock proves nobody is serving it.
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		s.release()
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	s.listener = listener
	s.logger.Printf("daemon listening on %s (version %s)", socketPath, Version)
	close(s.readyChan)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdownChan:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Printf("accept failed: %v", err)
			continue
		}

		select {
		case s.connSem <- struct{}{}:
		default:
			s.logger.Printf("connection limit reached, rejecting client")
			_ = conn.Close()
			continue
		}
		go s.handleConn(conn)
	}
}

// Stop shuts the daemon down: listener closed, socket removed, lock
// released.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.shutdownChan)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		_ = os.Remove(SocketPath(s.cfg.StateDir))
		s.release()
		if s.logger != nil {
			s.logger.Printf("daemon stopped")
		}
		if s.logSink != nil {
			_ = s.logSink.Close()
		}
	})
}

func (s *Server) release() {
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		<-s.connSem
	}()
	atomic.AddInt32(&s.activeConns, 1)
	defer atomic.AddInt32(&s.activeConns, -1)

	clientID := uuid.NewString()
	bcast := s.agent.Broadcaster()
	remove := bcast.AddClient(clientID, conn)
	defer remove()

	s.logger.Printf("client %s connected", clientID)
	s.agent.OnClientConnect(clientID, Version)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Control-plane requests are answered inline; everything else
		// goes through the router.
		if s.handleControl(clientID, line) {
			continue
		}
		lineCopy := make([]byte, len(line))
		copy(lineCopy, line)
		s.router.HandleLine(clientID, lineCopy)
	}
	if err := scanner.Err(); err != nil {
		debug.Logf("client %s read error: %v", clientID, err)
	}
	s.logger.Printf("client %s disconnected", clientID)
}

// handleControl answers status probes without routing.
func (s *Server) handleControl(clientID string, line []byte) bool {
	msg, err := protocol.DecodeClientMessage(line)
	if err != nil || msg.Type != "status" {
		return false
	}
	state := s.agent.State()
	payload := protocol.StatusPayload{
		Version:       Version,
		UptimeSeconds: s.Uptime().Seconds(),
		ActiveClients: s.agent.Broadcaster().ClientCount(),
		SocketPath:    SocketPath(s.cfg.StateDir),
		StartedAt:     s.startTime,
		Generating:    s.agent.IsCodeGenerating(),
	}
	if state != nil {
		payload.ProjectID = state.ID
		payload.ProjectName = state.ProjectName
		payload.DevState = state.CurrentDevState
		payload.PhasesCounter = state.PhasesCounter
	}
	s.agent.Broadcaster().SendTo(clientID, protocol.NewEvent("status", payload))
	return true
}
