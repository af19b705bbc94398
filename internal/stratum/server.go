package stratum

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Karpatsky/TidePool/internal/metrics"
	"github.com/Karpatsky/TidePool/internal/work"

	"github.com/remeh/sizedwaitgroup"
	"go.uber.org/zap"
)

const (
	// connReadTimeout is how long to wait for data from a miner before
	// considering the connection dead. Reset after each successful read.
	connReadTimeout = 5 * time.Minute

	// tcpKeepAliveInterval is the TCP keepalive probe interval.
	tcpKeepAliveInterval = 30 * time.Second
)

// ErrNoJob is returned by LastBroadcast before the first job is broadcast.
var ErrNoJob = errors.New("no job broadcast yet")

// Options configures a Server.
type Options struct {
	StartDifficulty float64
	MinDifficulty   float64
	MaxDifficulty   float64
	MaxSessions     int
	// NotifyWorkers bounds concurrent mining.notify writes during a broadcast.
	NotifyWorkers int
}

// Server is a Stratum v1 mining server.
type Server struct {
	listener net.Listener
	logger   *zap.Logger
	opts     Options

	sessions   map[string]*Session
	sessionsMu sync.RWMutex

	submitCh chan *ShareSubmission
	diffCh   chan *DifficultyRequest

	// Extranonce allocation
	extranonceCounter atomic.Uint64
	extranonce2Size   int

	// Current job
	currentJob   *work.Job
	currentJobMu sync.RWMutex

	httpHandler http.Handler

	cancel context.CancelFunc
}

// NewServer creates a new Stratum server.
func NewServer(opts Options, logger *zap.Logger) *Server {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 1000
	}
	if opts.NotifyWorkers <= 0 {
		opts.NotifyWorkers = runtime.NumCPU()
	}
	return &Server{
		logger:          logger,
		opts:            opts,
		sessions:        make(map[string]*Session),
		submitCh:        make(chan *ShareSubmission, 256),
		diffCh:          make(chan *DifficultyRequest, 64),
		extranonce2Size: 4,
	}
}

// Start begins listening on the given address.
func (s *Server) Start(addr string) error {
	var err error
	s.listener, err = net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.logger.Info("stratum server listening", zap.String("addr", s.listener.Addr().String()))

	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the server.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	s.sessionsMu.Lock()
	for _, session := range s.sessions {
		session.Close()
	}
	s.sessions = make(map[string]*Session)
	s.sessionsMu.Unlock()
	metrics.Sessions.Set(0)

	return nil
}

// SubmitChannel returns the channel of share submissions.
func (s *Server) SubmitChannel() <-chan *ShareSubmission {
	return s.submitCh
}

// DifficultyChannel returns suggest_difficulty requests from authorized miners.
func (s *Server) DifficultyChannel() <-chan *DifficultyRequest {
	return s.diffCh
}

// LastBroadcast returns the most recently broadcast job.
func (s *Server) LastBroadcast() (*work.Job, error) {
	s.currentJobMu.RLock()
	defer s.currentJobMu.RUnlock()
	if s.currentJob == nil {
		return nil, ErrNoJob
	}
	return s.currentJob, nil
}

// BroadcastJob sends a new job to all authorized miners.
func (s *Server) BroadcastJob(job *work.Job) {
	s.currentJobMu.Lock()
	s.currentJob = job
	s.currentJobMu.Unlock()

	s.sessionsMu.RLock()
	targets := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if session.Authorized() {
			targets = append(targets, session)
		}
	}
	s.sessionsMu.RUnlock()

	swg := sizedwaitgroup.New(s.opts.NotifyWorkers)
	for _, session := range targets {
		swg.Add()
		go func(sess *Session) {
			defer swg.Done()
			if err := sess.NotifyJob(job); err != nil {
				s.logger.Warn("failed to notify miner", zap.String("session", sess.ID), zap.Error(err))
			}
		}(session)
	}
	swg.Wait()

	s.logger.Debug("broadcast job", zap.Stringer("job", job), zap.Int("miners", len(targets)))
}

// SessionCount returns the number of active sessions.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// SessionInfo holds a snapshot of per-session info.
type SessionInfo struct {
	SessionID   string    `json:"session_id"`
	WorkerName  string    `json:"worker"`
	Difficulty  float64   `json:"difficulty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// MinerStats returns a snapshot of all authorized sessions.
func (s *Server) MinerStats() []SessionInfo {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	var out []SessionInfo
	for _, sess := range s.sessions {
		sess.mu.Lock()
		if sess.State == StateAuthorized {
			out = append(out, SessionInfo{
				SessionID:   sess.ID,
				WorkerName:  sess.WorkerName,
				Difficulty:  sess.difficulty,
				ConnectedAt: sess.ConnectedAt,
			})
		}
		sess.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// SetHTTPHandler sets an HTTP handler for non-stratum connections.
// HTTP requests are detected by peeking the first byte of each connection.
func (s *Server) SetHTTPHandler(h http.Handler) {
	s.httpHandler = h
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Error("accept error", zap.Error(err))
				continue
			}
		}

		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	// Peek the first byte to determine the protocol.
	// Stratum (JSON-RPC) always starts with '{'.
	// HTTP requests start with a letter (G for GET, P for POST, etc.).
	buf := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{}) // clear deadline

	if buf[0] != '{' && s.httpHandler != nil {
		s.serveHTTP(conn, buf[0])
		return
	}

	// Stratum: wrap conn so the peeked byte is read first
	prefixed := &prefixConn{Conn: conn, prefix: buf}

	// Check session capacity
	s.sessionsMu.RLock()
	atCapacity := len(s.sessions) >= s.opts.MaxSessions
	s.sessionsMu.RUnlock()
	if atCapacity {
		s.logger.Warn("stratum session limit reached, rejecting connection",
			zap.String("remote", conn.RemoteAddr().String()),
			zap.Int("max_sessions", s.opts.MaxSessions),
		)
		conn.Close()
		return
	}

	// Enable TCP keepalive to detect dead connections
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(tcpKeepAliveInterval)
	}

	// Allocate unique extranonce1
	id := s.extranonceCounter.Add(1)
	extranonce1 := fmt.Sprintf("%08x", id)
	sessionID := extranonce1

	codec := NewCodec(prefixed)
	session := NewSession(sessionID, codec, extranonce1, SessionOptions{
		Extranonce2Size: s.extranonce2Size,
		StartDifficulty: s.opts.StartDifficulty,
		MinDifficulty:   s.opts.MinDifficulty,
		MaxDifficulty:   s.opts.MaxDifficulty,
		SubmitCh:        s.submitCh,
		DiffCh:          s.diffCh,
	}, s.logger)

	s.sessionsMu.Lock()
	s.sessions[sessionID] = session
	metrics.Sessions.Set(float64(len(s.sessions)))
	s.sessionsMu.Unlock()

	s.logger.Info("miner connected", zap.String("session", sessionID), zap.String("remote", conn.RemoteAddr().String()))

	defer func() {
		s.sessionsMu.Lock()
		delete(s.sessions, sessionID)
		metrics.Sessions.Set(float64(len(s.sessions)))
		s.sessionsMu.Unlock()
		session.Close()
		s.logger.Info("miner disconnected", zap.String("session", sessionID))
	}()

	initialJobSent := false

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Set read deadline so we detect dead connections instead of blocking forever.
		// The miner should be submitting shares or keepalive messages regularly.
		conn.SetReadDeadline(time.Now().Add(connReadTimeout))

		req, err := codec.ReadRequest()
		if err != nil {
			s.logger.Debug("read error", zap.String("session", sessionID), zap.Error(err))
			return
		}

		if err := session.HandleRequest(req); err != nil {
			s.logger.Error("handle error", zap.String("session", sessionID), zap.Error(err))
			return
		}

		// Once a miner is authorized, immediately send the current job
		// so it can start mining without waiting for the next template poll.
		if !initialJobSent && session.Authorized() {
			if job, err := s.LastBroadcast(); err == nil {
				if err := session.NotifyJob(job); err != nil {
					s.logger.Warn("failed to send initial job", zap.String("session", sessionID), zap.Error(err))
				} else {
					s.logger.Debug("sent initial job to miner", zap.String("session", sessionID), zap.String("job", job.ID))
				}
			} else {
				s.logger.Warn("no job available for newly authorized miner", zap.String("session", sessionID))
			}
			initialJobSent = true
		}
	}
}

// serveHTTP serves a single HTTP connection by wrapping it in a one-shot listener.
func (s *Server) serveHTTP(conn net.Conn, firstByte byte) {
	prefixed := &prefixConn{Conn: conn, prefix: []byte{firstByte}}
	listener := &singleConnListener{conn: prefixed, done: make(chan struct{})}
	srv := &http.Server{
		Handler:      s.httpHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  5 * time.Second,
	}
	srv.Serve(listener)
}

// prefixConn wraps a net.Conn and prepends previously-peeked bytes.
type prefixConn struct {
	net.Conn
	prefix []byte
	read   bool
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if !c.read && len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		if len(c.prefix) == 0 {
			c.read = true
		}
		return n, nil
	}
	return c.Conn.Read(p)
}

// singleConnListener accepts exactly one connection then blocks until closed.
type singleConnListener struct {
	conn     net.Conn
	done     chan struct{}
	accepted sync.Once
	closed   sync.Once
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	var c net.Conn
	l.accepted.Do(func() { c = l.conn })
	if c != nil {
		return c, nil
	}
	<-l.done
	return nil, net.ErrClosed
}

func (l *singleConnListener) Close() error {
	l.closed.Do(func() { close(l.done) })
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }
