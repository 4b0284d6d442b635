// Package reload implements development hot-swapping. The supervisor owns
// the listener and hands each accepted connection to a short-lived child
// process; a child serves a bounded batch of connections and exits once
// idle, so the next batch runs freshly loaded code.
package reload

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/turtacn/proton/internal/channel"
	"github.com/turtacn/proton/internal/monitor"
	"github.com/turtacn/proton/internal/resource"
	"github.com/turtacn/proton/internal/supervisor"
	"github.com/turtacn/proton/internal/timer"
	"github.com/turtacn/proton/pkg/consts"
	perrors "github.com/turtacn/proton/pkg/errors"
	"github.com/turtacn/proton/pkg/logger"
	"github.com/turtacn/proton/pkg/protocol"
)

// pendingConn is an accepted connection the supervisor still owns.
type pendingConn struct {
	id         string
	conn       net.Conn
	acceptedAt time.Time
	sent       bool
}

// child is the supervisor's view of one reload child.
type child struct {
	w     *supervisor.Worker
	queue []*pendingConn // FIFO, sent but unacknowledged entries first
	count int            // connections routed so far

	ready    bool
	readyErr error
	readyC   chan struct{}

	retiring bool // child asked to exit
	released bool // TypeReleased was sent

	dead       bool
	wake       chan struct{}
	senderDone chan struct{}
	cleaned    chan struct{}
}

func (c *child) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *child) indexOf(id string) int {
	for i, p := range c.queue {
		if p.id == id {
			return i
		}
	}
	return -1
}

func (c *child) nextUnsent() *pendingConn {
	for _, p := range c.queue {
		if !p.sent {
			return p
		}
	}
	return nil
}

// Supervisor is the parent side of reload mode.
type Supervisor struct {
	cfg       protocol.Config
	spawner   supervisor.Spawner
	clock     clock.WithDelayedExecution
	sockets   *resource.SocketManager
	watchPath string
	log       logger.Logger
	acceptLog *rate.Limiter
	initErr   error

	mu       sync.Mutex
	started  bool
	stopping bool
	current  *child
	children map[*child]struct{}
	seq      int
	idle     *timer.Inactivity

	watcher    *fsnotify.Watcher
	acceptDone chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

type Option func(*Supervisor)

func WithSpawner(sp supervisor.Spawner) Option { return func(s *Supervisor) { s.spawner = sp } }

func WithClock(c clock.WithDelayedExecution) Option { return func(s *Supervisor) { s.clock = c } }

func WithSockets(sm *resource.SocketManager) Option { return func(s *Supervisor) { s.sockets = sm } }

// WithWatch retires the current child whenever path changes. It defaults to
// the running executable when the default spawner is used.
func WithWatch(path string) Option { return func(s *Supervisor) { s.watchPath = path } }

func New(cfg protocol.Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		clock:     clock.RealClock{},
		log:       logger.Log.With("component", "reload"),
		acceptLog: rate.NewLimiter(rate.Every(time.Second), 1),
		children:  make(map[*child]struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.sockets == nil {
		s.sockets = resource.NewSocketManager()
	}
	if s.spawner == nil {
		enc, err := cfg.Encode()
		if err != nil {
			s.initErr = perrors.New(perrors.ErrCodeConfigInvalid, "New", "cannot encode configuration for reload children", err)
		}
		s.spawner = &supervisor.ExecSpawner{Config: enc}
		if s.watchPath == "" {
			if exe, err := os.Executable(); err == nil {
				s.watchPath = exe
			}
		}
	}
	s.idle = timer.NewInactivity(s.clock, cfg.IdleWindow(), s.retireIdle)
	return s
}

// Start binds the listener, spawns the first child and waits until it is
// ready. Failing to spawn or start that child is fatal.
func (s *Supervisor) Start(ctx context.Context) (string, error) {
	if s.initErr != nil {
		return "", s.initErr
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return "", errors.New("reload supervisor already started")
	}
	s.started = true
	s.mu.Unlock()

	l, err := s.sockets.EnsureListener(s.cfg.ListenAddress())
	if err != nil {
		return "", err
	}
	port := s.cfg.Port
	if port == 0 {
		if port, err = resource.Port(l); err != nil {
			s.sockets.Close()
			return "", err
		}
	}
	addr := s.cfg.Address(port)

	s.mu.Lock()
	c, err := s.spawnLocked()
	s.mu.Unlock()
	if err != nil {
		_ = s.Stop(context.Background())
		return "", err
	}

	if err := s.awaitReady(ctx, c); err != nil {
		_ = s.Stop(context.Background())
		return "", err
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return "", errors.New("reload supervisor stopped during start")
	}
	s.acceptDone = make(chan struct{})
	s.mu.Unlock()
	go s.acceptLoop(l)

	if err := s.watch(); err != nil {
		s.log.Warn("not watching for code changes", "path", s.watchPath, "error", err)
	}
	s.log.Info("reload supervisor listening", "addr", addr)
	return addr, nil
}

func (s *Supervisor) awaitReady(ctx context.Context, c *child) error {
	select {
	case <-c.readyC:
	case <-c.w.Exited():
		// A ready message is always delivered before the exit.
		select {
		case <-c.readyC:
		default:
			return perrors.New(perrors.ErrCodeWorkerNotReady, "Start", "first child exited before it was ready", nil)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.readyErr
}

func (s *Supervisor) acceptLoop(l net.Listener) {
	defer close(s.acceptDone)
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if stopping || errors.Is(err, net.ErrClosed) {
				return
			}
			if s.acceptLog.Allow() {
				s.log.Warn("accept failed", "error", err)
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		s.dispatch(conn)
	}
}

func (s *Supervisor) dispatch(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		conn.Close()
		return
	}
	s.routeLocked(&pendingConn{id: uuid.NewString(), conn: conn, acceptedAt: s.clock.Now()})
	s.idle.Reset()
}

// routeLocked queues p on the current child, spawning one if needed.
func (s *Supervisor) routeLocked(p *pendingConn) {
	c := s.current
	if c == nil {
		var err error
		if c, err = s.spawnLocked(); err != nil {
			s.log.Error("dropping connection, no child to serve it", "id", p.id, "error", err)
			monitor.ConnectionHandoffs.WithLabelValues("dropped").Inc()
			p.conn.Close()
			return
		}
	}
	c.queue = append(c.queue, p)
	c.count++
	if c.count >= s.cfg.MaxConnections() {
		s.retireLocked(c, "connection cap reached")
	}
	c.kick()
}

func (s *Supervisor) spawnLocked() (*child, error) {
	s.seq++
	c := &child{
		readyC:     make(chan struct{}),
		wake:       make(chan struct{}, 1),
		senderDone: make(chan struct{}),
		cleaned:    make(chan struct{}),
	}
	w, err := supervisor.Spawn(s.spawner, s.clock, supervisor.Spec{Role: consts.RoleReloadChild, Index: s.seq}, supervisor.Hooks{
		OnMessage: func(w *supervisor.Worker, m channel.Message) { s.onMessage(c, m) },
		OnExit:    func(w *supervisor.Worker, st supervisor.ExitStatus) { s.onExit(c, st) },
	})
	c.w = w
	if err != nil {
		return nil, err
	}
	s.children[c] = struct{}{}
	s.current = c
	monitor.ReloadChildren.Inc()
	// The child measures its own exit delay from readiness, so the
	// supervisor's window always closes first.
	s.idle.Reset()
	go s.sender(c)
	w.Logger().Debug("spawned reload child")
	return c, nil
}

func (s *Supervisor) retireLocked(c *child, reason string) {
	if s.current != c {
		return
	}
	s.current = nil
	c.w.Logger().Debug("retiring reload child", "reason", reason, "connections", c.count)
}

func (s *Supervisor) retireIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.retireLocked(s.current, "idle")
	}
}

// sender transfers queued connections to c in FIFO order. Sending happens
// outside the lock so acks can be processed concurrently.
func (s *Supervisor) sender(c *child) {
	defer close(c.senderDone)
	for {
		<-c.wake
		for {
			s.mu.Lock()
			if c.dead {
				s.mu.Unlock()
				return
			}
			var p *pendingConn
			if c.ready {
				p = c.nextUnsent()
			}
			if p == nil {
				release := c.retiring && !c.released
				if release {
					c.released = true
				}
				s.mu.Unlock()
				if release {
					if err := c.w.Channel().Send(channel.Message{Type: channel.TypeReleased}); err != nil {
						c.w.Logger().Warn("could not release reload child", "error", err)
					}
				}
				break
			}
			p.sent = true
			s.mu.Unlock()

			err := c.w.Channel().SendConn(channel.Message{Type: channel.TypeConn, ID: p.id}, p.conn)
			if err != nil {
				c.w.Logger().Warn("could not transfer connection", "id", p.id, "error", err)
				s.mu.Lock()
				p.sent = false
				s.retireLocked(c, "channel failed")
				s.mu.Unlock()
				return
			}
		}
	}
}

func (s *Supervisor) onMessage(c *child, m channel.Message) {
	switch m.Type {
	case channel.TypeReady:
		s.onReady(c, m)
	case channel.TypeAck:
		s.onAck(c, m)
	case channel.TypeReject:
		s.onReject(c, m)
	case channel.TypeRetiring:
		s.onRetiring(c)
	default:
		c.w.Logger().Debug("ignoring message", "type", m.Type)
	}
}

func (s *Supervisor) onReady(c *child, m channel.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ready || c.readyErr != nil {
		return
	}
	if m.Error != "" {
		c.readyErr = perrors.New(perrors.ErrCodeWorkerNotReady, "Ready", m.Error, nil)
		c.w.Logger().Error("reload child failed to start", "error", m.Error)
		s.retireLocked(c, "failed to start")
		for _, p := range c.queue {
			p.conn.Close()
			monitor.ConnectionHandoffs.WithLabelValues("dropped").Inc()
		}
		c.queue = nil
		close(c.readyC)
		return
	}
	c.ready = true
	c.w.MarkReady()
	close(c.readyC)
	c.kick()
}

func (s *Supervisor) onAck(c *child, m channel.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := c.indexOf(m.ID)
	if idx < 0 {
		c.w.Logger().Warn("acknowledgement for unknown connection", "id", m.ID)
		return
	}
	if idx != 0 {
		c.w.Logger().Warn("connection acknowledged out of order", "id", m.ID, "position", idx)
	}
	p := c.queue[idx]
	c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
	p.conn.Close()
	monitor.ConnectionHandoffs.WithLabelValues("acked").Inc()
	monitor.HandoffDuration.Observe(s.clock.Since(p.acceptedAt).Seconds())
}

// onReject takes back a connection the child refused and routes it to
// another child.
func (s *Supervisor) onReject(c *child, m channel.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := c.indexOf(m.ID)
	if idx < 0 {
		c.w.Logger().Warn("rejection for unknown connection", "id", m.ID)
		return
	}
	p := c.queue[idx]
	c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
	p.sent = false
	s.retireLocked(c, "rejected a connection")
	c.w.Logger().Debug("connection rejected", "id", p.id)
	s.requeueLocked(p)
}

// onRetiring stops routing to c and moves its unsent connections elsewhere.
// The sender answers with TypeReleased once nothing is left to send.
func (s *Supervisor) onRetiring(c *child) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.retiring = true
	s.retireLocked(c, "idle exit")
	kept := c.queue[:0]
	for _, p := range c.queue {
		if p.sent {
			kept = append(kept, p)
			continue
		}
		s.requeueLocked(p)
	}
	c.queue = kept
	c.kick()
}

func (s *Supervisor) requeueLocked(p *pendingConn) {
	if s.stopping {
		p.conn.Close()
		monitor.ConnectionHandoffs.WithLabelValues("dropped").Inc()
		return
	}
	monitor.ConnectionHandoffs.WithLabelValues("requeued").Inc()
	s.routeLocked(p)
}

// onExit settles the queue of an exited child: connections it never
// received go to another child, connections it received but did not
// acknowledge are closed.
func (s *Supervisor) onExit(c *child, st supervisor.ExitStatus) {
	s.mu.Lock()
	if _, ok := s.children[c]; !ok {
		s.mu.Unlock()
		return
	}
	c.dead = true
	s.retireLocked(c, "exited")
	s.mu.Unlock()

	c.kick()
	<-c.senderDone

	s.mu.Lock()
	delete(s.children, c)
	queue := c.queue
	c.queue = nil
	requeued := 0
	for _, p := range queue {
		if p.sent {
			p.conn.Close()
			monitor.ConnectionHandoffs.WithLabelValues("dropped").Inc()
			continue
		}
		if !s.stopping {
			requeued++
		}
		s.requeueLocked(p)
	}
	s.mu.Unlock()

	if st.Code != 0 {
		c.w.Logger().Warn("reload child exited", "status", st.String(), "requeued", requeued)
	} else {
		c.w.Logger().Debug("reload child exited", "requeued", requeued)
	}
	close(c.cleaned)
}

func (s *Supervisor) watch() error {
	if s.watchPath == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Binaries are usually replaced by rename, so watch the directory.
	if err := w.Add(filepath.Dir(s.watchPath)); err != nil {
		w.Close()
		return err
	}
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()

	target := filepath.Clean(s.watchPath)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op == fsnotify.Chmod {
					continue
				}
				s.log.Info("code changed, next connection gets a fresh child", "path", ev.Name, "op", ev.Op.String())
				s.retireIdle()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (s *Supervisor) GracefulReload(ctx context.Context) error {
	s.log.Warn("graceful reload is not supported in reload mode, code is reloaded per connection batch")
	return nil
}

// Stop closes the listener, terminates every child and waits for the
// accept loop and the children to finish. It is idempotent.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.current = nil
		watcher := s.watcher
		acceptDone := s.acceptDone
		children := make([]*child, 0, len(s.children))
		for c := range s.children {
			children = append(children, c)
		}
		s.mu.Unlock()

		s.idle.Stop()
		if watcher != nil {
			watcher.Close()
		}
		s.sockets.Close()
		for _, c := range children {
			if err := c.w.Drain(syscall.SIGTERM); err != nil {
				c.w.Logger().Warn("could not signal reload child", "error", err)
			}
		}

		var g errgroup.Group
		if acceptDone != nil {
			g.Go(func() error {
				<-acceptDone
				return nil
			})
		}
		for _, c := range children {
			c := c
			g.Go(func() error {
				<-c.cleaned
				return nil
			})
		}
		go func() {
			_ = g.Wait()
			s.log.Info("reload supervisor stopped")
			close(s.done)
		}()
	})

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Children is the number of live reload children.
func (s *Supervisor) Children() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

var _ supervisor.Supervisor = (*Supervisor)(nil)

// Personal.AI order the ending
