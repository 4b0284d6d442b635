package reload

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/turtacn/proton/internal/channel"
	"github.com/turtacn/proton/internal/runner"
	"github.com/turtacn/proton/internal/supervisor"
	"github.com/turtacn/proton/internal/timer"
	perrors "github.com/turtacn/proton/pkg/errors"
	"github.com/turtacn/proton/pkg/logger"
	"github.com/turtacn/proton/pkg/protocol"
	"github.com/turtacn/proton/pkg/webapp"
)

// Child is the reload child body. It serves connections transferred by
// the supervisor. Once it has had no open connection for the exit delay it
// announces that it is retiring and stops when the supervisor releases it.
type Child struct {
	cfg   protocol.Config
	ch    *channel.Channel
	app   webapp.App
	clock clock.WithDelayedExecution
	log   logger.Logger

	ln   *connListener
	srv  *http.Server
	exit *timer.Inactivity

	mu       sync.Mutex
	active   int
	retiring bool
	stopping bool

	served   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type ChildOption func(*Child)

func WithChildApp(app webapp.App) ChildOption { return func(c *Child) { c.app = app } }

func WithChildClock(clk clock.WithDelayedExecution) ChildOption {
	return func(c *Child) { c.clock = clk }
}

func NewChild(cfg protocol.Config, ch *channel.Channel, opts ...ChildOption) *Child {
	c := &Child{
		cfg:    cfg,
		ch:     ch,
		clock:  clock.RealClock{},
		log:    logger.Log.With("component", "reload-child"),
		served: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.exit = timer.NewInactivity(c.clock, cfg.ChildExitDelay(), c.idleExpired)
	return c
}

// Start loads the application and reports ready, or the failure, to the
// supervisor.
func (c *Child) Start(ctx context.Context) (string, error) {
	addr := c.cfg.Address(c.cfg.Port)
	if err := c.load(ctx); err != nil {
		_ = c.ch.Send(channel.Message{Type: channel.TypeReady, Error: err.Error()})
		c.ch.Close()
		c.stopOnce.Do(func() { close(c.done) })
		return "", err
	}

	c.ln = newConnListener(addr)
	c.srv = &http.Server{
		Handler:           runner.Recoverer(c.app, c.log),
		ReadHeaderTimeout: 30 * time.Second,
	}
	go func() {
		defer close(c.served)
		if err := c.srv.Serve(c.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("server stopped", "error", err)
		}
	}()

	c.ch.OnMessage(c.onMessage)
	c.ch.OnConnection(c.onConnection)
	c.ch.OnClose(func() {
		c.log.Debug("supervisor channel closed, stopping")
		go c.Stop(context.Background())
	})
	c.ch.Start()

	if err := c.ch.Send(channel.Message{Type: channel.TypeReady, Addr: addr}); err != nil {
		go c.Stop(context.Background())
		return "", err
	}
	c.exit.Reset()
	return addr, nil
}

func (c *Child) load(ctx context.Context) error {
	if c.app == nil {
		app, err := webapp.Load(c.cfg.Webapp)
		if err != nil {
			return perrors.New(perrors.ErrCodeConfigInvalid, "Start", "cannot load webapp", err)
		}
		c.app = app
	}
	if err := webapp.Prepare(ctx, c.app); err != nil {
		return perrors.New(perrors.ErrCodeHandlerFailed, "OnBeforeStart", "webapp failed to start", err)
	}
	return nil
}

func (c *Child) onMessage(m channel.Message) {
	if m.Type == channel.TypeReleased {
		c.log.Debug("released by supervisor, exiting")
		go c.Stop(context.Background())
	}
}

func (c *Child) onConnection(m channel.Message, conn net.Conn) {
	c.mu.Lock()
	if c.retiring || c.stopping {
		c.mu.Unlock()
		conn.Close()
		if err := c.ch.Send(channel.Message{Type: channel.TypeReject, ID: m.ID}); err != nil {
			c.log.Debug("could not reject connection", "id", m.ID, "error", err)
		}
		return
	}
	c.active++
	c.mu.Unlock()
	c.exit.Stop()

	tc := &trackedConn{Conn: conn, onClose: c.connClosed}
	if !c.ln.push(tc) {
		tc.Close()
		return
	}
	if err := c.ch.Send(channel.Message{Type: channel.TypeAck, ID: m.ID}); err != nil {
		c.log.Warn("could not acknowledge connection", "id", m.ID, "error", err)
	}
}

func (c *Child) connClosed() {
	c.mu.Lock()
	c.active--
	idle := c.active == 0 && !c.retiring && !c.stopping
	c.mu.Unlock()
	if idle {
		c.exit.Reset()
	}
}

// idleExpired asks the supervisor to stop routing connections here. The
// child keeps running until the supervisor answers with TypeReleased, so a
// connection already in flight is rejected back instead of lost.
func (c *Child) idleExpired() {
	c.mu.Lock()
	retire := c.active == 0 && !c.retiring && !c.stopping
	if retire {
		c.retiring = true
	}
	c.mu.Unlock()
	if !retire {
		return
	}
	c.log.Debug("no open connections, retiring")
	if err := c.ch.Send(channel.Message{Type: channel.TypeRetiring}); err != nil {
		_ = c.Stop(context.Background())
	}
}

// Stop shuts the server down gracefully and closes the channel.
func (c *Child) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		defer close(c.done)
		c.mu.Lock()
		c.stopping = true
		c.mu.Unlock()
		c.exit.Stop()

		if c.srv != nil {
			sctx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeoutDuration())
			defer cancel()
			if err = c.srv.Shutdown(sctx); err != nil {
				c.srv.Close()
			}
			<-c.served
			c.ln.drain()
		}
		c.ch.Close()
	})
	<-c.done
	return err
}

func (c *Child) GracefulReload(ctx context.Context) error { return nil }

func (c *Child) Done() <-chan struct{} { return c.done }

// Active is the number of open connections.
func (c *Child) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

var _ supervisor.Supervisor = (*Child)(nil)

// trackedConn reports its first Close.
type trackedConn struct {
	net.Conn
	once    sync.Once
	onClose func()
}

func (t *trackedConn) Close() error {
	err := t.Conn.Close()
	t.once.Do(t.onClose)
	return err
}

// connListener feeds transferred connections to an http.Server.
type connListener struct {
	addr   net.Addr
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

type pipeAddr string

func (a pipeAddr) Network() string { return "proton" }
func (a pipeAddr) String() string  { return string(a) }

func newConnListener(addr string) *connListener {
	return &connListener{
		addr:   pipeAddr(addr),
		conns:  make(chan net.Conn, 16),
		closed: make(chan struct{}),
	}
}

func (l *connListener) push(c net.Conn) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.conns <- c:
		return true
	case <-l.closed:
		return false
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *connListener) Addr() net.Addr { return l.addr }

// drain closes connections that were pushed but never accepted.
func (l *connListener) drain() {
	for {
		select {
		case c := <-l.conns:
			c.Close()
		default:
			return
		}
	}
}

// Personal.AI order the ending
