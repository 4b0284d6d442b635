// Package orchestrator is the front door of every proton process. It picks
// the strategy for the process role, daemonizes the supervisor and maps
// signals onto the strategy's lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/turtacn/proton/internal/control"
	"github.com/turtacn/proton/internal/daemon"
	"github.com/turtacn/proton/internal/monitor"
	"github.com/turtacn/proton/internal/supervisor"
	"github.com/turtacn/proton/pkg/consts"
	perrors "github.com/turtacn/proton/pkg/errors"
	"github.com/turtacn/proton/pkg/fsm"
	"github.com/turtacn/proton/pkg/logger"
	"github.com/turtacn/proton/pkg/protocol"
)

// ErrDetached is returned by Start in the original process after the
// supervisor moved to the background. The caller exits 0.
var ErrDetached = errors.New("detached into the background")

const (
	evStart    fsm.Event = "start"
	evStarted  fsm.Event = "started"
	evFail     fsm.Event = "fail"
	evReload   fsm.Event = "reload"
	evReloaded fsm.Event = "reloaded"
	evStop     fsm.Event = "stop"
	evStopped  fsm.Event = "stopped"
)

// stopGrace is added to the drain timeout when bounding a signal-driven stop.
const stopGrace = 5 * time.Second

type Engine struct {
	cfg     protocol.Config
	role    consts.Role
	fsm     *fsm.StateMachine
	factory Factory
	daemon  daemon.Daemonizer
	out     io.Writer
	log     logger.Logger

	mu       sync.Mutex
	strategy supervisor.Supervisor
	addr     string
	ctrl     *control.Server
	metrics  context.CancelFunc
	pidfile  bool

	stopReq     chan struct{}
	stopReqOnce sync.Once
	stopOnce    sync.Once
	stopErr     error
	stopped     chan struct{}
}

type Option func(*Engine)

func WithRole(r consts.Role) Option { return func(e *Engine) { e.role = r } }

func WithFactory(f Factory) Option { return func(e *Engine) { e.factory = f } }

func WithDaemonizer(d daemon.Daemonizer) Option { return func(e *Engine) { e.daemon = d } }

// WithOutput sets where the startup line is printed.
func WithOutput(w io.Writer) Option { return func(e *Engine) { e.out = w } }

func NewEngine(cfg protocol.Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		role:    consts.RoleSupervisor,
		fsm:     fsm.New(fsm.State(consts.StatePending)),
		factory: DefaultFactory,
		out:     os.Stdout,
		stopReq: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.daemon == nil {
		e.daemon = daemon.New()
	}
	e.log = logger.Log.With("component", "engine", "role", string(e.role))
	e.setupFSM()
	return e
}

func (e *Engine) setupFSM() {
	st := func(s consts.LifecycleState) fsm.State { return fsm.State(s) }

	e.fsm.AddTransition(st(consts.StatePending), st(consts.StateStarting), evStart, e.onTransition)
	e.fsm.AddTransition(st(consts.StateStarting), st(consts.StateRunning), evStarted, e.onTransition)
	e.fsm.AddTransition(st(consts.StateStarting), st(consts.StateFailed), evFail, e.onTransition)

	e.fsm.AddTransition(st(consts.StateRunning), st(consts.StateReloading), evReload, e.onTransition)
	e.fsm.AddTransition(st(consts.StateReloading), st(consts.StateRunning), evReloaded, e.onTransition)

	e.fsm.AddTransition(st(consts.StateRunning), st(consts.StateStopping), evStop, e.onTransition)
	e.fsm.AddTransition(st(consts.StateReloading), st(consts.StateStopping), evStop, e.onTransition)
	e.fsm.AddTransition(st(consts.StateStopping), st(consts.StateStopped), evStopped, e.onTransition)
}

func (e *Engine) onTransition(from, to fsm.State, event fsm.Event) error {
	e.log.Debug("lifecycle transition", "from", from, "to", to, "event", event)
	return nil
}

// State is the current lifecycle state.
func (e *Engine) State() consts.LifecycleState {
	return consts.LifecycleState(e.fsm.Current())
}

// Address is the bound "<host>:<port>" once running.
func (e *Engine) Address() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

// Run starts the strategy, prints the startup line and serves signals until
// the strategy stops.
func (e *Engine) Run(ctx context.Context) error {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, e.signals()...)
	defer signal.Stop(sigs)

	addr, interrupted, err := e.startInterruptible(ctx, sigs)
	if interrupted {
		if err != nil {
			e.log.Info("startup abandoned", "error", err)
			return nil
		}
		return e.stopBounded()
	}
	if err != nil {
		return err
	}
	if e.role == consts.RoleSupervisor && !e.cfg.Silent {
		fmt.Fprintf(e.out, "webapp started on %s\n", addr)
	}
	return e.loop(ctx, sigs)
}

// startInterruptible runs Start under a context that a stop signal or
// RequestStop cancels. The watcher has returned before this does, so the
// signal loop is the only reader of sigs afterwards.
func (e *Engine) startInterruptible(ctx context.Context, sigs <-chan os.Signal) (addr string, interrupted bool, err error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		for {
			select {
			case sig := <-sigs:
				if sig == syscall.SIGHUP && e.role == consts.RoleSupervisor {
					e.log.Warn("reload ignored while starting", "signal", sig.String())
					continue
				}
				e.log.Info("signal received while starting, stopping", "signal", sig.String())
			case <-e.stopReq:
				e.log.Info("stop requested while starting")
			case <-started:
				return
			}
			interrupted = true
			cancel()
			return
		}
	}()

	addr, err = e.Start(sctx)
	close(started)
	<-watched
	return addr, interrupted, err
}

func (e *Engine) signals() []os.Signal {
	switch e.role {
	case consts.RolePoolWorker:
		return []os.Signal{syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGUSR1}
	case consts.RoleReloadChild:
		return []os.Signal{syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT}
	}
	return []os.Signal{syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGHUP}
}

func (e *Engine) loop(ctx context.Context, sigs <-chan os.Signal) error {
	e.mu.Lock()
	done := e.strategy.Done()
	e.mu.Unlock()

	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP && e.role == consts.RoleSupervisor {
				e.log.Info("signal received, reloading", "signal", sig.String())
				if err := e.Reload(ctx); err != nil {
					e.log.Warn("reload failed", "error", err)
				}
				continue
			}
			e.log.Info("signal received, stopping", "signal", sig.String())
			return e.stopBounded()
		case <-e.stopReq:
			e.log.Info("stop requested")
			return e.stopBounded()
		case <-done:
			e.log.Info("strategy finished")
			return e.stopBounded()
		case <-ctx.Done():
			return e.stopBounded()
		}
	}
}

func (e *Engine) stopBounded() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeoutDuration()+stopGrace)
	defer cancel()
	return e.Stop(ctx)
}

// Start daemonizes when configured, starts the strategy for the role and,
// in the supervisor, the metrics endpoint and the control socket.
func (e *Engine) Start(ctx context.Context) (string, error) {
	if err := e.fsm.Fire(evStart); err != nil {
		return "", err
	}

	if e.role == consts.RoleSupervisor {
		if err := e.daemonize(); err != nil {
			if !errors.Is(err, ErrDetached) {
				_ = e.fsm.Fire(evFail)
			}
			return "", err
		}
	}

	strategy, err := e.factory(e.role, e.cfg)
	if err != nil {
		return "", e.fail(err)
	}
	addr, err := strategy.Start(ctx)
	if err != nil {
		// Workers that did come up are still running.
		sctx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeoutDuration()+stopGrace)
		_ = strategy.Stop(sctx)
		cancel()
		return "", e.fail(err)
	}
	e.mu.Lock()
	e.strategy = strategy
	e.addr = addr
	e.mu.Unlock()

	if e.role == consts.RoleSupervisor {
		if err := e.startAuxiliaries(ctx); err != nil {
			_ = strategy.Stop(context.Background())
			e.stopAuxiliaries()
			return "", e.fail(err)
		}
	}

	if err := e.fsm.Fire(evStarted); err != nil {
		return "", err
	}
	e.log.Info("started", "address", addr)
	return addr, nil
}

func (e *Engine) fail(err error) error {
	_ = e.fsm.Fire(evFail)
	e.releasePidfile()
	e.log.Error("startup failed", "error", err)
	return err
}

// daemonize runs strictly before any socket is bound.
func (e *Engine) daemonize() error {
	if e.cfg.Daemonise {
		parent, err := e.daemon.Detach()
		if err != nil {
			return err
		}
		if parent {
			return ErrDetached
		}
	}
	if e.cfg.Pidfile != "" {
		if err := e.daemon.LockPidfile(e.cfg.Pidfile); err != nil {
			return err
		}
		e.pidfile = true
	}
	if !e.cfg.Daemonise {
		return nil
	}

	uid, gid := e.cfg.Credentials()
	if err := e.daemon.DropPrivileges(uid, gid); err != nil {
		e.releasePidfile()
		return err
	}
	if err := e.daemon.RedirectStandardStreams(e.cfg.Logdir); err != nil {
		e.releasePidfile()
		return err
	}
	e.log.Info("running as daemon", "pidfile", e.cfg.Pidfile, "logdir", e.cfg.Logdir)
	return nil
}

func (e *Engine) releasePidfile() {
	if !e.pidfile {
		return
	}
	e.pidfile = false
	if err := e.daemon.Release(); err != nil {
		e.log.Warn("could not remove pidfile", "error", err)
	}
}

func (e *Engine) startAuxiliaries(ctx context.Context) error {
	if e.cfg.Observability.MetricsAddr != "" {
		mctx, cancel := context.WithCancel(context.Background())
		if _, err := monitor.Serve(mctx, e.cfg.Observability.MetricsAddr); err != nil {
			cancel()
			return perrors.New(perrors.ErrCodeListenFailed, "Metrics", "could not bind "+e.cfg.Observability.MetricsAddr, err)
		}
		e.mu.Lock()
		e.metrics = cancel
		e.mu.Unlock()
	}
	if e.cfg.ControlSocket != "" {
		srv, err := control.Listen(e.cfg.ControlSocket, controlHandler{e})
		if err != nil {
			return perrors.New(perrors.ErrCodeListenFailed, "Control", "could not bind "+e.cfg.ControlSocket, err)
		}
		e.mu.Lock()
		e.ctrl = srv
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) stopAuxiliaries() {
	e.mu.Lock()
	ctrl, metrics := e.ctrl, e.metrics
	e.ctrl, e.metrics = nil, nil
	e.mu.Unlock()

	if ctrl != nil {
		ctrl.Close()
	}
	if metrics != nil {
		metrics()
	}
}

// Reload forwards a graceful reload to the running strategy.
func (e *Engine) Reload(ctx context.Context) error {
	if err := e.fsm.Fire(evReload); err != nil {
		return err
	}
	e.mu.Lock()
	strategy := e.strategy
	e.mu.Unlock()

	err := strategy.GracefulReload(ctx)
	// A stop may have overtaken the reload.
	_ = e.fsm.Fire(evReloaded)
	return err
}

// RequestStop asks Run to stop without waiting for it.
func (e *Engine) RequestStop() {
	e.stopReqOnce.Do(func() { close(e.stopReq) })
}

// Stop shuts the strategy down and releases the pidfile. It is idempotent;
// later calls wait for the first one to finish.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		go e.stop()
	})
	select {
	case <-e.stopped:
		return e.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) stop() {
	defer close(e.stopped)

	e.mu.Lock()
	strategy := e.strategy
	e.mu.Unlock()
	if strategy == nil {
		return
	}
	_ = e.fsm.Fire(evStop)

	e.stopAuxiliaries()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeoutDuration()+stopGrace)
	defer cancel()
	e.stopErr = strategy.Stop(ctx)
	e.releasePidfile()

	_ = e.fsm.Fire(evStopped)
	e.log.Info("stopped", "error", e.stopErr)
}

// Personal.AI order the ending
