// Package pool implements the preforking supervisor: N worker processes
// accept on one listener bound by the supervisor.
package pool

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/turtacn/proton/internal/channel"
	"github.com/turtacn/proton/internal/monitor"
	"github.com/turtacn/proton/internal/resource"
	"github.com/turtacn/proton/internal/supervisor"
	"github.com/turtacn/proton/pkg/consts"
	perrors "github.com/turtacn/proton/pkg/errors"
	"github.com/turtacn/proton/pkg/logger"
	"github.com/turtacn/proton/pkg/protocol"
)

var errStopped = errors.New("pool stopped before all workers were ready")

// WorkerInfo is a point-in-time view of one slot.
type WorkerInfo struct {
	Index int                `json:"index"`
	Pid   int                `json:"pid"`
	State consts.WorkerState `json:"state"`
}

type slot struct {
	index   int
	worker  *supervisor.Worker
	backoff clock.Timer

	readyOnce sync.Once
	ready     chan error
}

func (s *slot) resolve(err error) {
	s.readyOnce.Do(func() { s.ready <- err })
}

// Pool supervises a fixed number of worker slots.
type Pool struct {
	cfg     protocol.Config
	spawner supervisor.Spawner
	clock   clock.WithDelayedExecution
	sockets *resource.SocketManager
	log     logger.Logger
	initErr error

	mu          sync.Mutex
	started     bool
	stopping    bool
	slots       []*slot
	files       []*os.File
	outstanding int // spawned workers whose exit has not been reported
	allExited   chan struct{}
	exitClosed  bool

	stopC     chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

type Option func(*Pool)

func WithSpawner(s supervisor.Spawner) Option { return func(p *Pool) { p.spawner = s } }

func WithClock(c clock.WithDelayedExecution) Option { return func(p *Pool) { p.clock = c } }

func WithSockets(sm *resource.SocketManager) Option { return func(p *Pool) { p.sockets = sm } }

func New(cfg protocol.Config, opts ...Option) *Pool {
	p := &Pool{
		cfg:       cfg,
		clock:     clock.RealClock{},
		log:       logger.Log.With("component", "pool"),
		allExited: make(chan struct{}),
		stopC:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.sockets == nil {
		p.sockets = resource.NewSocketManager()
	}
	if p.spawner == nil {
		enc, err := cfg.Encode()
		if err != nil {
			p.initErr = perrors.New(perrors.ErrCodeConfigInvalid, "New", "cannot encode configuration for workers", err)
		}
		p.spawner = &supervisor.ExecSpawner{Config: enc}
	}
	return p
}

// Start binds the shared listener, spawns every worker and returns once
// each slot has reported ready. A ready message carrying an error fails
// Start; workers already running are left to Stop.
func (p *Pool) Start(ctx context.Context) (string, error) {
	if p.initErr != nil {
		return "", p.initErr
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return "", errors.New("pool already started")
	}
	p.started = true
	p.mu.Unlock()

	l, err := p.sockets.EnsureListener(p.cfg.ListenAddress())
	if err != nil {
		return "", err
	}
	port := p.cfg.Port
	if port == 0 {
		if port, err = resource.Port(l); err != nil {
			return "", err
		}
	}
	addr := p.cfg.Address(port)

	n := p.cfg.WorkerCount()
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return "", errStopped
	}
	p.files = p.sockets.Files()
	for i := 0; i < n; i++ {
		s := &slot{index: i, ready: make(chan error, 1)}
		p.slots = append(p.slots, s)
		p.spawnLocked(s)
	}
	slots := append([]*slot(nil), p.slots...)
	p.mu.Unlock()
	p.log.Info("spawned workers", "count", n, "addr", addr)

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range slots {
		s := s
		g.Go(func() error {
			select {
			case err := <-s.ready:
				return err
			case <-gctx.Done():
				return gctx.Err()
			case <-p.stopC:
				return errStopped
			}
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return addr, nil
}

func (p *Pool) spawnLocked(s *slot) {
	spec := supervisor.Spec{
		Role:  consts.RolePoolWorker,
		Index: s.index,
		Files: p.files,
	}
	w, err := supervisor.Spawn(p.spawner, p.clock, spec, supervisor.Hooks{
		OnMessage: func(w *supervisor.Worker, m channel.Message) { p.onMessage(s, w, m) },
		OnExit:    func(w *supervisor.Worker, st supervisor.ExitStatus) { p.onExit(s, w, st) },
	})
	// OnExit fires even when spawning failed.
	p.outstanding++
	s.worker = w
	if err == nil {
		monitor.WorkersLive.Inc()
	}
}

func (p *Pool) onMessage(s *slot, w *supervisor.Worker, m channel.Message) {
	if m.Type != channel.TypeReady {
		w.Logger().Debug("ignoring message", "type", m.Type)
		return
	}
	if !w.MarkReady() {
		return
	}
	monitor.WorkerReadyDuration.Observe(p.clock.Since(w.SpawnedAt()).Seconds())
	if m.Error != "" {
		w.Logger().Error("worker failed to start", "error", m.Error)
		s.resolve(perrors.New(perrors.ErrCodeWorkerNotReady, "Ready", m.Error, nil))
		return
	}
	w.Logger().Debug("worker ready")
	s.resolve(nil)
}

func (p *Pool) onExit(s *slot, w *supervisor.Worker, st supervisor.ExitStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.outstanding--
	if w.Pid() != 0 {
		monitor.WorkersLive.Dec()
	}
	if s.worker == w {
		s.worker = nil
	}
	if p.stopping {
		w.Logger().Debug("worker exited", "status", st.String())
		p.checkExitedLocked()
		return
	}

	lived := p.clock.Since(w.SpawnedAt())
	reason := "crash"
	if st.Code == 0 {
		reason = "reload"
	}
	if lived < consts.EarlyExitThreshold {
		w.Logger().Warn("worker exited early, respawning after back-off",
			"status", st.String(), "lived", lived, "backoff", consts.RespawnBackoff)
		monitor.WorkerRestarts.WithLabelValues("early_exit").Inc()
		s.backoff = p.clock.AfterFunc(consts.RespawnBackoff, func() { go p.respawn(s) })
		return
	}
	if st.Code == 0 {
		w.Logger().Info("worker exited, respawning", "status", st.String())
	} else {
		w.Logger().Error("worker died, respawning", "status", st.String(), "lived", lived)
	}
	monitor.WorkerRestarts.WithLabelValues(reason).Inc()
	p.spawnLocked(s)
}

func (p *Pool) respawn(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.backoff = nil
	if p.stopping {
		return
	}
	p.spawnLocked(s)
}

func (p *Pool) checkExitedLocked() {
	if p.stopping && p.outstanding == 0 && !p.exitClosed {
		p.exitClosed = true
		close(p.allExited)
	}
}

// GracefulReload asks every ready worker to drain and exit; the respawn
// path replaces them one by one.
func (p *Pool) GracefulReload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return nil
	}
	n := 0
	for _, s := range p.slots {
		if s.worker == nil || s.worker.State() != consts.WorkerReady {
			continue
		}
		if err := s.worker.Drain(syscall.SIGUSR1); err != nil {
			s.worker.Logger().Warn("could not signal worker", "error", err)
			continue
		}
		n++
	}
	p.log.Info("rolling restart requested", "workers", n)
	return nil
}

// Stop terminates every worker and waits for them, then closes the
// listener. Concurrent and repeated calls wait for the same completion.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopping {
		p.stopping = true
		close(p.stopC)
		for _, s := range p.slots {
			if s.backoff != nil {
				s.backoff.Stop()
				s.backoff = nil
			}
		}
		for _, s := range p.slots {
			if s.worker == nil {
				continue
			}
			if err := s.worker.Drain(syscall.SIGTERM); err != nil {
				s.worker.Logger().Warn("could not signal worker", "error", err)
			}
		}
		p.log.Info("stopping workers", "outstanding", p.outstanding)
		p.checkExitedLocked()
	}
	p.mu.Unlock()

	select {
	case <-p.allExited:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.closeOnce.Do(func() {
		p.sockets.Close()
		close(p.done)
	})
	return nil
}

func (p *Pool) Done() <-chan struct{} { return p.done }

// Workers returns a snapshot of every slot.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerInfo, 0, len(p.slots))
	for _, s := range p.slots {
		info := WorkerInfo{Index: s.index, State: consts.WorkerExited}
		if s.worker != nil {
			info.Pid = s.worker.Pid()
			info.State = s.worker.State()
		}
		out = append(out, info)
	}
	return out
}

var _ supervisor.Supervisor = (*Pool)(nil)

// Personal.AI order the ending
