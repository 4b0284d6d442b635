package supervisor

import (
	"os"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/turtacn/proton/internal/channel"
	"github.com/turtacn/proton/pkg/consts"
	perrors "github.com/turtacn/proton/pkg/errors"
	"github.com/turtacn/proton/pkg/fsm"
	"github.com/turtacn/proton/pkg/logger"
)

const (
	evReady fsm.Event = "ready"
	evDrain fsm.Event = "drain"
	evExit  fsm.Event = "exit"
)

// Hooks are invoked from the worker's goroutines, never while Spawn holds
// any lock of the caller.
type Hooks struct {
	OnMessage func(w *Worker, msg channel.Message)
	// OnExit is called exactly once, after the process exited and its
	// channel drained.
	OnExit func(w *Worker, st ExitStatus)
}

// Worker is the supervisor-side handle of one spawned child process.
type Worker struct {
	role      consts.Role
	index     int
	spawnedAt time.Time
	hooks     Hooks
	log       logger.Logger

	proc Process
	ch   *channel.Channel
	sm   *fsm.StateMachine

	exitOnce sync.Once
	exited   chan struct{}
	status   ExitStatus
}

func newStateMachine() *fsm.StateMachine {
	sm := fsm.New(fsm.State(consts.WorkerSpawning))
	spawning := fsm.State(consts.WorkerSpawning)
	ready := fsm.State(consts.WorkerReady)
	draining := fsm.State(consts.WorkerDraining)
	exited := fsm.State(consts.WorkerExited)

	sm.AddTransition(spawning, ready, evReady, nil)
	sm.AddTransition(spawning, draining, evDrain, nil)
	sm.AddTransition(ready, draining, evDrain, nil)
	for _, from := range []fsm.State{spawning, ready, draining} {
		sm.AddTransition(from, exited, evExit, nil)
	}
	return sm
}

// Spawn starts a child through spawner with a fresh channel. A spawn failure
// is returned and also reported through OnExit with code -1.
func Spawn(spawner Spawner, clk clock.PassiveClock, spec Spec, hooks Hooks) (*Worker, error) {
	w := &Worker{
		role:      spec.Role,
		index:     spec.Index,
		spawnedAt: clk.Now(),
		hooks:     hooks,
		sm:        newStateMachine(),
		exited:    make(chan struct{}),
	}
	w.log = logger.Log.With("component", "worker", "role", spec.Role, "worker", spec.Index)

	ch, childEnd, err := channel.Pair()
	if err != nil {
		return w, w.spawnFailed(err)
	}
	proc, err := spawner.Spawn(spec, childEnd)
	childEnd.Close()
	if err != nil {
		ch.Close()
		return w, w.spawnFailed(err)
	}

	w.proc = proc
	w.ch = ch
	w.log = w.log.With("child_pid", proc.Pid())
	ch.OnMessage(func(m channel.Message) {
		if w.hooks.OnMessage != nil {
			w.hooks.OnMessage(w, m)
		}
	})
	ch.Start()
	go w.wait()
	return w, nil
}

func (w *Worker) spawnFailed(cause error) error {
	err := perrors.New(perrors.ErrCodeSpawnFailed, "Spawn", "could not spawn "+string(w.role), cause)
	w.log.Error("spawn failed", "error", err)
	go w.finish(ExitStatus{Code: -1, Err: err})
	return err
}

func (w *Worker) wait() {
	st := w.proc.Wait()
	t := time.NewTimer(consts.ChannelDrainTimeout)
	select {
	case <-w.ch.Done():
	case <-t.C:
		w.log.Warn("channel still open after exit, closing")
	}
	t.Stop()
	w.ch.Close()
	<-w.ch.Done()
	w.finish(st)
}

func (w *Worker) finish(st ExitStatus) {
	w.exitOnce.Do(func() {
		w.status = st
		_ = w.sm.Fire(evExit)
		close(w.exited)
		if w.hooks.OnExit != nil {
			w.hooks.OnExit(w, st)
		}
	})
}

// MarkReady moves a spawning worker to Ready. It reports false when the
// worker was already past that point.
func (w *Worker) MarkReady() bool {
	return w.sm.Fire(evReady) == nil
}

// Drain signals the worker and records that it is expected to exit.
func (w *Worker) Drain(sig os.Signal) error {
	if w.proc == nil || w.sm.Is(fsm.State(consts.WorkerExited)) {
		return nil
	}
	_ = w.sm.Fire(evDrain)
	return w.Kill(sig)
}

// Kill delivers sig to a live process.
func (w *Worker) Kill(sig os.Signal) error {
	if w.proc == nil || w.sm.Is(fsm.State(consts.WorkerExited)) {
		return nil
	}
	w.log.Debug("signalling worker", "signal", sig)
	return w.proc.Signal(sig)
}

func (w *Worker) Index() int           { return w.index }
func (w *Worker) SpawnedAt() time.Time { return w.spawnedAt }

func (w *Worker) State() consts.WorkerState {
	return consts.WorkerState(w.sm.Current())
}

// Pid is 0 when spawning failed.
func (w *Worker) Pid() int {
	if w.proc == nil {
		return 0
	}
	return w.proc.Pid()
}

// Channel is nil when spawning failed.
func (w *Worker) Channel() *channel.Channel { return w.ch }

func (w *Worker) Exited() <-chan struct{} { return w.exited }

func (w *Worker) Logger() logger.Logger { return w.log }

// Personal.AI order the ending
