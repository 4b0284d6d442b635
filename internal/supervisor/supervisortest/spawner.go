// Package supervisortest provides an in-process Spawner for tests. Each
// "process" is a goroutine that talks to its supervisor over a real
// socketpair, so channel semantics match production.
package supervisortest

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/turtacn/proton/internal/channel"
	"github.com/turtacn/proton/internal/supervisor"
)

// Body is the child program. Its return value is the exit code.
type Body func(p *Proc) int

// Proc is a fake child process.
type Proc struct {
	Spec    supervisor.Spec
	Channel *channel.Channel // child end, not started
	Signals chan os.Signal

	pid     int
	code    int
	signals atomic.Int32
	done    chan struct{}
}

func (p *Proc) Pid() int { return p.pid }

func (p *Proc) Signal(sig os.Signal) error {
	p.signals.Add(1)
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	select {
	case p.Signals <- sig:
	default:
	}
	return nil
}

// SignalCount is the number of Signal calls, including ones made after exit.
func (p *Proc) SignalCount() int { return int(p.signals.Load()) }

func (p *Proc) Wait() supervisor.ExitStatus {
	<-p.done
	return supervisor.ExitStatus{Code: p.code}
}

// Done is closed when the body returned.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Spawner runs Body for every spawn.
type Spawner struct {
	Body Body

	mu      sync.Mutex
	fail    error
	procs   []*Proc
	nextPid atomic.Int32
}

func New(body Body) *Spawner {
	s := &Spawner{Body: body}
	s.nextPid.Store(1000)
	return s
}

// FailWith makes subsequent spawns fail with err; nil restores success.
func (s *Spawner) FailWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *Spawner) Spawn(spec supervisor.Spec, end *os.File) (supervisor.Process, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	if s.Body == nil {
		return nil, errors.New("supervisortest: no body")
	}

	ch, err := channel.FromFile(end)
	if err != nil {
		return nil, err
	}
	p := &Proc{
		Spec:    spec,
		Channel: ch,
		Signals: make(chan os.Signal, 8),
		pid:     int(s.nextPid.Add(1)),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	go func() {
		p.code = s.Body(p)
		p.Channel.Close()
		close(p.done)
	}()
	return p, nil
}

// Procs returns every process spawned so far, in spawn order.
func (s *Spawner) Procs() []*Proc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Proc(nil), s.procs...)
}

func (s *Spawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Alive counts processes whose body is still running.
func (s *Spawner) Alive() int {
	n := 0
	for _, p := range s.Procs() {
		select {
		case <-p.done:
		default:
			n++
		}
	}
	return n
}

// Personal.AI order the ending
