package runner

import (
	"context"
	"sync"

	"github.com/turtacn/proton/internal/channel"
	"github.com/turtacn/proton/internal/supervisor"
	"github.com/turtacn/proton/pkg/logger"
	"github.com/turtacn/proton/pkg/protocol"
)

// Worker is the pool worker body: a Runner on the inherited listener that
// reports readiness to its supervisor and stops when the supervisor goes
// away.
type Worker struct {
	*Runner
	ch  *channel.Channel
	log logger.Logger

	once sync.Once
}

func NewWorker(cfg protocol.Config, ch *channel.Channel, opts ...Option) *Worker {
	log := logger.Log.With("component", "pool-worker")
	opts = append([]Option{WithLogger(log)}, opts...)
	return &Worker{Runner: New(cfg, opts...), ch: ch, log: log}
}

// Start serves and sends ready, carrying the error when startup failed.
func (w *Worker) Start(ctx context.Context) (string, error) {
	addr, err := w.Runner.Start(ctx)
	msg := channel.Message{Type: channel.TypeReady, Addr: addr}
	if err != nil {
		msg.Error = err.Error()
	}
	if serr := w.ch.Send(msg); serr != nil && err == nil {
		err = serr
	}
	if err != nil {
		return "", err
	}

	w.once.Do(func() {
		w.ch.OnClose(func() {
			w.log.Info("supervisor channel closed, stopping")
			go w.Runner.Stop(context.Background())
		})
		w.ch.Start()
	})
	return addr, nil
}

func (w *Worker) Stop(ctx context.Context) error {
	err := w.Runner.Stop(ctx)
	w.ch.Close()
	return err
}

var _ supervisor.Supervisor = (*Worker)(nil)

// Personal.AI order the ending
