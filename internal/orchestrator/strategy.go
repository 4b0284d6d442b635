package orchestrator

import (
	"context"
	"fmt"

	"github.com/turtacn/proton/internal/channel"
	"github.com/turtacn/proton/internal/control"
	"github.com/turtacn/proton/internal/pool"
	"github.com/turtacn/proton/internal/reload"
	"github.com/turtacn/proton/internal/runner"
	"github.com/turtacn/proton/internal/supervisor"
	"github.com/turtacn/proton/pkg/consts"
	perrors "github.com/turtacn/proton/pkg/errors"
	"github.com/turtacn/proton/pkg/protocol"
)

// Factory builds the strategy a process runs for its role.
type Factory func(role consts.Role, cfg protocol.Config) (supervisor.Supervisor, error)

// DefaultFactory selects by role first, then by the configured mode.
func DefaultFactory(role consts.Role, cfg protocol.Config) (supervisor.Supervisor, error) {
	switch role {
	case consts.RoleReloadChild:
		ch, err := channel.Inherit()
		if err != nil {
			return nil, perrors.New(perrors.ErrCodeChannelClosed, "Inherit", "no supervisor channel", err)
		}
		return reload.NewChild(cfg, ch), nil
	case consts.RolePoolWorker:
		ch, err := channel.Inherit()
		if err != nil {
			return nil, perrors.New(perrors.ErrCodeChannelClosed, "Inherit", "no supervisor channel", err)
		}
		return runner.NewWorker(cfg, ch), nil
	case consts.RoleSupervisor:
	default:
		return nil, perrors.Config(fmt.Sprintf("unknown role %q", role))
	}

	switch cfg.Mode() {
	case consts.ModeReload:
		return reload.New(cfg), nil
	case consts.ModeSingle:
		return runner.New(cfg), nil
	}
	return pool.New(cfg), nil
}

type workerLister interface {
	Workers() []pool.WorkerInfo
}

type childCounter interface {
	Children() int
}

// controlHandler exposes the engine on the control socket.
type controlHandler struct {
	e *Engine
}

func (h controlHandler) Status() control.Status {
	e := h.e
	st := control.Status{State: string(e.State()), Address: e.Address()}

	e.mu.Lock()
	strategy := e.strategy
	e.mu.Unlock()
	if wl, ok := strategy.(workerLister); ok {
		st.Workers = wl.Workers()
	}
	if cc, ok := strategy.(childCounter); ok {
		st.Children = cc.Children()
	}
	return st
}

func (h controlHandler) Reload(ctx context.Context) error { return h.e.Reload(ctx) }

func (h controlHandler) Stop(ctx context.Context) error {
	h.e.RequestStop()
	return nil
}

// Personal.AI order the ending
