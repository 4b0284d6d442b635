package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/turtacn/proton/internal/control"
	"github.com/turtacn/proton/internal/daemon"
	perrors "github.com/turtacn/proton/pkg/errors"
	"github.com/turtacn/proton/pkg/logger"
	"github.com/turtacn/proton/pkg/protocol"
)

const controlTimeout = 5 * time.Second

// controlAction is one of the commands sent to a running supervisor.
type controlAction struct {
	command string
	short   string
	signal  unix.Signal // fallback when only a pidfile is known; 0 probes
}

var (
	reloadAction = controlAction{control.CommandReload, "Gracefully reload the running supervisor", unix.SIGHUP}
	stopAction   = controlAction{control.CommandStop, "Stop the running supervisor", unix.SIGTERM}
	statusAction = controlAction{control.CommandStatus, "Show the state of the running supervisor", 0}
)

func newControlCommand(cfgFile *string, a controlAction) *cobra.Command {
	var socket, pidfile string
	cmd := &cobra.Command{
		Use:   a.command,
		Short: a.short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if *cfgFile != "" {
				cfg, err := protocol.Load(*cfgFile)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("control-socket") {
					socket = cfg.ControlSocket
				}
				if !cmd.Flags().Changed("pidfile") {
					pidfile = cfg.Pidfile
				}
			}
			return a.run(cmd.OutOrStdout(), socket, pidfile)
		},
	}
	cmd.Flags().StringVar(&socket, "control-socket", "", "control socket of the running supervisor")
	cmd.Flags().StringVar(&pidfile, "pidfile", "", "pidfile of the running supervisor, used when no control socket answers")
	return cmd
}

func (a controlAction) run(out io.Writer, socket, pidfile string) error {
	if socket != "" {
		resp, err := control.Send(socket, a.command, controlTimeout)
		if err == nil {
			printResponse(out, resp)
			return nil
		}
		if pidfile == "" {
			return err
		}
		logger.Log.Warn("control socket unavailable, using pidfile", "socket", socket, "error", err)
	}
	if pidfile == "" {
		return perrors.Config("a control socket or a pidfile is required")
	}

	pid, err := daemon.ReadPid(pidfile)
	if err != nil {
		return err
	}
	if err := unix.Kill(pid, a.signal); err != nil {
		if a.signal == 0 {
			return fmt.Errorf("not running (pid %d: %v)", pid, err)
		}
		return fmt.Errorf("signal %s to pid %d: %w", unix.SignalName(a.signal), pid, err)
	}
	if a.signal == 0 {
		fmt.Fprintf(out, "running (pid %d)\n", pid)
	} else {
		fmt.Fprintf(out, "sent %s to pid %d\n", unix.SignalName(a.signal), pid)
	}
	return nil
}

func printResponse(out io.Writer, resp control.Response) {
	fmt.Fprintf(out, "state: %s\n", resp.State)
	if resp.Address != "" {
		fmt.Fprintf(out, "address: %s\n", resp.Address)
	}
	for _, w := range resp.Workers {
		fmt.Fprintf(out, "worker %d: pid %d %s\n", w.Index, w.Pid, w.State)
	}
	if resp.Children > 0 {
		fmt.Fprintf(out, "reload children: %d\n", resp.Children)
	}
}

// Personal.AI order the ending
