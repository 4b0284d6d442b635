package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/turtacn/proton/pkg/consts"
	"github.com/turtacn/proton/pkg/logger"
)

// Spec describes the process to spawn.
type Spec struct {
	Role  consts.Role
	Index int
	// Files are inherited in order starting at fd 3; the channel end follows.
	Files []*os.File
	Env   []string
}

// ExitStatus describes how a process ended. Code is -1 when the process
// could not be spawned, 128+n when it was killed by signal n.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return fmt.Sprintf("signal %s", s.Signal)
	}
	return fmt.Sprintf("exit %d", s.Code)
}

// Process is a running child.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	// Wait blocks until the process has exited.
	Wait() ExitStatus
}

// Spawner starts a child for spec. channelEnd must be handed to the child;
// the caller closes its copy once Spawn returns.
type Spawner interface {
	Spawn(spec Spec, channelEnd *os.File) (Process, error)
}

// ExecSpawner re-executes a binary (the running executable by default) with
// the role flag. The child is placed in its own process group so terminal
// signals only reach the supervisor.
type ExecSpawner struct {
	Path   string
	Args   []string // arguments preceding --role, defaults to "start"
	Config string   // encoded config, exported as PROTON_CONFIG
	Stdout io.Writer
	Stderr io.Writer
}

func (s *ExecSpawner) Spawn(spec Spec, channelEnd *os.File) (Process, error) {
	path := s.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		path = exe
	}
	args := s.Args
	if len(args) == 0 {
		args = []string{"start"}
	}
	args = append(append([]string{}, args...), "--role", string(spec.Role))

	cmd := exec.Command(path, args...)
	cmd.Env = append(childEnviron(), spec.Env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("%s=%d", consts.EnvInheritedFDs, len(spec.Files)),
		fmt.Sprintf("%s=%d", consts.EnvChannelFD, 3+len(spec.Files)),
		fmt.Sprintf("%s=%d", consts.EnvWorkerIndex, spec.Index),
	)
	if s.Config != "" {
		cmd.Env = append(cmd.Env, consts.EnvConfig+"="+s.Config)
	}
	cmd.ExtraFiles = append(append([]*os.File{}, spec.Files...), channelEnd)
	cmd.Stdout = orDefault(s.Stdout, os.Stdout)
	cmd.Stderr = orDefault(s.Stderr, os.Stderr)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	logger.Log.Debug("spawned process", "role", spec.Role, "worker", spec.Index, "child_pid", cmd.Process.Pid)
	return &execProcess{cmd: cmd}, nil
}

// childEnviron drops proton variables this process may itself have inherited.
func childEnviron() []string {
	env := os.Environ()
	out := env[:0:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "PROTON_") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func orDefault(w io.Writer, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Wait() ExitStatus {
	err := p.cmd.Wait()
	if err == nil {
		return ExitStatus{}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return ExitStatus{Code: 128 + int(ws.Signal()), Signal: ws.Signal().String(), Err: err}
		}
		return ExitStatus{Code: ee.ExitCode(), Err: err}
	}
	return ExitStatus{Code: -1, Err: err}
}

// Personal.AI order the ending
