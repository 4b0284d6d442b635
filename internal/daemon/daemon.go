// Package daemon holds the primitives used to turn the supervisor into a
// background service: detaching, the pidfile lock, dropping privileges and
// redirecting standard streams.
package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	godaemon "github.com/sevlyar/go-daemon"
	"golang.org/x/sys/unix"

	perrors "github.com/turtacn/proton/pkg/errors"
	"github.com/turtacn/proton/pkg/logger"
)

// Daemonizer is used by the lifecycle controller, strictly before any
// socket is bound.
type Daemonizer interface {
	// Detach re-executes the program in the background. It reports true in
	// the original process, which must then exit 0.
	Detach() (parent bool, err error)
	LockPidfile(path string) error
	DropPrivileges(uid, gid string) error
	// RedirectStandardStreams points stdin at /dev/null, stdout at
	// logdir/log and stderr at logdir/errors; /dev/null when logdir is empty.
	RedirectStandardStreams(logdir string) error
	// Release removes the pidfile.
	Release() error
}

// Daemon implements Daemonizer with go-daemon.
type Daemon struct {
	ctx  *godaemon.Context
	lock *godaemon.LockFile
}

type Option func(*godaemon.Context)

// WithEnv replaces the environment of the detached process.
func WithEnv(env []string) Option {
	return func(c *godaemon.Context) { c.Env = env }
}

func New(opts ...Option) *Daemon {
	ctx := &godaemon.Context{
		WorkDir: "/",
		Umask:   027,
		Args:    os.Args,
	}
	for _, o := range opts {
		o(ctx)
	}
	return &Daemon{ctx: ctx}
}

// WasReborn reports whether this process is the detached copy.
func WasReborn() bool { return godaemon.WasReborn() }

// ReadPid returns the pid recorded in a pidfile.
func ReadPid(path string) (int, error) {
	pid, err := godaemon.ReadPidFile(path)
	if err != nil {
		return 0, perrors.New(perrors.ErrCodeDaemonize, "Pidfile", "cannot read "+path, err)
	}
	return pid, nil
}

func (d *Daemon) Detach() (bool, error) {
	child, err := d.ctx.Reborn()
	if err != nil {
		return false, perrors.New(perrors.ErrCodeDaemonize, "Detach", "could not detach", err)
	}
	if child != nil {
		logger.Log.Debug("detached", "daemon_pid", child.Pid)
		return true, nil
	}
	return false, nil
}

func (d *Daemon) LockPidfile(path string) error {
	lock, err := godaemon.CreatePidFile(path, 0644)
	if err != nil {
		return perrors.New(perrors.ErrCodeDaemonize, "Pidfile", "could not lock "+path, err)
	}
	d.lock = lock
	return nil
}

func (d *Daemon) Release() error {
	if d.lock == nil {
		return nil
	}
	err := d.lock.Remove()
	d.lock = nil
	return err
}

// DropPrivileges switches to gid then uid. Both accept names or numbers.
func (d *Daemon) DropPrivileges(uid, gid string) error {
	if uid == "" && gid == "" {
		return nil
	}
	g, err := LookupGID(gid)
	if err != nil {
		return perrors.New(perrors.ErrCodeDaemonize, "DropPrivileges", "unknown group "+gid, err)
	}
	u, err := LookupUID(uid)
	if err != nil {
		return perrors.New(perrors.ErrCodeDaemonize, "DropPrivileges", "unknown user "+uid, err)
	}
	if err := syscall.Setgroups([]int{g}); err != nil {
		return perrors.New(perrors.ErrCodeDaemonize, "DropPrivileges", "setgroups", err)
	}
	if err := syscall.Setgid(g); err != nil {
		return perrors.New(perrors.ErrCodeDaemonize, "DropPrivileges", "setgid", err)
	}
	if err := syscall.Setuid(u); err != nil {
		return perrors.New(perrors.ErrCodeDaemonize, "DropPrivileges", "setuid", err)
	}
	return nil
}

func (d *Daemon) RedirectStandardStreams(logdir string) error {
	return redirect([3]int{0, 1, 2}, logdir)
}

// redirect replaces the descriptors in targets (stdin, stdout, stderr).
func redirect(targets [3]int, logdir string) error {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return perrors.New(perrors.ErrCodeDaemonize, "Redirect", "open "+os.DevNull, err)
	}
	defer devnull.Close()

	out, errOut := devnull, devnull
	if logdir != "" {
		flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
		logFile, err := os.OpenFile(filepath.Join(logdir, "log"), flags, 0640)
		if err != nil {
			return perrors.New(perrors.ErrCodeDaemonize, "Redirect", "open log", err)
		}
		defer logFile.Close()
		errFile, err := os.OpenFile(filepath.Join(logdir, "errors"), flags, 0640)
		if err != nil {
			return perrors.New(perrors.ErrCodeDaemonize, "Redirect", "open errors", err)
		}
		defer errFile.Close()
		out, errOut = logFile, errFile
	}

	for i, f := range []*os.File{devnull, out, errOut} {
		if err := unix.Dup2(int(f.Fd()), targets[i]); err != nil {
			return perrors.New(perrors.ErrCodeDaemonize, "Redirect", "dup2 onto fd "+strconv.Itoa(targets[i]), err)
		}
	}
	return nil
}

var _ Daemonizer = (*Daemon)(nil)

// Personal.AI order the ending
