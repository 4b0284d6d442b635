package resource

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"syscall"

	"github.com/turtacn/proton/pkg/consts"
	perrors "github.com/turtacn/proton/pkg/errors"
	"github.com/turtacn/proton/pkg/logger"
)

// ListenFunc binds a new listener.
type ListenFunc func(network, addr string) (net.Listener, error)

// SocketManager is the single place a process obtains listening sockets.
// A socket is either inherited from the supervisor (PROTON_INHERITED_FDS,
// starting at fd 3) or bound exactly once; either way a duplicate *os.File
// is kept so the socket can be passed on to spawned workers.
type SocketManager struct {
	mu     sync.Mutex
	listen ListenFunc
	log    logger.Logger

	// Active listeners keyed by the address they were requested with
	listeners map[string]net.Listener
	files     map[string]*os.File

	// Inherited but not yet claimed listeners
	inherited []*inheritedSocket

	discovered bool
	fdBase     int
}

type inheritedSocket struct {
	listener net.Listener
	file     *os.File
}

type Option func(*SocketManager)

// WithListenFunc replaces net.Listen.
func WithListenFunc(fn ListenFunc) Option {
	return func(sm *SocketManager) { sm.listen = fn }
}

func WithLogger(l logger.Logger) Option {
	return func(sm *SocketManager) { sm.log = l }
}

func NewSocketManager(opts ...Option) *SocketManager {
	sm := &SocketManager{
		listen:    net.Listen,
		log:       logger.Log.With("component", "sockets"),
		listeners: make(map[string]net.Listener),
		files:     make(map[string]*os.File),
		fdBase:    3,
	}
	for _, o := range opts {
		o(sm)
	}
	return sm
}

func isSocket(fd uintptr) bool {
	var stat syscall.Stat_t
	if err := syscall.Fstat(int(fd), &stat); err != nil {
		return false
	}
	return (stat.Mode & syscall.S_IFMT) == syscall.S_IFSOCK
}

// restoreNonblock undoes the blocking mode that File() and os.NewFile leave
// on the shared descriptor, which the runtime poller depends on.
func restoreNonblock(l net.Listener) {
	sc, ok := l.(syscall.Conn)
	if !ok {
		return
	}
	if raw, err := sc.SyscallConn(); err == nil {
		raw.Control(func(fd uintptr) {
			_ = syscall.SetNonblock(int(fd), true)
		})
	}
}

func (sm *SocketManager) discoverInherited() {
	if sm.discovered {
		return
	}
	sm.discovered = true

	count, err := strconv.Atoi(os.Getenv(consts.EnvInheritedFDs))
	if err != nil || count <= 0 {
		return
	}
	// Our own children get the variable from their spawner, not from us.
	os.Unsetenv(consts.EnvInheritedFDs)

	for i := 0; i < count; i++ {
		fd := sm.fdBase + i
		if !isSocket(uintptr(fd)) {
			sm.log.Warn("inherited fd is not a socket, skipping", "fd", fd)
			continue
		}
		f := os.NewFile(uintptr(fd), "inherited-listener")
		if f == nil {
			continue
		}
		l, err := net.FileListener(f)
		if err != nil {
			sm.log.Error("cannot use inherited fd as listener", "fd", fd, "error", err)
			continue
		}
		restoreNonblock(l)
		sm.inherited = append(sm.inherited, &inheritedSocket{listener: l, file: f})
		sm.log.Debug("found inherited listener", "addr", l.Addr().String(), "fd", fd)
	}
}

// EnsureListener returns the listener for addr: an active one, an inherited
// one or, failing both, a freshly bound one.
func (sm *SocketManager) EnsureListener(addr string) (net.Listener, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if l, ok := sm.listeners[addr]; ok {
		return l, nil
	}
	for key, l := range sm.listeners {
		if matches(addr, l.Addr()) {
			sm.listeners[addr] = l
			sm.files[addr] = sm.files[key]
			return l, nil
		}
	}

	sm.discoverInherited()
	for i, is := range sm.inherited {
		if !matches(addr, is.listener.Addr()) {
			continue
		}
		sm.log.Info("using inherited listener", "addr", is.listener.Addr().String())
		sm.listeners[addr] = is.listener
		sm.files[addr] = is.file
		sm.inherited = append(sm.inherited[:i], sm.inherited[i+1:]...)
		return is.listener, nil
	}

	l, err := sm.listen("tcp", addr)
	if err != nil {
		return nil, perrors.New(perrors.ErrCodeListenFailed, "Listen", "could not bind "+addr, err)
	}
	sm.log.Info("bound listener", "addr", l.Addr().String())

	if fl, ok := l.(interface{ File() (*os.File, error) }); ok {
		f, err := fl.File()
		if err != nil {
			l.Close()
			return nil, perrors.New(perrors.ErrCodeListenFailed, "Listen", "could not duplicate "+addr, err)
		}
		restoreNonblock(l)
		sm.files[addr] = f
	}
	sm.listeners[addr] = l
	return l, nil
}

// Files returns the descriptors of every active listener, ordered by
// address, for passing to a child.
func (sm *SocketManager) Files() []*os.File {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	seen := make(map[*os.File]bool)
	addrs := make([]string, 0, len(sm.files))
	for addr, f := range sm.files {
		if f == nil || seen[f] {
			continue
		}
		seen[f] = true
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	files := make([]*os.File, 0, len(addrs))
	for _, addr := range addrs {
		files = append(files, sm.files[addr])
	}
	return files
}

// Close closes every listener and descriptor, claimed or not.
func (sm *SocketManager) Close() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	closed := make(map[any]bool)
	for addr, l := range sm.listeners {
		if !closed[l] {
			closed[l] = true
			l.Close()
		}
		if f := sm.files[addr]; f != nil && !closed[f] {
			closed[f] = true
			f.Close()
		}
	}
	sm.listeners = make(map[string]net.Listener)
	sm.files = make(map[string]*os.File)

	for _, is := range sm.inherited {
		is.listener.Close()
		is.file.Close()
	}
	sm.inherited = nil
}

// matches reports whether a listener bound at actual satisfies a request
// for addr. Unspecified hosts are equivalent to each other and port 0
// accepts any port.
func matches(addr string, actual net.Addr) bool {
	rh, rp, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	ah, ap, err := net.SplitHostPort(actual.String())
	if err != nil {
		return false
	}
	if rp != "0" && rp != ap {
		return false
	}
	return sameHost(rh, ah)
}

func sameHost(a, b string) bool {
	ia, ib := net.ParseIP(a), net.ParseIP(b)
	unspecA := a == "" || (ia != nil && ia.IsUnspecified())
	unspecB := b == "" || (ib != nil && ib.IsUnspecified())
	if unspecA || unspecB {
		return unspecA && unspecB
	}
	if ia != nil && ib != nil {
		return ia.Equal(ib)
	}
	return a == b
}

// Port returns the TCP port l is bound to.
func Port(l net.Listener) (int, error) {
	_, p, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("listener port %q: %w", p, err)
	}
	return port, nil
}

// Personal.AI order the ending
