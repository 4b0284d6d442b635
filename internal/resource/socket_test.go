package resource

import (
	"net"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/turtacn/proton/pkg/consts"
	perrors "github.com/turtacn/proton/pkg/errors"
)

func isNonblocking(fd uintptr) (bool, error) {
	flags, err := unix.FcntlInt(fd, unix.F_GETFL, 0)
	if err != nil {
		return false, err
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

// inheritFrom prepares sm to discover a duplicate of f as its only inherited
// socket. The duplicate belongs to sm.
func inheritFrom(t *testing.T, sm *SocketManager, f *os.File) {
	t.Helper()
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	t.Setenv(consts.EnvInheritedFDs, "1")
	sm.fdBase = fd
}

func TestSocketManager_Idempotency(t *testing.T) {
	t.Setenv(consts.EnvInheritedFDs, "")
	sm := NewSocketManager()
	defer sm.Close()

	l1, err := sm.EnsureListener("127.0.0.1:0")
	require.NoError(t, err)

	l2, err := sm.EnsureListener("127.0.0.1:0")
	require.NoError(t, err)
	assert.Same(t, l1, l2, "expected same listener instance on second call")
	assert.Len(t, sm.Files(), 1)
}

func TestSocketManager_AddressChange(t *testing.T) {
	t.Setenv(consts.EnvInheritedFDs, "")
	sm := NewSocketManager()
	defer sm.Close()

	l1, err := sm.EnsureListener("127.0.0.1:0")
	require.NoError(t, err)
	l2, err := sm.EnsureListener("127.0.0.2:0")
	require.NoError(t, err)

	assert.NotSame(t, l1, l2, "expected a different listener when the host changes")
	assert.Len(t, sm.Files(), 2)
}

func TestSocketManager_CanonicalAddress(t *testing.T) {
	t.Setenv(consts.EnvInheritedFDs, "")
	sm := NewSocketManager()
	defer sm.Close()

	l1, err := sm.EnsureListener(":0")
	require.NoError(t, err)

	canonical := l1.Addr().String()
	l2, err := sm.EnsureListener(canonical)
	require.NoError(t, err, "must not bind %s a second time", canonical)
	assert.Same(t, l1, l2)
}

func TestSocketManager_InheritsListener(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f, err := l.(*net.TCPListener).File()
	require.NoError(t, err)
	defer f.Close()
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	sm := NewSocketManager(WithListenFunc(func(network, a string) (net.Listener, error) {
		t.Fatalf("unexpected bind of %s", a)
		return nil, nil
	}))
	defer sm.Close()
	inheritFrom(t, sm, f)

	// Port 0 claims whatever port the supervisor bound.
	inherited, err := sm.EnsureListener("127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, addr, inherited.Addr().String())
	assert.Empty(t, os.Getenv(consts.EnvInheritedFDs), "variable must be cleared once processed")

	raw, err := inherited.(*net.TCPListener).SyscallConn()
	require.NoError(t, err)
	var nonblocking bool
	var ctlErr error
	require.NoError(t, raw.Control(func(fd uintptr) {
		nonblocking, ctlErr = isNonblocking(fd)
	}))
	require.NoError(t, ctlErr)
	assert.True(t, nonblocking, "inherited listener must be non-blocking")

	go func() {
		c, err := net.Dial("tcp", addr)
		if err == nil {
			c.Close()
		}
	}()
	c, err := inherited.Accept()
	require.NoError(t, err)
	c.Close()
}

func TestSocketManager_InheritedUnspecifiedHost(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	f, err := l.(*net.TCPListener).File()
	require.NoError(t, err)
	defer f.Close()
	port, err := Port(l)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	sm := NewSocketManager()
	defer sm.Close()
	inheritFrom(t, sm, f)

	inherited, err := sm.EnsureListener("0.0.0.0:" + strconv.Itoa(port))
	require.NoError(t, err)
	got, err := Port(inherited)
	require.NoError(t, err)
	assert.Equal(t, port, got)
}

func TestSocketManager_NotASocketFallsBackToBind(t *testing.T) {
	devnull, err := os.Open(os.DevNull)
	require.NoError(t, err)
	defer devnull.Close()

	sm := NewSocketManager()
	defer sm.Close()
	inheritFrom(t, sm, devnull)

	l, err := sm.EnsureListener("127.0.0.1:0")
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestSocketManager_ListenFunc(t *testing.T) {
	t.Setenv(consts.EnvInheritedFDs, "")
	var requested string
	sm := NewSocketManager(WithListenFunc(func(network, addr string) (net.Listener, error) {
		requested = addr
		return net.Listen(network, "127.0.0.1:0")
	}))
	defer sm.Close()

	_, err := sm.EnsureListener("127.0.0.1:81")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:81", requested)
}

func TestSocketManager_ListenError(t *testing.T) {
	t.Setenv(consts.EnvInheritedFDs, "")
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	sm := NewSocketManager()
	defer sm.Close()

	_, err = sm.EnsureListener(busy.Addr().String())
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrListen)
}

func TestSocketManager_FilesOrderDeterministic(t *testing.T) {
	t.Setenv(consts.EnvInheritedFDs, "")
	sm := NewSocketManager()
	defer sm.Close()

	for _, host := range []string{"127.0.0.5", "127.0.0.1", "127.0.0.3", "127.0.0.2", "127.0.0.4"} {
		_, err := sm.EnsureListener(host + ":0")
		require.NoError(t, err)
	}

	first := sm.Files()
	require.Len(t, first, 5)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, sm.Files(), "Files() order should be deterministic")
	}
}

func TestMatches(t *testing.T) {
	addr := func(s string) net.Addr {
		a, err := net.ResolveTCPAddr("tcp", s)
		require.NoError(t, err)
		return a
	}
	assert.True(t, matches("0.0.0.0:80", addr("[::]:80")))
	assert.True(t, matches(":80", addr("0.0.0.0:80")))
	assert.True(t, matches("127.0.0.1:0", addr("127.0.0.1:4312")))
	assert.False(t, matches("127.0.0.1:81", addr("127.0.0.1:80")))
	assert.False(t, matches("127.0.0.2:80", addr("127.0.0.1:80")))
	assert.False(t, matches("0.0.0.0:80", addr("127.0.0.1:80")))
	assert.False(t, matches("garbage", addr("127.0.0.1:80")))
}
