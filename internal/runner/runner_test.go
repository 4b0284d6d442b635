package runner

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/proton/internal/channel"
	"github.com/turtacn/proton/internal/resource"
	perrors "github.com/turtacn/proton/pkg/errors"
	"github.com/turtacn/proton/pkg/protocol"
)

// loopbackSockets binds every request on an ephemeral loopback port and
// reports the real address through actual.
func loopbackSockets(actual *string) *resource.SocketManager {
	return resource.NewSocketManager(resource.WithListenFunc(func(network, addr string) (net.Listener, error) {
		l, err := net.Listen(network, "127.0.0.1:0")
		if err == nil {
			*actual = l.Addr().String()
		}
		return l, err
	}))
}

type countingApp struct {
	hits     atomic.Int32
	prepared atomic.Bool
	prepErr  error
}

func (a *countingApp) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.hits.Add(1)
	io.WriteString(w, "hello")
}

func (a *countingApp) OnBeforeStart(ctx context.Context) error {
	a.prepared.Store(true)
	return a.prepErr
}

func TestRunner_RoundTrip(t *testing.T) {
	var actual string
	app := &countingApp{}
	cfg := protocol.Default()
	cfg.BindTo = "127.0.0.1"
	cfg.Port = 81

	r := New(cfg, WithApp(app), WithSockets(loopbackSockets(&actual)))
	addr, err := r.Start(context.Background())
	require.NoError(t, err)
	defer r.Stop(context.Background())

	assert.Equal(t, "127.0.0.1:81", addr)
	assert.True(t, app.prepared.Load(), "OnBeforeStart must run before serving")

	resp, err := http.Get("http://" + actual + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, int32(1), app.hits.Load(), "request must reach the handler exactly once")
}

func TestRunner_DefaultBindAddress(t *testing.T) {
	var actual string
	cfg := protocol.Default()
	cfg.BindTo = ""
	cfg.Port = 81

	r := New(cfg, WithApp(&countingApp{}), WithSockets(loopbackSockets(&actual)))
	addr, err := r.Start(context.Background())
	require.NoError(t, err)
	defer r.Stop(context.Background())
	assert.Equal(t, "0.0.0.0:81", addr)
}

func TestRunner_PanicBecomes500(t *testing.T) {
	var actual string
	mux := http.NewServeMux()
	mux.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) { panic("kaboom") })
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "ok") })

	cfg := protocol.Default()
	cfg.Port = 0
	r := New(cfg, WithApp(mux), WithSockets(loopbackSockets(&actual)))
	_, err := r.Start(context.Background())
	require.NoError(t, err)
	defer r.Stop(context.Background())

	resp, err := http.Get("http://" + actual + "/boom")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, err = http.Get("http://" + actual + "/ok")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "server keeps serving after a panic")
}

func TestRunner_StartErrors(t *testing.T) {
	var actual string
	cfg := protocol.Default()
	cfg.Port = 0

	r := New(cfg, WithApp(&countingApp{prepErr: errors.New("migrations failed")}), WithSockets(loopbackSockets(&actual)))
	_, err := r.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrHandler)
	assert.Empty(t, actual, "listener must not be opened when OnBeforeStart fails")
	require.NoError(t, r.Stop(context.Background()))

	cfg.Webapp = "runner-test-unregistered"
	r = New(cfg, WithSockets(loopbackSockets(&actual)))
	_, err = r.Start(context.Background())
	assert.ErrorIs(t, err, perrors.ErrConfiguration)
}

func TestRunner_StopDrainsInFlight(t *testing.T) {
	var actual string
	entered := make(chan struct{})
	release := make(chan struct{})
	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		io.WriteString(w, "done")
	})
	cfg := protocol.Default()
	cfg.Port = 0
	r := New(cfg, WithApp(app), WithSockets(loopbackSockets(&actual)))
	_, err := r.Start(context.Background())
	require.NoError(t, err)

	respC := make(chan int, 1)
	go func() {
		resp, err := http.Get("http://" + actual + "/")
		if err != nil {
			respC <- 0
			return
		}
		resp.Body.Close()
		respC <- resp.StatusCode
	}()
	<-entered

	stopped := make(chan error, 2)
	go func() { stopped <- r.Stop(context.Background()) }()
	go func() { stopped <- r.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("Stop returned with a request in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	assert.Equal(t, http.StatusOK, <-respC)
	require.NoError(t, <-stopped)
	require.NoError(t, <-stopped)
	<-r.Done()
}

func TestRunner_GracefulReloadIsNoop(t *testing.T) {
	r := New(protocol.Default(), WithApp(&countingApp{}))
	assert.NoError(t, r.GracefulReload(context.Background()))
	require.NoError(t, r.Stop(context.Background()))
}

func TestWorker_ReportsReadyAndStopsOnChannelClose(t *testing.T) {
	parent, childEnd, err := channel.Pair()
	require.NoError(t, err)
	child, err := channel.FromFile(childEnd)
	require.NoError(t, err)

	readyC := make(chan channel.Message, 1)
	parent.OnMessage(func(m channel.Message) { readyC <- m })
	parent.Start()

	var actual string
	cfg := protocol.Default()
	cfg.BindTo = "127.0.0.1"
	cfg.Port = 0
	w := NewWorker(cfg, child, WithApp(&countingApp{}), WithSockets(loopbackSockets(&actual)))
	addr, err := w.Start(context.Background())
	require.NoError(t, err)

	select {
	case m := <-readyC:
		assert.Equal(t, channel.TypeReady, m.Type)
		assert.Empty(t, m.Error)
		assert.Equal(t, addr, m.Addr)
	case <-time.After(2 * time.Second):
		t.Fatal("no ready message")
	}

	require.NoError(t, parent.Close())
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop when the supervisor went away")
	}
}

func TestWorker_ReportsStartError(t *testing.T) {
	parent, childEnd, err := channel.Pair()
	require.NoError(t, err)
	defer parent.Close()
	child, err := channel.FromFile(childEnd)
	require.NoError(t, err)

	readyC := make(chan channel.Message, 1)
	parent.OnMessage(func(m channel.Message) { readyC <- m })
	parent.Start()

	var actual string
	cfg := protocol.Default()
	cfg.Port = 0
	w := NewWorker(cfg, child, WithApp(&countingApp{prepErr: errors.New("no cache")}), WithSockets(loopbackSockets(&actual)))
	_, err = w.Start(context.Background())
	require.Error(t, err)

	m := <-readyC
	assert.Contains(t, m.Error, "no cache")
	require.NoError(t, w.Stop(context.Background()))
}
