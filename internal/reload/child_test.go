package reload

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	fakeclock "k8s.io/utils/clock/testing"

	"github.com/turtacn/proton/internal/channel"
	perrors "github.com/turtacn/proton/pkg/errors"
	"github.com/turtacn/proton/pkg/protocol"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, err = ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func roundTrip(t *testing.T, conn net.Conn) string {
	t.Helper()
	_, err := io.WriteString(conn, "GET / HTTP/1.1\r\nHost: proton\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

type prepFailApp struct{ http.Handler }

func (prepFailApp) OnBeforeStart(ctx context.Context) error {
	return errors.New("template parse error")
}

type childHarness struct {
	parent *channel.Channel
	child  *Child
	msgs   chan channel.Message
}

func startChild(t *testing.T, clk clock.WithDelayedExecution, app http.Handler) *childHarness {
	t.Helper()
	parent, childEnd, err := channel.Pair()
	require.NoError(t, err)
	end, err := channel.FromFile(childEnd)
	require.NoError(t, err)

	h := &childHarness{parent: parent, msgs: make(chan channel.Message, 16)}
	parent.OnMessage(func(m channel.Message) { h.msgs <- m })
	parent.Start()
	t.Cleanup(func() { parent.Close() })

	h.child = NewChild(protocol.Default(), end, WithChildApp(app), WithChildClock(clk))
	return h
}

func (h *childHarness) next(t *testing.T) channel.Message {
	t.Helper()
	select {
	case m := <-h.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message from child")
		return channel.Message{}
	}
}

func (h *childHarness) transfer(t *testing.T, id string, conn net.Conn) {
	t.Helper()
	require.NoError(t, h.parent.SendConn(channel.Message{Type: channel.TypeConn, ID: id}, conn))
	ack := h.next(t)
	require.Equal(t, channel.TypeAck, ack.Type)
	require.Equal(t, id, ack.ID)
	conn.Close()
}

func hello() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, "hello") })
}

func TestChild_ServesTransferredConnection(t *testing.T) {
	h := startChild(t, fakeclock.NewFakeClock(time.Now()), hello())
	_, err := h.child.Start(context.Background())
	require.NoError(t, err)
	defer h.child.Stop(context.Background())

	ready := h.next(t)
	assert.Equal(t, channel.TypeReady, ready.Type)
	assert.Empty(t, ready.Error)

	client, server := tcpPair(t)
	h.transfer(t, "c1", server)
	assert.Equal(t, "hello", roundTrip(t, client))
}

func TestChild_ExitsOnlyAfterIdleDelay(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Now())
	h := startChild(t, clk, hello())
	_, err := h.child.Start(context.Background())
	require.NoError(t, err)
	h.next(t) // ready
	assert.True(t, clk.HasWaiters(), "exit timer armed once ready")

	client1, server1 := tcpPair(t)
	h.transfer(t, "c1", server1)
	assert.False(t, clk.HasWaiters(), "exit timer cancelled by a new connection")
	assert.Equal(t, "hello", roundTrip(t, client1))

	require.Eventually(t, clk.HasWaiters, 2*time.Second, 5*time.Millisecond, "timer re-armed when the last connection closed")
	clk.Step(1500 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assertRunning(t, h.child)

	client2, server2 := tcpPair(t)
	h.transfer(t, "c2", server2)
	clk.Step(time.Second)
	time.Sleep(30 * time.Millisecond)
	assertRunning(t, h.child)

	assert.Equal(t, "hello", roundTrip(t, client2))
	require.Eventually(t, clk.HasWaiters, 2*time.Second, 5*time.Millisecond)
	clk.Step(2 * time.Second)

	retiring := h.next(t)
	assert.Equal(t, channel.TypeRetiring, retiring.Type)
	time.Sleep(30 * time.Millisecond)
	assertRunning(t, h.child)

	require.NoError(t, h.parent.Send(channel.Message{Type: channel.TypeReleased}))
	select {
	case <-h.child.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("child did not exit once released")
	}
	assert.Equal(t, 0, h.child.Active())
}

func TestChild_RetiringRejectsConnection(t *testing.T) {
	clk := fakeclock.NewFakeClock(time.Now())
	h := startChild(t, clk, hello())
	_, err := h.child.Start(context.Background())
	require.NoError(t, err)
	h.next(t) // ready

	clk.Step(2 * time.Second)
	require.Equal(t, channel.TypeRetiring, h.next(t).Type)

	client, server := tcpPair(t)
	require.NoError(t, h.parent.SendConn(channel.Message{Type: channel.TypeConn, ID: "late"}, server))
	reject := h.next(t)
	assert.Equal(t, channel.TypeReject, reject.Type)
	assert.Equal(t, "late", reject.ID)
	assert.Equal(t, 0, h.child.Active())

	// The parent's copy is still usable.
	_, err = io.WriteString(server, "ping")
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	require.NoError(t, h.parent.Send(channel.Message{Type: channel.TypeReleased}))
	select {
	case <-h.child.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("child did not exit once released")
	}
}

func assertRunning(t *testing.T, c *Child) {
	t.Helper()
	select {
	case <-c.Done():
		t.Fatal("child exited too early")
	default:
	}
}

func TestChild_ReportsStartFailure(t *testing.T) {
	h := startChild(t, fakeclock.NewFakeClock(time.Now()), prepFailApp{hello()})
	_, err := h.child.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, perrors.ErrHandler)

	ready := h.next(t)
	assert.Equal(t, channel.TypeReady, ready.Type)
	assert.Contains(t, ready.Error, "template parse error")
	<-h.child.Done()
}

func TestChild_StopsWhenSupervisorGoesAway(t *testing.T) {
	h := startChild(t, fakeclock.NewFakeClock(time.Now()), hello())
	_, err := h.child.Start(context.Background())
	require.NoError(t, err)
	h.next(t)

	require.NoError(t, h.parent.Close())
	select {
	case <-h.child.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("child kept running without its supervisor")
	}
}
