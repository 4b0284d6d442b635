// Package channel implements the parent/child control channel: a
// SOCK_SEQPACKET unix socketpair carrying one JSON message per packet, with an
// optional socket descriptor attached to the same packet via SCM_RIGHTS.
package channel

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/turtacn/proton/pkg/consts"
	perrors "github.com/turtacn/proton/pkg/errors"
	"github.com/turtacn/proton/pkg/logger"
)

type MessageType string

const (
	TypeReady    MessageType = "ready"    // child finished starting, Error set on failure
	TypeConn     MessageType = "conn"     // a connection descriptor is attached
	TypeAck      MessageType = "ack"      // child took ownership of connection ID
	TypeReject   MessageType = "reject"   // child refused connection ID, the parent still owns it
	TypeRetiring MessageType = "retiring" // child is idle and wants to exit
	TypeReleased MessageType = "released" // parent will send no more connections
)

type Message struct {
	Type  MessageType `json:"type"`
	ID    string      `json:"id,omitempty"`
	Addr  string      `json:"addr,omitempty"`
	Error string      `json:"error,omitempty"`
}

const maxPacket = 64 * 1024

// oobSpace holds exactly one descriptor; UnixRights encodes fds as int32.
var oobSpace = unix.CmsgSpace(4)

// Channel is one end of a socketpair.
type Channel struct {
	conn *net.UnixConn
	log  logger.Logger

	wmu sync.Mutex // serialises sendmsg calls

	mu        sync.Mutex
	onMessage func(Message)
	onConn    func(Message, net.Conn)
	onClose   func()
	started   bool

	closeOnce sync.Once
	done      chan struct{}
}

// Pair creates a connected socketpair. The parent keeps the returned Channel;
// the *os.File is the child's end, to be passed through ExtraFiles and then
// closed by the caller.
func Pair() (*Channel, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "socketpair")
	}
	parent := os.NewFile(uintptr(fds[0]), "proton-channel-parent")
	child := os.NewFile(uintptr(fds[1]), "proton-channel-child")

	ch, err := FromFile(parent)
	if err != nil {
		child.Close()
		return nil, nil, err
	}
	return ch, child, nil
}

// FromFile wraps a socketpair end. The file is closed; the Channel owns a
// duplicate of the descriptor.
func FromFile(f *os.File) (*Channel, error) {
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, errors.Wrapf(err, "channel from fd %d", f.Fd())
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		c.Close()
		return nil, errors.Errorf("fd %d is not a unix socket", f.Fd())
	}
	return &Channel{
		conn: uc,
		log:  logger.Log.With("component", "channel"),
		done: make(chan struct{}),
	}, nil
}

// Inherit opens the channel a supervisor passed to this process.
func Inherit() (*Channel, error) {
	v := os.Getenv(consts.EnvChannelFD)
	if v == "" {
		return nil, errors.Errorf("%s is not set", consts.EnvChannelFD)
	}
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 3 {
		return nil, errors.Errorf("invalid %s=%q", consts.EnvChannelFD, v)
	}
	return FromFile(os.NewFile(uintptr(fd), "proton-channel"))
}

func (c *Channel) OnMessage(fn func(Message)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnConnection registers the receiver for transferred sockets. The callback
// owns the connection.
func (c *Channel) OnConnection(fn func(Message, net.Conn)) {
	c.mu.Lock()
	c.onConn = fn
	c.mu.Unlock()
}

// OnClose is called once, after the last message was delivered.
func (c *Channel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Start launches the reader goroutine. Callbacks are invoked from it, one at
// a time, in the order the peer sent them.
func (c *Channel) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.readLoop()
}

func (c *Channel) Send(msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, _, err := c.conn.WriteMsgUnix(b, nil, nil); err != nil {
		return closedErr(err)
	}
	return nil
}

// SendConn transfers conn's descriptor together with msg. The caller keeps
// its own descriptor and decides when to close it.
func (c *Channel) SendConn(msg Message, conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return errors.Errorf("connection %T has no descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "syscall conn")
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	var werr error
	cerr := raw.Control(func(fd uintptr) {
		_, _, werr = c.conn.WriteMsgUnix(b, unix.UnixRights(int(fd)), nil)
	})
	if cerr != nil {
		return errors.Wrap(cerr, "connection already closed")
	}
	if werr != nil {
		return closedErr(werr)
	}
	return nil
}

func (c *Channel) readLoop() {
	defer c.finish()

	buf := make([]byte, maxPacket)
	oob := make([]byte, oobSpace)
	for {
		n, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug("channel read failed", "error", err)
			}
			return
		}
		if n == 0 && oobn == 0 {
			return
		}

		conn, err := parseRights(oob[:oobn])
		if err != nil {
			c.log.Warn("dropping malformed descriptor", "error", err)
		}

		var msg Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			c.log.Warn("dropping malformed message", "error", err)
			if conn != nil {
				conn.Close()
			}
			continue
		}
		c.dispatch(msg, conn)
	}
}

func (c *Channel) dispatch(msg Message, conn net.Conn) {
	c.mu.Lock()
	onMessage, onConn := c.onMessage, c.onConn
	c.mu.Unlock()

	if conn != nil {
		if onConn == nil {
			c.log.Warn("no receiver for transferred connection", "id", msg.ID)
			conn.Close()
			return
		}
		onConn(msg, conn)
		return
	}
	if onMessage != nil {
		onMessage(msg)
	}
}

func parseRights(oob []byte) (net.Conn, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.Wrap(err, "parse control message")
	}
	var fds []int
	for i := range scms {
		got, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	if len(fds) == 0 {
		return nil, nil
	}
	for _, extra := range fds[1:] {
		unix.Close(extra)
	}

	f := os.NewFile(uintptr(fds[0]), "proton-conn")
	defer f.Close()
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, errors.Wrap(err, "received descriptor")
	}
	return conn, nil
}

func (c *Channel) finish() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		c.mu.Lock()
		onClose := c.onClose
		c.mu.Unlock()
		if onClose != nil {
			onClose()
		}
		close(c.done)
	})
}

// Close shuts the channel down. The peer observes EOF.
func (c *Channel) Close() error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		c.finish()
		return nil
	}
	// Unblocks the reader, which runs finish.
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Done is closed once the channel is closed and OnClose has run.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func closedErr(err error) error {
	return perrors.New(perrors.ErrCodeChannelClosed, "Send", "peer process has exited", errors.Wrap(err, "sendmsg"))
}

// Personal.AI order the ending
