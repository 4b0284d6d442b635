// Package control serves the supervisor's unix control socket and the client
// used by the reload, stop and status commands.
package control

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/turtacn/proton/internal/pool"
	"github.com/turtacn/proton/pkg/logger"
)

const (
	CommandStatus = "status"
	CommandReload = "reload"
	CommandStop   = "stop"
)

const requestTimeout = 5 * time.Second

type Request struct {
	Command string `json:"command"`
}

type Response struct {
	OK       bool              `json:"ok"`
	State    string            `json:"state,omitempty"`
	Address  string            `json:"address,omitempty"`
	Error    string            `json:"error,omitempty"`
	Workers  []pool.WorkerInfo `json:"workers,omitempty"`
	Children int               `json:"children,omitempty"`
}

// Status is what a Handler reports for the status command.
type Status struct {
	State    string
	Address  string
	Workers  []pool.WorkerInfo
	Children int
}

// Handler executes control commands. Stop must not wait for the server to
// close.
type Handler interface {
	Status() Status
	Reload(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Server struct {
	path string
	h    Handler
	ln   net.Listener
	log  logger.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Listen binds path. A stale socket file left by a dead process is replaced;
// one that still answers is an error.
func Listen(path string, h Handler) (*Server, error) {
	if _, err := os.Stat(path); err == nil {
		if c, err := net.DialTimeout("unix", path, 200*time.Millisecond); err == nil {
			c.Close()
			return nil, errors.Errorf("control socket %s is in use", path)
		}
		os.Remove(path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", path)
	}
	if err := os.Chmod(path, 0700); err != nil {
		ln.Close()
		return nil, errors.Wrapf(err, "chmod %s", path)
	}

	s := &Server{
		path: path,
		h:    h,
		ln:   ln,
		log:  logger.Log.With("component", "control", "socket", path),
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *Server) Path() string { return s.path }

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Error("control accept failed", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.log.Warn("malformed control request", "error", err)
		return
	}
	s.log.Info("control command", "command", req.Command)

	resp := s.execute(req.Command)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Warn("could not reply to control request", "error", err)
	}
}

func (s *Server) execute(command string) Response {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var err error
	switch command {
	case CommandStatus:
	case CommandReload:
		err = s.h.Reload(ctx)
	case CommandStop:
		err = s.h.Stop(ctx)
	default:
		err = errors.Errorf("unknown command %q", command)
	}

	st := s.h.Status()
	resp := Response{
		OK:       err == nil,
		State:    st.State,
		Address:  st.Address,
		Workers:  st.Workers,
		Children: st.Children,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// Close stops accepting, waits for in-flight requests and removes the socket.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ln.Close()
		s.wg.Wait()
		os.Remove(s.path)
	})
	return err
}

// Send issues one command to the control socket at path.
func Send(path, command string, timeout time.Duration) (Response, error) {
	var resp Response
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return resp, errors.Wrapf(err, "dial %s", path)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if err := json.NewEncoder(conn).Encode(Request{Command: command}); err != nil {
		return resp, errors.Wrap(err, "send request")
	}
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return resp, errors.Wrap(err, "read response")
	}
	if !resp.OK {
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

// Personal.AI order the ending
