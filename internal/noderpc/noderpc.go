//go:build linux

// Package noderpc implements the local RPC protocol spoken between the
// session broker and a session's node daemon over a Unix domain socket:
// NUL-terminated JSON request/response frames, plus a peer-credential
// check so a node daemon only accepts connections from its own session's
// owner or root.
package noderpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/neatx/neatxd/internal/nxerrors"
	"github.com/neatx/neatxd/internal/retry"
	"golang.org/x/sys/unix"
)

// Command names understood by a node daemon.
const (
	CmdStartSession     = "start"
	CmdAttachSession    = "attach"
	CmdRestoreSession   = "restore"
	CmdTerminateSession = "terminate"
	CmdGetShadowCookie  = "getshadowcookie"
)

const separator = 0

type request struct {
	Cmd  string `json:"cmd"`
	Args any    `json:"args"`
}

type response struct {
	Success bool `json:"success"`
	Result  any  `json:"result"`
}

// Client is a connection to one session's node daemon socket.
type Client struct {
	address string
	conn    net.Conn
	reader  *bufio.Reader
}

// NewClient returns a Client bound to address, not yet connected.
func NewClient(address string) *Client {
	return &Client{address: address}
}

// Connect dials the node daemon's socket. When retry is true, Connect
// retries ENOENT/ECONNREFUSED for up to 10 seconds while the node daemon
// finishes starting up.
func (c *Client) Connect(ctx context.Context, retryConnect bool) error {
	dial := func() (net.Conn, error) {
		d := net.Dialer{Timeout: 10 * time.Second}
		return d.DialContext(ctx, "unix", c.address)
	}

	if !retryConnect {
		conn, err := dial()
		if err != nil {
			return fmt.Errorf("noderpc: connect: %w", err)
		}
		c.conn = conn
		c.reader = bufio.NewReader(conn)
		return nil
	}

	var conn net.Conn
	attempt := func() error {
		var err error
		conn, err = dial()
		if err == nil {
			return nil
		}
		if isRetryableDialErr(err) {
			return retry.Again
		}
		return err
	}

	err := retry.Do(ctx, attempt, 100*time.Millisecond, 1.1, time.Second, 10*time.Second)
	if err == retry.Timeout {
		return &nxerrors.GenericError{Message: "socket didn't become ready in time"}
	}
	if err != nil {
		return fmt.Errorf("noderpc: connect: %w", err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

func isRetryableDialErr(err error) bool {
	return errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(cmd string, args any) (any, error) {
	if c.conn == nil {
		return nil, &nxerrors.GenericError{Message: "noderpc: not connected"}
	}

	data, err := json.Marshal(request{Cmd: cmd, Args: args})
	if err != nil {
		return nil, fmt.Errorf("noderpc: marshal request: %w", err)
	}
	data = append(data, separator)

	if _, err := c.conn.Write(data); err != nil {
		return nil, fmt.Errorf("noderpc: write: %w", err)
	}

	line, err := c.reader.ReadBytes(separator)
	if err != nil {
		return nil, fmt.Errorf("noderpc: read: %w", err)
	}
	line = line[:len(line)-1]

	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("noderpc: invalid response: %w", err)
	}

	if resp.Success {
		return resp.Result, nil
	}

	if env, ok := decodeEnvelope(resp.Result); ok {
		return nil, nxerrors.FromEnvelope(env)
	}

	return nil, &nxerrors.GenericError{Message: fmt.Sprintf("%v", resp.Result)}
}

func decodeEnvelope(result any) (nxerrors.Envelope, bool) {
	pair, ok := result.([]any)
	if !ok || len(pair) != 2 {
		return nxerrors.Envelope{}, false
	}
	kind, ok := pair[0].(string)
	if !ok {
		return nxerrors.Envelope{}, false
	}
	args, ok := pair[1].([]any)
	if !ok {
		return nxerrors.Envelope{}, false
	}
	return nxerrors.Envelope{Kind: kind, Args: args}, true
}

// StartSession calls the "start" procedure.
func (c *Client) StartSession(args any) (any, error) { return c.call(CmdStartSession, args) }

// AttachSession calls the "attach" procedure.
func (c *Client) AttachSession(args any, shadowCookie string) (any, error) {
	return c.call(CmdAttachSession, []any{args, shadowCookie})
}

// RestoreSession calls the "restore" procedure.
func (c *Client) RestoreSession(args any) (any, error) { return c.call(CmdRestoreSession, args) }

// TerminateSession calls the "terminate" procedure.
func (c *Client) TerminateSession(args any) (any, error) { return c.call(CmdTerminateSession, args) }

// GetShadowCookie calls the "getshadowcookie" procedure.
func (c *Client) GetShadowCookie(args any) (any, error) { return c.call(CmdGetShadowCookie, args) }

// Handler answers one RPC call, returning either a result value or an
// error to be reported to the caller as a typed envelope.
type Handler func(cmd string, args any) (any, error)

// Server listens on a Unix socket and dispatches incoming requests to a
// Handler, rejecting connections from any peer other than the allowed
// UID (the session owner or root).
type Server struct {
	listener *net.UnixListener
	handler  Handler
	allowUID uint32
}

// Listen creates a Unix socket at address, accepting only connections
// whose peer credentials carry allowUID or UID 0.
func Listen(address string, allowUID uint32, handler Handler) (*Server, error) {
	addr, err := net.ResolveUnixAddr("unix", address)
	if err != nil {
		return nil, fmt.Errorf("noderpc: resolve %s: %w", address, err)
	}

	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("noderpc: listen %s: %w", address, err)
	}

	return &Server{listener: ln, handler: handler, allowUID: allowUID}, nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close closes the listening socket.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) handleConn(conn *net.UnixConn) {
	defer conn.Close()

	if !s.peerAllowed(conn) {
		return
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes(separator)
		if err != nil {
			return
		}
		line = line[:len(line)-1]

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}

		result, err := s.handler(req.Cmd, req.Args)
		resp := response{Success: err == nil}
		if err != nil {
			env := nxerrors.ToEnvelope(err)
			resp.Result = []any{env.Kind, env.Args}
		} else {
			resp.Result = result
		}

		data, merr := json.Marshal(resp)
		if merr != nil {
			return
		}
		data = append(data, separator)
		if _, err := conn.Write(data); err != nil {
			return
		}
	}
}

func (s *Server) peerAllowed(conn *net.UnixConn) bool {
	raw, err := conn.SyscallConn()
	if err != nil {
		return false
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil || credErr != nil {
		return false
	}

	return cred.Uid == s.allowUID || cred.Uid == 0
}
