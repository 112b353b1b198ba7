//go:build linux

// Package nodedaemon implements the per-session node daemon: it builds a
// session record from a client's startsession/attachsession/restoresession
// parameters, brings up the X11 side of the session (xauth, nxagent,
// xrdb, the user's application) in order, and answers the broker's local
// RPC calls for the lifetime of the session.
package nodedaemon

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"

	"github.com/neatx/neatxd/internal/audit"
	"github.com/neatx/neatxd/internal/daemonize"
	"github.com/neatx/neatxd/internal/display"
	"github.com/neatx/neatxd/internal/hostinfo"
	"github.com/neatx/neatxd/internal/logging"
	"github.com/neatx/neatxd/internal/noderpc"
	"github.com/neatx/neatxd/internal/nxerrors"
	"github.com/neatx/neatxd/internal/protocol"
	"github.com/neatx/neatxd/internal/session"
)

var log = logging.L("nodedaemon")

// Config carries the external tool paths and per-type launch commands a
// node daemon needs to bring a session's X11 side up. It is populated by
// the caller (the neatxd "node" subcommand) from the process-wide
// configuration rather than imported here, keeping this package free of
// a dependency on the configuration layer's shape.
type Config struct {
	Xauth             string
	XRdb              string
	NxAgent           string
	NxDialog          string
	StartKdeCommand   []string
	StartGnomeCommand []string
	StartConsoleCmd   []string
	DefaultUmask      os.FileMode
}

// Launcher satisfies internal/broker's NodeLauncher interface: it starts
// a node daemon for a new session, via a double fork re-executing the
// current binary under the "node" subcommand, and reports where its RPC
// socket will appear.
type Launcher struct {
	store     *session.Store
	selfPath  string
	extraArgs []string
}

// NewLauncher returns a Launcher that re-execs selfPath (the running
// neatxd binary) with extraArgs followed by "node <username> <id>".
func NewLauncher(store *session.Store, selfPath string, extraArgs ...string) *Launcher {
	return &Launcher{store: store, selfPath: selfPath, extraArgs: extraArgs}
}

// StartNodeDaemon double-forks a node daemon process for sessionID,
// mirroring StartNodeDaemon's exec-after-fork handoff to the node
// wrapper binary.
func (l *Launcher) StartNodeDaemon(username, sessionID string) error {
	args := append(append([]string{l.selfPath}, l.extraArgs...), "node", username, sessionID)
	return daemonize.Start(func() error {
		return daemonize.ExecSelf(args, os.Environ())
	})
}

// SessionSocket returns the path a node daemon listens on for sessionID.
func (l *Launcher) SessionSocket(sessionID string) string {
	return l.store.NodeSocketPath(sessionID)
}

// Daemon is the running node daemon for exactly one session: it owns the
// session record, the bring-up pipeline, and the RPC server answering
// the broker's calls.
type Daemon struct {
	cfg      Config
	store    *session.Store
	username string
	audit    *audit.Logger

	mu      sync.Mutex
	rec     *session.Record
	runner  *sessionRunner
	display *display.Lock
}

// New returns a Daemon for a brand-new session owned by username,
// without yet building its record (a subsequent "start" RPC call
// supplies the client parameters that fill it in). auditLog may be nil.
func New(cfg Config, store *session.Store, username string, auditLog *audit.Logger) *Daemon {
	return &Daemon{cfg: cfg, store: store, username: username, audit: auditLog}
}

// Handle dispatches one RPC call by command name, suitable as a
// noderpc.Handler.
func (d *Daemon) Handle(cmd string, args any) (any, error) {
	switch cmd {
	case noderpc.CmdStartSession:
		return d.start(args)
	case noderpc.CmdAttachSession:
		return d.attach(args)
	case noderpc.CmdRestoreSession:
		return d.restore(args)
	case noderpc.CmdTerminateSession:
		return d.terminate(args)
	case noderpc.CmdGetShadowCookie:
		return d.shadowCookie()
	default:
		return nil, &nxerrors.GenericError{Message: fmt.Sprintf("unknown node command %q", cmd)}
	}
}

func clientArgs(args any) map[string]string {
	result := make(map[string]string)
	m, ok := args.(map[string]any)
	if !ok {
		return result
	}
	for k, v := range m {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}

func (d *Daemon) start(args any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sessionID, err := d.store.CreateSessionID()
	if err != nil {
		return nil, err
	}

	rec, err := buildSession(sessionID, d.username, clientArgs(args))
	if err != nil {
		return nil, err
	}

	lock, n, err := claimDisplay()
	if err != nil {
		return nil, err
	}
	d.display = lock
	rec.Display = strconv.Itoa(n)

	if err := rec.SetState(session.StateCreated); err != nil {
		return nil, err
	}
	if err := d.store.SaveSession(rec); err != nil {
		return nil, err
	}

	d.rec = rec
	d.runner = newSessionRunner(d.cfg, d.store, d.username, rec, d.audit, d.onSessionDone)
	d.runner.Start()

	return nil, nil
}

func (d *Daemon) attach(args any) (any, error) {
	pair, ok := args.([]any)
	if !ok || len(pair) != 2 {
		return nil, &nxerrors.GenericError{Message: "attach: malformed arguments"}
	}
	shadowCookie, _ := pair[1].(string)

	d.mu.Lock()
	defer d.mu.Unlock()

	sessionID, err := d.store.CreateSessionID()
	if err != nil {
		return nil, err
	}

	rec, err := buildSession(sessionID, d.username, clientArgs(pair[0]))
	if err != nil {
		return nil, err
	}
	rec.ShadowCookie = shadowCookie

	lock, n, err := claimDisplay()
	if err != nil {
		return nil, err
	}
	d.display = lock
	rec.Display = strconv.Itoa(n)

	if err := d.store.SaveSession(rec); err != nil {
		return nil, err
	}

	d.rec = rec
	d.runner = newSessionRunner(d.cfg, d.store, d.username, rec, d.audit, d.onSessionDone)
	d.runner.Start()

	return nil, nil
}

func (d *Daemon) restore(args any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.runner == nil || d.rec == nil {
		return nil, &nxerrors.GenericError{Message: "restore: no active session"}
	}

	d.runner.ApplyClientArgs(clientArgs(args))
	if err := d.store.SaveSession(d.rec); err != nil {
		return nil, err
	}

	if err := d.runner.Restore(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (d *Daemon) terminate(args any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.runner == nil {
		return nil, &nxerrors.GenericError{Message: "terminate: no active session"}
	}
	d.runner.Terminate()
	d.audit.LogSession(audit.EventSessionTerminate, d.rec, map[string]any{"username": d.username})
	return nil, nil
}

func (d *Daemon) shadowCookie() (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rec == nil {
		return nil, &nxerrors.GenericError{Message: "getshadowcookie: no active session"}
	}
	return d.rec.Cookie, nil
}

// ListenAndServe opens the node daemon's RPC socket and serves requests
// until the listener is closed or an error occurs. Only the broker
// (identified by allowUID, the connecting user's own UID) or root may
// connect, enforced via the socket's peer credentials.
func (d *Daemon) ListenAndServe(socketPath string, allowUID uint32) error {
	srv, err := noderpc.Listen(socketPath, allowUID, d.Handle)
	if err != nil {
		return err
	}
	return srv.Serve()
}

func (d *Daemon) onSessionDone() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.display != nil {
		d.display.Release()
		d.display = nil
	}
}

func claimDisplay() (*display.Lock, int, error) {
	for tries := 0; tries < 10; tries++ {
		n, err := display.FindUnused()
		if err != nil {
			return nil, 0, err
		}
		lock, err := display.Acquire(n)
		if err == nil {
			return lock, n, nil
		}
	}
	return nil, 0, &nxerrors.NoFreeDisplayError{}
}

// buildSession validates a client's session-creation parameters and
// returns a fresh record, mirroring NodeSession's constructor.
func buildSession(id, username string, args map[string]string) (*session.Record, error) {
	name := args["session"]
	if name == "" {
		return nil, &nxerrors.SessionParameterError{Reason: "Session name missing"}
	}

	typ := args["type"]
	if !session.ValidType(typ) {
		return nil, &nxerrors.SessionParameterError{Reason: fmt.Sprintf("Unsupported session type: %s", typ)}
	}

	if !protocol.ParseBool(args["encryption"]) {
		return nil, &nxerrors.SessionParameterError{Reason: "Unencrypted connections not supported"}
	}

	rec := session.New(id, hostinfo.FQDN(), "", username)
	rec.Name = name
	rec.Type = typ
	rec.SSL = true

	if err := applyClientArgs(rec, args); err != nil {
		return nil, err
	}
	return rec, nil
}

// applyClientArgs folds a client's parameters onto rec, used both when a
// session is first created and when a client requests a restore with
// possibly-updated settings, mirroring _ParseClientargs's dual use.
func applyClientArgs(rec *session.Record, args map[string]string) error {
	rec.Client = orDefault(args["client"], orDefault(rec.Client, "unknown"))
	rec.Geometry = orDefault(args["geometry"], orDefault(rec.Geometry, "640x480"))
	rec.Keyboard = orDefault(args["keyboard"], orDefault(rec.Keyboard, "pc105/gb"))
	rec.Link = orDefault(args["link"], orDefault(rec.Link, "isdn"))
	if v, ok := args["screeninfo"]; ok {
		rec.Screeninfo = v
	}

	if rec.Type == session.TypeShadow {
		if v, ok := args["display"]; ok {
			rec.ShadowDisplay = v
		} else if rec.ShadowDisplay == "" {
			return &nxerrors.SessionParameterError{Reason: "Missing 'display' parameter"}
		}
	}

	if v, ok := args["images"]; ok {
		n, err := protocol.ParseSize(v)
		if err != nil {
			return &nxerrors.SessionParameterError{Reason: err.Error()}
		}
		rec.Images = protocol.FormatSize(n)
	} else if rec.Images == "" {
		rec.Images = protocol.FormatSize(64)
	}

	if v, ok := args["cache"]; ok {
		n, err := protocol.ParseSize(v)
		if err != nil {
			return &nxerrors.SessionParameterError{Reason: err.Error()}
		}
		rec.Cache = protocol.FormatSize(n)
	} else if rec.Cache == "" {
		rec.Cache = protocol.FormatSize(16)
	}

	rec.Resize = protocol.ParseBool(args["resize"])
	rec.Fullscreen = protocol.ParseBool(args["fullscreen"])
	rec.Rootless = protocol.ParseBool(args["rootless"])
	if v, ok := args["virtualdesktop"]; ok {
		rec.Virtualdesktop = protocol.ParseBool(v)
	} else {
		rec.Virtualdesktop = true
	}

	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// userShell returns username's login shell from /etc/passwd, falling
// back to /bin/bash when the account can't be found there.
func userShell(username string) string {
	data, err := os.ReadFile("/etc/passwd")
	if err != nil {
		return "/bin/bash"
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) >= 7 && fields[0] == username {
			return fields[6]
		}
	}
	return "/bin/bash"
}

func userHomedir(username string) string {
	u, err := user.Lookup(username)
	if err != nil {
		return "/"
	}
	return u.HomeDir
}

// commandFor returns the shell command line a session of rec.Type should
// run, mirroring NodeSession._GetCommand.
func commandFor(cfg Config, rec *session.Record, args map[string]string) ([]string, error) {
	shell := userShell(rec.Username)
	prefix := []string{shell, "-c"}

	switch rec.Type {
	case session.TypeShadow:
		return nil, nil
	case session.TypeKDE:
		return append(prefix, strings.Join(cfg.StartKdeCommand, " ")), nil
	case session.TypeGnome:
		return append(prefix, strings.Join(cfg.StartGnomeCommand, " ")), nil
	case session.TypeConsole:
		return append(prefix, strings.Join(cfg.StartConsoleCmd, " ")), nil
	case session.TypeApplication:
		app := strings.TrimSpace(args["application"])
		if app == "" {
			return nil, &nxerrors.SessionParameterError{Reason: fmt.Sprintf("Session type %s, but missing application", rec.Type)}
		}
		unquoted, err := protocol.UnquoteParameterValue(app)
		if err != nil {
			return nil, &nxerrors.SessionParameterError{Reason: err.Error()}
		}
		return append(prefix, unquoted), nil
	default:
		return nil, &nxerrors.SessionParameterError{Reason: fmt.Sprintf("Unsupported session type: %s", rec.Type)}
	}
}

// shellQuoteArgs renders args as a POSIX-shell-quoted string, used only
// to report a failed command in an error dialog's message body.
func shellQuoteArgs(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(parts, " ")
}
