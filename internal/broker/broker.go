// Package broker implements the per-user session broker: the command
// loop a client talks to once the login front end has authenticated it
// and handed the connection off. It lists, starts, attaches to, and
// restores sessions by driving node daemons over noderpc.
package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/neatx/neatxd/internal/audit"
	"github.com/neatx/neatxd/internal/hostinfo"
	"github.com/neatx/neatxd/internal/metrics"
	"github.com/neatx/neatxd/internal/noderpc"
	"github.com/neatx/neatxd/internal/nxerrors"
	"github.com/neatx/neatxd/internal/protocol"
	"github.com/neatx/neatxd/internal/retry"
	"github.com/neatx/neatxd/internal/session"
)

const (
	promptParameters = "Specify parameters: "

	sessionStartTimeout   = 30 * time.Second
	sessionRestoreTimeout = 60 * time.Second
)

// NodeLauncher starts (and, via Socket, locates) a session's node
// daemon. It is implemented by internal/nodedaemon and substituted with
// a fake in tests.
type NodeLauncher interface {
	StartNodeDaemon(username, sessionID string) error
	SessionSocket(sessionID string) string
}

// Context carries the per-connection state the broker needs.
type Context struct {
	Username   string
	NXAgentPort int
}

// Handler implements the session broker's command dispatch.
type Handler struct {
	codec   *protocol.Codec
	store   *session.Store
	launch  NodeLauncher
	ctx     *Context
	audit   *audit.Logger
	metrics *metrics.Registry
}

// NewHandler returns a broker handler for one authenticated connection.
// auditLog may be nil, in which case session events simply aren't recorded.
func NewHandler(codec *protocol.Codec, store *session.Store, launch NodeLauncher, ctx *Context, auditLog *audit.Logger) *Handler {
	return &Handler{codec: codec, store: store, launch: launch, ctx: ctx, audit: auditLog}
}

// SetMetrics attaches a metrics registry observed sessions and RPC calls
// are reported to. A nil registry (the default) makes every report a
// no-op.
func (h *Handler) SetMetrics(m *metrics.Registry) {
	h.metrics = m
}

func (h *Handler) observeRPC(command string, start time.Time) {
	h.metrics.ObserveRPC(command, time.Since(start))
}

// Banner writes the broker's greeting line.
func (h *Handler) Banner() error {
	host := hostinfo.FQDN()
	return h.codec.Write(103, fmt.Sprintf("Welcome to: %s user: %s", host, h.ctx.Username))
}

// Dispatch parses and handles one command line.
func (h *Handler) Dispatch(ctx context.Context, cmdline string) error {
	cmd, args := protocol.SplitCommand(cmdline)

	if err := h.sendConfirmation(cmdline, cmd, args); err != nil {
		return err
	}

	switch cmd {
	case "login", "hello", "set":
		return nxerrors.NewFatalProtocolError(500, fmt.Sprintf("ERROR: command %q not allowed after login", cmd))
	case "bye":
		return &nxerrors.QuitError{}
	case "listsession":
		return h.wrapSessionParamError(h.listSession(args))
	case "startsession":
		return h.wrapSessionParamError(h.startSession(ctx, args))
	case "attachsession":
		return h.wrapSessionParamError(h.attachSession(ctx, args))
	case "restoresession":
		return h.wrapSessionParamError(h.restoreSession(ctx, args))
	default:
		return nxerrors.NewFatalProtocolError(500, fmt.Sprintf("ERROR: undefined command %q", cmd))
	}
}

func (h *Handler) wrapSessionParamError(err error) error {
	if spe, ok := err.(*nxerrors.SessionParameterError); ok {
		return nxerrors.NewFatalProtocolError(500, spe.Reason)
	}
	if nfd, ok := err.(*nxerrors.NoFreeDisplayError); ok {
		return nxerrors.NewFatalProtocolError(500, nfd.Error())
	}
	return err
}

func (h *Handler) sendConfirmation(cmdline, cmd, args string) error {
	if cmd == "startsession" {
		return h.codec.WriteLine("Start session with: " + args)
	}
	return h.codec.WriteLine(capitalize(strings.TrimLeft(cmdline, " \t")))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func (h *Handler) getParameters(args string) (string, error) {
	if args != "" {
		return args, nil
	}

	if err := h.codec.Write(106, promptParameters); err != nil {
		return "", err
	}
	line, err := h.codec.ReadLine()
	if err != nil {
		return "", err
	}
	if err := h.codec.WriteLine(""); err != nil {
		return "", err
	}
	return line, nil
}

func paramMap(params []protocol.Param) map[string]string {
	m := make(map[string]string, len(params))
	for _, p := range params {
		m[p.Name] = p.Value
	}
	return m
}

func (h *Handler) listSession(args string) error {
	raw, err := h.getParameters(args)
	if err != nil {
		return err
	}

	params, err := protocol.ParseParameters(raw)
	if err != nil {
		return err
	}
	parsed := paramMap(params)

	var findTypes []string
	wantShadow := false
	if t, ok := parsed["type"]; ok {
		types := strings.Split(t, ",")
		if len(types) > 0 && types[0] == "shadow" {
			wantShadow = true
		} else {
			findTypes = types
		}
	}

	var findStates []string
	switch {
	case wantShadow:
		findStates = []string{session.StateRunning}
	case parsed["status"] != "":
		findStates = strings.Split(parsed["status"], ",")
	}

	sessions, err := h.store.FindSessionsWithFilter(h.ctx.Username, func(r *session.Record) bool {
		if len(findStates) > 0 && !contains(findStates, session.ConvertStatusForClient(r.State)) {
			return false
		}
		if len(findTypes) > 0 && !contains(findTypes, r.Type) {
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	h.metrics.SetActiveSessions(len(sessions))

	if err := h.codec.Write(127, fmt.Sprintf("Session list of user '%s':", h.ctx.Username)); err != nil {
		return err
	}
	for _, line := range formatTable(sessions) {
		if err := h.codec.WriteLine(line); err != nil {
			return err
		}
	}
	if err := h.codec.WriteLine(""); err != nil {
		return err
	}
	return h.codec.Write(148, fmt.Sprintf("Server capacity: not reached for user: %s", h.ctx.Username))
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func (h *Handler) startSession(ctx context.Context, args string) error {
	raw, err := h.getParameters(args)
	if err != nil {
		return err
	}
	params, err := protocol.ParseParameters(raw)
	if err != nil {
		return err
	}

	sessionID, err := h.store.CreateSessionID()
	if err != nil {
		return err
	}

	if err := h.launch.StartNodeDaemon(h.ctx.Username, sessionID); err != nil {
		return err
	}

	client := noderpc.NewClient(h.launch.SessionSocket(sessionID))
	if err := client.Connect(ctx, true); err != nil {
		return err
	}
	rpcStart := time.Now()
	_, err = client.StartSession(paramMap(params))
	client.Close()
	h.observeRPC("startsession", rpcStart)
	if err != nil {
		return err
	}

	h.audit.Log(audit.EventSessionStart, sessionID, map[string]any{"username": h.ctx.Username})
	h.metrics.RecordSessionAction("start")
	return h.connectToSession(ctx, sessionID, sessionStartTimeout)
}

func (h *Handler) attachSession(ctx context.Context, args string) error {
	raw, err := h.getParameters(args)
	if err != nil {
		return err
	}
	params, err := protocol.ParseParameters(raw)
	if err != nil {
		return err
	}
	parsed := paramMap(params)

	shadowID, ok := parsed["id"]
	if !ok {
		return nxerrors.NewFatalProtocolError(500, "Shadow session requested, but no session specified")
	}

	shadowClient := noderpc.NewClient(h.launch.SessionSocket(shadowID))
	if err := shadowClient.Connect(ctx, false); err != nil {
		return err
	}
	shadowCookie, err := shadowClient.GetShadowCookie(nil)
	shadowClient.Close()
	if err != nil {
		return err
	}
	cookieStr, _ := shadowCookie.(string)

	sessionID, err := h.store.CreateSessionID()
	if err != nil {
		return err
	}

	if err := h.launch.StartNodeDaemon(h.ctx.Username, sessionID); err != nil {
		return err
	}

	client := noderpc.NewClient(h.launch.SessionSocket(sessionID))
	if err := client.Connect(ctx, true); err != nil {
		return err
	}
	rpcStart := time.Now()
	_, err = client.AttachSession(parsed, cookieStr)
	client.Close()
	h.observeRPC("attachsession", rpcStart)
	if err != nil {
		return err
	}

	h.audit.Log(audit.EventSessionAttach, sessionID, map[string]any{"username": h.ctx.Username, "shadowOf": shadowID})
	h.metrics.RecordSessionAction("attach")
	return h.connectToSession(ctx, sessionID, sessionStartTimeout)
}

func (h *Handler) restoreSession(ctx context.Context, args string) error {
	raw, err := h.getParameters(args)
	if err != nil {
		return err
	}
	params, err := protocol.ParseParameters(raw)
	if err != nil {
		return err
	}
	parsed := paramMap(params)

	sessionID, ok := parsed["id"]
	if !ok {
		return nxerrors.NewFatalProtocolError(500, "Restore session requested, but no session specified")
	}

	rec, err := h.store.LoadSessionForUser(sessionID, h.ctx.Username)
	if err != nil {
		return err
	}
	if rec == nil {
		return nxerrors.NewFatalProtocolError(500, "Failed to load session")
	}
	sessionID = rec.ID

	client := noderpc.NewClient(h.launch.SessionSocket(sessionID))
	if err := client.Connect(ctx, false); err != nil {
		return err
	}
	rpcStart := time.Now()
	_, err = client.RestoreSession(parsed)
	client.Close()
	h.observeRPC("restoresession", rpcStart)
	if err != nil {
		return err
	}

	h.audit.LogSession(audit.EventSessionRestore, rec, map[string]any{"username": h.ctx.Username})
	h.metrics.RecordSessionAction("restore")
	return h.connectToSession(ctx, sessionID, sessionRestoreTimeout)
}

func (h *Handler) connectToSession(ctx context.Context, sessionID string, timeout time.Duration) error {
	rec, err := h.waitForSessionReady(ctx, sessionID, timeout)
	if err != nil {
		return err
	}

	if err := h.writeSessionInfo(rec); err != nil {
		return err
	}
	if err := h.codec.Write(710, "Session status: running"); err != nil {
		return err
	}

	h.ctx.NXAgentPort = rec.Port
	return nil
}

func (h *Handler) waitForSessionReady(ctx context.Context, sessionID string, timeout time.Duration) (*session.Record, error) {
	var found *session.Record

	check := func() error {
		rec, err := h.store.LoadSession(sessionID)
		if err != nil {
			return err
		}
		if rec != nil {
			switch rec.State {
			case session.StateWaiting:
				found = rec
				return nil
			case session.StateTerminating, session.StateTerminated:
				h.codec.Write(500, fmt.Sprintf("Error: Session %q has status %q, aborting", rec.ID, rec.State))
				return &nxerrors.QuitError{}
			}
		}
		return retry.Again
	}

	err := retry.Do(ctx, check, 100*time.Millisecond, 1.5, time.Second, timeout)
	if err == retry.Timeout {
		h.codec.Write(500, "Session didn't become ready in time")
		return nil, &nxerrors.QuitError{}
	}
	if err != nil {
		return nil, err
	}
	return found, nil
}

func sessionCache(rec *session.Record) string {
	const prefix = "unix-"
	if strings.HasPrefix(rec.Type, prefix) {
		return rec.Type
	}
	return prefix + rec.Type
}

func (h *Handler) writeSessionInfo(rec *session.Record) error {
	lines := []struct {
		code int
		msg  string
	}{
		{700, fmt.Sprintf("Session id: %s", rec.FullID())},
		{705, fmt.Sprintf("Session display: %s", rec.Display)},
		{703, fmt.Sprintf("Session type: %s", rec.Type)},
		{701, fmt.Sprintf("Proxy cookie: %s", rec.Cookie)},
		{706, fmt.Sprintf("Agent cookie: %s", rec.Cookie)},
		{704, fmt.Sprintf("Session cache: %s", sessionCache(rec))},
		{728, fmt.Sprintf("Session caption: %s", rec.WindowName())},
		{707, fmt.Sprintf("SSL tunneling: %s", protocol.FormatBool(rec.SSL))},
		{708, fmt.Sprintf("Subscription: %s", rec.Subscription)},
	}
	for _, l := range lines {
		if err := h.codec.Write(l.code, l.msg); err != nil {
			return err
		}
	}
	return nil
}

const defaultDepth = 24

func formatTable(sessions []*session.Record) []string {
	type column struct {
		name  string
		width int
		get   func(*session.Record) string
	}
	columns := []column{
		{"Display", 7, func(r *session.Record) string { return r.Display }},
		{"Type", 16, func(r *session.Record) string { return r.Type }},
		{"Session ID", 32, func(r *session.Record) string { return r.ID }},
		{"Options", 8, session.FormatOptions},
		{"Depth", 5, func(*session.Record) string { return fmt.Sprintf("%d", defaultDepth) }},
		{"Screen", 14, session.FormatGeometry},
		{"Status", 11, session.FormatStatus},
		{"Session Name", 30, func(r *session.Record) string { return r.Name }},
	}

	var header strings.Builder
	var rule strings.Builder
	for i, c := range columns {
		if i > 0 {
			header.WriteByte(' ')
			rule.WriteByte(' ')
		}
		header.WriteString(padRight(c.name, c.width))
		rule.WriteString(strings.Repeat("-", len(c.name)) + strings.Repeat(" ", c.width-len(c.name)))
	}

	lines := []string{strings.TrimRight(header.String(), " "), strings.TrimRight(rule.String(), " ")}

	for _, s := range sessions {
		var row strings.Builder
		for i, c := range columns {
			if i > 0 {
				row.WriteByte(' ')
			}
			row.WriteString(padRight(c.get(s), c.width))
		}
		lines = append(lines, strings.TrimRight(row.String(), " "))
	}

	return lines
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
