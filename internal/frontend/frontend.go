// Package frontend implements the nxserver-login front end: the first
// component a connecting NX client talks to. It negotiates the protocol
// version, prompts for credentials, and hands the connection off to an
// authenticator that runs the session broker as the authenticated user.
package frontend

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/neatx/neatxd/internal/authenticator"
	"github.com/neatx/neatxd/internal/daemonize"
	"github.com/neatx/neatxd/internal/nxerrors"
	"github.com/neatx/neatxd/internal/nxversion"
	"github.com/neatx/neatxd/internal/protocol"
	"github.com/neatx/neatxd/internal/secret"
	"golang.org/x/term"
)

const (
	promptUser     = "User: "
	promptPassword = "Password: "
	dummyPassword  = "**********"

	varAuthMode     = "auth_mode"
	varShellMode    = "shell_mode"
	authModePass    = "password"
	shellModeShell  = "shell"
)

var protocolLine = regexp.MustCompile(`(?i)^nxclient\s+-\s+version\s+(?P<ver>[\d.]+)\s*$`)

// Config carries the settings the login handler needs.
type Config struct {
	ProtocolVersion int64
	VersionDigits   []int
	VersionSep      string
	BrokerPath      string
	Auth            authenticator.Config
}

// Handler implements the nxserver-login command dispatch.
type Handler struct {
	codec           *protocol.Codec
	cfg             Config
	protocolVersion int64
	haveVersion     bool
}

// NewHandler returns a login handler writing/reading over codec.
func NewHandler(codec *protocol.Codec, cfg Config) *Handler {
	return &Handler{codec: codec, cfg: cfg}
}

// Banner writes the server's greeting line.
func (h *Handler) Banner() error {
	ver, err := nxversion.Format(h.cfg.ProtocolVersion, h.cfg.VersionSep, h.cfg.VersionDigits)
	if err != nil {
		return err
	}
	return h.codec.WriteLine(fmt.Sprintf("HELLO NXSERVER - Version %s - GPL", ver))
}

// Dispatch parses and handles one command line, returning an error that
// terminates the session when the command requires it (quit, quiet
// quit, or a fatal protocol error).
func (h *Handler) Dispatch(ctx context.Context, line string) error {
	cmd, args := protocol.SplitCommand(line)

	if cmd == "set" {
		return h.set(args)
	}

	if err := h.codec.WriteLine(capitalize(strings.TrimLeft(line, " \t"))); err != nil {
		return err
	}

	switch cmd {
	case "login":
		return h.login(ctx, args)
	case "hello":
		return h.hello(args)
	case "quit":
		return &nxerrors.QuitError{}
	case "bye", "startsession", "attachsession":
		return nxerrors.NewFatalProtocolError(500, fmt.Sprintf("ERROR: command %q not allowed before login", cmd))
	default:
		return nxerrors.NewFatalProtocolError(500, fmt.Sprintf("ERROR: undefined command %q", cmd))
	}
}

func (h *Handler) hello(args string) error {
	m := protocolLine.FindStringSubmatch(args)
	if m == nil {
		return nxerrors.NewFatalProtocolError(500, "ERROR: unsupported protocol")
	}

	ver, err := nxversion.Parse(m[1], ".-", h.cfg.VersionDigits)
	if err != nil || ver != h.cfg.ProtocolVersion {
		return nxerrors.NewFatalProtocolError(500, "ERROR: unsupported protocol")
	}

	if err := h.codec.Write(134, fmt.Sprintf("Accepted protocol: %s", m[1])); err != nil {
		return err
	}

	h.protocolVersion = ver
	h.haveVersion = true
	return nil
}

func (h *Handler) set(args string) error {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	var varName, value string
	if len(parts) > 0 {
		varName = parts[0]
	}
	if len(parts) > 1 {
		value = strings.TrimSpace(parts[1])
	}

	if err := h.codec.WriteLine(fmt.Sprintf("Set %s: %s", varName, value)); err != nil {
		return err
	}

	switch {
	case varName == "":
		return h.codec.Write(500, "ERROR: missing parameter 'variable'")
	case strings.EqualFold(varName, varAuthMode):
		if !strings.EqualFold(value, authModePass) {
			return nxerrors.NewFatalProtocolError(500, fmt.Sprintf("ERROR: unknown auth mode %q", value))
		}
		return nil
	case strings.EqualFold(varName, varShellMode):
		if !strings.EqualFold(value, shellModeShell) {
			return nxerrors.NewFatalProtocolError(500, fmt.Sprintf("ERROR: unknown shell mode %q", value))
		}
		return nil
	default:
		return nxerrors.NewFatalProtocolError(500, fmt.Sprintf("ERROR: unknown variable %q", varName))
	}
}

func (h *Handler) login(ctx context.Context, args string) error {
	if err := h.codec.Write(101, promptUser); err != nil {
		return err
	}
	username, err := h.codec.ReadLine()
	if err != nil {
		return err
	}
	username = strings.TrimSpace(username)

	if username == "" {
		for _, msg := range []string{
			"ERROR: Username is not in the expected format.",
			"ERROR: Please retype your username and be sure you don't",
			`ERROR: include '\n', '\r', a space or any other unwanted`,
			"ERROR: character.",
		} {
			h.codec.Write(500, msg)
		}
		return &nxerrors.QuitError{}
	}

	if err := h.codec.WriteLine(""); err != nil {
		return err
	}

	if err := h.codec.Write(102, promptPassword); err != nil {
		return err
	}
	password, err := readHiddenLine(h.codec)
	if err != nil {
		return err
	}
	if password == "" {
		h.codec.Write(500, "Password cannot be in MD5 when not using the NX password DB.")
		h.codec.Write(500, "Please update your NX Client")
		return &nxerrors.QuitError{}
	}

	if err := h.codec.WriteLine(dummyPassword); err != nil {
		return err
	}

	return h.tryLogin(ctx, username, password)
}

func (h *Handler) tryLogin(ctx context.Context, username, password string) error {
	secretPassword := secret.New(password)
	defer secretPassword.Zero()

	args := h.brokerArgs(username)

	auth, err := authenticator.New(h.cfg.Auth)
	if err != nil {
		h.codec.Write(503, "ERROR: Internal error.")
		return &nxerrors.QuietQuitError{}
	}

	result, err := auth.AuthenticateAndRun(ctx, username, secretPassword, args)
	if err != nil {
		switch err.(type) {
		case *nxerrors.AuthFailedError:
			h.codec.Write(404, "ERROR: wrong password or login.")
		default:
			h.codec.Write(503, "ERROR: Internal error.")
		}
		return &nxerrors.QuietQuitError{}
	}

	if _, werr := os.Stdout.Write(result.ProtocolPrefix); werr != nil {
		return werr
	}
	result.Master.SetReadDeadline(time.Time{})
	go io.Copy(result.Master, os.Stdin)
	io.Copy(os.Stdout, result.Master)
	_ = authenticator.WaitForExit(ctx, result.Cmd)

	return &nxerrors.QuietQuitError{}
}

func (h *Handler) brokerArgs(username string) []string {
	ver := h.cfg.ProtocolVersion
	sep := h.cfg.VersionSep
	digits := h.cfg.VersionDigits

	protoArg := fmt.Sprintf("%d", ver)
	if formatted, err := nxversion.Format(ver, sep, digits); err == nil {
		protoArg = formatted
	}

	return []string{h.cfg.BrokerPath, fmt.Sprintf("--proto=%s", protoArg), "--", username}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// readHiddenLine reads one line from the terminal with echo disabled.
// When stdin is not a terminal (as in tests, or when the client is
// itself suppressing echo), it falls back to a plain ReadLine over the
// codec.
func readHiddenLine(codec *protocol.Codec) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return codec.ReadLine()
	}

	line, err := term.ReadPassword(fd)
	if err != nil {
		return codec.ReadLine()
	}
	return string(line), nil
}

// ExecBroker replaces the current process image with the broker binary,
// used once AuthenticateAndRun has already handed stdio to the
// authenticated user via su/ssh+fdcopy in the non-"nx" login case.
func ExecBroker(path string, args []string) error {
	return daemonize.ExecSelf(append([]string{path}, args...), os.Environ())
}
