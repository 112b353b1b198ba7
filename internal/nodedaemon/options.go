//go:build linux

package nodedaemon

import (
	"fmt"
	"os/user"
	"regexp"
	"sort"
	"strings"

	"github.com/neatx/neatxd/internal/protocol"
	"github.com/neatx/neatxd/internal/session"
)

// statusMap maps a session state to the nxagent stderr line announcing
// the transition into it.
var statusMap = map[string]*regexp.Regexp{
	session.StateStarting:    regexp.MustCompile(`^Session:\s+Starting\s+session\s+at\s+`),
	session.StateWaiting:     regexp.MustCompile(`Info:\s+Waiting\s+for\s+connection\s+from\s+'(?P<host>.*)'\s+on\s+port\s+'(?P<port>\d+)'\.`),
	session.StateRunning:     regexp.MustCompile(`^Session:\s+Session\s+(started|resumed)\s+at\s+`),
	session.StateSuspending:  regexp.MustCompile(`^Session:\s+Suspending\s+session\s+at\s+`),
	session.StateSuspended:   regexp.MustCompile(`^Session:\s+Session\s+suspended\s+at\s+`),
	session.StateTerminating: regexp.MustCompile(`^Session:\s+(Terminat|Abort)ing\s+session\s+at\s+`),
	session.StateTerminated:  regexp.MustCompile(`^Session:\s+Session\s+(terminat|abort)ed\s+at\s+`),
}

var (
	watchdogPIDRe    = regexp.MustCompile(`^Info:\s+Watchdog\s+running\s+with\s+pid\s+'(\d+)'\.`)
	waitWatchdogRe   = regexp.MustCompile(`^Info:\s+Waiting\s+the\s+watchdog\s+process\s+to\s+complete\.`)
	agentPIDRe       = regexp.MustCompile(`^Info:\s+Agent\s+running\s+with\s+pid\s+'(\d+)'\.`)
	generalErrorRe   = regexp.MustCompile(`^Error:\s+(.*)$`)
	generalWarningRe = regexp.MustCompile(`^Warning:\s+(.*)$`)
	geometryRe       = regexp.MustCompile(`^Info:\s+Screen\s+\[0\]\s+resized\s+to\s+geometry\s+\[([^\]]+)\](?: fullscreen \[\d\])?\.$`)
)

// nxAgentArgs returns nxagent's command-line arguments for rec.
func nxAgentArgs(rec *session.Record, optionsFile string) []string {
	var mode string
	switch {
	case rec.Type == session.TypeShadow:
		mode = "-S"
	case rec.Rootless:
		mode = "-R"
	default:
		mode = "-D"
	}

	args := []string{
		mode,
		"-name", rec.WindowName(),
		"-options", optionsFile,
		"-nolisten", "tcp",
		":" + rec.Display,
	}

	if rec.Type == session.TypeShadow {
		args = append(args, "-nopersistent")
	}

	return args
}

// optionsFor returns the nxagent option set for rec, grounded on
// NxAgentProgram._GetOptions.
func optionsFor(rec *session.Record) map[string]string {
	opts := map[string]string{
		"accept":       "127.0.0.1",
		"backingstore": "1",
		"cache":        orDefault(rec.Cache, protocol.FormatSize(16)),
		"cleanup":      "0",
		"client":       orDefault(rec.Client, "unknown"),
		"clipboard":    "both",
		"composite":    "1",
		"cookie":       rec.Cookie,
		"id":           rec.FullID(),
		"images":       orDefault(rec.Images, protocol.FormatSize(64)),
		"keyboard":     orDefault(rec.Keyboard, "pc105/gb"),
		"link":         orDefault(rec.Link, "isdn"),
		"product":      "Neatx-" + session.DefaultSubscription,
		"render":       "1",
		"resize":       protocol.FormatBool(rec.Resize),
		"shmem":        "1",
		"shpix":        "1",
		"strict":       "0",
	}

	if rec.Type == session.TypeShadow {
		opts["shadowmode"] = "1"
		opts["shadowuid"] = currentUID()
		opts["shadow"] = ":" + rec.ShadowDisplay
	}

	if !rec.Rootless {
		opts["geometry"] = rec.Geometry
	} else {
		opts["menu"] = "1"
		opts["fullscreen"] = protocol.FormatBool(rec.Fullscreen)
	}

	if rec.Rootless && rec.Type == session.TypeConsole {
		opts["type"] = "rootless"
	} else {
		opts["type"] = session.ShortType(rec.Type)
	}

	return opts
}

func currentUID() string {
	u, err := user.Current()
	if err != nil {
		return "0"
	}
	return u.Uid
}

// formatNxAgentOptions renders opts as the single comma-joined line
// written to a session's options file, in the "nx/nx,name=value,...:
// display" form nxagent itself expects, with keys sorted for a
// deterministic, reproducible file.
func formatNxAgentOptions(opts map[string]string, display string) string {
	names := make([]string, 0, len(opts))
	for name := range opts {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([]string, len(names))
	for i, name := range names {
		pairs[i] = fmt.Sprintf("%s=%s", name, opts[name])
	}

	return fmt.Sprintf("nx/nx,%s:%s\n", strings.Join(pairs, ","), display)
}

// displayWithOptions returns the value nxagent expects in its DISPLAY
// environment variable: a reference to the options file rather than the
// options themselves.
func displayWithOptions(store *session.Store, rec *session.Record) string {
	return fmt.Sprintf("nx/nx,options=%s:%s", store.OptionsFile(rec.ID), rec.Display)
}

// OptionsDump is the bring-up plan for one session's nxagent invocation,
// in a form suitable for human-editable diagnostic output rather than
// nxagent's own comma-joined options-file syntax.
type OptionsDump struct {
	SessionID   string            `yaml:"sessionId"`
	OptionsFile string            `yaml:"optionsFile"`
	NxAgentArgs []string          `yaml:"nxAgentArgs"`
	Options     map[string]string `yaml:"options"`
}

// DumpOptions builds the diagnostic bring-up plan for an already-recorded
// session, exposed for the "node --dump-options" CLI subcommand.
func DumpOptions(store *session.Store, rec *session.Record) OptionsDump {
	optionsFile := store.OptionsFile(rec.ID)
	return OptionsDump{
		SessionID:   rec.FullID(),
		OptionsFile: optionsFile,
		NxAgentArgs: nxAgentArgs(rec, optionsFile),
		Options:     optionsFor(rec),
	}
}
