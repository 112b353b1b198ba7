// Package protocol implements the line-oriented NX 3.x wire dialog: the
// "NX> <code> <message>" prompt format, command/parameter parsing, and
// the boolean/size value formatters used in parameter exchange.
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/neatx/neatxd/internal/nxerrors"
)

const (
	Prompt  = "NX>"
	EOL     = "\n"
	trueStr = "1"
	falseStr = "0"
)

// Codec frames an NX dialog over a pair of byte streams. One Codec is
// owned by exactly one connection.
type Codec struct {
	r *bufio.Reader
	w io.Writer
}

// New wraps a reader and writer as an NX protocol codec.
func New(r io.Reader, w io.Writer) *Codec {
	return &Codec{r: bufio.NewReader(r), w: w}
}

// Write sends a status prompt. If message is empty no trailing newline is
// added, matching the bare "NX> 105 " input-prompt form; a non-empty
// message always gets a trailing newline.
func (c *Codec) Write(code int, message string) error {
	if code < 0 || code > 999 {
		return fmt.Errorf("protocol: status code %d out of range", code)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %d ", Prompt, code)
	if message != "" {
		b.WriteString(message)
		b.WriteString(EOL)
	}

	_, err := io.WriteString(c.w, b.String())
	return err
}

// WriteLine writes a raw line followed by a single newline, used for
// banner and table output that isn't wrapped in a status prompt.
func (c *Codec) WriteLine(line string) error {
	_, err := io.WriteString(c.w, line+EOL)
	return err
}

// ReadLine reads one line from the peer, stripping the trailing newline.
// An empty read (peer closed the connection) is reported as QuitError.
func (c *Codec) ReadLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if line == "" {
			return "", &nxerrors.QuitError{}
		}
		// Last line without a trailing newline before EOF: still usable.
	}
	if line == "" {
		return "", &nxerrors.QuitError{}
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// SplitCommand splits a client line into a lower-cased command token and
// the remaining argument string, on the first run of whitespace.
func SplitCommand(line string) (cmd string, args string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", ""
	}

	cmd = strings.ToLower(fields[0])

	idx := strings.Index(line, fields[0])
	rest := strings.TrimSpace(line[idx+len(fields[0]):])
	return cmd, rest
}

var paramRe = regexp.MustCompile(`(?i)^\s*--([a-z][a-z0-9_-]*)="([^"]*)"\s*`)

// Param is one parsed --name="value" pair, in source order.
type Param struct {
	Name  string
	Value string
}

// ParseParameters parses the --name="value" parameter grammar. A
// malformed parameter string is reported as protocol code 597.
func ParseParameters(params string) ([]Param, error) {
	work := strings.TrimSpace(params)

	var result []Param
	for work != "" {
		loc := paramRe.FindStringSubmatchIndex(work)
		if loc == nil {
			return nil, nxerrors.NewFatalProtocolError(597,
				fmt.Sprintf("Error: Parsing parameters: string %q has invalid format", params))
		}

		name := work[loc[2]:loc[3]]
		value := work[loc[4]:loc[5]]
		result = append(result, Param{Name: strings.ToLower(name), Value: value})

		work = work[loc[1]:]
	}

	return result, nil
}

// FormatParameters is the inverse of ParseParameters: it re-serializes
// parsed parameters back to "--name="value"" tokens separated by single
// spaces, the round-trip form used by the protocol's idempotency
// property.
func FormatParameters(params []Param) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = fmt.Sprintf(`--%s="%s"`, p.Name, p.Value)
	}
	return strings.Join(parts, " ")
}

// UnquoteParameterValue percent-decodes a parameter value.
func UnquoteParameterValue(value string) (string, error) {
	return url.QueryUnescape(value)
}

// QuoteParameterValue percent-encodes a parameter value for the reserved
// set, the inverse of UnquoteParameterValue.
func QuoteParameterValue(value string) string {
	return url.QueryEscape(value)
}

// ParseBool interprets an NX boolean parameter ("0" or "1").
func ParseBool(value string) bool {
	return value == trueStr
}

// FormatBool renders a boolean for the wire.
func FormatBool(value bool) string {
	if value {
		return trueStr
	}
	return falseStr
}

// ParseSize parses a size parameter with a trailing "M" (mebibytes).
func ParseSize(value string) (int, error) {
	trimmed := strings.TrimSuffix(value, "M")
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("protocol: invalid size %q: %w", value, err)
	}
	return n, nil
}

// FormatSize renders a size in mebibytes for the wire.
func FormatSize(mb int) string {
	return fmt.Sprintf("%dM", mb)
}
