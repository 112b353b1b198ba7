package protocol

import (
	"strings"
	"testing"

	"github.com/neatx/neatxd/internal/nxerrors"
)

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		line    string
		wantCmd string
		wantArg string
	}{
		{"HELLO nxclient - version 3.3.0", "hello", "nxclient - version 3.3.0"},
		{"bye", "bye", ""},
		{"  listsession --type=\"unix-gnome\"", "listsession", "--type=\"unix-gnome\""},
	}
	for _, c := range cases {
		cmd, args := SplitCommand(c.line)
		if cmd != c.wantCmd || args != c.wantArg {
			t.Errorf("SplitCommand(%q) = (%q, %q), want (%q, %q)", c.line, cmd, args, c.wantCmd, c.wantArg)
		}
	}
}

func TestParseParametersRoundTrip(t *testing.T) {
	input := `--session="localtest" --type="unix-gnome" --geometry="1024x768"`
	got, err := ParseParameters(input)
	if err != nil {
		t.Fatalf("ParseParameters: %v", err)
	}

	want := []Param{
		{Name: "session", Value: "localtest"},
		{Name: "type", Value: "unix-gnome"},
		{Name: "geometry", Value: "1024x768"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d params, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("param %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	reserialized := FormatParameters(got)
	reparsed, err := ParseParameters(reserialized)
	if err != nil {
		t.Fatalf("re-parse: %v", err)
	}
	for i := range want {
		if reparsed[i] != want[i] {
			t.Errorf("round-trip param %d = %+v, want %+v", i, reparsed[i], want[i])
		}
	}
}

func TestParseParametersMalformed(t *testing.T) {
	_, err := ParseParameters(`--x="""`)
	if err == nil {
		t.Fatal("expected error for malformed parameter string")
	}
	pe, ok := err.(*nxerrors.ProtocolError)
	if !ok {
		t.Fatalf("expected *nxerrors.ProtocolError, got %T", err)
	}
	if pe.Code != 597 {
		t.Errorf("Code = %d, want 597", pe.Code)
	}
	if !pe.Fatal {
		t.Error("expected fatal error")
	}
}

func TestQuoteUnquoteRoundTrip(t *testing.T) {
	values := []string{"simple", "with space", "slash/and&amp", "100%done", ""}
	for _, v := range values {
		q := QuoteParameterValue(v)
		u, err := UnquoteParameterValue(q)
		if err != nil {
			t.Fatalf("UnquoteParameterValue(%q): %v", q, err)
		}
		if u != v {
			t.Errorf("round trip %q -> %q -> %q", v, q, u)
		}
	}
}

func TestBoolAndSize(t *testing.T) {
	if !ParseBool(FormatBool(true)) {
		t.Error("bool round trip true failed")
	}
	if ParseBool(FormatBool(false)) {
		t.Error("bool round trip false failed")
	}

	n, err := ParseSize(FormatSize(512))
	if err != nil || n != 512 {
		t.Errorf("size round trip = %d, %v, want 512, nil", n, err)
	}
}

func TestWritePromptForms(t *testing.T) {
	var buf strings.Builder
	c := New(strings.NewReader(""), &buf)

	if err := c.Write(105, ""); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "NX> 105 " {
		t.Errorf("bare prompt = %q", buf.String())
	}

	buf.Reset()
	if err := c.Write(134, "Accepted protocol: 3.3.0"); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "NX> 134 Accepted protocol: 3.3.0\n" {
		t.Errorf("message prompt = %q", buf.String())
	}
}

func TestReadLineOnClose(t *testing.T) {
	c := New(strings.NewReader(""), &strings.Builder{})
	_, err := c.ReadLine()
	if _, ok := err.(*nxerrors.QuitError); !ok {
		t.Fatalf("expected QuitError on empty read, got %v", err)
	}
}
