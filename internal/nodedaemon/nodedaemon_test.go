//go:build linux

package nodedaemon

import (
	"testing"

	"github.com/neatx/neatxd/internal/nxerrors"
	"github.com/neatx/neatxd/internal/session"
)

func TestBuildSessionRejectsMissingName(t *testing.T) {
	_, err := buildSession("ID1", "alice", map[string]string{
		"type":       session.TypeGnome,
		"encryption": "1",
	})
	if _, ok := err.(*nxerrors.SessionParameterError); !ok {
		t.Fatalf("expected SessionParameterError, got %T: %v", err, err)
	}
}

func TestBuildSessionRejectsUnencrypted(t *testing.T) {
	_, err := buildSession("ID1", "alice", map[string]string{
		"session": "mysession",
		"type":    session.TypeGnome,
	})
	if _, ok := err.(*nxerrors.SessionParameterError); !ok {
		t.Fatalf("expected SessionParameterError, got %T: %v", err, err)
	}
}

func TestBuildSessionRejectsUnknownType(t *testing.T) {
	_, err := buildSession("ID1", "alice", map[string]string{
		"session":    "mysession",
		"type":       "bogus",
		"encryption": "1",
	})
	if _, ok := err.(*nxerrors.SessionParameterError); !ok {
		t.Fatalf("expected SessionParameterError, got %T: %v", err, err)
	}
}

func TestBuildSessionShadowRequiresDisplay(t *testing.T) {
	_, err := buildSession("ID1", "alice", map[string]string{
		"session":    "shadowed",
		"type":       session.TypeShadow,
		"encryption": "1",
	})
	if _, ok := err.(*nxerrors.SessionParameterError); !ok {
		t.Fatalf("expected SessionParameterError for missing display, got %T: %v", err, err)
	}
}

func TestBuildSessionDefaultsApplied(t *testing.T) {
	rec, err := buildSession("ID1", "alice", map[string]string{
		"session":    "mysession",
		"type":       session.TypeGnome,
		"encryption": "1",
	})
	if err != nil {
		t.Fatalf("buildSession: %v", err)
	}
	if rec.Client != "unknown" {
		t.Errorf("Client = %q, want unknown", rec.Client)
	}
	if rec.Geometry != "640x480" {
		t.Errorf("Geometry = %q, want 640x480", rec.Geometry)
	}
	if !rec.Virtualdesktop {
		t.Error("Virtualdesktop should default to true")
	}
	if rec.Fullscreen {
		t.Error("Fullscreen should default to false")
	}
}

func TestCommandForApplicationRequiresApplication(t *testing.T) {
	rec := session.New("ID1", "host1", "50", "alice")
	rec.Type = session.TypeApplication

	_, err := commandFor(Config{}, rec, map[string]string{})
	if _, ok := err.(*nxerrors.SessionParameterError); !ok {
		t.Fatalf("expected SessionParameterError, got %T: %v", err, err)
	}
}

func TestCommandForShadowIsNil(t *testing.T) {
	rec := session.New("ID1", "host1", "50", "alice")
	rec.Type = session.TypeShadow

	cmd, err := commandFor(Config{}, rec, nil)
	if err != nil {
		t.Fatalf("commandFor: %v", err)
	}
	if cmd != nil {
		t.Errorf("command = %v, want nil for shadow sessions", cmd)
	}
}

func TestShellQuoteArgsEscapesSingleQuotes(t *testing.T) {
	got := shellQuoteArgs([]string{"echo", "it's here"})
	want := `'echo' 'it'\''s here'`
	if got != want {
		t.Errorf("shellQuoteArgs() = %q, want %q", got, want)
	}
}

func TestApplyClientArgsRestorePreservesUnsetFields(t *testing.T) {
	rec := session.New("ID1", "host1", "50", "alice")
	rec.Client = "custom-client"

	if err := applyClientArgs(rec, map[string]string{"geometry": "800x600"}); err != nil {
		t.Fatalf("applyClientArgs: %v", err)
	}
	if rec.Client != "custom-client" {
		t.Errorf("Client = %q, want preserved custom-client", rec.Client)
	}
	if rec.Geometry != "800x600" {
		t.Errorf("Geometry = %q, want 800x600", rec.Geometry)
	}
	if rec.Fullscreen {
		t.Error("Fullscreen should reset to false when absent from restore args, matching original behavior")
	}
}

func TestLauncherSessionSocket(t *testing.T) {
	dir := t.TempDir()
	store := session.NewStore(dir)
	l := NewLauncher(store, "/usr/bin/neatxd")

	got := l.SessionSocket("SESSID")
	want := store.NodeSocketPath("SESSID")
	if got != want {
		t.Errorf("SessionSocket() = %q, want %q", got, want)
	}
}
