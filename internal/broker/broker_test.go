package broker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/neatx/neatxd/internal/nxerrors"
	"github.com/neatx/neatxd/internal/protocol"
	"github.com/neatx/neatxd/internal/session"
)

type fakeLauncher struct {
	sockets map[string]string
}

func (f *fakeLauncher) StartNodeDaemon(username, sessionID string) error { return nil }
func (f *fakeLauncher) SessionSocket(sessionID string) string           { return f.sockets[sessionID] }

func newTestHandler(t *testing.T) (*Handler, *session.Store, *strings.Builder) {
	t.Helper()
	dir := t.TempDir()
	store := session.NewStore(dir)
	var out strings.Builder
	codec := protocol.New(strings.NewReader(""), &out)
	h := NewHandler(codec, store, &fakeLauncher{sockets: map[string]string{}}, &Context{Username: "alice"}, nil)
	return h, store, &out
}

func TestDispatchBye(t *testing.T) {
	h, _, _ := newTestHandler(t)
	err := h.Dispatch(context.Background(), "bye")
	if _, ok := err.(*nxerrors.QuitError); !ok {
		t.Fatalf("expected QuitError, got %T", err)
	}
}

func TestDispatchRejectsLoginAfterAuth(t *testing.T) {
	h, _, _ := newTestHandler(t)
	err := h.Dispatch(context.Background(), "hello")
	pe, ok := err.(*nxerrors.ProtocolError)
	if !ok || !pe.Fatal {
		t.Fatalf("expected fatal protocol error, got %T: %v", err, err)
	}
}

func TestRestoreSessionMissingID(t *testing.T) {
	h, _, _ := newTestHandler(t)
	err := h.Dispatch(context.Background(), `restoresession --session="x"`)
	pe, ok := err.(*nxerrors.ProtocolError)
	if !ok || !pe.Fatal {
		t.Fatalf("expected fatal protocol error, got %T: %v", err, err)
	}
}

func TestRestoreSessionWrongOwnerFails(t *testing.T) {
	h, store, _ := newTestHandler(t)

	id, err := store.CreateSessionID()
	if err != nil {
		t.Fatalf("CreateSessionID: %v", err)
	}
	rec := session.New(id, "host1", "1000", "mallory")
	if err := store.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	err = h.Dispatch(context.Background(), `restoresession --id="`+id+`"`)
	if _, ok := err.(*nxerrors.ProtocolError); !ok {
		t.Fatalf("expected fatal protocol error for non-owned session, got %T: %v", err, err)
	}
}

func TestListSessionFormatsTable(t *testing.T) {
	h, store, out := newTestHandler(t)

	id, err := store.CreateSessionID()
	if err != nil {
		t.Fatalf("CreateSessionID: %v", err)
	}
	rec := session.New(id, "host1", "1000", "alice")
	rec.Type = "unix-gnome"
	rec.Name = "localtest"
	rec.State = session.StateRunning
	rec.Geometry = "1024x768+0+0"
	if err := store.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	if err := h.Dispatch(context.Background(), `listsession --status="running"`); err != nil {
		t.Fatalf("Dispatch(listsession): %v", err)
	}

	output := out.String()
	if !strings.Contains(output, "1024x768") {
		t.Errorf("listsession output missing geometry: %q", output)
	}
	if !strings.Contains(output, "Running") {
		t.Errorf("listsession output missing status: %q", output)
	}
	if !strings.Contains(output, id) {
		t.Errorf("listsession output missing session id: %q", output)
	}
}

func TestWaitForSessionReadyDetectsTermination(t *testing.T) {
	h, store, _ := newTestHandler(t)

	id, err := store.CreateSessionID()
	if err != nil {
		t.Fatalf("CreateSessionID: %v", err)
	}
	rec := session.New(id, "host1", "1000", "alice")
	rec.State = session.StateTerminated
	if err := store.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	_, err = h.waitForSessionReady(context.Background(), id, time.Second)
	if _, ok := err.(*nxerrors.QuitError); !ok {
		t.Fatalf("expected QuitError for a terminated session, got %T: %v", err, err)
	}
}

func TestWaitForSessionReadySucceeds(t *testing.T) {
	h, store, _ := newTestHandler(t)

	id, err := store.CreateSessionID()
	if err != nil {
		t.Fatalf("CreateSessionID: %v", err)
	}
	rec := session.New(id, "host1", "1000", "alice")
	rec.State = session.StateWaiting
	rec.Port = 4001
	if err := store.SaveSession(rec); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	got, err := h.waitForSessionReady(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("waitForSessionReady: %v", err)
	}
	if got.Port != 4001 {
		t.Errorf("Port = %d, want 4001", got.Port)
	}
}
