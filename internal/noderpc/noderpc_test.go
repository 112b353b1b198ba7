//go:build linux

package noderpc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/neatx/neatxd/internal/nxerrors"
)

func startTestServer(t *testing.T, handler Handler) (address string, stop func()) {
	t.Helper()
	dir := t.TempDir()
	address = filepath.Join(dir, "nxnode.sock")

	srv, err := Listen(address, uint32(os.Getuid()), handler)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve()

	return address, func() { srv.Close() }
}

func TestStartSessionRoundTrip(t *testing.T) {
	address, stop := startTestServer(t, func(cmd string, args any) (any, error) {
		if cmd != CmdStartSession {
			t.Errorf("cmd = %q, want %q", cmd, CmdStartSession)
		}
		return map[string]any{"display": "1001"}, nil
	})
	defer stop()

	c := NewClient(address)
	if err := c.Connect(context.Background(), false); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	result, err := c.StartSession(map[string]any{"session": "localtest"})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	m, ok := result.(map[string]any)
	if !ok || m["display"] != "1001" {
		t.Errorf("result = %v, want display=1001", result)
	}
}

func TestErrorEnvelopeRoundTrip(t *testing.T) {
	address, stop := startTestServer(t, func(cmd string, args any) (any, error) {
		return nil, &nxerrors.AuthFailedError{Username: "alice"}
	})
	defer stop()

	c := NewClient(address)
	if err := c.Connect(context.Background(), false); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	_, err := c.StartSession(nil)
	if err == nil {
		t.Fatal("expected error")
	}
	af, ok := err.(*nxerrors.AuthFailedError)
	if !ok {
		t.Fatalf("expected *nxerrors.AuthFailedError, got %T: %v", err, err)
	}
	if af.Username != "alice" {
		t.Errorf("Username = %q, want alice", af.Username)
	}
}

func TestPeerCredentialRejectsWrongUID(t *testing.T) {
	dir := t.TempDir()
	address := filepath.Join(dir, "nxnode.sock")

	srv, err := Listen(address, 999999, func(cmd string, args any) (any, error) {
		t.Fatal("handler should not be invoked for a disallowed peer")
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	c := NewClient(address)
	if err := c.Connect(context.Background(), false); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	_, err = c.StartSession(nil)
	if err == nil {
		t.Fatal("expected the connection to be closed by the server before a response arrives")
	}
}
