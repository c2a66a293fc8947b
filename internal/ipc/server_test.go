package ipc

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func startTestServer(t *testing.T, router *Router) (*Server, string) {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "ipc.sock")
	srv := NewServer(router, discardLogger())
	if err := srv.ListenUnix(socket); err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return srv, socket
}

func TestServerRoundTrip(t *testing.T) {
	tool := &echoTool{name: "echo", schema: echoSchema()}
	router, _ := newTestRouter(t, tool)
	_, socket := startTestServer(t, router)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := Call(ctx, socket, "echo", []string{"hello"}, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if resp.Output != "echo: hello" {
		t.Fatalf("output = %q", resp.Output)
	}
	if resp.ExitCode() != 0 {
		t.Fatalf("exit code = %d", resp.ExitCode())
	}
}

func TestServerStdinForwarded(t *testing.T) {
	tool := &echoTool{name: "echo", schema: echoSchema()}
	router, _ := newTestRouter(t, tool)
	_, socket := startTestServer(t, router)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Call(ctx, socket, "echo", []string{"hi"}, []byte("piped")); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := tool.got["input"]; got != "piped" {
		t.Fatalf("input = %v", got)
	}
}

func TestServerErrorKinds(t *testing.T) {
	tool := &echoTool{name: "echo", schema: echoSchema()}
	router, _ := newTestRouter(t, tool)
	_, socket := startTestServer(t, router)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := Call(ctx, socket, "nope", nil, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Kind != KindNotFound || resp.ExitCode() != 127 {
		t.Fatalf("kind = %q, exit = %d", resp.Kind, resp.ExitCode())
	}

	resp, err = Call(ctx, socket, "echo", []string{"--bogus", "x"}, nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Kind != KindBadArguments || resp.ExitCode() != 2 {
		t.Fatalf("kind = %q, exit = %d", resp.Kind, resp.ExitCode())
	}
	if resp.Error == "" {
		t.Fatal("expected error text")
	}
}

func TestServerReplacesStaleSocket(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "ipc.sock")
	if err := os.WriteFile(socket, []byte("stale"), 0600); err != nil {
		t.Fatal(err)
	}
	srv := NewServer(NewRouter(NewRegistry(discardLogger()), nil), discardLogger())
	if err := srv.ListenUnix(socket); err != nil {
		t.Fatalf("ListenUnix over stale file: %v", err)
	}
	srv.Close()
}

func TestWriteWrapperScripts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bin")
	err := WriteWrapperScripts(dir, "/usr/local/bin/ngome", "/tmp/ipc.sock", []string{"todo", "send-msg"})
	if err != nil {
		t.Fatalf("WriteWrapperScripts: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "todo"))
	if err != nil {
		t.Fatal(err)
	}
	script := string(data)
	if !strings.HasPrefix(script, "#!/usr/bin/env bash\n") {
		t.Fatalf("missing shebang: %q", script)
	}
	for _, want := range []string{"/usr/local/bin/ngome", "/tmp/ipc.sock", `"todo"`, `"$@"`} {
		if !strings.Contains(script, want) {
			t.Fatalf("script missing %q: %s", want, script)
		}
	}
	info, err := os.Stat(filepath.Join(dir, "send-msg"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0100 == 0 {
		t.Fatal("wrapper is not executable")
	}
}

func TestWriteWrapperScriptsRejectsBadNames(t *testing.T) {
	dir := t.TempDir()
	for _, bad := range []string{"", "a b", "../escape", "rm;true"} {
		if err := WriteWrapperScripts(dir, "bin", "sock", []string{bad}); err == nil {
			t.Fatalf("name %q accepted", bad)
		}
	}
}
