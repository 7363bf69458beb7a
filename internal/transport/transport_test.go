package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcceptSendRecvRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facund.sock")

	server, err := ListenServer(path)
	if err != nil {
		t.Fatalf("ListenServer: %v", err)
	}
	defer server.Cleanup()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("socket file missing: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Accept(context.Background())
	}()

	client, err := DialClient(path)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	defer client.Close()

	if err := <-errCh; err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if err := server.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	buf := make([]byte, 16)
	n, err := client.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("got %q, want %q", buf[:n], "hello")
	}
}

func TestAcceptWhileConnectedIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facund.sock")

	server, err := ListenServer(path)
	if err != nil {
		t.Fatalf("ListenServer: %v", err)
	}
	defer server.Cleanup()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Accept(context.Background()) }()

	client, err := DialClient(path)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	defer client.Close()
	if err := <-errCh; err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if err := server.Accept(context.Background()); err != ErrAlreadyConnected {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestAcceptCanceledByContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facund.sock")

	server, err := ListenServer(path)
	if err != nil {
		t.Fatalf("ListenServer: %v", err)
	}
	defer server.Cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = server.Accept(ctx)
	if err == nil {
		t.Fatalf("expected Accept to fail after context cancellation")
	}
}

func TestCleanupRemovesSocketFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facund.sock")
	server, err := ListenServer(path)
	if err != nil {
		t.Fatalf("ListenServer: %v", err)
	}
	if err := server.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected socket file to be removed, stat err = %v", err)
	}
}
