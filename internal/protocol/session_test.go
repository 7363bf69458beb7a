package protocol

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/facund/facund/internal/transport"
)

// dial brings up a connected server/client pair of *transport.Connection
// over a real Unix-domain socket in t.TempDir().
func dial(t *testing.T) (server, client *transport.Connection) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "facund.sock")

	server, err := transport.ListenServer(path)
	if err != nil {
		t.Fatalf("ListenServer: %v", err)
	}
	t.Cleanup(func() { server.Cleanup() })

	errCh := make(chan error, 1)
	go func() { errCh <- server.Accept(context.Background()) }()

	client, err = transport.DialClient(path)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if err := <-errCh; err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return server, client
}

func readAll(t *testing.T, c *transport.Connection, atLeast int, timeout time.Duration) string {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 4096)
	deadline := time.Now().Add(timeout)
	for sb.Len() < atLeast && time.Now().Before(deadline) {
		n, err := c.Recv(buf)
		if n > 0 {
			sb.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	return sb.String()
}

func TestSessionPingRoundTrip(t *testing.T) {
	server, client := dial(t)

	engine := NewEngine("", newTestWatcher(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Serve(ctx, server, engine) }()

	hello := readAll(t, client, len(`<facund-server version="0">`), time.Second)
	if !strings.Contains(hello, `<facund-server version="0">`) {
		t.Fatalf("unexpected handshake: %q", hello)
	}

	client.Send([]byte(`<facund-client version="0">`))
	client.Send([]byte(`<call id="1" name="ping"></call>`))

	resp := readAll(t, client, len(`<response id="1" code="0"`), time.Second)
	if !strings.Contains(resp, `id="1"`) || !strings.Contains(resp, `code="0"`) {
		t.Fatalf("unexpected response: %q", resp)
	}
	if !strings.Contains(resp, `<data type="string">pong</data>`) {
		t.Fatalf("expected pong body in response: %q", resp)
	}

	client.Send([]byte(`</facund-client>`))
	bye := readAll(t, client, len(`</facund-server>`), time.Second)
	if !strings.Contains(bye, `</facund-server>`) {
		t.Fatalf("expected closing tag, got %q", bye)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after client closed")
	}
}

func TestSessionNestedArrayArgument(t *testing.T) {
	server, client := dial(t)

	h := NewHandlers(mustWatcher(t, "/base"))
	engine := NewEngine("", h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Serve(ctx, server, engine)
	readAll(t, client, len(`<facund-server version="0">`), time.Second)

	client.Send([]byte(`<facund-client version="0">`))
	call := `<call id="9" name="get_directories">` +
		`<data type="array"><data type="string">ignored</data></data>` +
		`</call>`
	client.Send([]byte(call))

	resp := readAll(t, client, len(`<response id="9"`), time.Second)
	if !strings.Contains(resp, `id="9"`) {
		t.Fatalf("unexpected response: %q", resp)
	}

	client.Send([]byte(`</facund-client>`))
	readAll(t, client, len(`</facund-server>`), time.Second)
}

func TestSessionUnknownElementOutsideCall(t *testing.T) {
	server, client := dial(t)

	engine := NewEngine("", newTestWatcher(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Serve(ctx, server, engine)
	readAll(t, client, len(`<facund-server version="0">`), time.Second)

	client.Send([]byte(`<facund-client version="0">`))
	client.Send([]byte(`<bogus></bogus>`))

	resp := readAll(t, client, len(`<response code="100"`), time.Second)
	if !strings.Contains(resp, `code="100"`) {
		t.Fatalf("expected UnknownElement diagnostic, got %q", resp)
	}

	client.Send([]byte(`</facund-client>`))
	readAll(t, client, len(`</facund-server>`), time.Second)
}
