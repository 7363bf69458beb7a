// Package transport implements the Unix-domain stream socket the
// protocol engine talks over: a listening endpoint that accepts one
// peer at a time, and the matching client-side dial.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrAlreadyConnected is returned by Accept when a peer is already
// attached; the original connection library treats re-accepting while
// connected as a no-op success rather than an error, a contract this
// package preserves through the return value instead.
var ErrAlreadyConnected = errors.New("transport: peer already connected")

// Connection is a Unix-domain stream socket endpoint, either the
// server side (owns a listener, accepts one peer at a time) or the
// client side (owns a direct peer connection and no listener).
type Connection struct {
	path     string
	listener *net.UnixListener
	peer     net.Conn
	doUnlink bool
}

// ListenServer creates and listens on a Unix-domain socket at path,
// granting world read/write/connect permission the way the daemon's
// socket has always been reachable by any local client (authentication
// happens at the protocol layer, not via socket permissions).
func ListenServer(path string) (*Connection, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", path, err)
	}

	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", path, err)
	}

	if err := os.Chmod(path, 0o777); err != nil {
		l.Close()
		os.Remove(path)
		return nil, fmt.Errorf("transport: chmod %s: %w", path, err)
	}

	return &Connection{path: path, listener: l, doUnlink: true}, nil
}

// DialClient connects to a server already listening at path.
func DialClient(path string) (*Connection, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", path, err)
	}
	return &Connection{path: path, peer: conn}, nil
}

// Accept waits for one peer to connect. If a peer is already attached
// it returns ErrAlreadyConnected immediately rather than blocking,
// matching the original accept-is-a-no-op-while-connected contract.
// Accept returns early if ctx is canceled.
func (c *Connection) Accept(ctx context.Context) error {
	if c.peer != nil {
		return ErrAlreadyConnected
	}
	if c.listener == nil {
		return errors.New("transport: not a server connection")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.listener.Close()
		case <-done:
		}
	}()

	conn, err := c.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("transport: accept: %w", err)
	}
	c.peer = conn
	return nil
}

// Send writes data to the connected peer in full.
func (c *Connection) Send(data []byte) error {
	if c.peer == nil {
		return errors.New("transport: no peer connected")
	}
	_, err := c.peer.Write(data)
	if err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// Recv reads up to len(buf) bytes from the connected peer. A zero
// return with a nil error never happens; callers should treat n == 0
// with err == io.EOF as a clean peer disconnect.
func (c *Connection) Recv(buf []byte) (int, error) {
	if c.peer == nil {
		return 0, errors.New("transport: no peer connected")
	}
	n, err := c.peer.Read(buf)
	if err != nil {
		return n, err
	}
	return n, nil
}

// Read and Write satisfy io.ReadWriter over the connected peer, so a
// Connection can be handed directly to an encoding/xml.Decoder or any
// other stream-oriented consumer.
func (c *Connection) Read(p []byte) (int, error) {
	if c.peer == nil {
		return 0, errors.New("transport: no peer connected")
	}
	return c.peer.Read(p)
}

func (c *Connection) Write(p []byte) (int, error) {
	if c.peer == nil {
		return 0, errors.New("transport: no peer connected")
	}
	return c.peer.Write(p)
}

// Close disconnects the current peer but leaves a server listener
// open so the next Accept can attach a new one.
func (c *Connection) Close() error {
	if c.peer == nil {
		return nil
	}
	err := c.peer.Close()
	c.peer = nil
	return err
}

// Cleanup tears the connection down fully: closes any peer and
// listener, and removes the socket file if this side created it.
func (c *Connection) Cleanup() error {
	var firstErr error
	if c.peer != nil {
		if err := c.peer.Close(); err != nil {
			firstErr = err
		}
		c.peer = nil
	}
	if c.listener != nil {
		if err := c.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.listener = nil
	}
	if c.doUnlink {
		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
