// Package protocol implements the streaming XML RPC state machine
// exchanged over a Connection: the handshake that hands the client a
// salt, password-authenticated call dispatch, and the registered
// update-control operations themselves.
package protocol

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strconv"
	"sync"

	"github.com/facund/facund/internal/object"
	"github.com/facund/facund/internal/response"
)

// HandlerFunc answers one RPC call. A nil arg means the call carried
// no <data> element at all.
type HandlerFunc func(id string, arg *object.Object) (*response.Response, error)

// ErrAlreadyRegistered is returned by Register when a call name has
// already been bound to a handler, mirroring the original registry's
// R_NOOVERWRITE semantics.
var ErrAlreadyRegistered = errors.New("protocol: call already registered")

// Engine owns the call registry for one running daemon: every
// Connection session dispatches through the same Engine, so a call
// registered during one client's authenticate handshake remains
// available to later sessions too. This is an explicit replacement
// for the original's single global call table and global salt
// variable, both scoped here instead of living at package level.
//
// Only one peer is ever connected at a time (see internal/transport),
// so a single currentSalt field, not one per session, faithfully
// reproduces the original's process-wide facund_salt.
type Engine struct {
	mu           sync.Mutex
	registry     map[string]HandlerFunc
	passwordHash string
	currentSalt  uint64
	ops          *Handlers
}

// NewEngine builds an Engine. passwordHash is the pre-shared secret
// configured for this daemon; an empty passwordHash means no
// authentication is required and every operation is registered
// immediately instead of waiting for a successful "authenticate" call.
func NewEngine(passwordHash string, ops *Handlers) *Engine {
	e := &Engine{
		registry:     make(map[string]HandlerFunc),
		passwordHash: passwordHash,
		ops:          ops,
	}
	e.Register("authenticate", e.authenticate)

	if passwordHash == "" {
		e.registerOperations()
	}
	return e
}

// Register binds name to fn. It fails if name is already registered.
func (e *Engine) Register(name string, fn HandlerFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.registry[name]; exists {
		return ErrAlreadyRegistered
	}
	e.registry[name] = fn
	return nil
}

func (e *Engine) registerOperations() {
	e.Register("ping", e.ops.Ping)
	e.Register("get_directories", e.ops.GetDirectories)
	e.Register("list_updates", e.ops.ListUpdates)
	e.Register("list_installed", e.ops.ListInstalled)
	e.Register("install_patches", e.ops.InstallPatches)
	e.Register("rollback_patches", e.ops.RollbackPatches)
	e.Register("get_services", e.ops.GetServices)
	e.Register("restart_services", e.ops.RestartServices)
}

func (e *Engine) lookup(name string) (HandlerFunc, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn, ok := e.registry[name]
	return fn, ok
}

// dispatch finds and runs the handler for name, wrapping "not found"
// and "handler misbehaved" into the same well-formed-response
// contract a real handler would have to honor, and stamping the
// response with the call's id.
func (e *Engine) dispatch(name, id string, arg *object.Object) *response.Response {
	fn, ok := e.lookup(name)
	if !ok {
		resp, _ := response.New(response.UnknownCall, "Invalid request")
		resp.SetID(id)
		return resp
	}

	resp, err := fn(id, arg)
	if err != nil || resp == nil {
		resp, _ = response.New(response.Failure, "Method returned an invalid response")
	}
	resp.SetID(id)
	return resp
}

// beginSession hands out a fresh nonzero salt for a new handshake,
// unless no password is configured, in which case the salt stays 0
// meaning "no authentication required".
func (e *Engine) beginSession() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.passwordHash == "" {
		e.currentSalt = 0
		return 0
	}
	for {
		salt := randomUint64()
		if salt != 0 {
			e.currentSalt = salt
			return salt
		}
	}
}

// endSession clears the outstanding salt once a session finishes,
// matching the original's reset-to-zero after facund_server_finish.
func (e *Engine) endSession() {
	e.mu.Lock()
	e.currentSalt = 0
	e.mu.Unlock()
}

func randomUint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is effectively unrecoverable; the
		// original's unseeded random() could never fail either.
		panic("protocol: crypto/rand unavailable: " + err.Error())
	}
	return binary.BigEndian.Uint64(b[:])
}

// authenticate validates the submitted password digest against the
// current session's salt and, on success, registers the full
// operation set for this and every future session.
func (e *Engine) authenticate(id string, arg *object.Object) (*response.Response, error) {
	e.mu.Lock()
	salt := e.currentSalt
	e.mu.Unlock()

	if salt == 0 {
		return response.New(response.Failure, "Already authenticated")
	}
	if arg == nil || arg.Kind() != object.String {
		return response.New(response.Failure, "Incorrect Data")
	}
	submitted, err := arg.Str()
	if err != nil {
		return response.New(response.Failure, "Incorrect Data")
	}

	sum := sha256.Sum256([]byte(e.passwordHash + strconv.FormatUint(salt, 10)))
	want := hex.EncodeToString(sum[:])
	if submitted != want {
		return response.New(response.Failure, "Incorrect Password")
	}

	e.mu.Lock()
	e.currentSalt = 0
	e.mu.Unlock()
	e.registerOperations()

	return response.New(response.Good, "No Error")
}
