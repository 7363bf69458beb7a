package protocol

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/facund/facund/internal/object"
	"github.com/facund/facund/internal/response"
	"github.com/facund/facund/internal/transport"
)

// Serve drives one client connection end to end: it sends the
// handshake, reads <call> elements until the client closes
// <facund-client>, dispatching each through engine and writing back
// its <response>. It returns when the client disconnects, the
// context is canceled, or a read/write fails.
func Serve(ctx context.Context, c *transport.Connection, engine *Engine) error {
	salt := engine.beginSession()
	defer engine.endSession()

	hello := fmt.Sprintf(`<facund-server version="0"`)
	if salt != 0 {
		hello += fmt.Sprintf(` salt="%d"`, salt)
	}
	hello += ">"
	if _, err := c.Write([]byte(hello)); err != nil {
		return fmt.Errorf("protocol: send handshake: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	s := &session{dec: xml.NewDecoder(c), out: c, engine: engine}
	return s.run()
}

// session is the per-connection scratch state for the streaming
// parser. argStack and arg replace the original's obj_parent
// back-pointers: argStack holds the chain of currently-open <data>
// elements, and arg latches onto whichever object the stack first
// became non-empty with, i.e. the top-level argument of the call
// currently being read. A <data> closing back down to an empty stack
// does not clear arg - a later sibling top-level <data> overwrites it,
// exactly as the original's single call_arg field did.
type session struct {
	dec    *xml.Decoder
	out    io.Writer
	engine *Engine

	inClient bool
	inCall   bool
	callID   string
	callName string
	sawID    bool
	sawName  bool

	// hasErr latches the first structural problem seen while reading
	// the current call (bad attribute, unparseable data); it replaces
	// handler dispatch once the call closes, and later problems in the
	// same call do not overwrite it.
	hasErr  bool
	errCode int
	errMsg  string

	argStack []*object.Object
	arg      *object.Object
	text     strings.Builder
}

func (s *session) setErr(code int, msg string) {
	if s.hasErr {
		return
	}
	s.hasErr = true
	s.errCode = code
	s.errMsg = msg
}

func (s *session) run() error {
	for {
		tok, err := s.dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("protocol: read: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			s.handleStart(t)
		case xml.EndElement:
			if s.handleEnd(t) {
				return nil
			}
		case xml.CharData:
			s.text.Write(t)
		}
	}
}

func (s *session) handleStart(t xml.StartElement) {
	name := t.Name.Local

	switch {
	case !s.inClient:
		if name == "facund-client" {
			s.inClient = true
		}
		// Anything else before the handshake completes is simply
		// ignored; there is no call id yet to hang a diagnostic on.

	case !s.inCall:
		if name != "call" {
			s.sendDiagnostic(response.UnknownElement, "Unexpected element")
			return
		}
		s.startCall(t)

	default:
		s.startData(t)
	}
}

func (s *session) startCall(t xml.StartElement) {
	s.inCall = true
	s.callID, s.callName = "", ""
	s.sawID, s.sawName = false, false
	s.hasErr, s.errCode, s.errMsg = false, 0, ""
	s.argStack = nil
	s.arg = nil

	for _, a := range t.Attr {
		switch a.Name.Local {
		case "id":
			if s.sawID {
				s.setErr(response.RepeatedAttribute, "Attribute repeated")
				continue
			}
			s.sawID = true
			s.callID = a.Value
		case "name":
			if s.sawName {
				s.setErr(response.RepeatedAttribute, "Attribute repeated")
				continue
			}
			s.sawName = true
			s.callName = a.Value
		default:
			s.setErr(response.UnknownAttribute, "Unknown attribute on call")
		}
	}
	if !s.sawID || !s.sawName {
		s.setErr(response.NoAttribute, "Missing required attribute")
	}
}

func (s *session) startData(t xml.StartElement) {
	if t.Name.Local != "data" {
		s.setErr(response.WrongChildElement, "Unexpected element inside call")
		return
	}

	typeStr := ""
	for _, a := range t.Attr {
		if a.Name.Local == "type" {
			typeStr = a.Value
		}
	}
	obj, err := object.NewFromTypeString(typeStr)
	if err != nil {
		s.setErr(response.IncorrectData, "Unknown data type")
		obj = object.NewString()
	}

	if len(s.argStack) > 0 {
		top := s.argStack[len(s.argStack)-1]
		if top.Kind() == object.Array {
			top.Append(obj)
		}
	}
	s.argStack = append(s.argStack, obj)
	if len(s.argStack) == 1 {
		s.arg = obj
	}
	s.text.Reset()
}

// handleEnd processes a closing tag and reports whether the session
// should end (the client closed </facund-client>).
func (s *session) handleEnd(t xml.EndElement) bool {
	switch t.Name.Local {
	case "data":
		if len(s.argStack) == 0 {
			return false
		}
		top := s.argStack[len(s.argStack)-1]
		s.argStack = s.argStack[:len(s.argStack)-1]
		if top.Kind() != object.Array {
			text := s.text.String()
			if text == "" {
				s.setErr(response.EmptyValue, "Data element had no value")
			} else if err := top.SetFromString(text); err != nil {
				s.setErr(response.IncorrectData, "Value failed to parse")
			}
		}
		s.text.Reset()

	case "call":
		if !s.inCall {
			return false
		}
		s.inCall = false
		s.finishCall()

	case "facund-client":
		s.out.Write([]byte("</facund-server>"))
		return true
	}
	return false
}

func (s *session) finishCall() {
	var resp *response.Response
	if s.hasErr {
		resp, _ = response.New(s.errCode, s.errMsg)
		resp.SetID(s.callID)
	} else {
		resp = s.engine.dispatch(s.callName, s.callID, s.arg)
	}
	s.out.Write([]byte(resp.XML()))
}

// sendDiagnostic answers a structural XML error that has no call id
// to attach to yet (it happened outside any <call> element).
func (s *session) sendDiagnostic(code int, message string) {
	resp, err := response.New(code, message)
	if err != nil {
		return
	}
	s.out.Write([]byte(resp.XML()))
}
