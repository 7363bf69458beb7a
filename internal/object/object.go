// Package object implements the typed value used on the wire: a small
// tagged union (bool, int32, uint32, string, or an array of objects)
// that tracks whether it has been assigned and what the last operation
// on it failed with, and knows how to render itself as the protocol's
// <data type="..."> XML element.
package object

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies which variant of the tagged union an Object holds.
type Kind int

const (
	Bool Kind = iota
	Int32
	UInt32
	String
	Array
)

// typeString returns the wire type-name used in type="..." attributes
// and accepted by NewFromTypeString.
func (k Kind) typeString() string {
	switch k {
	case Bool:
		return "bool"
	case Int32:
		return "int"
	case UInt32:
		return "unsigned int"
	case String:
		return "string"
	case Array:
		return "array"
	default:
		return "unknown"
	}
}

// ErrorCode is the last-operation error state an Object remembers,
// mirroring the original facund_object_error enum.
type ErrorCode int

const (
	ErrNone ErrorCode = iota
	ErrNoObject
	ErrUnassigned
	ErrWrongType
	ErrBadString
)

func (e ErrorCode) Error() string {
	switch e {
	case ErrNone:
		return "no error"
	case ErrNoObject:
		return "no object"
	case ErrUnassigned:
		return "value not assigned"
	case ErrWrongType:
		return "wrong type for operation"
	case ErrBadString:
		return "value could not be parsed from string"
	default:
		return "unknown object error"
	}
}

// Object is the tagged-union value. The zero value is not usable;
// construct one with New* or NewFromTypeString.
type Object struct {
	kind     Kind
	assigned bool
	lastErr  ErrorCode

	b   bool
	i32 int32
	u32 uint32
	str string
	arr []*Object

	xmlCached string
	xmlValid  bool
}

func NewBool() *Object   { return &Object{kind: Bool} }
func NewInt32() *Object  { return &Object{kind: Int32} }
func NewUInt32() *Object { return &Object{kind: UInt32} }
func NewString() *Object { return &Object{kind: String} }
func NewArray() *Object  { return &Object{kind: Array, arr: nil} }

// NewFromTypeString builds an unassigned Object of the kind named by
// typeStr ("bool", "int", "unsigned int", "string", "array"), the same
// vocabulary the wire protocol's type="..." attribute uses.
func NewFromTypeString(typeStr string) (*Object, error) {
	switch typeStr {
	case "bool":
		return NewBool(), nil
	case "int":
		return NewInt32(), nil
	case "unsigned int":
		return NewUInt32(), nil
	case "string":
		return NewString(), nil
	case "array":
		return NewArray(), nil
	default:
		return nil, fmt.Errorf("object: unknown type %q", typeStr)
	}
}

func (o *Object) Kind() Kind            { return o.kind }
func (o *Object) IsAssigned() bool      { return o.assigned }
func (o *Object) LastError() ErrorCode  { return o.lastErr }

func (o *Object) invalidateXML() {
	o.xmlValid = false
}

// SetBool assigns a bool value. Returns ErrWrongType if o is not a Bool.
func (o *Object) SetBool(v bool) error {
	if o.kind != Bool {
		o.lastErr = ErrWrongType
		return o.lastErr
	}
	o.b = v
	o.assigned = true
	o.lastErr = ErrNone
	o.invalidateXML()
	return nil
}

// SetInt32 assigns an int32 value. Returns ErrWrongType if o is not an Int32.
func (o *Object) SetInt32(v int32) error {
	if o.kind != Int32 {
		o.lastErr = ErrWrongType
		return o.lastErr
	}
	o.i32 = v
	o.assigned = true
	o.lastErr = ErrNone
	o.invalidateXML()
	return nil
}

// SetUInt32 assigns a uint32 value. Returns ErrWrongType if o is not a UInt32.
func (o *Object) SetUInt32(v uint32) error {
	if o.kind != UInt32 {
		o.lastErr = ErrWrongType
		return o.lastErr
	}
	o.u32 = v
	o.assigned = true
	o.lastErr = ErrNone
	o.invalidateXML()
	return nil
}

// SetString assigns a string value. Returns ErrWrongType if o is not a String.
func (o *Object) SetString(v string) error {
	if o.kind != String {
		o.lastErr = ErrWrongType
		return o.lastErr
	}
	o.str = v
	o.assigned = true
	o.lastErr = ErrNone
	o.invalidateXML()
	return nil
}

// Append adds child to an Array object. Returns ErrWrongType if o is not
// an Array.
func (o *Object) Append(child *Object) error {
	if o.kind != Array {
		o.lastErr = ErrWrongType
		return o.lastErr
	}
	o.arr = append(o.arr, child)
	o.assigned = true
	o.lastErr = ErrNone
	o.invalidateXML()
	return nil
}

// Bool returns the held value. Returns ErrWrongType or ErrUnassigned
// without modifying o on failure, matching the original's
// read-without-mutation contract.
func (o *Object) Bool() (bool, error) {
	if o.kind != Bool {
		o.lastErr = ErrWrongType
		return false, o.lastErr
	}
	if !o.assigned {
		o.lastErr = ErrUnassigned
		return false, o.lastErr
	}
	o.lastErr = ErrNone
	return o.b, nil
}

func (o *Object) Int32() (int32, error) {
	if o.kind != Int32 {
		o.lastErr = ErrWrongType
		return 0, o.lastErr
	}
	if !o.assigned {
		o.lastErr = ErrUnassigned
		return 0, o.lastErr
	}
	o.lastErr = ErrNone
	return o.i32, nil
}

func (o *Object) UInt32() (uint32, error) {
	if o.kind != UInt32 {
		o.lastErr = ErrWrongType
		return 0, o.lastErr
	}
	if !o.assigned {
		o.lastErr = ErrUnassigned
		return 0, o.lastErr
	}
	o.lastErr = ErrNone
	return o.u32, nil
}

// Str returns the held string value (named Str, not String, so it does
// not collide with the fmt.Stringer debug dumper below).
func (o *Object) Str() (string, error) {
	if o.kind != String {
		o.lastErr = ErrWrongType
		return "", o.lastErr
	}
	if !o.assigned {
		o.lastErr = ErrUnassigned
		return "", o.lastErr
	}
	o.lastErr = ErrNone
	return o.str, nil
}

// Elements returns the array's children in order.
func (o *Object) Elements() ([]*Object, error) {
	if o.kind != Array {
		o.lastErr = ErrWrongType
		return nil, o.lastErr
	}
	o.lastErr = ErrNone
	return o.arr, nil
}

// At returns the idx'th array element.
func (o *Object) At(idx int) (*Object, error) {
	if o.kind != Array {
		o.lastErr = ErrWrongType
		return nil, o.lastErr
	}
	if idx < 0 || idx >= len(o.arr) {
		o.lastErr = ErrNoObject
		return nil, o.lastErr
	}
	o.lastErr = ErrNone
	return o.arr[idx], nil
}

// Len returns the number of elements in an Array.
func (o *Object) Len() (int, error) {
	if o.kind != Array {
		o.lastErr = ErrWrongType
		return 0, o.lastErr
	}
	return len(o.arr), nil
}

// SetFromString parses s according to o's Kind and assigns it, the
// wire-format counterpart of each typed setter above. Arrays may never
// be assigned from accumulated text; the caller is expected to append
// parsed children instead.
func (o *Object) SetFromString(s string) error {
	switch o.kind {
	case Bool:
		return o.SetBool(strings.EqualFold(s, "true"))
	case Int32:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil || n < math.MinInt32 || n > math.MaxInt32 {
			o.lastErr = ErrBadString
			return o.lastErr
		}
		return o.SetInt32(int32(n))
	case UInt32:
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil || n > math.MaxUint32 {
			o.lastErr = ErrBadString
			return o.lastErr
		}
		return o.SetUInt32(uint32(n))
	case String:
		return o.SetString(s)
	case Array:
		o.lastErr = ErrBadString
		return o.lastErr
	default:
		o.lastErr = ErrWrongType
		return o.lastErr
	}
}

// XML renders the <data type="..."> element for this object, memoizing
// the result until the next mutation. Arrays render their children
// recursively inside the same element. An unassigned object renders as
// the empty string; the caller sees an absent value rather than an
// empty one.
func (o *Object) XML() string {
	if o.xmlValid {
		return o.xmlCached
	}

	var b strings.Builder
	o.writeXML(&b)
	o.xmlCached = b.String()
	o.xmlValid = true
	return o.xmlCached
}

func (o *Object) writeXML(b *strings.Builder) {
	if !o.assigned {
		return
	}
	fmt.Fprintf(b, `<data type="%s">`, o.kind.typeString())
	switch o.kind {
	case Bool:
		if o.b {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case Int32:
		fmt.Fprintf(b, "%d", o.i32)
	case UInt32:
		fmt.Fprintf(b, "%d", o.u32)
	case String:
		b.WriteString(escapeXMLText(o.str))
	case Array:
		for _, child := range o.arr {
			child.writeXML(b)
		}
	}
	b.WriteString("</data>")
}

func escapeXMLText(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	)
	return r.Replace(s)
}

// String is a debug pretty-printer, the idiomatic fmt.Stringer analog
// of the original's recursive depth-indented dumper.
func (o *Object) String() string {
	var b strings.Builder
	o.print(&b, 0)
	return b.String()
}

func (o *Object) print(b *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	switch o.kind {
	case Array:
		fmt.Fprintf(b, "%sarray (%d elements)\n", indent, len(o.arr))
		for _, child := range o.arr {
			child.print(b, depth+1)
		}
	default:
		if !o.assigned {
			fmt.Fprintf(b, "%s%s: <unassigned>\n", indent, o.kind.typeString())
			return
		}
		switch o.kind {
		case Bool:
			fmt.Fprintf(b, "%sbool: %v\n", indent, o.b)
		case Int32:
			fmt.Fprintf(b, "%sint: %d\n", indent, o.i32)
		case UInt32:
			fmt.Fprintf(b, "%sunsigned int: %d\n", indent, o.u32)
		case String:
			fmt.Fprintf(b, "%sstring: %q\n", indent, o.str)
		}
	}
}
