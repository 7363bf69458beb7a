package object

import "testing"

func TestSetGetRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		obj  *Object
		set  func(*Object) error
		get  func(*Object) (any, error)
		want any
	}{
		{
			name: "bool",
			obj:  NewBool(),
			set:  func(o *Object) error { return o.SetBool(true) },
			get:  func(o *Object) (any, error) { return o.Bool() },
			want: true,
		},
		{
			name: "int32",
			obj:  NewInt32(),
			set:  func(o *Object) error { return o.SetInt32(-42) },
			get:  func(o *Object) (any, error) { return o.Int32() },
			want: int32(-42),
		},
		{
			name: "uint32",
			obj:  NewUInt32(),
			set:  func(o *Object) error { return o.SetUInt32(42) },
			get:  func(o *Object) (any, error) { return o.UInt32() },
			want: uint32(42),
		},
		{
			name: "string",
			obj:  NewString(),
			set:  func(o *Object) error { return o.SetString("pong") },
			get:  func(o *Object) (any, error) { return o.Str() },
			want: "pong",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := c.set(c.obj); err != nil {
				t.Fatalf("set failed: %v", err)
			}
			if !c.obj.IsAssigned() {
				t.Errorf("object not marked assigned after set")
			}
			got, err := c.get(c.obj)
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if got != c.want {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestUnassignedReadDoesNotMutate(t *testing.T) {
	o := NewInt32()
	if _, err := o.Int32(); err != ErrUnassigned {
		t.Fatalf("expected ErrUnassigned, got %v", err)
	}
	if o.IsAssigned() {
		t.Errorf("unassigned read should not mark object assigned")
	}
}

func TestWrongTypeRead(t *testing.T) {
	o := NewBool()
	if _, err := o.Int32(); err != ErrWrongType {
		t.Fatalf("expected ErrWrongType, got %v", err)
	}
}

func TestArrayAppendAndXML(t *testing.T) {
	arr := NewArray()
	a := NewString()
	if err := a.SetString("base"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	b := NewInt32()
	if err := b.SetInt32(7); err != nil {
		t.Fatalf("SetInt32: %v", err)
	}
	if err := arr.Append(a); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := arr.Append(b); err != nil {
		t.Fatalf("Append: %v", err)
	}

	n, err := arr.Len()
	if err != nil || n != 2 {
		t.Fatalf("Len() = %d, %v; want 2, nil", n, err)
	}

	want := `<data type="array"><data type="string">base</data><data type="int">7</data></data>`
	if got := arr.XML(); got != want {
		t.Errorf("XML() = %q, want %q", got, want)
	}
	t.Logf("rendered: %s", arr.XML())
}

func TestArrayCannotBeSetFromString(t *testing.T) {
	arr := NewArray()
	if err := arr.SetFromString("anything"); err != ErrBadString {
		t.Fatalf("expected ErrBadString for array SetFromString, got %v", err)
	}
}

func TestSetFromStringBounds(t *testing.T) {
	i := NewInt32()
	if err := i.SetFromString("2147483648"); err != ErrBadString {
		t.Errorf("expected overflow to be rejected, got %v", err)
	}
	if err := i.SetFromString("2147483647"); err != nil {
		t.Errorf("max int32 should parse: %v", err)
	}

	u := NewUInt32()
	if err := u.SetFromString("-1"); err != ErrBadString {
		t.Errorf("expected negative uint32 to be rejected, got %v", err)
	}
}

func TestNewFromTypeString(t *testing.T) {
	for _, typ := range []string{"bool", "int", "unsigned int", "string", "array"} {
		if _, err := NewFromTypeString(typ); err != nil {
			t.Errorf("NewFromTypeString(%q) failed: %v", typ, err)
		}
	}
	if _, err := NewFromTypeString("bogus"); err == nil {
		t.Errorf("expected error for unknown type string")
	}
}

func TestXMLEscaping(t *testing.T) {
	s := NewString()
	if err := s.SetString("a < b & c > d"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	want := `<data type="string">a &lt; b &amp; c &gt; d</data>`
	if got := s.XML(); got != want {
		t.Errorf("XML() = %q, want %q", got, want)
	}
}

func TestXMLMemoization(t *testing.T) {
	s := NewString()
	_ = s.SetString("first")
	first := s.XML()
	_ = s.SetString("second")
	second := s.XML()
	if first == second {
		t.Errorf("expected memoized XML to invalidate after mutation")
	}
}
