package stdlib

import (
	"context"
	"regexp"
	"testing"

	"vela/internal/value"
	"vela/internal/vm"
)

func nativeFn(t *testing.T, tbl *value.Table, name string) value.NativeFn {
	t.Helper()
	v, ok := tbl.Get(value.NewString(name))
	if !ok {
		t.Fatalf("module has no %q function", name)
	}
	n, ok := v.(*value.Native)
	if !ok {
		t.Fatalf("%q is not a native function, got %T", name, v)
	}
	return n.Fn
}

func TestJSONEncodeDecodeRoundTrip(t *testing.T) {
	machine := vm.New()
	mod, err := newJSONModule(machine)
	if err != nil {
		t.Fatalf("newJSONModule: %v", err)
	}
	encode := nativeFn(t, mod, "encode")
	decode := nativeFn(t, mod, "decode")

	arr := value.NewTable()
	arr.Append(float64(1))
	arr.Append(float64(2))
	arr.Append(float64(3))

	encoded, err := encode([]value.Value{arr})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s, ok := encoded.(*value.String)
	if !ok {
		t.Fatalf("expected encode to return a string, got %T", encoded)
	}

	decoded, err := decode([]value.Value{s})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, ok := decoded.(*value.Table)
	if !ok {
		t.Fatalf("expected decode to return a table, got %T", decoded)
	}
	if out.ArrayLen() != 3 {
		t.Fatalf("expected 3 elements, got %d", out.ArrayLen())
	}
	first, _ := out.GetArray(1)
	if first.(float64) != 1 {
		t.Fatalf("expected first element 1, got %v", first)
	}
}

func TestJSONEncodeObjectTable(t *testing.T) {
	machine := vm.New()
	mod, err := newJSONModule(machine)
	if err != nil {
		t.Fatalf("newJSONModule: %v", err)
	}
	encode := nativeFn(t, mod, "encode")
	decode := nativeFn(t, mod, "decode")

	obj := value.NewTable()
	obj.Set(value.NewString("name"), value.NewString("vela"))
	obj.Set(value.NewString("stable"), true)

	encoded, err := encode([]value.Value{obj})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decode([]value.Value{encoded})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out := decoded.(*value.Table)
	name, _ := out.Get(value.NewString("name"))
	if s, ok := name.(*value.String); !ok || s.Chars != "vela" {
		t.Fatalf("expected name %q, got %v", "vela", name)
	}
	stable, _ := out.Get(value.NewString("stable"))
	if stable != true {
		t.Fatalf("expected stable = true, got %v", stable)
	}
}

func TestUUIDNewLooksLikeUUID(t *testing.T) {
	machine := vm.New()
	mod, err := newUUIDModule(machine)
	if err != nil {
		t.Fatalf("newUUIDModule: %v", err)
	}
	fn := nativeFn(t, mod, "new")
	v, err := fn(nil)
	if err != nil {
		t.Fatalf("uuid.new: %v", err)
	}
	s, ok := v.(*value.String)
	if !ok {
		t.Fatalf("expected a string, got %T", v)
	}
	uuidRe := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	if !uuidRe.MatchString(s.Chars) {
		t.Fatalf("expected a UUID-shaped string, got %q", s.Chars)
	}
}

func TestUUIDNewIsUnique(t *testing.T) {
	machine := vm.New()
	mod, _ := newUUIDModule(machine)
	fn := nativeFn(t, mod, "new")
	a, _ := fn(nil)
	b, _ := fn(nil)
	if a.(*value.String).Chars == b.(*value.String).Chars {
		t.Fatal("expected two calls to uuid.new to produce distinct values")
	}
}

func TestFmtHelpers(t *testing.T) {
	machine := vm.New()
	mod, err := newFmtModule(machine)
	if err != nil {
		t.Fatalf("newFmtModule: %v", err)
	}

	bytesFn := nativeFn(t, mod, "bytes")
	v, err := bytesFn([]value.Value{float64(2048)})
	if err != nil {
		t.Fatalf("fmt.bytes: %v", err)
	}
	if v.(*value.String).Chars != "2.0 kB" {
		t.Fatalf("expected %q, got %q", "2.0 kB", v.(*value.String).Chars)
	}

	ordinalFn := nativeFn(t, mod, "ordinal")
	v, err = ordinalFn([]value.Value{float64(3)})
	if err != nil {
		t.Fatalf("fmt.ordinal: %v", err)
	}
	if v.(*value.String).Chars != "3rd" {
		t.Fatalf("expected %q, got %q", "3rd", v.(*value.String).Chars)
	}

	commafFn := nativeFn(t, mod, "commaf")
	v, err = commafFn([]value.Value{float64(1234.5)})
	if err != nil {
		t.Fatalf("fmt.commaf: %v", err)
	}
	if v.(*value.String).Chars != "1,234.5" {
		t.Fatalf("expected %q, got %q", "1,234.5", v.(*value.String).Chars)
	}
}

func TestCryptoHashAndVerify(t *testing.T) {
	machine := vm.New()
	// The crypto natives run through machine.Blocking, which releases and
	// reacquires the GIL, so hold it here as the dispatch loop would.
	if err := machine.GIL.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquire GIL: %v", err)
	}
	defer machine.GIL.Release(1)
	mod, err := newCryptoModule(machine)
	if err != nil {
		t.Fatalf("newCryptoModule: %v", err)
	}
	hashFn := nativeFn(t, mod, "hash")
	verifyFn := nativeFn(t, mod, "verify")

	hashed, err := hashFn([]value.Value{value.NewString("hunter2")})
	if err != nil {
		t.Fatalf("crypto.hash: %v", err)
	}

	ok, err := verifyFn([]value.Value{value.NewString("hunter2"), hashed})
	if err != nil {
		t.Fatalf("crypto.verify: %v", err)
	}
	if ok != true {
		t.Fatal("expected crypto.verify to accept the correct password")
	}

	bad, err := verifyFn([]value.Value{value.NewString("wrong"), hashed})
	if err != nil {
		t.Fatalf("crypto.verify: %v", err)
	}
	if bad != false {
		t.Fatal("expected crypto.verify to reject the wrong password")
	}
}
