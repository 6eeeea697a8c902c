// Package stdlib implements Vela's native standard-library modules (spec
// §B / SPEC_FULL.md §B): db, crypto, socket, fmt, time, json, uuid. Each
// module is a NativeModule constructor registered into an
// internal/module.Registry; the registry calls the constructor lazily,
// exactly once, the first time a script imports that name.
//
// Grounded in the teacher's internal/stdlib/database_funcs.go for the
// native-function-table shape (a Go func wrapped as *value.Native,
// installed into a module's export table) and in the teacher's
// internal/packages' registration style; the concrete set of modules and
// their third-party backing libraries come from SPEC_FULL.md §B.
package stdlib

import (
	"fmt"

	"vela/internal/value"
)

// newModule builds a module export table from a name->NativeFn map,
// wrapping each entry as a *value.Native the way the teacher's
// RegisterNativeFunctions does for its own builtins.
func newModule(fns map[string]value.NativeFn) *value.Table {
	t := value.NewTable()
	for name, fn := range fns {
		t.Set(value.NewString(name), &value.Native{Name: name, Fn: fn})
	}
	return t
}

func argAt(args []value.Value, i int) value.Value {
	if i < 0 || i >= len(args) {
		return nil
	}
	return args[i]
}

func argString(args []value.Value, i int, fn string) (string, error) {
	v := argAt(args, i)
	s, ok := v.(*value.String)
	if !ok {
		return "", fmt.Errorf("%s: argument %d must be a string, got %s", fn, i+1, value.TypeName(v))
	}
	return s.Chars, nil
}

func optString(args []value.Value, i int, def string) string {
	v := argAt(args, i)
	if s, ok := v.(*value.String); ok {
		return s.Chars
	}
	return def
}

func argNumber(args []value.Value, i int, fn string) (float64, error) {
	v := argAt(args, i)
	n, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%s: argument %d must be a number, got %s", fn, i+1, value.TypeName(v))
	}
	return n, nil
}

func optNumber(args []value.Value, i int, def float64) float64 {
	v := argAt(args, i)
	if n, ok := v.(float64); ok {
		return n
	}
	return def
}

func argTable(args []value.Value, i int, fn string) (*value.Table, error) {
	v := argAt(args, i)
	t, ok := v.(*value.Table)
	if !ok {
		return nil, fmt.Errorf("%s: argument %d must be a table, got %s", fn, i+1, value.TypeName(v))
	}
	return t, nil
}

func argUserdata(args []value.Value, i int, name, fn string) (*value.Userdata, error) {
	v := argAt(args, i)
	u, ok := v.(*value.Userdata)
	if !ok || u.Name != name {
		return nil, fmt.Errorf("%s: argument %d must be a %s handle", fn, i+1, name)
	}
	if u.Closed {
		return nil, fmt.Errorf("%s: %s handle is closed", fn, name)
	}
	return u, nil
}
