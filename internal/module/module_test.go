package module

import (
	"os"
	"path/filepath"
	"testing"

	"vela/internal/value"
	"vela/internal/vm"
)

func TestSplitImportSpec(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		wantPath       string
		wantConstraint string
	}{
		{"bare", "json", "json", ""},
		{"caret", "pkg@^1.2", "pkg", "^1.2"},
		{"nested", "collections/list@~2.0.1", "collections/list", "~2.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, constraint := splitImportSpec(tt.path)
			if path != tt.wantPath || constraint != tt.wantConstraint {
				t.Fatalf("splitImportSpec(%q) = (%q, %q), want (%q, %q)", tt.path, path, constraint, tt.wantPath, tt.wantConstraint)
			}
		})
	}
}

func TestCheckVersionConstraint(t *testing.T) {
	src := "# version: 1.4.0\nreturn {}\n"
	tests := []struct {
		name       string
		constraint string
		wantErr    bool
	}{
		{"caret same major ok", "^1.2", false},
		{"caret different major fails", "^2.0", true},
		{"tilde same minor ok", "~1.4", false},
		{"tilde different minor fails", "~1.3", true},
		{"gte satisfied", ">=1.0.0", false},
		{"gte not satisfied", ">=1.5.0", true},
		{"exact match ok", "=1.4.0", false},
		{"exact mismatch fails", "=1.4.1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkVersionConstraint(src, tt.constraint)
			if (err != nil) != tt.wantErr {
				t.Fatalf("checkVersionConstraint(%q) error = %v, wantErr %v", tt.constraint, err, tt.wantErr)
			}
		})
	}
}

func TestCheckVersionConstraintNoHeaderAlwaysSatisfies(t *testing.T) {
	if err := checkVersionConstraint("return {}\n", "^9.9.9"); err != nil {
		t.Fatalf("expected no header to satisfy any constraint, got %v", err)
	}
}

func TestImportNativeModuleIsLazyAndCached(t *testing.T) {
	calls := 0
	r := NewRegistry()
	r.RegisterNative("counter", func(v *vm.VM) (*value.Table, error) {
		calls++
		tbl := value.NewTable()
		tbl.Set(value.NewString("n"), float64(calls))
		return tbl, nil
	})
	if calls != 0 {
		t.Fatalf("registering must not construct the module, calls = %d", calls)
	}

	machine := vm.New()
	machine.SetModules(r)

	first, err := r.Import(machine, "counter")
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	second, err := r.Import(machine, "counter")
	if err != nil {
		t.Fatalf("second import: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected constructor to run exactly once, ran %d times", calls)
	}
	if first != second {
		t.Fatal("expected the cached table to be returned on the second import")
	}
}

func TestImportSourceModuleResolvesAndRuns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greet.vela")
	if err := os.WriteFile(path, []byte("return {hello = fn(): return \"hi\" end}\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r := NewRegistry(dir)
	machine := vm.New()
	machine.SetModules(r)

	mod, err := r.Import(machine, "greet")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !mod.IsModule {
		t.Fatal("expected IsModule to be set on a source module's export table")
	}
	fn, ok := mod.Get(value.NewString("hello"))
	if !ok {
		t.Fatal("expected exported \"hello\" key")
	}
	if _, ok := fn.(*value.Closure); !ok {
		t.Fatalf("expected hello to be a closure, got %T", fn)
	}
}

func TestImportSourceModuleMissingFileIsImportError(t *testing.T) {
	r := NewRegistry(t.TempDir())
	machine := vm.New()
	machine.SetModules(r)

	if _, err := r.Import(machine, "does_not_exist"); err == nil {
		t.Fatal("expected an error importing a nonexistent module")
	}
}

func TestMarkModulesRootsCachedTables(t *testing.T) {
	r := NewRegistry()
	r.RegisterNative("m", func(v *vm.VM) (*value.Table, error) {
		return value.NewTable(), nil
	})
	machine := vm.New()
	machine.SetModules(r)
	if _, err := r.Import(machine, "m"); err != nil {
		t.Fatalf("import: %v", err)
	}

	marked := 0
	r.MarkModules(markerFunc(func(v value.Value) { marked++ }))
	if marked != 1 {
		t.Fatalf("expected MarkModules to mark 1 cached table, marked %d", marked)
	}
}

type markerFunc func(value.Value)

func (f markerFunc) MarkValue(v value.Value) { f(v) }
