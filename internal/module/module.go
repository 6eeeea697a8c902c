// Package module implements Vela's module loader (spec.md §4.7): a
// registry of lazily-initialized native modules plus a search-path based
// loader for source modules, both cached by name. It satisfies
// internal/vm's ModuleRegistry interface so internal/vm never imports
// this package back (module.Registry calls into *vm.VM to run a source
// module's compiled top-level closure).
//
// Grounded in the teacher's internal/module/module.go (ModuleLoader,
// search-path layout, builtin-module dispatch table) and its
// internal/packages/module.go (the `path@version` cache-key convention
// used by ModuleCache.FetchModule), generalized to lazy native
// constructors and real source compilation.
package module

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/mod/semver"
	"golang.org/x/sync/singleflight"

	"vela/internal/compiler"
	"vela/internal/errors"
	"vela/internal/lexer"
	"vela/internal/value"
	"vela/internal/vm"
)

// NativeModule constructs a native module's export table the first time
// it's imported. It receives the VM so it can stash host handles (db
// connections, sockets) as Userdata tagged with a finalizer, and so it
// can register metatables for method-style dispatch.
type NativeModule func(v *vm.VM) (*value.Table, error)

// Registry is the ModuleRegistry internal/vm.VM.SetModules expects: a
// native-module table keyed by name, a cache of already-loaded modules
// (native or source) keyed by `path` or `path@constraint`, and a
// singleflight group so two goroutines racing to import the same module
// (a generator running concurrently with its resumer, or two VMs sharing
// a registry in tests) only pay the init/compile cost once.
type Registry struct {
	mu         sync.RWMutex
	natives    map[string]NativeModule
	cache      map[string]*value.Table
	group      singleflight.Group
	searchPath []string
}

// NewRegistry builds an empty registry with the default search path
// (current directory, ./lib, ./modules, then the bundled stdlib
// directory next to the running binary), mirroring the teacher's
// getDefaultSearchPath order.
func NewRegistry(extra ...string) *Registry {
	r := &Registry{
		natives: make(map[string]NativeModule),
		cache:   make(map[string]*value.Table),
	}
	r.searchPath = append([]string{".", "./lib", "./modules", standardLibPath()}, extra...)
	return r
}

func standardLibPath() string {
	if exe, err := os.Executable(); err == nil {
		return filepath.Join(filepath.Dir(exe), "stdlib")
	}
	return "stdlib"
}

// AddSearchPath appends a directory to the source-module search path.
func (r *Registry) AddSearchPath(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searchPath = append(r.searchPath, path)
}

// RegisterNative installs a lazy constructor for a built-in module name
// (e.g. "db", "crypto", "json"); internal/stdlib calls this once per
// module at VM setup time. Registering never runs ctor -- Import does,
// on first use, exactly once.
func (r *Registry) RegisterNative(name string, ctor NativeModule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.natives[name] = ctor
}

// Import resolves name (spec §4.7 "IMPORT name"): a registered native
// module wins over a source file of the same name, matching the
// teacher's loadBuiltinModule-checked-before-cache ordering. name may
// carry a version constraint (`collections/list@^1.2`); only source
// modules honor it (native modules are versioned with the binary).
func (r *Registry) Import(v *vm.VM, name string) (*value.Table, error) {
	path, constraint := splitImportSpec(name)

	if ctor, ok := r.nativeCtor(path); ok {
		return r.importNative(v, path, ctor)
	}
	return r.importSource(v, path, constraint)
}

func (r *Registry) nativeCtor(path string) (NativeModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.natives[path]
	return ctor, ok
}

func (r *Registry) cached(key string) (*value.Table, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.cache[key]
	return t, ok
}

func (r *Registry) store(key string, t *value.Table) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = t
}

func (r *Registry) importNative(v *vm.VM, path string, ctor NativeModule) (*value.Table, error) {
	if t, ok := r.cached(path); ok {
		return t, nil
	}
	res, err, _ := r.group.Do(path, func() (interface{}, error) {
		t, cerr := ctor(v)
		if cerr != nil {
			return nil, errors.NewImportError(fmt.Sprintf("native module %q failed to initialize", path), path, 0, 0, cerr)
		}
		t.IsModule = true
		r.store(path, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*value.Table), nil
}

func (r *Registry) importSource(v *vm.VM, path, constraint string) (*value.Table, error) {
	key := path
	if constraint != "" {
		key = path + "@" + constraint
	}
	if t, ok := r.cached(key); ok {
		return t, nil
	}

	file, err := r.findModule(path)
	if err != nil {
		return nil, errors.NewImportError(err.Error(), path, 0, 0, err)
	}

	res, err, _ := r.group.Do(key, func() (interface{}, error) {
		source, rerr := os.ReadFile(file)
		if rerr != nil {
			return nil, errors.NewImportError(fmt.Sprintf("failed to read module %q", path), file, 0, 0, rerr)
		}
		if constraint != "" {
			if verr := checkVersionConstraint(string(source), constraint); verr != nil {
				return nil, errors.NewImportError(fmt.Sprintf("module %q: %v", path, verr), file, 0, 0, verr)
			}
		}

		scanner := lexer.NewScanner(string(source))
		tokens := scanner.ScanTokens()
		if errs := scanner.Errors(); len(errs) > 0 {
			return nil, errors.NewImportError(fmt.Sprintf("module %q: %v", path, errs[0]), file, 0, 0, errs[0])
		}

		comp := compiler.NewCompiler(tokens, file)
		fn, cerr := comp.Compile()
		if cerr != nil {
			return nil, errors.NewImportError(fmt.Sprintf("module %q failed to compile", path), file, 0, 0, cerr)
		}

		tbl, rerr2 := v.RunModuleFunction(fn, path, file)
		if rerr2 != nil {
			return nil, rerr2
		}
		r.store(key, tbl)
		return tbl, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*value.Table), nil
}

// findModule mirrors the teacher's ModuleLoader.findModule: direct .vela
// file, directory-with-index.vela, or a nested "a/b" -> "a/b.vela" path,
// tried across every search directory in order.
func (r *Registry) findModule(path string) (string, error) {
	r.mu.RLock()
	dirs := append([]string(nil), r.searchPath...)
	r.mu.RUnlock()

	if strings.HasSuffix(path, ".vela") && fileExists(path) {
		return path, nil
	}

	parts := strings.Split(path, "/")
	for _, dir := range dirs {
		if p := filepath.Join(dir, path+".vela"); fileExists(p) {
			return p, nil
		}
		if p := filepath.Join(dir, path, "index.vela"); fileExists(p) {
			return p, nil
		}
		if p := filepath.Join(dir, filepath.Join(parts...)+".vela"); fileExists(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("module not found: %s", path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// splitImportSpec separates "pkg@constraint" into its path and
// constraint (spec §B "import path version constraint comparison"); a
// bare name has an empty constraint.
func splitImportSpec(name string) (path, constraint string) {
	if i := strings.IndexByte(name, '@'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, ""
}

var versionHeaderRe = regexp.MustCompile(`(?m)^\s*(?:#|--)\s*version:\s*(\S+)`)

// checkVersionConstraint reads a module's declared version from a
// leading "# version: 1.4.0" (or "-- version: 1.4.0") header comment and
// compares it against constraint using golang.org/x/mod/semver: "^1.2"
// requires the same major version and >= the given minor.patch; "~1.2.3"
// requires the same major.minor and >= the given patch; a bare or
// "=1.2.3" constraint requires an exact match. A module with no header
// comment satisfies any constraint (nothing to contradict).
func checkVersionConstraint(source, constraint string) error {
	m := versionHeaderRe.FindStringSubmatch(source)
	if m == nil {
		return nil
	}
	declared := "v" + strings.TrimPrefix(m[1], "v")
	if !semver.IsValid(declared) {
		return nil
	}

	op, want := constraintOp(constraint)
	want = "v" + strings.TrimPrefix(want, "v")
	if !semver.IsValid(want) {
		return fmt.Errorf("invalid version constraint %q", constraint)
	}

	switch op {
	case "^":
		if semver.Major(declared) != semver.Major(want) || semver.Compare(declared, want) < 0 {
			return fmt.Errorf("version %s does not satisfy %s", strings.TrimPrefix(declared, "v"), constraint)
		}
	case "~":
		if semver.MajorMinor(declared) != semver.MajorMinor(want) || semver.Compare(declared, want) < 0 {
			return fmt.Errorf("version %s does not satisfy %s", strings.TrimPrefix(declared, "v"), constraint)
		}
	case ">=":
		if semver.Compare(declared, want) < 0 {
			return fmt.Errorf("version %s does not satisfy %s", strings.TrimPrefix(declared, "v"), constraint)
		}
	default:
		if semver.Compare(declared, want) != 0 {
			return fmt.Errorf("version %s does not satisfy %s", strings.TrimPrefix(declared, "v"), constraint)
		}
	}
	return nil
}

func constraintOp(constraint string) (op, rest string) {
	switch {
	case strings.HasPrefix(constraint, "^"):
		return "^", constraint[1:]
	case strings.HasPrefix(constraint, "~"):
		return "~", constraint[1:]
	case strings.HasPrefix(constraint, ">="):
		return ">=", constraint[2:]
	case strings.HasPrefix(constraint, "="):
		return "=", constraint[1:]
	default:
		return "=", constraint
	}
}

// MarkModules implements the duck-typed interface internal/vm's
// CollectGarbage looks for, rooting every cached module table (native or
// source) so its contents survive a collection even when nothing on any
// thread's stack currently references it (spec §4.6 GC roots include
// "module cache").
func (r *Registry) MarkModules(m value.Marker) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.cache {
		m.MarkValue(t)
	}
}
