package stdlib

import (
	"github.com/google/uuid"

	"vela/internal/value"
	"vela/internal/vm"
)

// newUUIDModule implements SPEC_FULL.md §B's `uuid` module: uuid.new()
// over github.com/google/uuid, the same library internal/value already
// wires for Thread.ID.
func newUUIDModule(v *vm.VM) (*value.Table, error) {
	return newModule(map[string]value.NativeFn{
		"new": uuidNew,
	}), nil
}

func uuidNew(args []value.Value) (value.Value, error) {
	return value.NewString(uuid.NewString()), nil
}
