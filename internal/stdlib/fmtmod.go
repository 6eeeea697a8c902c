package stdlib

import (
	"github.com/dustin/go-humanize"

	"vela/internal/value"
	"vela/internal/vm"
)

// newFmtModule implements SPEC_FULL.md §B's `fmt` module: human-readable
// number/byte-count formatting over github.com/dustin/go-humanize.
func newFmtModule(v *vm.VM) (*value.Table, error) {
	return newModule(map[string]value.NativeFn{
		"bytes":   fmtBytes,
		"commaf":  fmtCommaf,
		"ordinal": fmtOrdinal,
	}), nil
}

func fmtBytes(args []value.Value) (value.Value, error) {
	n, err := argNumber(args, 0, "fmt.bytes")
	if err != nil {
		return nil, err
	}
	return value.NewString(humanize.Bytes(uint64(n))), nil
}

func fmtCommaf(args []value.Value) (value.Value, error) {
	n, err := argNumber(args, 0, "fmt.commaf")
	if err != nil {
		return nil, err
	}
	return value.NewString(humanize.Commaf(n)), nil
}

func fmtOrdinal(args []value.Value) (value.Value, error) {
	n, err := argNumber(args, 0, "fmt.ordinal")
	if err != nil {
		return nil, err
	}
	return value.NewString(humanize.Ordinal(int(n))), nil
}
