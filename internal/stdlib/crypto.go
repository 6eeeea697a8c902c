package stdlib

import (
	"golang.org/x/crypto/bcrypt"

	"vela/internal/value"
	"vela/internal/vm"
)

// newCryptoModule implements SPEC_FULL.md §B's `crypto` module:
// crypto.hash(password, [cost]) -> str and crypto.verify(password, hash)
// -> bool, over golang.org/x/crypto/bcrypt.
func newCryptoModule(v *vm.VM) (*value.Table, error) {
	return newModule(map[string]value.NativeFn{
		"hash":   cryptoHash(v),
		"verify": cryptoVerify(v),
	}), nil
}

func cryptoHash(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		password, err := argString(args, 0, "crypto.hash")
		if err != nil {
			return nil, err
		}
		cost := int(optNumber(args, 1, float64(bcrypt.DefaultCost)))
		res, err := v.Blocking(func() (value.Value, error) {
			h, herr := bcrypt.GenerateFromPassword([]byte(password), cost)
			if herr != nil {
				return nil, herr
			}
			return value.NewString(string(h)), nil
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

func cryptoVerify(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		password, err := argString(args, 0, "crypto.verify")
		if err != nil {
			return nil, err
		}
		hash, err := argString(args, 1, "crypto.verify")
		if err != nil {
			return nil, err
		}
		res, _ := v.Blocking(func() (value.Value, error) {
			cerr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
			return cerr == nil, nil
		})
		return res, nil
	}
}
