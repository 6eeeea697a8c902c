package stdlib

import "vela/internal/module"

// RegisterAll installs every native module constructor into reg; called
// once by cmd/vela at startup, mirroring the teacher's main.go wiring
// its stdlib functions into the module loader's lookup table before
// running any script.
func RegisterAll(reg *module.Registry) {
	reg.RegisterNative("db", newDBModule)
	reg.RegisterNative("crypto", newCryptoModule)
	reg.RegisterNative("socket", newSocketModule)
	reg.RegisterNative("fmt", newFmtModule)
	reg.RegisterNative("time", newTimeModule)
	reg.RegisterNative("json", newJSONModule)
	reg.RegisterNative("uuid", newUUIDModule)
}
