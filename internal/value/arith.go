package value

import "math"

// The raw numeric operators. Operand-type mismatches that need a
// metamethod fallback or a runtime error are the VM's problem (it has
// access to metatables and the exception machinery); this file only ever
// sees two float64s.

func NumAdd(a, b float64) float64 { return a + b }
func NumSub(a, b float64) float64 { return a - b }
func NumMul(a, b float64) float64 { return a * b }
func NumDiv(a, b float64) float64 { return a / b } // IEEE inf/nan on b==0, per spec §8

func NumPow(a, b float64) float64 { return math.Pow(a, b) }

func NumIntDiv(a, b float64) float64 { return math.Floor(a / b) }

// NumMod implements the C99 `%` convention; math.Mod already degrades to
// fmod's NaN on a zero divisor, matching spec §8 exactly.
func NumMod(a, b float64) float64 {
	return math.Mod(a, b)
}

func NumNegate(a float64) float64 { return -a }
