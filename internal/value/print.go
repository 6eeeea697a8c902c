package value

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// PlainString renders v the way `str`/`tostring` do for the types that
// never need a metamethod round-trip (spec §4.4). Tables, userdata and
// callables with a __str metamethod are handled one level up by the VM,
// which can reenter the dispatch loop; this function is what the VM falls
// back to when no metamethod applies.
func PlainString(v Value) string {
	switch t := v.(type) {
	case nil:
		return "nil"
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return FormatNumber(t)
	case *String:
		return t.Chars
	case *Table:
		return formatTable(t)
	case *Function:
		if t.Name == "" {
			return "<fn>"
		}
		return fmt.Sprintf("<fn %s>", t.Name)
	case *Closure:
		return PlainString(t.Fn)
	case *Native:
		if t.Name == "" {
			return "<native fn>"
		}
		return fmt.Sprintf("<native fn %s>", t.Name)
	case *BoundMethod:
		return PlainString(t.Callable)
	case *Thread:
		return fmt.Sprintf("<thread %s>", t.ID)
	case *Range:
		return fmt.Sprintf("%s..%s", FormatNumber(t.Start), FormatNumber(t.Stop))
	case *Userdata:
		name := t.Name
		if name == "" {
			name = "userdata"
		}
		if t.Closed {
			return fmt.Sprintf("<%s closed>", name)
		}
		return fmt.Sprintf("<%s data>", name)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// FormatNumber prints a float64 the canonical Vela way: integral doubles
// print without a fractional part, everything else trims trailing zeros.
func FormatNumber(n float64) string {
	if math.IsNaN(n) {
		return "nan"
	}
	if math.IsInf(n, 1) {
		return "inf"
	}
	if math.IsInf(n, -1) {
		return "-inf"
	}
	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		return strconv.FormatInt(int64(n), 10)
	}
	s := strconv.FormatFloat(n, 'f', -1, 64)
	return s
}

func formatTable(t *Table) string {
	var parts []string
	for i, v := range t.array {
		if v == nil {
			continue
		}
		_ = i
		parts = append(parts, PlainString(v))
	}
	keys := t.HashKeys()
	sort.Strings(keys)
	for _, k := range keys {
		val, _ := t.getHash(k)
		parts = append(parts, fmt.Sprintf("%s: %s", PlainString(keyFromCanonical(k)), PlainString(val)))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
