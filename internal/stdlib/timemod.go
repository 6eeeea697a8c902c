package stdlib

import (
	stdtime "time"

	"github.com/ncruces/go-strftime"

	"vela/internal/value"
	"vela/internal/vm"
)

// newTimeModule implements SPEC_FULL.md §B's `time` module: time.now()
// (unix seconds), time.format (strftime syntax via go-strftime), and
// time.unix (decompose a unix timestamp into a date/time table).
func newTimeModule(v *vm.VM) (*value.Table, error) {
	return newModule(map[string]value.NativeFn{
		"now":    timeNow,
		"format": timeFormat,
		"unix":   timeUnix,
		"sleep":  timeSleep(v),
	}), nil
}

func timeNow(args []value.Value) (value.Value, error) {
	return float64(stdtime.Now().UnixNano()) / 1e9, nil
}

func timeFormat(args []value.Value) (value.Value, error) {
	ts, err := argNumber(args, 0, "time.format")
	if err != nil {
		return nil, err
	}
	layout, err := argString(args, 1, "time.format")
	if err != nil {
		return nil, err
	}
	t := unixToTime(ts)
	return value.NewString(strftime.Format(layout, t)), nil
}

func timeUnix(args []value.Value) (value.Value, error) {
	ts, err := argNumber(args, 0, "time.unix")
	if err != nil {
		return nil, err
	}
	t := unixToTime(ts).UTC()
	out := value.NewTable()
	out.Set(value.NewString("year"), float64(t.Year()))
	out.Set(value.NewString("month"), float64(t.Month()))
	out.Set(value.NewString("day"), float64(t.Day()))
	out.Set(value.NewString("hour"), float64(t.Hour()))
	out.Set(value.NewString("min"), float64(t.Minute()))
	out.Set(value.NewString("sec"), float64(t.Second()))
	out.Set(value.NewString("weekday"), float64(t.Weekday()))
	return out, nil
}

func timeSleep(v *vm.VM) value.NativeFn {
	return func(args []value.Value) (value.Value, error) {
		secs, err := argNumber(args, 0, "time.sleep")
		if err != nil {
			return nil, err
		}
		_, err = v.Blocking(func() (value.Value, error) {
			stdtime.Sleep(stdtime.Duration(secs * float64(stdtime.Second)))
			return nil, nil
		})
		return nil, err
	}
}

func unixToTime(ts float64) stdtime.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return stdtime.Unix(sec, nsec)
}
