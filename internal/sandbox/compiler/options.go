package compiler

import (
	"strings"

	appErr "execbox/pkg/errors"
)

// OptLevel selects toolchain optimisation. Not every language honours every level.
type OptLevel string

const (
	OptNone  OptLevel = "none"
	OptSpeed OptLevel = "speed"
	OptSize  OptLevel = "size"
	Opt1     OptLevel = "1"
	Opt2     OptLevel = "2"
	Opt3     OptLevel = "3"

	customPrefix = "custom:"
)

// OptCustom passes value through to the toolchain's level flag.
func OptCustom(value string) OptLevel {
	return OptLevel(customPrefix + value)
}

// ParseOptLevel accepts none, speed, size, 0-3, O1-O3 and custom:<value>. Empty means none.
func ParseOptLevel(s string) (OptLevel, error) {
	v := strings.TrimSpace(s)
	switch strings.ToLower(v) {
	case "", "none", "0", "o0":
		return OptNone, nil
	case "speed", "fast":
		return OptSpeed, nil
	case "size", "s", "os":
		return OptSize, nil
	case "1", "o1":
		return Opt1, nil
	case "2", "o2":
		return Opt2, nil
	case "3", "o3":
		return Opt3, nil
	}
	if strings.HasPrefix(v, customPrefix) && len(v) > len(customPrefix) {
		return OptLevel(v), nil
	}
	return "", appErr.Newf(appErr.InvalidParams, "unsupported optimisation level: %s", s)
}

// levelChar is the value passed to -O<c> or opt-level=<c>; "" means no flag.
func (l OptLevel) levelChar() (string, error) {
	switch l {
	case "", OptNone:
		return "", nil
	case OptSpeed, Opt3:
		return "3", nil
	case OptSize:
		return "s", nil
	case Opt1:
		return "1", nil
	case Opt2:
		return "2", nil
	}
	if strings.HasPrefix(string(l), customPrefix) {
		v := strings.TrimPrefix(string(l), customPrefix)
		if v == "" || strings.ContainsAny(v, " \t\n") {
			return "", appErr.Newf(appErr.InvalidParams, "invalid custom optimisation level: %q", v)
		}
		return v, nil
	}
	return "", appErr.Newf(appErr.InvalidParams, "unsupported optimisation level: %s", l)
}
