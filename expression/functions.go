package expression

import (
	"strconv"
	"strings"
	"sync"
)

// Function is a builtin callable from expressions. Arguments are already
// evaluated; a function must never fail, it returns an empty Value instead.
type Function func(args []Value) Value

var (
	functionsMu sync.RWMutex
	functions   = map[string]Function{
		"lower":   mapEach(strings.ToLower),
		"upper":   mapEach(strings.ToUpper),
		"trim":    mapEach(strings.TrimSpace),
		"concat":  fnConcat,
		"default": fnDefault,
		"substr":  fnSubstr,
		"first":   fnFirst,
		"join":    fnJoin,
		"split":   fnSplit,
		"replace": fnReplace,
		"empty":   fnEmpty,
	}
)

// RegisterFunction adds or replaces a builtin.
func RegisterFunction(name string, fn Function) {
	functionsMu.Lock()
	defer functionsMu.Unlock()
	functions[name] = fn
}

func lookupFunction(name string) (Function, bool) {
	functionsMu.RLock()
	defer functionsMu.RUnlock()
	fn, ok := functions[name]
	return fn, ok
}

func arg(args []Value, i int) Value {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func mapEach(f func(string) string) Function {
	return func(args []Value) Value {
		in := arg(args, 0)
		if in.IsEmpty() {
			return nil
		}
		out := make(Value, len(in))
		for i, s := range in {
			out[i] = f(s)
		}
		return out
	}
}

// concat(a, b, ...) joins the first values; any absent argument makes the
// result absent
func fnConcat(args []Value) Value {
	var sb strings.Builder
	for _, a := range args {
		if a.IsEmpty() {
			return nil
		}
		sb.WriteString(a.String())
	}
	if strings.TrimSpace(sb.String()) == "" {
		return nil
	}
	return Value{sb.String()}
}

// default(a, b, ...) returns the first non-empty argument
func fnDefault(args []Value) Value {
	for _, a := range args {
		if !a.IsEmpty() {
			return a
		}
	}
	return nil
}

// substr(s, start[, end]) with rune offsets, clamped to the string bounds
func fnSubstr(args []Value) Value {
	s := []rune(arg(args, 0).String())
	if len(s) == 0 {
		return nil
	}
	start, err := strconv.Atoi(arg(args, 1).String())
	if err != nil || start < 0 {
		start = 0
	}
	end := len(s)
	if e := arg(args, 2); !e.IsEmpty() {
		if n, err := strconv.Atoi(e.String()); err == nil {
			end = n
		}
	}
	if start > len(s) {
		start = len(s)
	}
	if end > len(s) {
		end = len(s)
	}
	if end <= start {
		return nil
	}
	return Value{string(s[start:end])}
}

func fnFirst(args []Value) Value {
	in := arg(args, 0)
	if in.IsEmpty() {
		return nil
	}
	return Value{in[0]}
}

func fnJoin(args []Value) Value {
	in := arg(args, 0)
	if in.IsEmpty() {
		return nil
	}
	return Value{strings.Join(in, arg(args, 1).String())}
}

func fnSplit(args []Value) Value {
	s := arg(args, 0).String()
	if s == "" {
		return nil
	}
	sep := arg(args, 1).String()
	if sep == "" {
		return Value{s}
	}
	return Value(strings.Split(s, sep))
}

func fnReplace(args []Value) Value {
	s := arg(args, 0).String()
	if s == "" {
		return nil
	}
	return Value{strings.ReplaceAll(s, arg(args, 1).String(), arg(args, 2).String())}
}

func fnEmpty(args []Value) Value {
	return boolValue(arg(args, 0).IsEmpty())
}
