package console

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"hotpatch/internal/namespace"
	"hotpatch/internal/redirect"
)

// Func is a host function callable from the console.
type Func func(ctx context.Context, args []any) (any, error)

// Builtin is a named Func stored in the namespace.
type Builtin struct {
	Name string
	Fn   Func
}

func (b *Builtin) String() string {
	return "<builtin " + b.Name + ">"
}

// Register binds fn under name in ns, replacing any previous binding. Host
// code uses it to expose live functionality to sessions.
func Register(ns *namespace.Namespace, name string, fn Func) {
	ns.Set(name, &Builtin{Name: name, Fn: fn})
}

// InstallBuiltins adds the standard builtins to ns without overwriting
// names that sessions have already redefined.
func InstallBuiltins(ns *namespace.Namespace, out *redirect.Redirector) {
	for name, fn := range builtins(ns, out) {
		ns.SetDefault(name, &Builtin{Name: name, Fn: fn})
	}
}

func builtins(ns *namespace.Namespace, out *redirect.Redirector) map[string]Func {
	return map[string]Func{
		"print": func(ctx context.Context, args []any) (any, error) {
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = Str(a)
			}
			_, err := fmt.Fprintln(out.Writer(ctx), strings.Join(parts, " "))
			return nil, err
		},
		"sleep": func(ctx context.Context, args []any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("sleep takes 1 argument, got %d", len(args))
			}
			secs, ok := toFloat(args[0])
			if !ok || secs < 0 {
				return nil, fmt.Errorf("sleep: invalid duration %s", Repr(args[0]))
			}
			t := time.NewTimer(time.Duration(secs * float64(time.Second)))
			defer t.Stop()
			select {
			case <-t.C:
				return nil, nil
			case <-ctx.Done():
				return nil, ErrInterrupted
			}
		},
		"len": func(_ context.Context, args []any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("len takes 1 argument, got %d", len(args))
			}
			switch v := args[0].(type) {
			case string:
				return int64(utf8.RuneCountInString(v)), nil
			case []string:
				return int64(len(v)), nil
			case []any:
				return int64(len(v)), nil
			}
			return nil, fmt.Errorf("len: unsupported type %s", TypeName(args[0]))
		},
		"str": func(_ context.Context, args []any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("str takes 1 argument, got %d", len(args))
			}
			return Str(args[0]), nil
		},
		"dir": func(_ context.Context, args []any) (any, error) {
			if len(args) != 0 {
				return nil, fmt.Errorf("dir takes no arguments, got %d", len(args))
			}
			return ns.Names(), nil
		},
	}
}
