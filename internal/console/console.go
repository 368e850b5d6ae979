package console

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/constant"
	"go/parser"
	"go/scanner"
	"go/token"
	"strings"
	"unicode"

	"hotpatch/internal/namespace"
	"hotpatch/internal/redirect"
)

const maxShift = 1 << 16

var compoundOps = map[token.Token]token.Token{
	token.ADD_ASSIGN: token.ADD,
	token.SUB_ASSIGN: token.SUB,
	token.MUL_ASSIGN: token.MUL,
	token.QUO_ASSIGN: token.QUO,
	token.REM_ASSIGN: token.REM,
}

// Console evaluates statements written in Go expression syntax against a
// namespace. It is used by one session at a time.
type Console struct {
	ns  *namespace.Namespace
	out *redirect.Redirector
	buf []string
}

// New is a Factory for the built-in console.
func New(ns *namespace.Namespace, out *redirect.Redirector) (Evaluator, error) {
	if ns == nil {
		return nil, errors.New("console: namespace is required")
	}
	if out == nil {
		out = redirect.Default()
	}
	InstallBuiltins(ns, out)
	return &Console{ns: ns, out: out}, nil
}

// Interruptible implements Interruptible. Every expression node is a safe
// point, as is any builtin that blocks.
func (c *Console) Interruptible() bool { return true }

// Reset implements Evaluator.
func (c *Console) Reset() {
	c.buf = c.buf[:0]
}

// Push implements Evaluator.
func (c *Console) Push(ctx context.Context, line string) (bool, error) {
	if strings.HasSuffix(line, `\`) {
		c.buf = append(c.buf, strings.TrimSuffix(line, `\`))
		return true, nil
	}
	c.buf = append(c.buf, line)
	src := strings.Join(c.buf, "\n")
	if !balanced(src) {
		return true, nil
	}
	c.buf = c.buf[:0]
	return false, c.run(ctx, src)
}

// Complete implements Evaluator.
func (c *Console) Complete(text string) []string {
	i := len(text)
	for i > 0 {
		r := rune(text[i-1])
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			break
		}
		i--
	}
	head, prefix := text[:i], text[i:]

	names := c.ns.WithPrefix(prefix)
	if strings.HasPrefix("del", prefix) && strings.TrimSpace(head) == "" {
		names = append([]string{"del"}, names...)
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, head+n)
	}
	return out
}

func (c *Console) run(ctx context.Context, src string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid operation: %v", r)
		}
	}()

	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil
	}
	if name, ok := strings.CutPrefix(trimmed, "del "); ok {
		name = strings.TrimSpace(name)
		if !c.ns.Delete(name) {
			return fmt.Errorf("name %q is not defined", name)
		}
		return nil
	}

	stmts, err := parseStmts(src)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if err := c.exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func parseStmts(src string) ([]ast.Stmt, error) {
	wrapped := "package p\nfunc _() {\n" + src + "\n}\n"
	f, err := parser.ParseFile(token.NewFileSet(), "", wrapped, 0)
	if err != nil {
		var list scanner.ErrorList
		if errors.As(err, &list) && len(list) > 0 {
			return nil, fmt.Errorf("syntax error: %s", list[0].Msg)
		}
		return nil, fmt.Errorf("syntax error: %w", err)
	}
	fn, ok := f.Decls[0].(*ast.FuncDecl)
	if !ok || len(f.Decls) != 1 {
		return nil, errors.New("syntax error: unexpected declaration")
	}
	return fn.Body.List, nil
}

func (c *Console) exec(ctx context.Context, stmt ast.Stmt) error {
	switch s := stmt.(type) {
	case *ast.ExprStmt:
		v, err := c.eval(ctx, s.X)
		if err != nil {
			return err
		}
		if v != nil {
			_, err = fmt.Fprintln(c.out.Writer(ctx), Repr(v))
		}
		return err

	case *ast.AssignStmt:
		if len(s.Lhs) != len(s.Rhs) {
			return errors.New("assignment count mismatch")
		}
		vals := make([]any, len(s.Rhs))
		for i, rhs := range s.Rhs {
			v, err := c.eval(ctx, rhs)
			if err != nil {
				return err
			}
			vals[i] = v
		}
		for i, lhs := range s.Lhs {
			id, ok := lhs.(*ast.Ident)
			if !ok {
				return errors.New("can only assign to names")
			}
			v := vals[i]
			if op, ok := compoundOps[s.Tok]; ok {
				cur, bound := c.ns.Get(id.Name)
				if !bound {
					return fmt.Errorf("name %q is not defined", id.Name)
				}
				var err error
				if v, err = binary(op, cur, v); err != nil {
					return err
				}
			}
			if id.Name != "_" {
				c.ns.Set(id.Name, v)
			}
		}
		return nil

	case *ast.IncDecStmt:
		id, ok := s.X.(*ast.Ident)
		if !ok {
			return errors.New("can only increment names")
		}
		cur, bound := c.ns.Get(id.Name)
		if !bound {
			return fmt.Errorf("name %q is not defined", id.Name)
		}
		op := token.ADD
		if s.Tok == token.DEC {
			op = token.SUB
		}
		v, err := binary(op, cur, int64(1))
		if err != nil {
			return err
		}
		c.ns.Set(id.Name, v)
		return nil

	case *ast.EmptyStmt:
		return nil
	}
	return fmt.Errorf("unsupported statement %T", stmt)
}

func (c *Console) eval(ctx context.Context, expr ast.Expr) (any, error) {
	if ctx.Err() != nil {
		return nil, ErrInterrupted
	}

	switch e := expr.(type) {
	case *ast.BasicLit:
		lit := constant.MakeFromLiteral(e.Value, e.Kind, 0)
		if lit.Kind() == constant.Unknown {
			return nil, fmt.Errorf("invalid literal %s", e.Value)
		}
		return native(lit), nil

	case *ast.Ident:
		if v, ok := c.ns.Get(e.Name); ok {
			return v, nil
		}
		switch e.Name {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "nil":
			return nil, nil
		}
		return nil, fmt.Errorf("name %q is not defined", e.Name)

	case *ast.ParenExpr:
		return c.eval(ctx, e.X)

	case *ast.UnaryExpr:
		x, err := c.eval(ctx, e.X)
		if err != nil {
			return nil, err
		}
		cx, ok := toConst(x)
		if !ok {
			return nil, fmt.Errorf("bad operand type for unary %s: %s", e.Op, TypeName(x))
		}
		return native(constant.UnaryOp(e.Op, cx, 0)), nil

	case *ast.BinaryExpr:
		return c.evalBinary(ctx, e)

	case *ast.CallExpr:
		fn, err := c.eval(ctx, e.Fun)
		if err != nil {
			return nil, err
		}
		args := make([]any, len(e.Args))
		for i, a := range e.Args {
			if args[i], err = c.eval(ctx, a); err != nil {
				return nil, err
			}
		}
		switch f := fn.(type) {
		case *Builtin:
			return f.Fn(ctx, args)
		case Func:
			return f(ctx, args)
		}
		return nil, fmt.Errorf("%s is not callable", TypeName(fn))
	}
	return nil, fmt.Errorf("unsupported expression %T", expr)
}

func (c *Console) evalBinary(ctx context.Context, e *ast.BinaryExpr) (any, error) {
	x, err := c.eval(ctx, e.X)
	if err != nil {
		return nil, err
	}
	if e.Op == token.LAND || e.Op == token.LOR {
		b, ok := x.(bool)
		if !ok {
			return nil, fmt.Errorf("non-bool operand for %s", e.Op)
		}
		if (e.Op == token.LAND && !b) || (e.Op == token.LOR && b) {
			return b, nil
		}
		y, err := c.eval(ctx, e.Y)
		if err != nil {
			return nil, err
		}
		if _, ok := y.(bool); !ok {
			return nil, fmt.Errorf("non-bool operand for %s", e.Op)
		}
		return y, nil
	}
	y, err := c.eval(ctx, e.Y)
	if err != nil {
		return nil, err
	}
	return binary(e.Op, x, y)
}

func binary(op token.Token, x, y any) (any, error) {
	cx, okx := toConst(x)
	cy, oky := toConst(y)
	if !okx || !oky {
		return nil, fmt.Errorf("unsupported operand types for %s: %s and %s", op, TypeName(x), TypeName(y))
	}

	switch op {
	case token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ:
		return constant.Compare(cx, op, cy), nil
	case token.SHL, token.SHR:
		s, ok := constant.Uint64Val(cy)
		if !ok || s > maxShift {
			return nil, fmt.Errorf("invalid shift count %s", cy)
		}
		return native(constant.Shift(cx, op, uint(s))), nil
	case token.QUO, token.REM:
		if isNumeric(cy) && constant.Sign(cy) == 0 {
			return nil, errors.New("division by zero")
		}
		if op == token.QUO {
			cx, cy = constant.ToFloat(cx), constant.ToFloat(cy)
		}
	}
	res := constant.BinaryOp(cx, op, cy)
	if res.Kind() == constant.Unknown {
		return nil, fmt.Errorf("unsupported operand types for %s: %s and %s", op, TypeName(x), TypeName(y))
	}
	return native(res), nil
}

func isNumeric(c constant.Value) bool {
	return c.Kind() == constant.Int || c.Kind() == constant.Float
}

// balanced reports whether every bracket and string literal in src is
// closed, ignoring brackets inside literals and comments.
func balanced(src string) bool {
	depth := 0
	for i := 0; i < len(src); i++ {
		switch ch := src[i]; ch {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case '"', '\'':
			j := i + 1
			for j < len(src) && src[j] != ch && src[j] != '\n' {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			i = j
		case '`':
			j := strings.IndexByte(src[i+1:], '`')
			if j < 0 {
				return false
			}
			i += j + 1
		case '/':
			if i+1 < len(src) && src[i+1] == '/' {
				if j := strings.IndexByte(src[i:], '\n'); j >= 0 {
					i += j
				} else {
					i = len(src)
				}
			}
		}
	}
	return depth <= 0
}
