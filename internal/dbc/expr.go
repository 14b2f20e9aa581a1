package dbc

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"go/types"
	"reflect"
	"strings"

	"golang.org/x/tools/go/ast/astutil"
)

// Expr is a parsed clause expression: a Go expression extended with old()
// snapshots and the -> implication operator.
type Expr interface {
	// String returns the literal source text of the expression.
	String() string
	exprNode()
}

// Host is a plain Go expression. Identifiers named in Holes stand for
// extension nodes nested inside it.
type Host struct {
	X     ast.Expr
	Holes map[string]Expr
	code  string // X as Go source, holes as placeholder identifiers
	text  string
	keys  map[token.Pos]bool // composite literal keys that are values, not field names
}

// Snapshot is old(X): the value of X captured before the body runs.
type Snapshot struct {
	X    Expr
	text string
}

// Implies is Lhs -> Rhs, true when Lhs is false or Rhs is true.
type Implies struct {
	Lhs, Rhs Expr
	text     string
}

func (h *Host) String() string     { return h.text }
func (s *Snapshot) String() string { return s.text }
func (i *Implies) String() string  { return i.text }

func (*Host) exprNode()     {}
func (*Snapshot) exprNode() {}
func (*Implies) exprNode()  {}

const holePrefix = "_dbc_hole"

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

type lexeme struct {
	tok      token.Token
	text     string
	off, end int  // byte offsets in the clause source
	implies  bool // "->" or "==>"
}

type exprParser struct {
	src   string
	base  token.Position
	lex   []lexeme
	holes int
}

// ParseExpr parses one clause condition. base is the position of the first
// byte of src; errors are reported relative to it.
func ParseExpr(src string, base token.Position) (Expr, error) {
	p := &exprParser{src: src, base: base}
	if err := p.scan(); err != nil {
		return nil, err
	}
	if len(p.lex) == 0 {
		return nil, &ParseError{Pos: base, Msg: "empty expression"}
	}
	return p.parseImplies(0, len(p.lex))
}

func (p *exprParser) scan() error {
	fset := token.NewFileSet()
	file := fset.AddFile("", -1, len(p.src))
	var first *ParseError
	var s scanner.Scanner
	s.Init(file, []byte(p.src), func(pos token.Position, msg string) {
		if first == nil {
			first = p.errorAt(pos.Offset, msg)
		}
	}, 0)

	for {
		pos, tok, lit := s.Scan()
		if tok == token.EOF {
			break
		}
		if tok == token.SEMICOLON && lit == "\n" {
			continue // automatic semicolon
		}
		off := file.Offset(pos)
		text := lit
		if text == "" {
			text = tok.String()
		}
		if tok == token.ILLEGAL {
			if first == nil {
				first = p.errorAt(off, "illegal token")
			}
			break
		}
		end := off + len(text)
		if n := len(p.lex); tok == token.GTR && n > 0 {
			prev := &p.lex[n-1]
			if prev.end == off && (prev.tok == token.SUB || prev.tok == token.EQL) {
				prev.implies = true
				prev.text += ">"
				prev.end = end
				continue
			}
		}
		p.lex = append(p.lex, lexeme{tok: tok, text: text, off: off, end: end})
	}
	if first != nil {
		return first
	}
	return nil
}

// parseImplies splits lex[lo:hi] at its first top-level implication.
func (p *exprParser) parseImplies(lo, hi int) (Expr, error) {
	if lo >= hi {
		return nil, p.errorAt(p.offsetOf(lo), "missing operand")
	}
	depth := 0
	for i := lo; i < hi; i++ {
		l := p.lex[i]
		switch {
		case isOpen(l.tok):
			depth++
		case isClose(l.tok):
			depth--
		case l.implies && depth == 0:
			if i == lo {
				return nil, p.errorAt(l.off, "missing operand before "+l.text)
			}
			lhs, err := p.parseHost(lo, i)
			if err != nil {
				return nil, err
			}
			rhs, err := p.parseImplies(i+1, hi)
			if err != nil {
				return nil, err
			}
			return &Implies{Lhs: lhs, Rhs: rhs, text: p.text(lo, hi)}, nil
		}
	}
	return p.parseHost(lo, hi)
}

// parseHost parses lex[lo:hi], which holds no top-level implication, as a
// Go expression.
func (p *exprParser) parseHost(lo, hi int) (Expr, error) {
	h := &Host{Holes: map[string]Expr{}, text: p.text(lo, hi)}
	var b hostBuilder
	if err := p.emit(lo, hi, h, &b); err != nil {
		return nil, err
	}
	code := b.buf.String()
	x, err := parser.ParseExprFrom(token.NewFileSet(), "", code, 0)
	if err != nil {
		var list scanner.ErrorList
		if errors.As(err, &list) && len(list) > 0 {
			return nil, p.errorAt(b.srcOffset(list[0].Pos.Offset), list[0].Msg)
		}
		return nil, p.errorAt(p.lex[lo].off, err.Error())
	}
	h.X = x
	h.code = code
	h.keys = valueKeys(x, nil)
	return h, nil
}

// emit writes lex[lo:hi] into b, replacing old() calls and bracketed
// implications with placeholder identifiers.
func (p *exprParser) emit(lo, hi int, h *Host, b *hostBuilder) error {
	for i := lo; i < hi; {
		l := p.lex[i]
		switch {
		case l.tok == token.IDENT && l.text == "old" && i+1 < hi &&
			p.lex[i+1].tok == token.LPAREN && (i == lo || p.lex[i-1].tok != token.PERIOD):
			j, err := p.match(i+1, hi)
			if err != nil {
				return err
			}
			snap, err := p.parseSnapshot(i, j)
			if err != nil {
				return err
			}
			b.write(p.addHole(h, snap), l.off, p.lex[j].end)
			i = j + 1

		case isOpen(l.tok):
			j, err := p.match(i, hi)
			if err != nil {
				return err
			}
			b.write(l.text, l.off, l.end)
			start, depth := i+1, 0
			for k := i + 1; k <= j; k++ {
				t := p.lex[k]
				if k == j || depth == 0 && (t.tok == token.COMMA || t.tok == token.COLON) {
					if err := p.emitSegment(start, k, h, b); err != nil {
						return err
					}
					if k < j {
						b.write(t.text, t.off, t.end)
					}
					start = k + 1
					continue
				}
				if isOpen(t.tok) {
					depth++
				} else if isClose(t.tok) {
					depth--
				}
			}
			b.write(p.lex[j].text, p.lex[j].off, p.lex[j].end)
			i = j + 1

		case isClose(l.tok):
			return p.errorAt(l.off, "unbalanced "+l.text)

		case l.implies:
			return p.errorAt(l.off, "unexpected "+l.text)

		default:
			b.write(l.text, l.off, l.end)
			i++
		}
	}
	return nil
}

// emitSegment emits one comma or colon separated element of a bracketed
// group. An element holding its own implication becomes a hole.
func (p *exprParser) emitSegment(lo, hi int, h *Host, b *hostBuilder) error {
	if lo >= hi {
		return nil
	}
	if !p.hasImplies(lo, hi) {
		return p.emit(lo, hi, h, b)
	}
	e, err := p.parseImplies(lo, hi)
	if err != nil {
		return err
	}
	b.write(p.addHole(h, e), p.lex[lo].off, p.lex[hi-1].end)
	return nil
}

// parseSnapshot parses old( ... ) where lex[at] is "old" and lex[closing]
// its closing parenthesis.
func (p *exprParser) parseSnapshot(at, closing int) (Expr, error) {
	lo, hi := at+2, closing
	if lo >= hi {
		return nil, p.errorAt(p.lex[at].off, "old() takes exactly one argument")
	}
	depth := 0
	for k := lo; k < hi; k++ {
		switch t := p.lex[k]; {
		case isOpen(t.tok):
			depth++
		case isClose(t.tok):
			depth--
		case t.tok == token.COMMA && depth == 0:
			return nil, p.errorAt(t.off, "old() takes exactly one argument")
		}
	}
	x, err := p.parseImplies(lo, hi)
	if err != nil {
		return nil, err
	}
	return &Snapshot{X: x, text: p.text(at, closing+1)}, nil
}

// match returns the index of the bracket closing lex[i].
func (p *exprParser) match(i, hi int) (int, error) {
	var stack []token.Token
	for k := i; k < hi; k++ {
		t := p.lex[k].tok
		switch {
		case isOpen(t):
			stack = append(stack, t)
		case isClose(t):
			if len(stack) == 0 || closerOf(stack[len(stack)-1]) != t {
				return 0, p.errorAt(p.lex[k].off, "unbalanced "+p.lex[k].text)
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return k, nil
			}
		}
	}
	return 0, p.errorAt(p.lex[i].off, "unclosed "+p.lex[i].text)
}

func (p *exprParser) hasImplies(lo, hi int) bool {
	depth := 0
	for k := lo; k < hi; k++ {
		switch t := p.lex[k]; {
		case isOpen(t.tok):
			depth++
		case isClose(t.tok):
			depth--
		case t.implies && depth == 0:
			return true
		}
	}
	return false
}

func (p *exprParser) addHole(h *Host, e Expr) string {
	name := fmt.Sprintf("%s%d", holePrefix, p.holes)
	p.holes++
	h.Holes[name] = e
	return name
}

func (p *exprParser) text(lo, hi int) string {
	return p.src[p.lex[lo].off:p.lex[hi-1].end]
}

func (p *exprParser) offsetOf(i int) int {
	if i < len(p.lex) {
		return p.lex[i].off
	}
	return len(strings.TrimRight(p.src, " \t"))
}

func (p *exprParser) errorAt(off int, msg string) *ParseError {
	e := &ParseError{Pos: offsetPos(p.base, off), Msg: msg}
	for _, l := range p.lex {
		if l.off == off {
			e.Token = l.text
			break
		}
	}
	if e.Token == "" && off < len(p.src) {
		e.Token = p.src[off : off+1]
	}
	return e
}

func isOpen(t token.Token) bool {
	return t == token.LPAREN || t == token.LBRACK || t == token.LBRACE
}

func isClose(t token.Token) bool {
	return t == token.RPAREN || t == token.RBRACK || t == token.RBRACE
}

func closerOf(t token.Token) token.Token {
	switch t {
	case token.LPAREN:
		return token.RPAREN
	case token.LBRACK:
		return token.RBRACK
	default:
		return token.RBRACE
	}
}

// hostBuilder accumulates rewritten host source and remembers where each
// token came from so go/parser errors map back to the clause.
type hostBuilder struct {
	buf   strings.Builder
	marks []mark
}

type mark struct{ out, src, srcEnd int }

func (b *hostBuilder) write(s string, srcOff, srcEnd int) {
	if b.buf.Len() > 0 {
		b.buf.WriteByte(' ')
	}
	b.marks = append(b.marks, mark{out: b.buf.Len(), src: srcOff, srcEnd: srcEnd})
	b.buf.WriteString(s)
}

func (b *hostBuilder) srcOffset(out int) int {
	if len(b.marks) == 0 {
		return 0
	}
	if out >= b.buf.Len() {
		return b.marks[len(b.marks)-1].srcEnd
	}
	off := b.marks[0].src
	for _, m := range b.marks {
		if m.out > out {
			break
		}
		off = m.src
	}
	return off
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// freeIdents returns the identifiers e refers to in the enclosing scope.
// Selector fields, composite literal keys and placeholders are excluded.
func freeIdents(e Expr) map[string]bool {
	out := map[string]bool{}
	var visit func(Expr)
	visit = func(e Expr) {
		switch e := e.(type) {
		case *Implies:
			visit(e.Lhs)
			visit(e.Rhs)
		case *Snapshot:
			visit(e.X)
		case *Host:
			astutil.Apply(e.X, func(c *astutil.Cursor) bool {
				id, ok := c.Node().(*ast.Ident)
				if !ok {
					return true
				}
				if e.isFieldName(c) {
					return false
				}
				if hole, ok := e.Holes[id.Name]; ok {
					visit(hole)
					return false
				}
				out[id.Name] = true
				return true
			}, nil)
		}
	}
	visit(e)
	return out
}

// snapshots returns the outermost old() nodes of e in source order.
func snapshots(e Expr) []*Snapshot {
	var out []*Snapshot
	var visit func(Expr)
	visit = func(e Expr) {
		switch e := e.(type) {
		case *Implies:
			visit(e.Lhs)
			visit(e.Rhs)
		case *Snapshot:
			out = append(out, e)
		case *Host:
			ast.Inspect(e.X, func(n ast.Node) bool {
				if id, ok := n.(*ast.Ident); ok {
					if hole, ok := e.Holes[id.Name]; ok {
						visit(hole)
					}
				}
				return true
			})
		}
	}
	visit(e)
	return out
}

// ---------------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------------

// renderEnv binds clause identifiers for one rewritten definition.
type renderEnv struct {
	names map[string]string    // identifier renames (ret, self, parameters)
	olds  map[*Snapshot]string // snapshot binding names
}

// render lowers e to a plain Go expression with no source positions.
// Inside a snapshot, old() is the identity.
func render(e Expr, env *renderEnv, inOld bool) (ast.Expr, error) {
	switch e := e.(type) {
	case *Implies:
		lhs, err := render(e.Lhs, env, inOld)
		if err != nil {
			return nil, err
		}
		rhs, err := render(e.Rhs, env, inOld)
		if err != nil {
			return nil, err
		}
		return &ast.ParenExpr{X: &ast.BinaryExpr{
			X:  &ast.UnaryExpr{Op: token.NOT, X: &ast.ParenExpr{X: lhs}},
			Op: token.LOR,
			Y:  &ast.ParenExpr{X: rhs},
		}}, nil

	case *Snapshot:
		if inOld {
			return render(e.X, env, true)
		}
		name, ok := env.olds[e]
		if !ok {
			return nil, fmt.Errorf("dbc: no binding for %s", e.text)
		}
		return ast.NewIdent(name), nil

	case *Host:
		x, err := parser.ParseExpr(e.code)
		if err != nil {
			return nil, fmt.Errorf("dbc: reparse %q: %w", e.text, err)
		}
		var rerr error
		out := astutil.Apply(x, func(c *astutil.Cursor) bool {
			id, ok := c.Node().(*ast.Ident)
			if !ok {
				return true
			}
			if e.isFieldName(c) {
				return false
			}
			if hole, ok := e.Holes[id.Name]; ok {
				r, err := render(hole, env, inOld)
				if err != nil {
					rerr = err
					return false
				}
				c.Replace(r)
				return false
			}
			if name, ok := env.names[id.Name]; ok {
				c.Replace(renamed(name))
			}
			return false
		}, nil)
		if rerr != nil {
			return nil, rerr
		}
		resetPositions(out)
		return out.(ast.Expr), nil
	}
	return nil, fmt.Errorf("dbc: unknown expression node %T", e)
}

// isFieldName reports whether the cursor is on a selector's field or a
// struct literal key, which never refer to the enclosing scope.
func (h *Host) isFieldName(c *astutil.Cursor) bool {
	switch c.Parent().(type) {
	case *ast.SelectorExpr:
		return c.Name() == "Sel"
	case *ast.KeyValueExpr:
		return c.Name() == "Key" && !h.keys[c.Node().Pos()]
	}
	return false
}

// renamed builds the expression for a rename, which is an identifier or a
// qualified "pkg.Name".
func renamed(name string) ast.Expr {
	if pkg, sel, ok := strings.Cut(name, "."); ok {
		return &ast.SelectorExpr{X: ast.NewIdent(pkg), Sel: ast.NewIdent(sel)}
	}
	return ast.NewIdent(name)
}

// valueKeys returns the positions of the composite literal keys in x that
// are values: keys of map, slice and array literals. typeOf, when set,
// resolves named literal types; without it they are taken for structs.
func valueKeys(x ast.Expr, typeOf func(ast.Expr) types.Type) map[token.Pos]bool {
	keys := map[token.Pos]bool{}
	seen := map[*ast.CompositeLit]bool{}
	var lit func(cl *ast.CompositeLit, typ ast.Expr)
	lit = func(cl *ast.CompositeLit, typ ast.Expr) {
		seen[cl] = true
		if cl.Type != nil {
			typ = cl.Type
		}
		values, keyType, elemType := literalKind(typ, typeOf)
		for _, elt := range cl.Elts {
			if kv, ok := elt.(*ast.KeyValueExpr); ok {
				if values {
					keys[kv.Key.Pos()] = true
				}
				if inner, ok := kv.Key.(*ast.CompositeLit); ok {
					lit(inner, keyType)
				}
				elt = kv.Value
			}
			if inner, ok := elt.(*ast.CompositeLit); ok {
				lit(inner, elemType)
			}
		}
	}
	ast.Inspect(x, func(n ast.Node) bool {
		if cl, ok := n.(*ast.CompositeLit); ok && !seen[cl] {
			lit(cl, nil)
		}
		return true
	})
	return keys
}

// literalKind reports whether literals of type typ have value keys, and the
// key and element types elided inner literals take.
func literalKind(typ ast.Expr, typeOf func(ast.Expr) types.Type) (values bool, key, elem ast.Expr) {
	switch t := ast.Unparen(typ).(type) {
	case nil:
		return false, nil, nil
	case *ast.MapType:
		return true, t.Key, t.Value
	case *ast.ArrayType:
		return true, nil, t.Elt
	case *ast.StarExpr:
		return literalKind(t.X, typeOf)
	}
	if typeOf != nil {
		if tt := typeOf(typ); tt != nil {
			switch tt.Underlying().(type) {
			case *types.Map, *types.Slice, *types.Array:
				return true, nil, nil
			}
		}
	}
	return false, nil, nil
}

// resolveKeys refines the value keys of every host in e with type
// information. Named map, slice and array literal types are otherwise
// indistinguishable from structs.
func resolveKeys(e Expr, typeOf func(ast.Expr) types.Type) {
	switch e := e.(type) {
	case *Implies:
		resolveKeys(e.Lhs, typeOf)
		resolveKeys(e.Rhs, typeOf)
	case *Snapshot:
		resolveKeys(e.X, typeOf)
	case *Host:
		e.keys = valueKeys(e.X, typeOf)
		for _, hole := range e.Holes {
			resolveKeys(hole, typeOf)
		}
	}
}

var posType = reflect.TypeOf(token.NoPos)

// resetPositions clears every token.Pos in n so the printer lays out the
// node relative to its new surroundings.
func resetPositions(n ast.Node) {
	ast.Inspect(n, func(n ast.Node) bool {
		if n == nil {
			return false
		}
		v := reflect.ValueOf(n)
		if v.Kind() != reflect.Pointer || v.IsNil() {
			return true
		}
		v = v.Elem()
		if v.Kind() != reflect.Struct {
			return true
		}
		for i := 0; i < v.NumField(); i++ {
			if f := v.Field(i); f.Type() == posType && f.CanSet() {
				f.SetInt(int64(token.NoPos))
			}
		}
		return true
	})
}
