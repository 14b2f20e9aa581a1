package dbc

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"log/slog"
	"regexp"
	"strconv"
)

// Definition is a function or method declaration and the checks attached
// to it. Definitions without clauses are kept so the propagator can attach
// interface clauses to them.
type Definition struct {
	Decl    *ast.FuncDecl
	File    *ast.File
	Recv    string // receiver base type name, "" for functions
	Clauses ClauseSet
}

// InterfaceContract is an interface annotated with @contract_interface.
type InterfaceContract struct {
	Name    string
	Obj     *types.TypeName // nil without type information
	Scope   *types.Scope    // file scope of the declaration; nil without type information
	Pos     token.Position
	Methods []*InterfaceMethod
}

// InterfaceMethod is one method of a contract interface and its clauses.
type InterfaceMethod struct {
	Name    string
	Params  []string // positional; "" for unnamed
	Results int
	Clauses []*Clause
	Pos     token.Position
}

// PackageContracts is everything collected from one package.
type PackageContracts struct {
	Path       string
	Types      *types.Package
	Resolver   *TypeResolver
	Defs       []*Definition
	Interfaces []*InterfaceContract

	methods map[string]*Definition  // "T.M"
	scopes  map[string]*types.Scope // file scope of each type carrying invariants
}

// Method returns the declaration of method name on type typ.
func (pc *PackageContracts) Method(typ, name string) *Definition {
	return pc.methods[typ+"."+name]
}

// Collector turns annotations into clause sets.
type Collector struct {
	Fset   *token.FileSet
	Policy Policy
	Logger *slog.Logger
}

// Collect gathers the clauses of every declaration in files. All parse
// errors are returned joined.
func (c *Collector) Collect(path string, files []*ast.File, pkg *types.Package, info *types.Info) (*PackageContracts, error) {
	pc := &PackageContracts{
		Path:     path,
		Types:    pkg,
		Resolver: NewTypeResolver(c.Fset, pkg, info),
		methods:  map[string]*Definition{},
		scopes:   map[string]*types.Scope{},
	}
	var errs []error
	invariants := map[string][]*Clause{}

	// Types first: invariants apply to methods declared in any file.
	for _, f := range files {
		for _, decl := range f.Decls {
			gd, ok := decl.(*ast.GenDecl)
			if !ok || gd.Tok != token.TYPE {
				continue
			}
			for _, spec := range gd.Specs {
				ts := spec.(*ast.TypeSpec)
				doc := ts.Doc
				if doc == nil && !gd.Lparen.IsValid() {
					doc = gd.Doc
				}
				if err := c.collectType(pc, ts, doc, invariants); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}

	for _, f := range files {
		for _, decl := range f.Decls {
			fd, ok := decl.(*ast.FuncDecl)
			if !ok {
				continue
			}
			def, err := c.collectFunc(pc, f, fd, invariants)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if def == nil {
				continue
			}
			pc.Defs = append(pc.Defs, def)
			if def.Recv != "" {
				pc.methods[def.Recv+"."+fd.Name.Name] = def
			}
		}
	}
	return pc, errors.Join(errs...)
}

func (c *Collector) collectType(pc *PackageContracts, ts *ast.TypeSpec, doc *ast.CommentGroup, invariants map[string][]*Clause) error {
	name := ts.Name.Name
	clauses, marked, err := c.parseDoc(doc, name)
	if err != nil {
		return err
	}
	c.resolveKeys(pc, clauses, ts.Pos())
	it, isIface := ts.Type.(*ast.InterfaceType)
	if marked && !isIface {
		return &ParseError{Pos: c.Fset.Position(ts.Pos()), Token: name, Msg: "@contract_interface applies to interface types only"}
	}
	var errs []error
	for _, cl := range clauses {
		switch {
		case cl.Kind != KindInvariant:
			errs = append(errs, &ParseError{Pos: cl.Pos, Token: cl.Text, Msg: "only invariants may annotate a type"})
		case isIface:
			errs = append(errs, &ParseError{Pos: cl.Pos, Token: cl.Text, Msg: "invariants belong on implementing types, not interfaces"})
		default:
			if err := validateClause(cl, sigInfo{results: 0, hasRecv: true}); err != nil {
				errs = append(errs, err)
				continue
			}
			invariants[name] = append(invariants[name], cl)
		}
	}
	if !isIface {
		if len(invariants[name]) > 0 {
			pc.scopes[name] = fileScope(pc.Types, ts.Pos())
		}
		return errors.Join(errs...)
	}

	ic := &InterfaceContract{Name: name, Pos: c.Fset.Position(ts.Pos())}
	if pc.Types != nil {
		ic.Obj, _ = pc.Types.Scope().Lookup(name).(*types.TypeName)
		ic.Scope = fileScope(pc.Types, ts.Pos())
	}
	for _, field := range it.Methods.List {
		ft, ok := field.Type.(*ast.FuncType)
		if !ok || len(field.Names) == 0 {
			continue // embedded interface or constraint term
		}
		m := &InterfaceMethod{
			Name:    field.Names[0].Name,
			Params:  paramNames(ft.Params),
			Results: ft.Results.NumFields(),
			Pos:     c.Fset.Position(field.Pos()),
		}
		cls, _, err := c.parseDoc(field.Doc, name+"."+m.Name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.resolveKeys(pc, cls, field.Pos())
		for _, cl := range cls {
			if cl.Kind == KindInvariant {
				errs = append(errs, &ParseError{Pos: cl.Pos, Token: cl.Text, Msg: "invariants belong on implementing types, not interface methods"})
				continue
			}
			if err := validateClause(cl, sigInfo{results: m.Results, hasRecv: true}); err != nil {
				errs = append(errs, err)
				continue
			}
			m.Clauses = append(m.Clauses, cl)
		}
		if len(m.Clauses) > 0 {
			if !marked {
				errs = append(errs, &ParseError{Pos: m.Pos, Token: m.Name,
					Msg: fmt.Sprintf("clauses on %s.%s require @contract_interface on %s", name, m.Name, name)})
				continue
			}
			ic.Methods = append(ic.Methods, m)
		}
	}
	if marked {
		pc.Interfaces = append(pc.Interfaces, ic)
	}
	return errors.Join(errs...)
}

func (c *Collector) collectFunc(pc *PackageContracts, f *ast.File, fd *ast.FuncDecl, invariants map[string][]*Clause) (*Definition, error) {
	def := &Definition{Decl: fd, File: f}
	name := fd.Name.Name
	if fd.Recv != nil && len(fd.Recv.List) > 0 {
		def.Recv = baseTypeName(fd.Recv.List[0].Type)
		name = def.Recv + "." + name
	}
	def.Clauses.Func = name

	own, marked, err := c.parseDoc(fd.Doc, name)
	if err != nil {
		return nil, err
	}
	c.resolveKeys(pc, own, fd.Pos())
	if marked {
		return nil, &ParseError{Pos: c.Fset.Position(fd.Pos()), Token: name, Msg: "@contract_interface applies to interface types only"}
	}

	sig := sigInfo{results: fd.Type.Results.NumFields(), hasRecv: def.Recv != ""}
	var typeInv []*Clause
	owner := def.Recv
	if owner != "" {
		typeInv = invariants[owner]
	} else if owner = constructedType(fd); owner != "" && len(invariants[owner]) > 0 {
		typeInv = invariants[owner]
		def.Clauses.Constructor = true
	}

	var errs []error
	for _, cl := range own {
		if err := validateClause(cl, sig); err != nil {
			errs = append(errs, err)
			continue
		}
		switch cl.Kind {
		case KindPre:
			def.Clauses.Pre = append(def.Clauses.Pre, Check{Clause: cl})
		case KindPost:
			def.Clauses.Post = append(def.Clauses.Post, Check{Clause: cl})
		case KindInvariant:
			def.Clauses.Invariants = append(def.Clauses.Invariants, Check{Clause: cl})
		}
	}
	if len(typeInv) > 0 && fd.Body != nil {
		checks, err := c.typeInvariants(pc, f, fd, owner, typeInv)
		if err != nil {
			errs = append(errs, err)
		}
		def.Clauses.TypeInvariants = checks
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if fd.Body == nil {
		if len(own) > 0 {
			return nil, &ParseError{Pos: c.Fset.Position(fd.Pos()), Token: name, Msg: "contracts need a function body"}
		}
		return nil, nil
	}
	c.warnNonBool(pc, def)
	return def, nil
}

// typeInvariants applies the invariants of type owner to fd. Invariants
// are written in the scope of the type declaration, so fd's receiver,
// parameters and results must not hide a name they use, and imports of the
// type's file are rebound for f.
func (c *Collector) typeInvariants(pc *PackageContracts, f *ast.File, fd *ast.FuncDecl, owner string, invs []*Clause) ([]Check, error) {
	recv := ""
	if fd.Recv != nil && len(fd.Recv.List) > 0 && len(fd.Recv.List[0].Names) > 0 {
		recv = fd.Recv.List[0].Names[0].Name
	}
	locals := localNames(fd, recv)
	pos := c.Fset.Position(fd.Pos())
	hides := func(what, id string, cl *Clause) error {
		return &ParseError{Pos: pos, Token: id,
			Msg: fmt.Sprintf("%s %s hides %s used by the invariant of %s at %s; rename the %s", what, id, id, owner, cl.Pos, what)}
	}

	var checks []Check
	var errs []error
clauses:
	for _, cl := range invs {
		var scoped []string
		for _, id := range sortedKeys(freeIdents(cl.Expr)) {
			if isReserved(id) {
				continue
			}
			if what := locals[id]; what != "" {
				errs = append(errs, hides(what, id, cl))
				continue clauses
			}
			scoped = append(scoped, id)
		}
		renames, imports, err := qualify(pc.scopes[owner], pc.Types, pc.Types, f, scoped)
		if err != nil {
			errs = append(errs, &ParseError{Pos: pos, Token: cl.Text, Msg: "invariant of " + owner + ": " + err.Error()})
			continue
		}
		for _, to := range renames {
			if what := locals[qualifier(to)]; what != "" {
				errs = append(errs, hides(what, qualifier(to), cl))
				continue clauses
			}
		}
		if len(renames) == 0 {
			renames = nil
		}
		checks = append(checks, Check{Clause: cl, Renames: renames, Imports: imports})
	}
	return checks, errors.Join(errs...)
}

// resolveKeys tells map, slice and array literals with named types apart
// from struct literals in clauses declared at pos.
func (c *Collector) resolveKeys(pc *PackageContracts, clauses []*Clause, pos token.Pos) {
	if pc.Resolver == nil {
		return
	}
	typeOf := func(x ast.Expr) types.Type {
		t, err := parser.ParseExpr(types.ExprString(x))
		if err != nil {
			return nil
		}
		resetPositions(t)
		return pc.Resolver.ExprType(pos, t)
	}
	for _, cl := range clauses {
		resolveKeys(cl.Expr, typeOf)
	}
}

// parseDoc parses every annotation of a doc comment into clauses.
func (c *Collector) parseDoc(doc *ast.CommentGroup, origin string) (clauses []*Clause, marked bool, err error) {
	if doc == nil {
		return nil, false, nil
	}
	var errs []error
	for _, cm := range doc.List {
		a, aerr := parseAnnotation(cm.Text)
		if aerr != nil {
			pos := c.Fset.Position(cm.Slash + token.Pos(aerr.Offset))
			errs = append(errs, &ParseError{Pos: pos, Token: tokenNear(cm.Text, aerr.Offset), Msg: aerr.Msg})
			continue
		}
		if a == nil {
			continue
		}
		if a.Interface {
			marked = true
			continue
		}
		for _, cond := range a.Conds {
			pos := c.Fset.Position(cm.Slash + token.Pos(cond.Offset))
			e, err := ParseExpr(cond.Text, pos)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			clauses = append(clauses, &Clause{
				Kind:    a.Kind,
				Mode:    a.Mode,
				Action:  c.Policy.Resolve(a.Mode),
				Expr:    e,
				Text:    cond.Text,
				Message: a.Message,
				Pos:     pos,
				Origin:  origin,
			})
		}
	}
	return clauses, marked, errors.Join(errs...)
}

// warnNonBool logs preconditions whose type is known not to be boolean.
// They still fail to compile later; the warning points at the clause.
func (c *Collector) warnNonBool(pc *PackageContracts, def *Definition) {
	if pc.Resolver == nil {
		return
	}
	for _, ch := range def.Clauses.Pre {
		if freeIdents(ch.Expr)["self"] {
			continue
		}
		x, err := render(ch.Expr, &renderEnv{}, false)
		if err != nil {
			continue
		}
		if t := pc.Resolver.ExprType(def.Decl.Body.Lbrace, x); !IsBool(t) {
			c.logger().Warn("clause is not boolean",
				slog.String("func", def.Clauses.Func),
				slog.String("expr", ch.Text),
				slog.String("type", t.String()),
				slog.String("pos", ch.Pos.String()))
		}
	}
}

func (c *Collector) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

type sigInfo struct {
	results int
	hasRecv bool
}

var retIndexRe = regexp.MustCompile(`^ret(\d+)$`)

// validateClause checks the placement of ret, old() and self.
func validateClause(cl *Clause, sig sigInfo) error {
	fail := func(tok, msg string) error {
		return &ParseError{Pos: cl.Pos, Token: tok, Msg: msg}
	}
	snaps := snapshots(cl.Expr)
	if len(snaps) > 0 && cl.Kind != KindPost {
		return fail(snaps[0].String(), "old() is only allowed in postconditions")
	}
	for _, s := range snaps {
		for id := range freeIdents(s.X) {
			if id == "ret" || retIndexRe.MatchString(id) {
				return fail(s.String(), "old() cannot capture results")
			}
		}
	}
	for id := range freeIdents(cl.Expr) {
		switch {
		case id == "ret":
			if cl.Kind != KindPost {
				return fail(id, "ret is only available in postconditions")
			}
			if sig.results == 0 {
				return fail(id, "ret used in a function without results")
			}
			if sig.results > 1 {
				return fail(id, fmt.Sprintf("ret is ambiguous with %d results; use ret0..ret%d", sig.results, sig.results-1))
			}
		case retIndexRe.MatchString(id):
			if cl.Kind != KindPost {
				return fail(id, id+" is only available in postconditions")
			}
			n, _ := strconv.Atoi(retIndexRe.FindStringSubmatch(id)[1])
			if n >= sig.results {
				return fail(id, fmt.Sprintf("%s out of range: the function has %d result(s)", id, sig.results))
			}
		case id == "self":
			if !sig.hasRecv {
				return fail(id, "self used outside a method")
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Syntax helpers
// ---------------------------------------------------------------------------

// baseTypeName returns T for T, *T, T[K] and (*T).
func baseTypeName(x ast.Expr) string {
	for {
		switch t := x.(type) {
		case *ast.StarExpr:
			x = t.X
		case *ast.ParenExpr:
			x = t.X
		case *ast.IndexExpr:
			x = t.X
		case *ast.IndexListExpr:
			x = t.X
		case *ast.Ident:
			return t.Name
		default:
			return ""
		}
	}
}

// constructedType returns T when fd has no receiver and its first result
// is T or *T of the same package.
func constructedType(fd *ast.FuncDecl) string {
	if fd.Recv != nil || fd.Type.Results == nil || len(fd.Type.Results.List) == 0 {
		return ""
	}
	return baseTypeName(fd.Type.Results.List[0].Type)
}

// paramNames flattens a parameter list; unnamed parameters yield "".
func paramNames(fl *ast.FieldList) []string {
	if fl == nil {
		return nil
	}
	var out []string
	for _, f := range fl.List {
		if len(f.Names) == 0 {
			out = append(out, "")
			continue
		}
		for _, n := range f.Names {
			out = append(out, n.Name)
		}
	}
	return out
}

func tokenNear(s string, off int) string {
	if off < 0 || off >= len(s) {
		return ""
	}
	end := off
	for end < len(s) && s[end] != ' ' && s[end] != ',' {
		end++
	}
	if end == off {
		end++
	}
	return s[off:end]
}
