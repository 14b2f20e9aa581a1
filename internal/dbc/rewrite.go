package dbc

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"go/types"
	"path/filepath"
	"strconv"
)

// RuntimeImportPath is the package generated checks report through.
const RuntimeImportPath = "github.com/imnive-design/dbc/contract"

// Generated identifiers. User code must not declare names with this prefix.
const (
	recvName  = "_dbc_recv"
	retPrefix = "_dbc_ret"
	oldPrefix = "_dbc_old"
	argPrefix = "_dbc_arg"
)

// Rewriter weaves checks into function declarations.
type Rewriter struct {
	Fset     *token.FileSet
	Resolver *TypeResolver // optional; enables error detection and snapshot cloning
	Runtime  string        // local name of the runtime package, "contract" when empty
	Root     string        // violation positions are relative to Root
}

// Rewritten is the result of rewriting one declaration.
type Rewritten struct {
	Decl    *ast.FuncDecl
	Imports []string // import paths needed besides the runtime package
	Changed bool
}

// Rewrite returns fn with set woven in. fn itself is not modified; the new
// declaration shares the original body statements.
//
// The checked declaration runs, in order: entry checks, snapshot bindings,
// the original body inside a function literal with the same results, exit
// checks, and a return of the bound results. Without exit checks the entry
// checks are simply prepended. Without active checks fn is returned as is.
func (rw *Rewriter) Rewrite(fn *ast.FuncDecl, set ClauseSet) (*Rewritten, error) {
	entry := activeChecks(set.Entry())
	post := activeChecks(set.Post)
	invs := activeChecks(set.Invariants)
	tinvs := activeChecks(set.TypeInvariants)
	if len(entry) == 0 && len(post) == 0 && len(invs) == 0 && len(tinvs) == 0 {
		return &Rewritten{Decl: fn}, nil
	}
	if fn.Body == nil {
		return nil, fmt.Errorf("dbc: %s has no body", set.Func)
	}

	decl := *fn
	ftype := *fn.Type
	decl.Type = &ftype
	out := &Rewritten{Decl: &decl, Changed: true}
	base := map[string]string{}
	exitCount := len(post) + len(invs) + len(tinvs)

	// self
	var all []Check
	for _, group := range [][]Check{entry, post, invs, tinvs} {
		all = append(all, group...)
	}
	imports := map[string]bool{}
	for _, ch := range all {
		for _, imp := range ch.Imports {
			imports[imp] = true
		}
	}
	if fn.Recv != nil && len(fn.Recv.List) > 0 && usesIdent(all, "self") {
		recv := fn.Recv.List[0]
		name := ""
		if len(recv.Names) > 0 {
			name = recv.Names[0].Name
		}
		if name == "" || name == "_" {
			name = recvName
			decl.Recv = &ast.FieldList{
				Opening: fn.Recv.Opening,
				List:    []*ast.Field{{Doc: recv.Doc, Names: []*ast.Ident{ast.NewIdent(name)}, Type: recv.Type}},
				Closing: fn.Recv.Closing,
			}
		}
		base["self"] = name
	}

	// Results.
	results := fn.Type.Results
	n := results.NumFields()
	named := n > 0 && len(results.List[0].Names) > 0
	var resNames []string
	if exitCount > 0 && n > 0 {
		if named {
			fl := &ast.FieldList{Opening: results.Opening, Closing: results.Closing}
			for _, f := range results.List {
				nf := *f
				nf.Names = nil
				for _, id := range f.Names {
					if id.Name == "_" {
						id = ast.NewIdent(retPrefix + strconv.Itoa(len(resNames)))
					}
					nf.Names = append(nf.Names, id)
					resNames = append(resNames, id.Name)
				}
				fl.List = append(fl.List, &nf)
			}
			ftype.Results = fl
		} else {
			for i := 0; i < n; i++ {
				resNames = append(resNames, retPrefix+strconv.Itoa(i))
			}
		}
		if n == 1 {
			base["ret"] = resNames[0]
		}
		for i, name := range resNames {
			base["ret"+strconv.Itoa(i)] = name
		}
	}
	if set.Constructor && n > 0 {
		// Type invariants of a constructor talk about the constructed value.
		for i := range tinvs {
			tinvs[i] = withRename(tinvs[i], "self", base["ret0"])
		}
	}

	var body []ast.Stmt
	for _, ch := range entry {
		st, err := rw.checkStmt(ch, base, nil, set.Func, "Entry")
		if err != nil {
			return nil, err
		}
		body = append(body, st)
	}
	if exitCount == 0 {
		body = append(body, fn.Body.List...)
		decl.Body = &ast.BlockStmt{Lbrace: fn.Body.Lbrace, List: body, Rbrace: fn.Body.Rbrace}
		out.Imports = sortedKeys(imports)
		return out, nil
	}

	// Snapshots.
	olds := map[*Snapshot]string{}
	for _, ch := range post {
		for _, snap := range snapshots(ch.Expr) {
			name := oldPrefix + strconv.Itoa(len(olds))
			olds[snap] = name
			x, err := render(snap.X, &renderEnv{names: merge(base, ch.Renames)}, true)
			if err != nil {
				return nil, err
			}
			if pkg, cloneFn := CloneFunc(rw.snapshotType(fn, snap, ch.Renames)); pkg != "" {
				imports[pkg] = true
				x = &ast.CallExpr{Fun: sel(pkg, cloneFn), Args: []ast.Expr{x}}
			}
			body = append(body, &ast.AssignStmt{
				Lhs: []ast.Expr{ast.NewIdent(name)},
				Tok: token.DEFINE,
				Rhs: []ast.Expr{x},
			})
		}
	}
	out.Imports = sortedKeys(imports)

	// The body, moved into a function literal with the same results.
	lit := &ast.FuncLit{
		Type: &ast.FuncType{Params: &ast.FieldList{}, Results: rw.closureResults(results)},
		Body: fn.Body,
	}
	call := &ast.CallExpr{Fun: lit}
	switch {
	case n == 0:
		body = append(body, &ast.ExprStmt{X: call})
	case named:
		body = append(body, &ast.AssignStmt{Lhs: idents(resNames), Tok: token.ASSIGN, Rhs: []ast.Expr{call}})
	default:
		body = append(body, &ast.AssignStmt{Lhs: idents(resNames), Tok: token.DEFINE, Rhs: []ast.Expr{call}})
	}

	// Exit checks. Postconditions (and the invariants of a constructor) are
	// skipped when the trailing error result is non-nil.
	errName := ""
	if n > 0 && rw.Resolver.IsError(results.List[len(results.List)-1].Type) {
		errName = resNames[n-1]
	}
	var exits []guardedStmt
	for _, ch := range post {
		st, err := rw.checkStmt(ch, base, olds, set.Func, "Exit")
		if err != nil {
			return nil, err
		}
		exits = append(exits, guardedStmt{st, errName != ""})
	}
	for _, ch := range invs {
		st, err := rw.checkStmt(ch, base, olds, set.Func, "Exit")
		if err != nil {
			return nil, err
		}
		exits = append(exits, guardedStmt{st, false})
	}
	for _, ch := range tinvs {
		st, err := rw.checkStmt(ch, base, olds, set.Func, "Exit")
		if err != nil {
			return nil, err
		}
		exits = append(exits, guardedStmt{st, errName != "" && set.Constructor})
	}
	body = append(body, mergeGuards(exits, errName)...)

	if n > 0 {
		body = append(body, &ast.ReturnStmt{Results: idents(resNames)})
	}
	decl.Body = &ast.BlockStmt{Lbrace: fn.Body.Lbrace, List: body, Rbrace: fn.Body.Rbrace}
	return out, nil
}

// checkStmt builds
//
//	if <gate> && !(cond) { contract.Abort(contract.Violation{...}) }
func (rw *Rewriter) checkStmt(ch Check, base map[string]string, olds map[*Snapshot]string, fn, site string) (ast.Stmt, error) {
	cond, err := render(ch.Expr, &renderEnv{names: merge(base, ch.Renames), olds: olds}, false)
	if err != nil {
		return nil, err
	}
	rt := rw.runtime()
	var test ast.Expr = &ast.UnaryExpr{Op: token.NOT, X: paren(cond)}
	switch ch.Action.Gate {
	case GateDebug:
		test = &ast.BinaryExpr{X: sel(rt, "Debug"), Op: token.LAND, Y: test}
	case GateTest:
		test = &ast.BinaryExpr{X: &ast.CallExpr{Fun: sel(rt, "UnderTest")}, Op: token.LAND, Y: test}
	}
	report := "Abort"
	if ch.Action.Report == ReportLog {
		report = "Log"
	}
	return &ast.IfStmt{
		Cond: test,
		Body: &ast.BlockStmt{List: []ast.Stmt{
			&ast.ExprStmt{X: &ast.CallExpr{
				Fun:  sel(rt, report),
				Args: []ast.Expr{rw.violation(ch, fn, site)},
			}},
		}},
	}, nil
}

func (rw *Rewriter) violation(ch Check, fn, site string) ast.Expr {
	rt := rw.runtime()
	kv := func(k string, v ast.Expr) ast.Expr {
		return &ast.KeyValueExpr{Key: ast.NewIdent(k), Value: v}
	}
	elts := []ast.Expr{kv("Kind", sel(rt, ch.Kind.runtimeKind()))}
	if ch.Kind == KindInvariant {
		elts = append(elts, kv("Site", sel(rt, site)))
	}
	elts = append(elts, kv("Func", strLit(fn)), kv("Expr", strLit(ch.Text)))
	if ch.Message != "" {
		elts = append(elts, kv("Message", strLit(ch.Message)))
	}
	elts = append(elts, kv("Pos", strLit(rw.position(ch.Pos))))
	return &ast.CompositeLit{Type: sel(rt, "Violation"), Elts: elts}
}

func (rw *Rewriter) position(p token.Position) string {
	name := p.Filename
	if rw.Root != "" {
		if rel, err := filepath.Rel(rw.Root, name); err == nil {
			name = filepath.ToSlash(rel)
		}
	} else {
		name = filepath.Base(name)
	}
	return fmt.Sprintf("%s:%d", name, p.Line)
}

func (rw *Rewriter) runtime() string {
	if rw.Runtime != "" {
		return rw.Runtime
	}
	return "contract"
}

// snapshotType returns the static type of a snapshot expression evaluated
// on entry to fn, or nil. The expression is checked with the declaration's
// own names, so generated renames of blank identifiers hide the type.
func (rw *Rewriter) snapshotType(fn *ast.FuncDecl, snap *Snapshot, renames map[string]string) types.Type {
	if rw.Resolver == nil {
		return nil
	}
	names := map[string]string{}
	if fn.Recv != nil && len(fn.Recv.List) > 0 && len(fn.Recv.List[0].Names) > 0 {
		names["self"] = fn.Recv.List[0].Names[0].Name
	}
	x, err := render(snap.X, &renderEnv{names: merge(names, renames)}, true)
	if err != nil {
		return nil
	}
	return rw.Resolver.ExprType(fn.Body.Lbrace, x)
}

// closureResults copies a result list for the function literal holding the
// original body. Names are kept so the body keeps assigning them.
func (rw *Rewriter) closureResults(results *ast.FieldList) *ast.FieldList {
	if results == nil {
		return nil
	}
	fl := &ast.FieldList{}
	for _, f := range results.List {
		nf := &ast.Field{Type: cloneExpr(rw.Fset, f.Type)}
		for _, id := range f.Names {
			nf.Names = append(nf.Names, ast.NewIdent(id.Name))
		}
		fl.List = append(fl.List, nf)
	}
	return fl
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type guardedStmt struct {
	stmt    ast.Stmt
	guarded bool
}

// mergeGuards wraps consecutive guarded statements in one
// `if err == nil { ... }` block.
func mergeGuards(stmts []guardedStmt, errName string) []ast.Stmt {
	var out []ast.Stmt
	var run []ast.Stmt
	flush := func() {
		if len(run) == 0 {
			return
		}
		out = append(out, &ast.IfStmt{
			Cond: &ast.BinaryExpr{X: ast.NewIdent(errName), Op: token.EQL, Y: ast.NewIdent("nil")},
			Body: &ast.BlockStmt{List: run},
		})
		run = nil
	}
	for _, s := range stmts {
		if s.guarded {
			run = append(run, s.stmt)
			continue
		}
		flush()
		out = append(out, s.stmt)
	}
	flush()
	return out
}

func activeChecks(checks []Check) []Check {
	var out []Check
	for _, ch := range checks {
		if ch.Action.Active() {
			out = append(out, ch)
		}
	}
	return out
}

// withRename returns ch with from bound to to, without touching ch's map.
func withRename(ch Check, from, to string) Check {
	ch.Renames = merge(ch.Renames, map[string]string{from: to})
	return ch
}

func usesIdent(checks []Check, name string) bool {
	for _, ch := range checks {
		if _, renamed := ch.Renames[name]; renamed {
			continue
		}
		if freeIdents(ch.Expr)[name] {
			return true
		}
	}
	return false
}

// merge returns a new map holding a overlaid with b.
func merge(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func idents(names []string) []ast.Expr {
	out := make([]ast.Expr, len(names))
	for i, n := range names {
		out[i] = ast.NewIdent(n)
	}
	return out
}

func sel(x, name string) *ast.SelectorExpr {
	return &ast.SelectorExpr{X: ast.NewIdent(x), Sel: ast.NewIdent(name)}
}

func strLit(s string) *ast.BasicLit {
	return &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(s)}
}

func paren(x ast.Expr) ast.Expr {
	if _, ok := x.(*ast.ParenExpr); ok {
		return x
	}
	return &ast.ParenExpr{X: x}
}

// cloneExpr deep-copies a type or value expression without positions.
func cloneExpr(fset *token.FileSet, e ast.Expr) ast.Expr {
	var buf bytes.Buffer
	if err := printer.Fprint(&buf, fset, e); err != nil {
		return e
	}
	x, err := parser.ParseExpr(buf.String())
	if err != nil {
		return e
	}
	resetPositions(x)
	return x
}
