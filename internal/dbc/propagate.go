package dbc

import (
	"errors"
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"log/slog"
	"sort"
	"strconv"
)

// Propagator attaches the clauses of @contract_interface interfaces to the
// matching methods of every implementation in the loaded packages.
type Propagator struct {
	Fset   *token.FileSet
	Logger *slog.Logger
}

// Propagate mutates the clause sets of implementing definitions. Interface
// clauses come before the implementation's own clauses. Every failure is
// reported; the joined error holds *PropagationError values.
func (p *Propagator) Propagate(pkgs []*PackageContracts) error {
	pkgs = append([]*PackageContracts(nil), pkgs...)
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Path < pkgs[j].Path })

	var errs []error
	attached := map[*Definition]*ClauseSet{}
	var order []*Definition

	for _, owner := range pkgs {
		for _, ic := range owner.Interfaces {
			if ic.Obj == nil {
				p.logger().Warn("no type information, contract not propagated",
					slog.String("interface", ic.Name), slog.String("pos", ic.Pos.String()))
				continue
			}
			ifaceName := ic.Obj.Pkg().Name() + "." + ic.Name
			if named, ok := ic.Obj.Type().(*types.Named); ok && named.TypeParams().Len() > 0 {
				errs = append(errs, &PropagationError{Pos: ic.Pos, Interface: ifaceName, Reason: "generic interfaces cannot propagate contracts"})
				continue
			}
			iface, ok := ic.Obj.Type().Underlying().(*types.Interface)
			if !ok || len(ic.Methods) == 0 {
				continue
			}
			for _, pc := range pkgs {
				for _, impl := range implementations(pc, iface) {
					for _, m := range ic.Methods {
						def, checks, err := p.attach(pc, impl, ic, ifaceName, m)
						if err != nil {
							errs = append(errs, err)
							continue
						}
						set, ok := attached[def]
						if !ok {
							set = &ClauseSet{}
							attached[def] = set
							order = append(order, def)
						}
						for _, ch := range checks {
							switch ch.Kind {
							case KindPre:
								set.Pre = append(set.Pre, ch)
							case KindPost:
								set.Post = append(set.Post, ch)
							}
						}
						p.logger().Debug("contract propagated",
							slog.String("interface", ifaceName+"."+m.Name),
							slog.String("impl", def.Clauses.Func))
					}
				}
			}
		}
	}

	for _, def := range order {
		set := attached[def]
		def.Clauses.Pre = append(set.Pre, def.Clauses.Pre...)
		def.Clauses.Post = append(set.Post, def.Clauses.Post...)
	}
	return errors.Join(errs...)
}

// implementation is a named type whose value or pointer satisfies an
// interface.
type implementation struct {
	obj  *types.TypeName
	recv types.Type // T or *T
}

func (impl implementation) String() string {
	if _, ok := impl.recv.(*types.Pointer); ok {
		return "*" + impl.obj.Name()
	}
	return impl.obj.Name()
}

// implementations lists the non-interface, non-generic named types of pc
// implementing iface, in name order.
func implementations(pc *PackageContracts, iface *types.Interface) []implementation {
	if pc.Types == nil {
		return nil
	}
	var out []implementation
	scope := pc.Types.Scope()
	for _, name := range scope.Names() {
		tn, ok := scope.Lookup(name).(*types.TypeName)
		if !ok || tn.IsAlias() {
			continue
		}
		named, ok := tn.Type().(*types.Named)
		if !ok || named.TypeParams().Len() > 0 || types.IsInterface(named) {
			continue
		}
		switch {
		case types.Implements(named, iface):
			out = append(out, implementation{obj: tn, recv: named})
		case types.Implements(types.NewPointer(named), iface):
			out = append(out, implementation{obj: tn, recv: types.NewPointer(named)})
		}
	}
	return out
}

// attach remaps the clauses of m onto impl's declaration of the method.
func (p *Propagator) attach(pc *PackageContracts, impl implementation, ic *InterfaceContract, ifaceName string, m *InterfaceMethod) (*Definition, []Check, error) {
	fail := func(pos token.Position, reason string) error {
		return &PropagationError{Pos: pos, Impl: impl.String(), Interface: ifaceName, Method: m.Name, Reason: reason}
	}
	implPos := p.Fset.Position(impl.obj.Pos())

	obj, index, _ := types.LookupFieldOrMethod(impl.recv, false, pc.Types, m.Name)
	fn, ok := obj.(*types.Func)
	if !ok {
		return nil, nil, fail(implPos, "method not found")
	}
	if len(index) > 1 || fn.Pkg() != pc.Types {
		return nil, nil, fail(implPos, "method is promoted from an embedded field; declare it on "+impl.obj.Name())
	}
	def := pc.Method(impl.obj.Name(), m.Name)
	if def == nil {
		return nil, nil, fail(implPos, "method declaration is not in the loaded sources")
	}
	decl := def.Decl
	defPos := p.Fset.Position(decl.Pos())

	implParams := paramNames(decl.Type.Params)
	if len(implParams) != len(m.Params) {
		return nil, nil, fail(defPos, "parameter count differs from the interface")
	}
	recv := ""
	if decl.Recv != nil && len(decl.Recv.List) > 0 && len(decl.Recv.List[0].Names) > 0 {
		recv = decl.Recv.List[0].Names[0].Name
	}
	if recv != "self" && isReserved(recv) {
		return nil, nil, fail(defPos, "receiver "+recv+" uses a reserved name")
	}
	for _, name := range implParams {
		if isReserved(name) {
			return nil, nil, fail(defPos, "parameter "+name+" uses a reserved name")
		}
	}
	locals := localNames(decl, recv)

	refs := map[string]bool{}
	for _, cl := range m.Clauses {
		for id := range freeIdents(cl.Expr) {
			refs[id] = true
		}
	}
	ifaceParams := map[string]bool{}
	for _, name := range m.Params {
		ifaceParams[name] = true
	}
	var scoped []string
	for _, id := range sortedKeys(refs) {
		if ifaceParams[id] || isReserved(id) {
			continue
		}
		if what := locals[id]; what != "" {
			return nil, nil, fail(defPos, fmt.Sprintf("%s %s shadows %s referenced by the contract", what, id, id))
		}
		scoped = append(scoped, id)
	}

	// Identifiers from the interface's file are rebound for the
	// implementing file.
	renames, imports, err := qualify(ic.Scope, ic.Obj.Pkg(), pc.Types, def.File, scoped)
	if err != nil {
		return nil, nil, fail(defPos, err.Error())
	}
	for id, to := range renames {
		if what := locals[qualifier(to)]; what != "" {
			return nil, nil, fail(defPos, fmt.Sprintf("%s %s shadows package %s used by the contract for %s", what, qualifier(to), qualifier(to), id))
		}
	}

	for i, ip := range m.Params {
		if ip == "" || ip == "_" || !refs[ip] {
			continue
		}
		name := implParams[i]
		if name == "" || name == "_" {
			name = argPrefix + strconv.Itoa(i)
			nameParam(decl.Type.Params, i, name)
		}
		if name != ip {
			renames[ip] = name
		}
	}
	if len(renames) == 0 {
		renames = nil
	}

	checks := make([]Check, 0, len(m.Clauses))
	for _, cl := range m.Clauses {
		checks = append(checks, Check{Clause: cl, Renames: renames, Imports: imports})
	}
	return def, checks, nil
}

// localNames maps the receiver, parameter and named result names of decl,
// which hide outer identifiers inside it, to what they are.
func localNames(decl *ast.FuncDecl, recv string) map[string]string {
	locals := map[string]string{}
	for _, name := range paramNames(decl.Type.Results) {
		locals[name] = "result"
	}
	for _, name := range paramNames(decl.Type.Params) {
		locals[name] = "parameter"
	}
	if recv != "" {
		locals[recv] = "receiver"
	}
	delete(locals, "")
	delete(locals, "_")
	return locals
}

func (p *Propagator) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// isReserved reports whether name has a meaning inside clauses.
func isReserved(name string) bool {
	return name == "ret" || name == "self" || name == "old" || retIndexRe.MatchString(name)
}

// nameParam gives positional parameter i the given name. Unnamed parameter
// lists get "_" for every other parameter, as Go requires all or none named.
func nameParam(params *ast.FieldList, i int, name string) {
	k := 0
	for _, f := range params.List {
		if len(f.Names) == 0 {
			id := "_"
			if k == i {
				id = name
			}
			f.Names = []*ast.Ident{ast.NewIdent(id)}
			k++
			continue
		}
		for j := range f.Names {
			if k == i {
				f.Names[j] = ast.NewIdent(name)
			}
			k++
		}
	}
}
