package dbc

import (
	"fmt"
	"go/ast"
	"go/token"
	"go/types"
	"path"
	"slices"
	"strconv"
	"strings"
)

// fileScope returns the scope of the file declaring pos, or nil without
// type information.
func fileScope(pkg *types.Package, pos token.Pos) *types.Scope {
	if pkg == nil || !pos.IsValid() {
		return nil
	}
	return pkg.Scope().Innermost(pos)
}

// qualify maps identifiers that a clause resolves in its declaring file
// scope to the names they have in file, a file of package pkg the clause is
// checked in. Package-level objects of another package become selectors on
// that package and imports map to file's own name for the same path. The
// returned paths are the imports file still lacks.
func qualify(declared *types.Scope, owner, pkg *types.Package, file *ast.File, idents []string) (map[string]string, []string, error) {
	renames := map[string]string{}
	if declared == nil || owner == nil || pkg == nil {
		return renames, nil, nil
	}
	var imports []string
	for _, id := range idents {
		_, obj := declared.LookupParent(id, token.NoPos)
		var target *types.Package
		switch o := obj.(type) {
		case nil:
			continue
		case *types.PkgName:
			target = o.Imported()
			if target == pkg {
				return nil, nil, fmt.Errorf("%s names package %s itself", id, pkg.Name())
			}
		default:
			if o.Parent() != owner.Scope() || owner == pkg {
				continue
			}
			if !o.Exported() {
				return nil, nil, fmt.Errorf("%s is not exported by package %s", id, owner.Name())
			}
			target = owner
		}
		name, missing, err := importName(file, pkg, target)
		if err != nil {
			return nil, nil, err
		}
		if missing && dependsOn(target, pkg, map[*types.Package]bool{}) {
			return nil, nil, fmt.Errorf("importing %s into package %s would form an import cycle", target.Path(), pkg.Name())
		}
		if missing && !slices.Contains(imports, target.Path()) {
			imports = append(imports, target.Path())
		}
		if _, isPkg := obj.(*types.PkgName); isPkg {
			if name != id {
				renames[id] = name
			}
		} else {
			renames[id] = name + "." + id
		}
	}
	return renames, imports, nil
}

// importName returns the name file refers to target by, and whether file
// has yet to import it.
func importName(file *ast.File, pkg, target *types.Package) (string, bool, error) {
	local := func(spec *ast.ImportSpec) (string, string) {
		p, _ := strconv.Unquote(spec.Path.Value)
		if spec.Name != nil {
			return p, spec.Name.Name
		}
		for _, imp := range pkg.Imports() {
			if imp.Path() == p {
				return p, imp.Name()
			}
		}
		return p, path.Base(p)
	}
	var specs []*ast.ImportSpec
	if file != nil {
		specs = file.Imports
	}
	for _, spec := range specs {
		if p, name := local(spec); p == target.Path() && name != "_" && name != "." {
			return name, false, nil
		}
	}
	name := target.Name()
	for _, spec := range specs {
		if p, n := local(spec); n == name {
			return "", false, fmt.Errorf("cannot import %s: %s already names %s", target.Path(), name, p)
		}
	}
	if pkg.Scope().Lookup(name) != nil {
		return "", false, fmt.Errorf("cannot import %s: %s is declared in package %s", target.Path(), name, pkg.Name())
	}
	return name, true, nil
}

// dependsOn reports whether from imports to, directly or not.
func dependsOn(from, to *types.Package, seen map[*types.Package]bool) bool {
	if from == to || from.Path() == to.Path() {
		return true
	}
	if seen[from] {
		return false
	}
	seen[from] = true
	for _, imp := range from.Imports() {
		if dependsOn(imp, to, seen) {
			return true
		}
	}
	return false
}

// qualifier returns the package name of a rename produced by qualify, or
// the rename itself.
func qualifier(rename string) string {
	name, _, _ := strings.Cut(rename, ".")
	return name
}
