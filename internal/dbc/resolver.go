package dbc

import (
	"go/ast"
	"go/token"
	"go/types"
)

// TypeResolver answers type questions about one package. A nil resolver
// or one with no type information falls back to syntax-only answers.
type TypeResolver struct {
	Fset *token.FileSet
	Pkg  *types.Package
	Info *types.Info
}

// NewTypeResolver returns a resolver, or nil when pkg is missing.
func NewTypeResolver(fset *token.FileSet, pkg *types.Package, info *types.Info) *TypeResolver {
	if pkg == nil || info == nil {
		return nil
	}
	return &TypeResolver{Fset: fset, Pkg: pkg, Info: info}
}

// ExprType type-checks expr as if it appeared at pos and returns its type,
// or nil when it cannot be determined.
func (r *TypeResolver) ExprType(pos token.Pos, expr ast.Expr) types.Type {
	if r == nil {
		return nil
	}
	info := &types.Info{Types: map[ast.Expr]types.TypeAndValue{}}
	if err := types.CheckExpr(r.Fset, r.Pkg, pos, expr, info); err != nil {
		return nil
	}
	return info.Types[expr].Type
}

// IsError reports whether the type expression denotes the error interface.
func (r *TypeResolver) IsError(expr ast.Expr) bool {
	if r != nil {
		if tv, ok := r.Info.Types[expr]; ok && tv.Type != nil {
			return types.Identical(tv.Type, types.Universe.Lookup("error").Type())
		}
	}
	id, ok := expr.(*ast.Ident)
	return ok && id.Name == "error"
}

// CloneFunc returns the package and function cloning values of type t
// before they are snapshot, or "" when plain assignment copies the value.
func CloneFunc(t types.Type) (pkg, fn string) {
	if t == nil {
		return "", ""
	}
	switch t.Underlying().(type) {
	case *types.Slice:
		return "slices", "Clone"
	case *types.Map:
		return "maps", "Clone"
	}
	return "", ""
}

// IsBool reports whether t is a boolean type. A nil type is not reported
// as non-boolean.
func IsBool(t types.Type) bool {
	if t == nil {
		return true
	}
	b, ok := t.Underlying().(*types.Basic)
	return ok && b.Info()&types.IsBoolean != 0
}
