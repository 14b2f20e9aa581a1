package dbc

import (
	"bytes"
	"errors"
	"go/ast"
	"go/printer"
	"go/token"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBase = token.Position{Filename: "range.go", Line: 12, Column: 10, Offset: 200}

func mustParse(t *testing.T, src string) Expr {
	t.Helper()
	e, err := ParseExpr(src, testBase)
	require.NoError(t, err, "ParseExpr(%q)", src)
	return e
}

func renderString(t *testing.T, e Expr, env *renderEnv) string {
	t.Helper()
	if env == nil {
		env = &renderEnv{}
	}
	x, err := render(e, env, false)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, printer.Fprint(&buf, token.NewFileSet(), x))
	return buf.String()
}

func TestParseExpr_Host(t *testing.T) {
	e := mustParse(t, "min < max")
	h, ok := e.(*Host)
	require.True(t, ok, "got %T", e)
	assert.Equal(t, "min < max", h.String())
	_, isBinary := h.X.(*ast.BinaryExpr)
	assert.True(t, isBinary)
	assert.Empty(t, cmp.Diff(map[string]bool{"min": true, "max": true}, freeIdents(e)))
}

func TestParseExpr_ImpliesRightAssociative(t *testing.T) {
	e := mustParse(t, "a -> b -> c")
	outer, ok := e.(*Implies)
	require.True(t, ok)
	assert.Equal(t, "a", outer.Lhs.String())
	inner, ok := outer.Rhs.(*Implies)
	require.True(t, ok, "rhs is %T", outer.Rhs)
	assert.Equal(t, "b", inner.Lhs.String())
	assert.Equal(t, "c", inner.Rhs.String())
	assert.Equal(t, "a -> b -> c", e.String())
}

func TestParseExpr_ImpliesBindsWeakest(t *testing.T) {
	e := mustParse(t, "a || b -> c && d")
	imp, ok := e.(*Implies)
	require.True(t, ok)
	assert.Equal(t, "a || b", imp.Lhs.String())
	assert.Equal(t, "c && d", imp.Rhs.String())
}

func TestParseExpr_LongArrowAlias(t *testing.T) {
	e := mustParse(t, "ok ==> n > 0")
	_, ok := e.(*Implies)
	assert.True(t, ok)
}

func TestParseExpr_NestedImplies(t *testing.T) {
	e := mustParse(t, "x > 0 && (y -> z)")
	h, ok := e.(*Host)
	require.True(t, ok)
	require.Len(t, h.Holes, 1)
	assert.Equal(t, "x > 0 && (!(y) || (z))", renderString(t, e, nil))
	assert.Empty(t, cmp.Diff(map[string]bool{"x": true, "y": true, "z": true}, freeIdents(e)))
}

func TestParseExpr_ImpliesInCallArgument(t *testing.T) {
	e := mustParse(t, "all(xs, a -> b)")
	assert.Equal(t, "all(xs, (!(a) || (b)))", renderString(t, e, nil))
}

func TestParseExpr_Snapshot(t *testing.T) {
	e := mustParse(t, "len(s) == len(old(s)) + 1")
	snaps := snapshots(e)
	require.Len(t, snaps, 1)
	assert.Equal(t, "old(s)", snaps[0].String())
	assert.Equal(t, "s", snaps[0].X.String())

	env := &renderEnv{olds: map[*Snapshot]string{snaps[0]: "_dbc_old0"}}
	assert.Equal(t, "len(s) == len(_dbc_old0)+1", renderString(t, e, env))
}

func TestParseExpr_SnapshotInsideImplication(t *testing.T) {
	e := mustParse(t, "ok -> n == old(n) + 1")
	snaps := snapshots(e)
	require.Len(t, snaps, 1)
	env := &renderEnv{olds: map[*Snapshot]string{snaps[0]: "_dbc_old0"}}
	assert.Equal(t, "(!(ok) || (n == _dbc_old0+1))", renderString(t, e, env))
}

func TestParseExpr_NestedOldIsIdentity(t *testing.T) {
	e := mustParse(t, "old(old(x) + 1) > 0")
	snaps := snapshots(e)
	require.Len(t, snaps, 1, "only the outermost snapshot is bound")
	x, err := render(snaps[0].X, &renderEnv{}, true)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, printer.Fprint(&buf, token.NewFileSet(), x))
	assert.Equal(t, "x + 1", buf.String())
}

func TestParseExpr_OldMethodIsNotSnapshot(t *testing.T) {
	e := mustParse(t, "r.old(x) > 0")
	assert.Empty(t, snapshots(e))
}

func TestParseExpr_Renames(t *testing.T) {
	env := &renderEnv{names: map[string]string{"self": "r", "ret": "_dbc_ret0"}}
	assert.Equal(t, "r.Min <= _dbc_ret0", renderString(t, mustParse(t, "self.Min <= ret"), env))
	// Selector fields and composite literal keys keep their names.
	assert.Equal(t, "x.ret == T{ret: _dbc_ret0}", renderString(t, mustParse(t, "x.ret == T{ret: ret}"), env))
}

func TestParseExpr_RenderDoesNotMutate(t *testing.T) {
	e := mustParse(t, "self.n > 0")
	env := &renderEnv{names: map[string]string{"self": "s"}}
	assert.Equal(t, "s.n > 0", renderString(t, e, env))
	assert.Equal(t, "self.n > 0", renderString(t, e, nil))
}

func TestParseExpr_GoSyntax(t *testing.T) {
	for _, src := range []string{
		"len(xs) > 0 && xs[0] == 'a'",
		`strings.HasPrefix(s, "x")`,
		"m[k] != nil",
		"func(v int) bool { return v > 0 }(n)",
		"v.(fmt.Stringer) != nil",
		"xs[1:len(xs)] != nil",
		"<-ch == 1",
	} {
		_, err := ParseExpr(src, testBase)
		assert.NoError(t, err, src)
	}
}

func TestParseExpr_Errors(t *testing.T) {
	tests := []struct {
		src   string
		token string
	}{
		{"a # b", "#"},
		{"old(a, b)", ","},
		{"old() > 0", "old"},
		{"a ->", ""},
		{"-> a", "->"},
		{"a - > b", ""},
		{"(a -> b", "("},
		{"a) > 0", ")"},
		{"", ""},
	}
	for _, tt := range tests {
		_, err := ParseExpr(tt.src, testBase)
		require.Error(t, err, tt.src)
		var pe *ParseError
		require.True(t, errors.As(err, &pe), "%q: error %T", tt.src, err)
		assert.Equal(t, testBase.Filename, pe.Pos.Filename, tt.src)
		assert.Equal(t, testBase.Line, pe.Pos.Line, tt.src)
		assert.GreaterOrEqual(t, pe.Pos.Column, testBase.Column, tt.src)
		if tt.token != "" {
			assert.Equal(t, tt.token, pe.Token, tt.src)
		}
	}
}

func TestParseExpr_ErrorColumn(t *testing.T) {
	_, err := ParseExpr("a > 0 && # b", testBase)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, testBase.Column+9, pe.Pos.Column)
	assert.Equal(t, testBase.Offset+9, pe.Pos.Offset)
	assert.Contains(t, pe.Error(), "range.go:12:19")
}

func TestFreeIdents_CompositeKeys(t *testing.T) {
	tests := []struct {
		src  string
		free []string
		not  []string
	}{
		{"len(map[int]bool{k: true}) == 1", []string{"len", "k"}, nil},
		{"[]int{i: 1}[0] == 1", []string{"i"}, nil},
		{"[3]int{i: 1} == a", []string{"i", "a"}, nil},
		{"map[string][]int{\"a\": {j: 1}} != nil", []string{"j"}, nil},
		{"T{k: v} == t", []string{"T", "v", "t"}, []string{"k"}},
		{"&T{k: v} != nil", []string{"v"}, []string{"k"}},
		{"map[T]int{{k: 1}: 2} != nil", []string{"T"}, []string{"k"}},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			free := freeIdents(mustParse(t, tt.src))
			for _, id := range tt.free {
				assert.True(t, free[id], "%s should be free in %v", id, free)
			}
			for _, id := range tt.not {
				assert.False(t, free[id], "%s is a field name", id)
			}
		})
	}
}

func TestParseExpr_RenamesMapKeys(t *testing.T) {
	env := &renderEnv{names: map[string]string{"k": "_dbc_arg0", "MaxLen": "api.MaxLen"}}
	assert.Equal(t, "map[int]bool{_dbc_arg0: true}[_dbc_arg0] && T{k: api.MaxLen}.k > 0",
		renderString(t, mustParse(t, "map[int]bool{k: true}[k] && T{k: MaxLen}.k > 0"), env))
}
