package dbc

import (
	"bytes"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"go/types"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rewriteSource collects, propagates and rewrites src the way the engine
// does, then type-checks the printed result against the runtime package.
func rewriteSource(t *testing.T, src string, cfg Config) string {
	t.Helper()
	tp := checkSource(t, src)
	pc, err := tp.collect(t, cfg.Policy())
	require.NoError(t, err)
	prop := &Propagator{Fset: tp.fset, Logger: discardLogger()}
	require.NoError(t, prop.Propagate([]*PackageContracts{pc}))

	var defs []*Definition
	for _, d := range pc.Defs {
		if !d.Clauses.Empty() {
			defs = append(defs, d)
		}
	}
	e := &Engine{Logger: discardLogger()}
	f := tp.files[0]
	_, err = e.rewriteFile(tp.fset, pc, f, defs)
	require.NoError(t, err)

	keepDirectiveComments(f)
	var buf bytes.Buffer
	cfgp := printer.Config{Mode: printer.UseSpaces | printer.TabIndent, Tabwidth: 8}
	require.NoError(t, cfgp.Fprint(&buf, tp.fset, f))
	out := buf.String()
	typeCheckOutput(t, out)
	return out
}

func typeCheckOutput(t *testing.T, src string) {
	t.Helper()
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "shadow.go", src, 0)
	require.NoError(t, err, src)
	conf := types.Config{Importer: testImporter{}}
	_, err = conf.Check(testPkgPath, fset, []*ast.File{f}, nil)
	require.NoError(t, err, src)
}

func TestRewrite_Constructor(t *testing.T) {
	out := rewriteSource(t, geomSrc, Config{})

	assert.Contains(t, out, `import "github.com/imnive-design/dbc/contract"`)
	assert.Contains(t, out, `if !(min <= max) {`)
	assert.Contains(t, out, `contract.Abort(contract.Violation{Kind: contract.Precondition, Func: "NewRange", Expr: "min <= max", Pos: "geom.go:8"})`)
	assert.Contains(t, out, `_dbc_ret0 := func() Range {`)
	assert.Contains(t, out, `if !(_dbc_ret0.Min == min) {`)
	// The type invariant talks about the constructed value.
	assert.Contains(t, out, `if !(_dbc_ret0.Min <= _dbc_ret0.Max) {`)
	assert.Contains(t, out, `Kind: contract.Invariant, Site: contract.Exit, Func: "NewRange", Expr: "self.Min <= self.Max", Message: "inverted range", Pos: "geom.go:5"`)
	assert.Contains(t, out, "return _dbc_ret0")
}

func TestRewrite_MethodInvariantAtBothSites(t *testing.T) {
	out := rewriteSource(t, geomSrc, Config{})
	assert.Contains(t, out, `if !(r.Min <= r.Max) {`)
	assert.Contains(t, out, `Site: contract.Entry, Func: "Range.Len"`)
	assert.Contains(t, out, `Site: contract.Exit, Func: "Range.Len"`)
	assert.Contains(t, out, `if contract.Debug && !(_dbc_ret0 < 1000) {`)

	// Postconditions run before the exit invariant.
	post := strings.Index(out, `Expr: "ret >= 0"`)
	exit := strings.Index(out, `Site: contract.Exit, Func: "Range.Len"`)
	require.Positive(t, post)
	assert.Less(t, post, exit)
}

func TestRewrite_PreconditionOnlyIsPrepended(t *testing.T) {
	out := rewriteSource(t, `package geom

// @pre n >= 0
func Sqrt(n int) int { return n / 2 }
`, Config{})
	assert.Contains(t, out, "if !(n >= 0) {")
	assert.Contains(t, out, "return n / 2")
	assert.NotContains(t, out, "func()")
}

func TestRewrite_SnapshotClonesSlices(t *testing.T) {
	out := rewriteSource(t, `package geom

type Stack struct{ items []int }

// @post len(self.items) == len(old(self.items)) + 1
// @post old(len(self.items)) < len(self.items)
func (s *Stack) Push(v int) { s.items = append(s.items, v) }
`, Config{})
	assert.Contains(t, out, `"slices"`)
	assert.Contains(t, out, "_dbc_old0 := slices.Clone(s.items)")
	assert.Contains(t, out, "_dbc_old1 := len(s.items)")
	assert.Contains(t, out, "if !(len(s.items) == len(_dbc_old0)+1) {")
	assert.Contains(t, out, "if !(_dbc_old1 < len(s.items)) {")
	assert.Contains(t, out, "}()")
	assert.NotContains(t, out, "return _dbc")
}

func TestRewrite_SnapshotClonesMaps(t *testing.T) {
	out := rewriteSource(t, `package geom

type Index map[string]int

// @post len(idx) >= len(old(idx))
func Put(idx Index, k string) { idx[k]++ }
`, Config{})
	assert.Contains(t, out, "_dbc_old0 := maps.Clone(idx)")
	assert.Contains(t, out, `"maps"`)
}

func TestRewrite_ErrorPathSkipsPostconditions(t *testing.T) {
	out := rewriteSource(t, `package geom

type parseError struct{}

func (parseError) Error() string { return "empty" }

// @post ret0 > 0
// @post ret0 < 100, "too long"
func Parse(s string) (int, error) {
	if s == "" {
		return 0, parseError{}
	}
	return len(s), nil
}
`, Config{})
	assert.Contains(t, out, "_dbc_ret0, _dbc_ret1 := func() (int, error) {")
	assert.Equal(t, 1, strings.Count(out, "if _dbc_ret1 == nil {"), "guards are merged")
	assert.Contains(t, out, "return _dbc_ret0, _dbc_ret1")
}

func TestRewrite_ConstructorInvariantSkippedOnError(t *testing.T) {
	out := rewriteSource(t, `package geom

type parseError struct{}

func (parseError) Error() string { return "bad" }

// @invariant self.n >= 0
type Counter struct{ n int }

func NewCounter(n int) (*Counter, error) {
	if n < 0 {
		return nil, parseError{}
	}
	return &Counter{n}, nil
}

func (c *Counter) Add(d int) error {
	if c.n+d < 0 {
		return parseError{}
	}
	c.n += d
	return nil
}
`, Config{})
	ctor := out[strings.Index(out, "func NewCounter"):strings.Index(out, "func (c *Counter) Add")]
	assert.Contains(t, ctor, "if _dbc_ret1 == nil {")
	assert.Contains(t, ctor, "if !(_dbc_ret0.n >= 0) {")

	// Methods keep the invariant even when they fail.
	add := out[strings.Index(out, "func (c *Counter) Add"):]
	assert.NotContains(t, add, "== nil {")
	assert.Equal(t, 2, strings.Count(add, "if !(c.n >= 0) {"))
}

func TestRewrite_NamedResults(t *testing.T) {
	out := rewriteSource(t, `package geom

// @post n >= 0
// @post ret == n
func Count(xs []int) (n int) {
	n = len(xs)
	return
}
`, Config{})
	assert.Contains(t, out, "n = func() (n int) {")
	assert.Contains(t, out, "if !(n == n) {")
	assert.Contains(t, out, "return n\n")
}

func TestRewrite_BlankResultRenamed(t *testing.T) {
	out := rewriteSource(t, `package geom

// @post ret0 > 0
func Two() (_ int, ok bool) { return 2, true }
`, Config{})
	assert.Contains(t, out, "func Two() (_dbc_ret0 int, ok bool) {")
	assert.Contains(t, out, "_dbc_ret0, ok = func() (_ int, ok bool) {")
}

func TestRewrite_UnnamedReceiver(t *testing.T) {
	out := rewriteSource(t, `package geom

type Level int

// @pre self >= 0
func (Level) Valid() bool { return true }
`, Config{})
	assert.Contains(t, out, "func (_dbc_recv Level) Valid() bool {")
	assert.Contains(t, out, "if !(_dbc_recv >= 0) {")
}

func TestRewrite_Implication(t *testing.T) {
	out := rewriteSource(t, `package geom

// @post ret -> x > 0
func Positive(x int) bool { return x > 0 }
`, Config{})
	assert.Contains(t, out, "if !(!(_dbc_ret0) || (x > 0)) {")
	assert.Contains(t, out, `Expr: "ret -> x > 0"`)
}

func TestRewrite_Gates(t *testing.T) {
	src := `package geom

// @debug_pre x > 0
// @test_pre x < 10
// @pre x != 5
func Gate(x int) {}
`
	out := rewriteSource(t, src, Config{})
	assert.Contains(t, out, "if contract.Debug && !(x > 0) {")
	assert.Contains(t, out, "if contract.UnderTest() && !(x < 10) {")
	assert.Contains(t, out, "if !(x != 5) {")
	assert.NotContains(t, out, "contract.Log(")

	out = rewriteSource(t, src, Config{OverrideLog: true, OverrideDebug: true})
	assert.NotContains(t, out, "contract.Log(")
	assert.Contains(t, out, "if contract.Debug && !(x != 5) {")
	assert.Contains(t, out, "if contract.UnderTest() && !(x < 10) {")
	assert.Equal(t, 3, strings.Count(out, "contract.Abort("))

	out = rewriteSource(t, src, Config{OverrideLog: true})
	assert.Contains(t, out, "if contract.UnderTest() && !(x < 10) {")
	assert.Equal(t, 1, strings.Count(out, "contract.Abort("))
	assert.Equal(t, 2, strings.Count(out, "contract.Log("))
}

func TestRewrite_Disabled(t *testing.T) {
	out := rewriteSource(t, geomSrc, Config{Disable: true})
	assert.NotContains(t, out, "contract")
	assert.NotContains(t, out, "_dbc_")
}

func TestRewrite_RuntimeNameTaken(t *testing.T) {
	out := rewriteSource(t, `package geom

var contract = "taken"

// @pre len(contract) > 0
func Use() {}
`, Config{})
	assert.Contains(t, out, `_dbc_contract "github.com/imnive-design/dbc/contract"`)
	assert.Contains(t, out, "_dbc_contract.Abort(_dbc_contract.Violation{")
}

func TestRewrite_KeepsOriginalDecl(t *testing.T) {
	tp := checkSource(t, geomSrc)
	pc := tp.mustCollect(t)
	d := def(t, pc, "NewRange")
	before := printNode(t, tp.fset, d.Decl)

	rw := &Rewriter{Fset: tp.fset, Resolver: pc.Resolver}
	out, err := rw.Rewrite(d.Decl, d.Clauses)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.NotSame(t, d.Decl, out.Decl)
	assert.Equal(t, before, printNode(t, tp.fset, d.Decl))
}

func TestRewrite_NoActiveChecks(t *testing.T) {
	tp := checkSource(t, geomSrc)
	pc, err := tp.collect(t, NewPolicy(Config{Disable: true}))
	require.NoError(t, err)
	d := def(t, pc, "NewRange")
	out, err := (&Rewriter{Fset: tp.fset}).Rewrite(d.Decl, d.Clauses)
	require.NoError(t, err)
	assert.False(t, out.Changed)
	assert.Same(t, d.Decl, out.Decl)
}

func TestRewrite_Position(t *testing.T) {
	rw := &Rewriter{Root: "/src/app"}
	assert.Equal(t, "geom/range.go:7", rw.position(token.Position{Filename: "/src/app/geom/range.go", Line: 7}))
	rw = &Rewriter{}
	assert.Equal(t, "range.go:7", rw.position(token.Position{Filename: "/src/app/geom/range.go", Line: 7}))
}

func TestRewrite_NamedMapKeysFollowRenames(t *testing.T) {
	src := `package geom

type Set map[int]bool

type Pair struct{ k, v int }

// @contract_interface
type Adder interface {
	// @pre len(Set{k: true}) == 1 && Pair{k: k}.k == k
	Add(k int)
}

type S struct{}

func (S) Add(n int) {}
`
	pc := checkSource(t, src).mustCollect(t)
	assert.True(t, freeIdents(pc.Interfaces[0].Methods[0].Clauses[0].Expr)["k"])

	out := rewriteSource(t, src, Config{})
	assert.Contains(t, out, "if !(len(Set{n: true}) == 1 && Pair{k: n}.k == n) {")
}
