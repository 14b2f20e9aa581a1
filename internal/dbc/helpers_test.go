package dbc

import (
	"bytes"
	"go/ast"
	"go/build"
	"go/importer"
	"go/parser"
	"go/printer"
	"go/token"
	"go/types"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testPkgPath = "example.com/geom"

// testPackage is a parsed and type-checked in-memory package.
type testPackage struct {
	path  string
	fset  *token.FileSet
	files []*ast.File
	pkg   *types.Package
	info  *types.Info
}

func newInfo() *types.Info {
	return &types.Info{
		Types:      map[ast.Expr]types.TypeAndValue{},
		Defs:       map[*ast.Ident]types.Object{},
		Uses:       map[*ast.Ident]types.Object{},
		Selections: map[*ast.SelectorExpr]*types.Selection{},
		Scopes:     map[ast.Node]*types.Scope{},
		Implicits:  map[ast.Node]types.Object{},
	}
}

var (
	stdImporter = importer.Default()

	runtimeOnce sync.Once
	runtimePkg  *types.Package
	runtimeErr  error
)

// testImporter resolves the contract runtime from the sources of this
// repository and everything else from the standard library.
type testImporter struct{}

func (testImporter) Import(path string) (*types.Package, error) {
	if path == RuntimeImportPath {
		runtimeOnce.Do(loadRuntime)
		return runtimePkg, runtimeErr
	}
	return stdImporter.Import(path)
}

// pkgImporter resolves the listed packages and defers to testImporter for
// the rest.
type pkgImporter map[string]*types.Package

func (m pkgImporter) Import(path string) (*types.Package, error) {
	if pkg, ok := m[path]; ok {
		return pkg, nil
	}
	return testImporter{}.Import(path)
}

func loadRuntime() {
	dir := filepath.Join("..", "..", "contract")
	matches, err := filepath.Glob(filepath.Join(dir, "*.go"))
	if err != nil {
		runtimeErr = err
		return
	}
	fset := token.NewFileSet()
	var files []*ast.File
	for _, m := range matches {
		name := filepath.Base(m)
		if strings.HasSuffix(name, "_test.go") {
			continue
		}
		if ok, err := build.Default.MatchFile(dir, name); err != nil || !ok {
			continue
		}
		f, err := parser.ParseFile(fset, m, nil, 0)
		if err != nil {
			runtimeErr = err
			return
		}
		files = append(files, f)
	}
	conf := types.Config{Importer: stdImporter}
	runtimePkg, runtimeErr = conf.Check(RuntimeImportPath, fset, files, nil)
}

// checkSources parses and type-checks the given files as one package.
// Keys are file names.
func checkSources(t *testing.T, srcs map[string]string) *testPackage {
	t.Helper()
	return checkPackage(t, token.NewFileSet(), testPkgPath, testImporter{}, srcs)
}

// checkPackage is checkSources with an explicit file set, import path and
// importer, for tests spanning several packages.
func checkPackage(t *testing.T, fset *token.FileSet, path string, imp types.Importer, srcs map[string]string) *testPackage {
	t.Helper()
	names := make([]string, 0, len(srcs))
	for name := range srcs {
		names = append(names, name)
	}
	sort.Strings(names)

	tp := &testPackage{path: path, fset: fset, info: newInfo()}
	for _, name := range names {
		f, err := parser.ParseFile(tp.fset, name, srcs[name], parser.ParseComments)
		require.NoError(t, err, name)
		tp.files = append(tp.files, f)
	}
	conf := types.Config{Importer: imp}
	pkg, err := conf.Check(path, tp.fset, tp.files, tp.info)
	require.NoError(t, err)
	tp.pkg = pkg
	return tp
}

func checkSource(t *testing.T, src string) *testPackage {
	t.Helper()
	return checkSources(t, map[string]string{"geom.go": src})
}

// parseOnly parses src without type information.
func parseOnly(t *testing.T, src string) *testPackage {
	t.Helper()
	tp := &testPackage{path: testPkgPath, fset: token.NewFileSet()}
	f, err := parser.ParseFile(tp.fset, "geom.go", src, parser.ParseComments)
	require.NoError(t, err)
	tp.files = []*ast.File{f}
	return tp
}

func (tp *testPackage) collect(t *testing.T, policy Policy) (*PackageContracts, error) {
	t.Helper()
	c := &Collector{Fset: tp.fset, Policy: policy, Logger: discardLogger()}
	return c.Collect(tp.path, tp.files, tp.pkg, tp.info)
}

func (tp *testPackage) mustCollect(t *testing.T) *PackageContracts {
	t.Helper()
	pc, err := tp.collect(t, DefaultPolicy())
	require.NoError(t, err)
	return pc
}

// def returns the collected definition named like ClauseSet.Func.
func def(t *testing.T, pc *PackageContracts, name string) *Definition {
	t.Helper()
	for _, d := range pc.Defs {
		if d.Clauses.Func == name {
			return d
		}
	}
	t.Fatalf("definition %s not collected", name)
	return nil
}

func printNode(t *testing.T, fset *token.FileSet, n any) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, printer.Fprint(&buf, fset, n))
	return buf.String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordLogger logs to buf at debug level.
func recordLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
