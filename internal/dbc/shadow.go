package dbc

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"go/ast"
	"go/scanner"
	"go/token"
	"go/types"
	"os"
	"path"
	"strconv"
	"strings"
)

// maxResync bounds how many reformatted code lines the line mapper skips
// while looking for the next original line.
const maxResync = 8

// keepDirectiveComments drops every comment from f except those the
// compiler reads: everything above the package clause (build constraints),
// the cgo preamble and //go: or //export directives. Comments left in the
// file would be displaced into the generated code by go/printer.
func keepDirectiveComments(f *ast.File) {
	cgo := map[*ast.CommentGroup]bool{}
	for _, decl := range f.Decls {
		gd, ok := decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.IMPORT {
			continue
		}
		for _, spec := range gd.Specs {
			if is := spec.(*ast.ImportSpec); is.Path.Value == `"C"` {
				if gd.Doc != nil {
					cgo[gd.Doc] = true
				}
				if is.Doc != nil {
					cgo[is.Doc] = true
				}
			}
		}
	}

	kept := []*ast.CommentGroup{} // non-nil: node comments must not be printed
	for _, cg := range f.Comments {
		if cg.End() < f.Package || cgo[cg] {
			kept = append(kept, cg)
			continue
		}
		var list []*ast.Comment
		for _, c := range cg.List {
			if strings.HasPrefix(c.Text, "//go:") || strings.HasPrefix(c.Text, "//export ") {
				list = append(list, c)
			}
		}
		if len(list) > 0 {
			kept = append(kept, &ast.CommentGroup{List: list})
		}
	}
	f.Comments = kept
}

// runtimeIdent picks the local name of the runtime package in f: "contract"
// unless that name is already taken by another import or a package-level
// declaration.
func runtimeIdent(f *ast.File, pkg *types.Package) string {
	const name = "contract"
	for _, imp := range f.Imports {
		p, _ := strconv.Unquote(imp.Path.Value)
		local := path.Base(p)
		if imp.Name != nil {
			local = imp.Name.Name
		}
		if local != name {
			continue
		}
		if p == RuntimeImportPath {
			return name
		}
		return "_dbc_contract"
	}
	if pkg != nil && pkg.Scope().Lookup(name) != nil {
		return "_dbc_contract"
	}
	return name
}

// contentHash returns a hex-encoded SHA-256 hash of the content.
func contentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// readLines reads a file and returns its lines (without newlines).
func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

// injectLineDirectives compares the shadow output with the original source
// lines and inserts `//line` directives wherever the compiler's line counter
// would drift from the original file.
//
// Shadow lines are matched in order against the original. Comment lines and
// blank lines of the original are skipped while resyncing, as are a few
// reformatted lines. Generated lines match nothing and pass through; the
// next matching line snaps the counter back. No directive is placed inside
// a multi-line raw string.
func injectLineDirectives(shadow string, origLines []string, absPath string) string {
	shadowLines := strings.Split(shadow, "\n")
	protected := rawStringLines(shadow)

	origIdx := 0
	next := 1 // line number the compiler gives the next emitted line
	result := make([]string, 0, len(shadowLines)+16)
	for i, sLine := range shadowLines {
		trimmed := strings.TrimSpace(sLine)
		if trimmed != "" && !protected[i] {
			if j, ok := resync(trimmed, origLines, origIdx); ok {
				if next != j+1 {
					result = append(result, fmt.Sprintf("//line %s:%d", absPath, j+1))
					next = j + 1
				}
				origIdx = j + 1
			}
		}
		result = append(result, sLine)
		next++
	}
	return strings.Join(result, "\n")
}

// resync finds the original line matching trimmed at or after from.
func resync(trimmed string, origLines []string, from int) (int, bool) {
	skipped := 0
	for j := from; j < len(origLines); j++ {
		ot := strings.TrimSpace(origLines[j])
		if ot == trimmed {
			return j, true
		}
		if ot == "" || strings.HasPrefix(ot, "//") {
			continue
		}
		skipped++
		if len(trimmed) < 8 || skipped > maxResync {
			return 0, false
		}
	}
	return 0, false
}

// rawStringLines returns the 0-based indexes of lines that continue a
// multi-line raw string literal in src.
func rawStringLines(src string) map[int]bool {
	out := map[int]bool{}
	fset := token.NewFileSet()
	file := fset.AddFile("", -1, len(src))
	var s scanner.Scanner
	s.Init(file, []byte(src), nil, 0)
	for {
		pos, tok, lit := s.Scan()
		if tok == token.EOF {
			break
		}
		if tok != token.STRING || !strings.HasPrefix(lit, "`") {
			continue
		}
		n := strings.Count(lit, "\n")
		start := file.Line(pos) // 1-based; its index is start-1
		for k := 0; k < n; k++ {
			out[start+k] = true
		}
	}
	return out
}
