package dbc

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// IgnoreFileName is read in every directory of the walked tree.
const IgnoreFileName = ".dbcignore"

// ignorePattern is one line of a .dbcignore file.
type ignorePattern struct {
	glob    string
	dirOnly bool // trailing "/"
	hasPath bool // contains "/": matched against the relative path
}

// IgnoreList holds the patterns of one .dbcignore file. Paths given to
// Match are relative to the directory holding the file, slash separated.
//
//	*.pb.go          basename glob, any depth, files and dirs
//	example/         directories named example, any depth
//	internal/legacy  that path and everything under it
//
// Blank lines and lines starting with # are ignored.
type IgnoreList struct {
	patterns []ignorePattern
}

// LoadIgnore reads dir/.dbcignore. It returns nil when the file is missing
// or holds no patterns.
func LoadIgnore(dir string) *IgnoreList {
	f, err := os.Open(filepath.Join(dir, IgnoreFileName))
	if err != nil {
		return nil
	}
	defer f.Close()

	var list IgnoreList
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p := ignorePattern{}
		if strings.HasSuffix(line, "/") {
			p.dirOnly = true
			line = strings.TrimRight(line, "/")
		}
		line = strings.TrimPrefix(line, "/")
		if line == "" {
			continue
		}
		p.hasPath = strings.Contains(line, "/")
		p.glob = line
		list.patterns = append(list.patterns, p)
	}
	if len(list.patterns) == 0 {
		return nil
	}
	return &list
}

// Match reports whether rel is excluded. A nil list matches nothing.
func (l *IgnoreList) Match(rel string, isDir bool) bool {
	if l == nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, p := range l.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		if p.hasPath {
			if ok, _ := path.Match(p.glob, rel); ok {
				return true
			}
			if !p.dirOnly && strings.HasPrefix(rel, p.glob+"/") {
				return true
			}
			continue
		}
		if ok, _ := path.Match(p.glob, path.Base(rel)); ok {
			return true
		}
	}
	return false
}

// IgnoreTree tracks the .dbcignore files of the directories enclosing the
// current walk position. Rules of a nested file apply to its subtree only.
type IgnoreTree struct {
	stack []ignoreLevel
}

type ignoreLevel struct {
	dir  string
	list *IgnoreList
}

// NewIgnoreTree returns an empty tree. The walk enters root like any other
// directory.
func NewIgnoreTree(root string) *IgnoreTree {
	return &IgnoreTree{}
}

// EnterDir loads dir's ignore file, if any.
func (t *IgnoreTree) EnterDir(dir string) {
	if list := LoadIgnore(dir); list != nil {
		t.stack = append(t.stack, ignoreLevel{dir: dir, list: list})
	}
}

// LeaveDir drops the levels that do not enclose p.
func (t *IgnoreTree) LeaveDir(p string) {
	for len(t.stack) > 0 {
		top := t.stack[len(t.stack)-1]
		if p == top.dir || strings.HasPrefix(p, top.dir+string(filepath.Separator)) {
			return
		}
		t.stack = t.stack[:len(t.stack)-1]
	}
}

// Match reports whether any enclosing ignore file excludes p.
func (t *IgnoreTree) Match(p string, isDir bool) bool {
	for _, lvl := range t.stack {
		rel, err := filepath.Rel(lvl.dir, p)
		if err != nil || rel == "." {
			continue
		}
		if lvl.list.Match(rel, isDir) {
			return true
		}
	}
	return false
}
