package dbc

import (
	"os"
	"path/filepath"
	"regexp"
)

// walkGoFiles walks root and calls fn for each non-test .go file that is
// not excluded by skipDirRe or .dbcignore.
//
// Nested .dbcignore files in subdirectories are supported: rules in a
// child directory apply only to that subtree.
func walkGoFiles(root string, fn func(path string) error) error {
	return walkSources(root, nil, fn)
}

// walkSources walks root under the source rules, calling onDir for every
// directory it descends into and onFile for every Go source file. Either
// callback may be nil.
func walkSources(root string, onDir, onFile func(path string) error) error {
	ig := NewIgnoreTree(root)

	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipDirRe.MatchString(d.Name()) {
				return filepath.SkipDir
			}
			if path != root && isModuleRoot(path) {
				return filepath.SkipDir // nested module
			}
			// Sync the ignore tree to the current position.
			ig.LeaveDir(path)
			if ig.Match(path, true) {
				return filepath.SkipDir
			}
			ig.EnterDir(path)
			if onDir != nil {
				return onDir(path)
			}
			return nil
		}
		if !goSourceRe.MatchString(d.Name()) || testFileRe.MatchString(d.Name()) {
			return nil
		}
		ig.LeaveDir(filepath.Dir(path))
		if ig.Match(path, false) || onFile == nil {
			return nil
		}
		return onFile(path)
	})
}

func isModuleRoot(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "go.mod"))
	return err == nil
}

// collectGoFiles returns all non-test .go file paths under root,
// respecting skipDirRe and .dbcignore.
func collectGoFiles(root string) ([]string, error) {
	var paths []string
	err := walkGoFiles(root, func(path string) error {
		paths = append(paths, path)
		return nil
	})
	return paths, err
}

// SourceDirs returns root and every directory below it that instrumentation
// would descend into. Watchers use it to follow the same tree.
func SourceDirs(root string) ([]string, error) {
	var dirs []string
	err := walkSources(root, func(dir string) error {
		dirs = append(dirs, dir)
		return nil
	}, nil)
	return dirs, err
}

// IsSourceFile reports whether a file name is instrumented when its
// directory is: a .go file that is not a test.
func IsSourceFile(name string) bool {
	return goSourceRe.MatchString(name) && !testFileRe.MatchString(name)
}

// ---------------------------------------------------------------------------
// Shared regex patterns
// ---------------------------------------------------------------------------

// skipDirRe matches directory names that should be skipped during scanning:
// hidden dirs (starting with .), vendor, testdata.
var skipDirRe = regexp.MustCompile(`^\.|^vendor$|^testdata$`)

// goSourceRe matches .go filenames.
var goSourceRe = regexp.MustCompile(`^.+\.go$`)

// testFileRe matches Go test files.
var testFileRe = regexp.MustCompile(`_test\.go$`)
