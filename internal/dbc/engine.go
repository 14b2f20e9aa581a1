package dbc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/printer"
	"go/token"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/mod/modfile"
	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/go/ast/astutil"
	"golang.org/x/tools/go/packages"
)

// RuntimeModule is the module providing RuntimeImportPath.
const RuntimeModule = "github.com/imnive-design/dbc"

// OverlayFileName is written into the cache directory.
const OverlayFileName = "overlay.json"

var tracer = otel.Tracer("github.com/imnive-design/dbc/internal/dbc")

// Overlay represents the go build -overlay JSON format.
type Overlay struct {
	Replace map[string]string `json:"Replace"`
}

// Stats summarises one run.
type Stats struct {
	Packages    int // packages loaded
	Definitions int // definitions carrying active checks
	Files       int // shadow files produced
}

// Engine is the core processor: it loads the packages under Root, collects
// and propagates contracts, rewrites the annotated definitions and produces
// overlay mappings for `go build -overlay`.
type Engine struct {
	Root     string // project root directory, holding go.mod
	CacheDir string // shadow files and overlay.json
	Config   Config
	Logger   *slog.Logger
	DryRun   bool // do everything except writing files
	Overlay  Overlay
	Stats    Stats

	mu sync.Mutex // guards Overlay and Stats.Files during shadow writing
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the switches of the run.
func WithConfig(cfg Config) Option { return func(e *Engine) { e.Config = cfg } }

// WithLogger sets the engine's logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.Logger = l } }

// WithDryRun makes Run validate without writing.
func WithDryRun(dry bool) Option { return func(e *Engine) { e.DryRun = dry } }

// NewEngine creates a new Engine rooted at the given directory. Run rejects
// an empty root; pass "." for the working directory.
func NewEngine(root string, opts ...Option) *Engine {
	e := &Engine{
		Root:    root,
		Overlay: Overlay{Replace: make(map[string]string)},
	}
	for _, opt := range opts {
		opt(e)
	}
	cache := e.Config.CacheDir
	if cache == "" {
		cache = DefaultCacheDir
	}
	e.CacheDir = filepath.Join(root, cache)
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	return e
}

// Check runs the pipeline without writing shadow files or the overlay.
func (e *Engine) Check(ctx context.Context) error {
	e.DryRun = true
	return e.Run(ctx)
}

// loaded pairs a package with what was collected from it.
type loaded struct {
	pkg       *packages.Package
	contracts *PackageContracts
}

// shadowJob is one rewritten file waiting to be printed.
type shadowJob struct {
	file *ast.File
	path string
}

// Run executes the full pipeline: load -> collect -> propagate -> rewrite ->
// write overlay. Parse and propagation errors of every package are
// returned together.
func (e *Engine) Run(ctx context.Context) (err error) {
	ctx, span := tracer.Start(ctx, "dbc.Engine.Run",
		trace.WithAttributes(attribute.String("dbc.root", e.Root), attribute.Bool("dbc.dry_run", e.DryRun)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if e.Root == "" {
		return errors.New("dbc: empty root directory")
	}
	if err := e.Config.Validate(); err != nil {
		return fmt.Errorf("dbc: config: %w", err)
	}
	if e.Root, err = filepath.Abs(e.Root); err != nil {
		return fmt.Errorf("dbc: abs root: %w", err)
	}
	e.Root = canonical(e.Root)
	if e.CacheDir, err = filepath.Abs(e.CacheDir); err != nil {
		return fmt.Errorf("dbc: abs cache dir: %w", err)
	}
	e.Overlay = Overlay{Replace: make(map[string]string)}
	e.Stats = Stats{}

	if err := e.checkModule(); err != nil {
		return err
	}

	files, err := collectGoFiles(e.Root)
	if err != nil {
		return fmt.Errorf("dbc: walk %s: %w", e.Root, err)
	}
	selected := make(map[string]bool, len(files))
	dirs := map[string]bool{}
	for _, f := range files {
		selected[canonical(f)] = true
		dirs[filepath.Dir(f)] = true
	}
	if len(dirs) == 0 {
		e.Logger.Info("no Go files found", slog.String("root", e.Root))
		return e.writeOverlay()
	}

	fset := token.NewFileSet()
	pkgs, err := e.load(ctx, fset, dirs)
	if err != nil {
		return err
	}
	e.Stats.Packages = len(pkgs)

	// Collect.
	collector := &Collector{Fset: fset, Policy: e.Config.Policy(), Logger: e.Logger}
	var all []loaded
	var contracts []*PackageContracts
	var errs []error
	for _, pkg := range pkgs {
		for _, perr := range pkg.Errors {
			e.Logger.Warn("package has errors", slog.String("pkg", pkg.PkgPath), slog.String("error", perr.Error()))
		}
		if len(pkg.Syntax) == 0 {
			continue
		}
		pc, err := collector.Collect(pkg.PkgPath, pkg.Syntax, pkg.Types, pkg.TypesInfo)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		all = append(all, loaded{pkg: pkg, contracts: pc})
		contracts = append(contracts, pc)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	// Propagate.
	prop := &Propagator{Fset: fset, Logger: e.Logger}
	if err := prop.Propagate(contracts); err != nil {
		return err
	}

	// Rewrite. Type queries are not safe to run concurrently, so rewriting is
	// sequential and only printing fans out.
	var jobs []shadowJob
	for _, l := range all {
		byFile := map[*ast.File][]*Definition{}
		for _, def := range l.contracts.Defs {
			if !def.Clauses.Empty() {
				byFile[def.File] = append(byFile[def.File], def)
			}
		}
		for _, f := range l.pkg.Syntax {
			path := fset.Position(f.Package).Filename
			if !selected[canonical(path)] || len(byFile[f]) == 0 {
				continue
			}
			changed, err := e.rewriteFile(fset, l.contracts, f, byFile[f])
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if changed {
				jobs = append(jobs, shadowJob{file: f, path: path})
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("dbc.definitions", e.Stats.Definitions), attribute.Int("dbc.files", len(jobs)))

	if e.DryRun {
		e.Logger.Info("contracts checked",
			slog.Int("packages", e.Stats.Packages),
			slog.Int("definitions", e.Stats.Definitions),
			slog.Int("files", len(jobs)))
		return nil
	}

	if err := os.MkdirAll(e.CacheDir, 0o755); err != nil {
		return fmt.Errorf("dbc: create cache dir: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return e.writeShadow(fset, job.file, job.path)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return e.writeOverlay()
}

// checkModule requires a go.mod at the root and warns when the module cannot
// resolve the runtime package the shadow files import.
func (e *Engine) checkModule() error {
	path := filepath.Join(e.Root, "go.mod")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("dbc: read go.mod: %w", err)
	}
	mf, err := modfile.ParseLax(path, data, nil)
	if err != nil {
		return fmt.Errorf("dbc: parse go.mod: %w", err)
	}
	if mf.Module == nil {
		return fmt.Errorf("dbc: %s has no module directive", path)
	}
	if mf.Module.Mod.Path == RuntimeModule {
		return nil
	}
	for _, r := range mf.Require {
		if r.Mod.Path == RuntimeModule {
			return nil
		}
	}
	e.Logger.Warn("go.mod does not require the contract runtime; overlay builds will fail to resolve it",
		slog.String("module", mf.Module.Mod.Path),
		slog.String("require", RuntimeModule))
	return nil
}

// load type-checks every package directory from source. Root packages share
// one type universe, so interfaces and implementations in different
// packages are comparable.
func (e *Engine) load(ctx context.Context, fset *token.FileSet, dirs map[string]bool) ([]*packages.Package, error) {
	ctx, span := tracer.Start(ctx, "dbc.Engine.load")
	defer span.End()

	patterns := make([]string, 0, len(dirs))
	for dir := range dirs {
		rel, err := filepath.Rel(e.Root, dir)
		if err != nil {
			return nil, fmt.Errorf("dbc: rel %s: %w", dir, err)
		}
		if rel == "." {
			patterns = append(patterns, ".")
			continue
		}
		patterns = append(patterns, "./"+filepath.ToSlash(rel))
	}
	sort.Strings(patterns)

	cfg := &packages.Config{
		Context: ctx,
		Dir:     e.Root,
		Fset:    fset,
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax |
			packages.NeedTypes | packages.NeedTypesInfo | packages.NeedImports,
	}
	pkgs, err := packages.Load(cfg, patterns...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("dbc: load packages: %w", err)
	}
	sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].PkgPath < pkgs[j].PkgPath })
	span.SetAttributes(attribute.Int("dbc.packages", len(pkgs)))
	e.Logger.Debug("packages loaded", slog.Int("count", len(pkgs)), slog.Any("patterns", patterns))
	return pkgs, nil
}

// rewriteFile replaces the annotated declarations of f in place and adds
// the imports they need.
func (e *Engine) rewriteFile(fset *token.FileSet, pc *PackageContracts, f *ast.File, defs []*Definition) (bool, error) {
	rt := runtimeIdent(f, pc.Types)
	rw := &Rewriter{Fset: fset, Resolver: pc.Resolver, Runtime: rt, Root: e.Root}

	index := make(map[*ast.FuncDecl]int, len(f.Decls))
	for i, d := range f.Decls {
		if fd, ok := d.(*ast.FuncDecl); ok {
			index[fd] = i
		}
	}

	changed := false
	imports := map[string]bool{}
	var errs []error
	for _, def := range defs {
		out, err := rw.Rewrite(def.Decl, def.Clauses)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !out.Changed {
			continue
		}
		f.Decls[index[def.Decl]] = out.Decl
		changed = true
		e.Stats.Definitions++
		for _, imp := range out.Imports {
			imports[imp] = true
		}
		e.Logger.Debug("definition rewritten",
			slog.String("pkg", pc.Path),
			slog.String("func", def.Clauses.Func))
	}
	if !changed {
		return false, errors.Join(errs...)
	}

	if rt == "contract" {
		astutil.AddImport(fset, f, RuntimeImportPath)
	} else {
		astutil.AddNamedImport(fset, f, rt, RuntimeImportPath)
	}
	for _, imp := range sortedKeys(imports) {
		astutil.AddImport(fset, f, imp)
	}
	return true, errors.Join(errs...)
}

// writeShadow prints f into a content-addressed shadow file and maps it.
func (e *Engine) writeShadow(fset *token.FileSet, f *ast.File, absPath string) error {
	origLines, err := readLines(absPath)
	if err != nil {
		return fmt.Errorf("dbc: read original %s: %w", absPath, err)
	}

	keepDirectiveComments(f)

	var buf bytes.Buffer
	cfg := printer.Config{Mode: printer.UseSpaces | printer.TabIndent, Tabwidth: 8}
	if err := cfg.Fprint(&buf, fset, f); err != nil {
		return fmt.Errorf("dbc: print shadow for %s: %w", absPath, err)
	}

	// Map generated lines back to the original source.
	shadowContent := injectLineDirectives(buf.String(), origLines, absPath)

	hash := contentHash(shadowContent)
	base := strings.TrimSuffix(filepath.Base(absPath), ".go")
	shadowPath := filepath.Join(e.CacheDir, fmt.Sprintf("%s_%s.go", base, hash[:12]))
	if err := os.WriteFile(shadowPath, []byte(shadowContent), 0o644); err != nil {
		return fmt.Errorf("dbc: write shadow %s: %w", shadowPath, err)
	}

	e.mu.Lock()
	e.Overlay.Replace[absPath] = shadowPath
	e.Stats.Files++
	e.mu.Unlock()
	return nil
}

// writeOverlay writes overlay.json and removes shadow files no longer
// mapped. With nothing to map, a stale overlay.json is removed instead.
func (e *Engine) writeOverlay() error {
	path := e.OverlayPath()
	if len(e.Overlay.Replace) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("dbc: remove stale overlay: %w", err)
		}
		e.pruneShadows()
		e.Logger.Info("no contracts to weave; overlay not written", slog.String("root", e.Root))
		return nil
	}

	data, err := json.MarshalIndent(e.Overlay, "", "  ")
	if err != nil {
		return fmt.Errorf("dbc: marshal overlay: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("dbc: write %s: %w", OverlayFileName, err)
	}
	e.pruneShadows()

	e.Logger.Info("overlay written",
		slog.String("path", path),
		slog.Int("files", len(e.Overlay.Replace)),
		slog.Int("definitions", e.Stats.Definitions))
	return nil
}

// OverlayPath is the overlay.json location for this engine.
func (e *Engine) OverlayPath() string {
	return filepath.Join(e.CacheDir, OverlayFileName)
}

func (e *Engine) pruneShadows() {
	live := make(map[string]bool, len(e.Overlay.Replace))
	for _, shadow := range e.Overlay.Replace {
		live[shadow] = true
	}
	entries, err := os.ReadDir(e.CacheDir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		p := filepath.Join(e.CacheDir, ent.Name())
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".go") || live[p] {
			continue
		}
		if err := os.Remove(p); err != nil {
			e.Logger.Warn("remove stale shadow", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}

// canonical resolves symlinks so walked paths compare equal to the paths
// reported by the go command.
func canonical(path string) string {
	if p, err := filepath.EvalSymlinks(path); err == nil {
		return p
	}
	return path
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
