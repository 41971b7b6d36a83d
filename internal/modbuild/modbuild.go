// Package modbuild builds a module package into a Go plugin the engine can
// load.
//
// The Go runtime refuses to load two plugins with the same package path, so
// every build copies the package into a uniquely named sibling directory,
// rewrites its import paths and turns its root package into package main
// before running go build.
package modbuild

import (
	"bytes"
	"errors"
	"fmt"
	"go/types"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/edwingeng/hotreload/internal/hutils"
	"github.com/edwingeng/slog"
	"golang.org/x/tools/go/packages"
)

const (
	exportSymbol = "ReloadAPI"
	tableType    = "github.com/edwingeng/hotreload.APITable"
)

type Options struct {
	// ModuleDir is the directory of the module package.
	ModuleDir string
	// Output is the path of the plugin file to produce.
	Output string
	// BuildFlags are appended to the go build command line.
	BuildFlags []string
	TrimPath   bool
	LeaveTemps bool
	// Include matches non-Go files to copy along with the sources.
	Include *regexp.Regexp
	// SkipExportCheck skips verifying that the package exports ReloadAPI.
	SkipExportCheck bool
	Log             slog.Logger
}

type Result struct {
	Output  string
	TmpDir  string
	PkgPath string
	Command []string
	Took    time.Duration
}

type builder struct {
	Options
	pkgPath    string
	tmpDir     string
	tmpPkgPath string
}

// Build builds opts.ModuleDir into opts.Output.
func Build(opts Options) (*Result, error) {
	start := time.Now()
	if opts.Log == nil {
		opts.Log = slog.NewDumbLogger()
	}
	if err := hutils.FindDirectory(opts.ModuleDir, "ModuleDir"); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.Output) == "" {
		return nil, errors.New("Output cannot be empty")
	}
	if _, err := exec.LookPath("go"); err != nil {
		return nil, err
	}

	b := &builder{Options: opts}
	var err error
	if b.ModuleDir, err = filepath.Abs(b.ModuleDir); err != nil {
		return nil, err
	}
	if b.Output, err = filepath.Abs(b.Output); err != nil {
		return nil, err
	}
	if _, b.pkgPath, err = hutils.PackageFromDirectory(b.ModuleDir); err != nil {
		return nil, fmt.Errorf("failed to determine the package path. err: %w", err)
	}

	if !b.SkipExportCheck {
		if err := CheckExport(b.ModuleDir); err != nil {
			return nil, err
		}
	}

	base := filepath.Base(b.ModuleDir)
	now := time.Now()
	tmpDirName := fmt.Sprintf("%s_%s%06d", base, now.Format(hutils.CompactDateTimeFormat), now.Nanosecond()/1000)
	b.tmpDir = filepath.Join(filepath.Dir(b.ModuleDir), tmpDirName)
	b.tmpPkgPath = path.Join(path.Dir(b.pkgPath), tmpDirName)
	if !b.LeaveTemps {
		defer func() {
			_ = os.RemoveAll(b.tmpDir)
		}()
	}

	files, err := b.collectFiles()
	if err != nil {
		return nil, err
	}
	if err := b.copyFiles(files); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(b.Output), 0744); err != nil {
		return nil, err
	}

	args := []string{"build"}
	if b.TrimPath {
		args = append(args, "-trimpath")
	}
	args = append(args, "-buildmode=plugin", "-o", b.Output)
	args = append(args, b.BuildFlags...)
	b.Log.Debugf("<modbuild> go %s", strings.Join(args, " "))

	var stderr bytes.Buffer
	goBuild := exec.Command("go", args...)
	goBuild.Dir = b.tmpDir
	goBuild.Stderr = &stderr
	goBuild.Env = append(os.Environ(), "GO111MODULE=on")
	if err := goBuild.Run(); err != nil {
		return nil, fmt.Errorf("go build failed. err: %w\n%s", err, stderr.String())
	}

	return &Result{
		Output:  b.Output,
		TmpDir:  b.tmpDir,
		PkgPath: b.tmpPkgPath,
		Command: append([]string{"go"}, args...),
		Took:    time.Since(start),
	}, nil
}

func (b *builder) collectFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(b.ModuleDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(b.ModuleDir, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if rel != "." && (d.Name() == "testdata" || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(b.tmpDir, rel), 0744)
		}

		switch {
		case strings.HasSuffix(p, "_test.go"):
			return nil
		case strings.HasSuffix(p, ".go"):
		case b.Include != nil && b.Include.MatchString(filepath.Base(rel)):
		default:
			return nil
		}
		files = append(files, rel)
		return nil
	})
	return files, err
}

var rexPkg = regexp.MustCompile(`(?m)^package\s+\S+`)

func (b *builder) rewrite(rel string, data []byte) []byte {
	if filepath.Dir(rel) == "." {
		data = rexPkg.ReplaceAll(data, []byte("package main"))
	}
	for _, q := range []string{`"`, "`"} {
		data = bytes.ReplaceAll(data, []byte(q+b.pkgPath+q), []byte(q+b.tmpPkgPath+q))
		data = bytes.ReplaceAll(data, []byte(q+b.pkgPath+"/"), []byte(q+b.tmpPkgPath+"/"))
	}
	return data
}

func (b *builder) copyFiles(files []string) error {
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(b.ModuleDir, rel))
		if err != nil {
			return err
		}
		if strings.HasSuffix(rel, ".go") {
			data = b.rewrite(rel, data)
		}
		if err := os.WriteFile(filepath.Join(b.tmpDir, rel), data, 0644); err != nil {
			return err
		}
	}
	return nil
}

// CheckExport verifies that the package in dir exports ReloadAPI either as
// `func ReloadAPI() *hotreload.APITable` or as a hotreload.APITable variable.
func CheckExport(dir string) error {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedTypes,
		Dir:  dir,
	}
	pkgs, err := packages.Load(cfg, ".")
	if err != nil {
		return err
	}
	if len(pkgs) != 1 {
		return fmt.Errorf("%s contains %d packages", dir, len(pkgs))
	}
	pkg := pkgs[0]
	if len(pkg.Errors) > 0 {
		return fmt.Errorf("failed to load %s. err: %v", pkg.PkgPath, pkg.Errors[0])
	}

	obj := pkg.Types.Scope().Lookup(exportSymbol)
	if obj == nil {
		return fmt.Errorf("%s does not export %s", pkg.PkgPath, exportSymbol)
	}
	switch x := obj.(type) {
	case *types.Func:
		sig := x.Type().(*types.Signature)
		if sig.Params().Len() == 0 && sig.Results().Len() == 1 {
			if ptr, ok := sig.Results().At(0).Type().(*types.Pointer); ok && ptr.Elem().String() == tableType {
				return nil
			}
		}
	case *types.Var:
		if x.Type().String() == tableType {
			return nil
		}
	}
	return fmt.Errorf("%s.%s should be `func %s() *hotreload.APITable`. actual: %s",
		pkg.PkgPath, exportSymbol, exportSymbol, obj.Type())
}
