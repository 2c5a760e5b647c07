package discover

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/MatthewMckee4/karva/internal/pyast"
)

// IgnorePredicate reports whether path (relative to the project root)
// should be skipped during discovery. Gitignore-style traversal is an
// external collaborator; karva's discoverer only needs a
// predicate to consult, not an implementation of gitignore semantics.
type IgnorePredicate func(path string, isDir bool) bool

// NeverIgnore is an IgnorePredicate that never excludes anything, used
// when the user opts out of ignore-file handling (--no-ignore).
func NeverIgnore(string, bool) bool { return false }

// Options configures a Discover call.
type Options struct {
	TestFuncPrefix string
	Ignore         IgnorePredicate
}

// Discover walks the given root path (a file or directory) and builds a
// Package tree. Symlinks are followed; files that fail to parse produce a
// CollectionError attached to the nearest Package, but do not abort
// discovery.
func Discover(root string, opts Options) (*Package, error) {
	if opts.Ignore == nil {
		opts.Ignore = NeverIgnore
	}
	if opts.TestFuncPrefix == "" {
		opts.TestFuncPrefix = "test"
	}
	parser := pyast.NewParser()
	return discoverDir(parser, root, root, opts)
}

func discoverDir(parser *pyast.Parser, projectRoot, dir string, opts Options) (*Package, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	// os.ReadDir already returns entries sorted by filename, satisfying
	// the "child modules ... ordered by filename" requirement.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	pkg := &Package{Dir: dir}
	for _, e := range entries {
		name := e.Name()
		full := filepath.Join(dir, name)
		rel, _ := filepath.Rel(projectRoot, full)

		info, statErr := os.Stat(full) // follows symlinks
		isDir := statErr == nil && info.IsDir()
		if opts.Ignore(rel, isDir) {
			continue
		}

		if isDir {
			child, err := discoverDir(parser, projectRoot, full, opts)
			if err != nil {
				pkg.CollectErr = append(pkg.CollectErr, CollectionError{
					Loc:     Location{Path: full},
					Message: "failed to walk directory: " + err.Error(),
				})
				continue
			}
			if child != nil {
				pkg.Children = append(pkg.Children, PackageChild{Name: name, Package: child})
			}
			continue
		}

		if filepath.Ext(name) != ".py" {
			continue
		}

		mod, cerr := ParseModule(parser, full, opts.TestFuncPrefix)
		if cerr != nil {
			pkg.CollectErr = append(pkg.CollectErr, *cerr)
			continue
		}
		pkg.CollectErr = append(pkg.CollectErr, mod.Errs...)
		if name == "conftest.py" {
			pkg.Conftest = mod
			continue
		}
		pkg.Children = append(pkg.Children, PackageChild{Name: name, Module: mod})
	}
	return pkg, nil
}

// Walk calls fn for every Module reachable from pkg, depth-first, in
// discovery order (conftest.py modules are visited via their owning
// Package, not through this callback, since they are not standalone test
// modules).
func Walk(pkg *Package, fn func(path []*Package, mod *Module)) {
	walk(nil, pkg, fn)
}

func walk(path []*Package, pkg *Package, fn func([]*Package, *Module)) {
	path = append(path, pkg)
	for _, c := range pkg.Children {
		if c.Module != nil {
			fn(path, c.Module)
		}
		if c.Package != nil {
			walk(path, c.Package, fn)
		}
	}
}
