package normalize

import (
	"path/filepath"
	"sort"

	"github.com/MatthewMckee4/karva/internal/discover"
	"github.com/MatthewMckee4/karva/internal/errors"
)

// Index provides directory lookups over a discovered Package tree, used
// to walk the conftest.py chain from a module up to the project root.
type Index struct {
	rootDir string
	byDir   map[string]*discover.Package
	byFile  map[string]*discover.Module
}

// BuildIndex flattens pkg's tree into an Index rooted at rootDir.
func BuildIndex(rootDir string, pkg *discover.Package) *Index {
	idx := &Index{
		rootDir: filepath.Clean(rootDir),
		byDir:   map[string]*discover.Package{},
		byFile:  map[string]*discover.Module{},
	}
	idx.add(pkg)
	return idx
}

func (idx *Index) add(pkg *discover.Package) {
	idx.byDir[filepath.Clean(pkg.Dir)] = pkg
	if pkg.Conftest != nil {
		idx.byFile[pkg.Conftest.Path] = pkg.Conftest
	}
	for _, c := range pkg.Children {
		if c.Module != nil {
			idx.byFile[c.Module.Path] = c.Module
		}
		if c.Package != nil {
			idx.add(c.Package)
		}
	}
}

// moduleLocalFixtures returns the fixtures declared directly in the module
// at path, if that module is a regular test module (not a conftest.py,
// whose fixtures are already surfaced at the directory level by
// namespaceLevels).
func (idx *Index) moduleLocalFixtures(path string) map[string]*discover.FixtureDef {
	mod, ok := idx.byFile[path]
	if !ok || mod.IsConftest() {
		return nil
	}
	return fixtureMapOf(mod.Fixtures)
}

// namespaceLevels builds the ordered (nearest-to-farthest) sequence of
// fixture-name maps lexically visible from locationDir: the location's own
// module-local fixtures (if any), then each enclosing directory's
// conftest.py fixtures from nearest to the project root, then built-ins.
func (idx *Index) namespaceLevels(locationDir string, moduleLocal map[string]*discover.FixtureDef) []map[string]*discover.FixtureDef {
	var levels []map[string]*discover.FixtureDef
	if moduleLocal != nil {
		levels = append(levels, moduleLocal)
	}

	dir := filepath.Clean(locationDir)
	for {
		if pkg, ok := idx.byDir[dir]; ok && pkg.Conftest != nil {
			levels = append(levels, fixtureMapOf(pkg.Conftest.Fixtures))
		}
		if dir == idx.rootDir {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	levels = append(levels, builtinFixtures())
	return levels
}

// autoUseNames returns the names of every auto-use fixture reachable from
// locationDir (nearest scope first), deduplicated by the same
// nearest-binding-wins rule resolve() uses, so a nearer auto_use=False
// re-definition correctly suppresses an outer auto_use=True fixture of the
// same name.
func (idx *Index) autoUseNames(locationDir string, moduleLocal map[string]*discover.FixtureDef) []string {
	var names []string
	seen := map[string]bool{}
	for _, level := range idx.namespaceLevels(locationDir, moduleLocal) {
		levelNames := make([]string, 0, len(level))
		for name := range level {
			levelNames = append(levelNames, name)
		}
		sort.Strings(levelNames)
		for _, name := range levelNames {
			if seen[name] {
				continue
			}
			seen[name] = true
			if level[name].AutoUse {
				names = append(names, name)
			}
		}
	}
	return names
}

func fixtureMapOf(defs []*discover.FixtureDef) map[string]*discover.FixtureDef {
	m := make(map[string]*discover.FixtureDef, len(defs))
	for _, fd := range defs {
		// A later definition of the same name in the same file re-binds
		// it.
		m[fd.Name] = fd
	}
	return m
}

// resolve finds the FixtureDef bound to name, visible from an entity
// defined at locationDir with optional module-local fixtures. If self is
// non-nil and name equals self's own name, the search starts one level
// further out than self's own level, implementing the "overriding
// fixture may depend on the name it shadows" rule.
func (idx *Index) resolve(locationDir string, moduleLocal map[string]*discover.FixtureDef, self *discover.FixtureDef, name string) (*discover.FixtureDef, error) {
	levels := idx.namespaceLevels(locationDir, moduleLocal)
	start := 0
	if self != nil && self.Name == name {
		start = 1
	}
	for i := start; i < len(levels); i++ {
		if fd, ok := levels[i][name]; ok {
			return fd, nil
		}
	}
	return nil, errors.Errorf("fixture %q not found", name)
}
