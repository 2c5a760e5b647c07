package normalize

import "github.com/MatthewMckee4/karva/internal/discover"

// builtinPath marks a FixtureDef as synthesized by the framework rather
// than discovered from source.
const builtinPath = "<builtin>"

// builtinNames lists the framework-provided fixtures. Their values are
// produced by the executor (e.g. tmp_path allocates a temporary
// directory), not by a Python callable, so they carry no dependencies of
// their own.
var builtinNames = []string{"tmp_path", "tmpdir", "temp_path", "temp_dir", "monkeypatch"}

// builtinDefs is the single shared set of built-in FixtureDefs. Sharing
// one *FixtureDef per name keeps the normalizer's identity-keyed memo
// effective across every module that requests a built-in.
var builtinDefs = func() map[string]*discover.FixtureDef {
	m := make(map[string]*discover.FixtureDef, len(builtinNames))
	for _, name := range builtinNames {
		m[name] = &discover.FixtureDef{
			Name:  name,
			Scope: discover.ScopeFunction,
			Loc:   discover.Location{Path: builtinPath},
		}
	}
	return m
}()

func builtinFixtures() map[string]*discover.FixtureDef {
	return builtinDefs
}

// IsBuiltin reports whether a resolved FixtureDef is a built-in rather
// than a user-defined fixture.
func IsBuiltin(fd *discover.FixtureDef) bool {
	return fd != nil && fd.Loc.Path == builtinPath
}
