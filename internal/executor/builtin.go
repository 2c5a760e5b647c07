package executor

import (
	"context"
	"os"

	"github.com/MatthewMckee4/karva/internal/errors"
)

// builtinProvider implements fixture.BuiltinProvider for the framework
// fixtures names: tmp_path/temp_path/tmpdir/temp_dir allocate a
// fresh temporary directory per instantiation (one per scope entry, since
// Manager caches by scope); monkeypatch has no Go-native analog for a
// Python attribute-patching object, so it is provided as an empty mapping
// the driver script passes through unmodified. Full monkeypatch semantics
// (setattr/delenv/undo) are out of scope for this implementation; see
// DESIGN.md.
type builtinProvider struct{}

func (builtinProvider) ProvideBuiltin(ctx context.Context, name string) (interface{}, func() error, error) {
	switch name {
	case "tmp_path", "temp_path", "tmpdir", "temp_dir":
		dir, err := os.MkdirTemp("", "karva-tmp-")
		if err != nil {
			return nil, nil, errors.Wrapf(err, "allocating %s", name)
		}
		return dir, func() error { return os.RemoveAll(dir) }, nil
	case "monkeypatch":
		return map[string]interface{}{}, nil, nil
	default:
		return nil, nil, errors.Errorf("unknown built-in fixture %q", name)
	}
}
