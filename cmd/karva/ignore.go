package main

// defaultIgnoreDirs are directories never worth walking into looking for
// Python tests. This is the minimal built-in baseline; it is not a
// gitignore reimplementation.
var defaultIgnoreDirs = map[string]bool{
	".git":          true,
	".hg":           true,
	".svn":          true,
	"__pycache__":   true,
	".venv":         true,
	"venv":          true,
	"node_modules":  true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".tox":          true,
}

func defaultIgnore(path string, isDir bool) bool {
	if !isDir {
		return false
	}
	base := path
	if i := lastSlash(path); i >= 0 {
		base = path[i+1:]
	}
	return defaultIgnoreDirs[base]
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
