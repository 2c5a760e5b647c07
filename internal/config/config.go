// Package config loads karva's pyproject-adjacent TOML configuration file
// and merges it with environment variables and CLI flags.
package config

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/MatthewMckee4/karva/internal/errors"
)

// EnvConfigFile is the environment variable that may point at a config
// file when -config-file is not given explicitly.
const EnvConfigFile = "KARVA_CONFIG_FILE"

// Src holds the [src] section.
type Src struct {
	Include            []string `toml:"include"`
	RespectIgnoreFiles bool     `toml:"respect-ignore-files"`
}

// Terminal holds the [terminal] section.
type Terminal struct {
	OutputFormat     string `toml:"output-format"`
	ShowPythonOutput bool   `toml:"show-python-output"`
}

// Test holds the [test] section.
type Test struct {
	FailFast           bool   `toml:"fail-fast"`
	TestFunctionPrefix string `toml:"test-function-prefix"`
}

// Config is the parsed contents of a karva TOML configuration file.
type Config struct {
	Src      Src      `toml:"src"`
	Terminal Terminal `toml:"terminal"`
	Test     Test     `toml:"test"`
}

// Default returns a Config populated with karva's built-in defaults,
// applied before any file or flag overrides.
func Default() *Config {
	return &Config{
		Src: Src{
			RespectIgnoreFiles: true,
		},
		Terminal: Terminal{
			OutputFormat:     "full",
			ShowPythonOutput: true,
		},
		Test: Test{
			TestFunctionPrefix: "test",
		},
	}
}

// Resolve determines which config file path to use: explicitPath if
// non-empty, else the EnvConfigFile environment variable, else "" (no
// config file, not an error).
func Resolve(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}
	return os.Getenv(EnvConfigFile)
}

// Load reads and parses the TOML file at path, overlaying it on top of
// Default(). A path of "" returns the defaults unchanged. An unreadable or
// malformed file is a CLI invocation error, not a collection error, since
// it is detected before discovery begins.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to load config file %q", path)
	}
	return cfg, nil
}
