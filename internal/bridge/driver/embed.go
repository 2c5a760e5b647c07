// Package driver embeds the Python-side half of the bridge wire protocol,
// the way theRebelliousNerd/codenerd's internal/prompt package bakes its
// corpus files into the binary with go:embed: karva
// ships as a single Go binary, so the driver script travels inside it
// rather than depending on a separately-installed "karva" pip package.
package driver

import _ "embed"

// Script is the driver's full source, written to a temp file and run as
// `python3 -u <path>` by internal/bridge.Start.
//
//go:embed driver.py
var Script string
