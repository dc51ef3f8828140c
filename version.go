package weaver

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionFile string

// Version is the current version of the weaver kernel.
var Version = strings.TrimSpace(versionFile)
