// Package configs ships the reference governance configuration inside the
// binaries so a plane can start without a mounted file.
package configs

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
)

// Default is the reference configuration served with -embedded-config.
const Default = "governance.yaml"

//go:embed *.yaml
var bundled embed.FS

// Names lists the bundled configurations.
func Names() []string {
	names, err := fs.Glob(bundled, "*.yaml")
	if err != nil {
		return nil
	}
	slices.Sort(names)
	return names
}

// Load returns a bundled configuration template. The ".yaml" suffix is optional.
func Load(name string) ([]byte, error) {
	if name == "" {
		name = Default
	}
	if path.Ext(name) == "" {
		name += ".yaml"
	}
	if !slices.Contains(Names(), name) {
		return nil, fmt.Errorf("unknown bundled config %q (have %v)", name, Names())
	}
	return fs.ReadFile(bundled, name)
}
