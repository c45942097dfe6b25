// Package build manages build directories: one per named build, holding the
// status file and every artifact the tasks produce.
package build

import "time"

// Info describes one build directory.
type Info struct {
	Name    string    `yaml:"name"`
	Path    string    `yaml:"-"`        // Absolute path to the build directory
	New     bool      `yaml:"-"`        // True when Open created the directory
	Parsed  bool      `yaml:"-"`        // Parser outputs present, usable by CopyParseOutputs
	Head    string    `yaml:"head"`     // Commit of the core directory when the build was created, if it is a git checkout
	Created time.Time `yaml:"created"`
}

// ManagerConfig configures the build manager.
type ManagerConfig struct {
	BuildsDir string // <core_dir>/<working_dir>/builds
	CoreDir   string // Used to record the source commit
	TopModule string // Names the parser output directory sv_<top>
}

// InfoFile is written into each build when it is created.
const InfoFile = "build_info.yaml"

// RTLFilesList is the parser's file list consumed by the linter.
const RTLFilesList = "rtlfiles.lst"
