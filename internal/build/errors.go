package build

import "errors"

var (
	ErrBuild  = errors.New("build failed")
	ErrExport = errors.New("export failed")
)
