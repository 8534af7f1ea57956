package sandbox

import "errors"

var (
	ErrSandbox  = errors.New("sandbox setup failed")
	ErrTeardown = errors.New("sandbox teardown failed")
	ErrDevice   = errors.New("device setup failed")
	ErrMount    = errors.New("mount setup failed")
)
