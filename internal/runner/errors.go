package runner

import "errors"

var (
	ErrRunner = errors.New("stage runner failed")
	ErrStage  = errors.New("stage execution failed")
)
