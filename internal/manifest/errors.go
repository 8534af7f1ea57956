package manifest

import "errors"

var (
	ErrManifest     = errors.New("invalid manifest")
	ErrVersion      = errors.New("unsupported manifest version")
	ErrReference    = errors.New("unknown reference")
	ErrCycle        = errors.New("dependency cycle")
	ErrOptions      = errors.New("invalid stage options")
	ErrUnknownStage = errors.New("unknown stage type")
	ErrDuplicate    = errors.New("duplicate stage type")
)
