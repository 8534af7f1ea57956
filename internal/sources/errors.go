package sources

import "errors"

var (
	ErrSourceFetch = errors.New("source fetch failed")
	ErrChecksum    = errors.New("checksum mismatch")
	ErrUnknownKind = errors.New("unknown source kind")
)
