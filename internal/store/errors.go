package store

import "errors"

var (
	ErrCache      = errors.New("object store error")
	ErrTicketUsed = errors.New("ticket already committed or discarded")
)
