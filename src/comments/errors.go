package comments

import (
	"errors"

	"grimstack.io/grim/src/kv"
)

// Every error returned from this package wraps exactly one of these.
var (
	ErrValidation   = errors.New("invalid comment request")
	ErrNotFound     = errors.New("comment not found")
	ErrUnauthorized = errors.New("not allowed")
	ErrConflict     = errors.New("conflicting change")
	ErrStorage      = kv.ErrStorage
)
