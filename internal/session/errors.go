package session

import "github.com/pkg/errors"

// session errors
var (
	ErrInvalidDevAddr = errors.New("invalid dev_addr")
	ErrInvalidKey     = errors.New("invalid session key")
)
