package dberrors

import "errors"

var (
	ErrClosed          = errors.New("kvrepl: closed")
	ErrInvalidArgument = errors.New("kvrepl: invalid argument")
)
