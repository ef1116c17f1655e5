package store

import "errors"

var (
	ErrWALNotInitialized = errors.New("WAL not initialized")
	ErrEmptyKey          = errors.New("empty key")
)
