// Package discovery tells a slave where its master is.
package discovery

import (
	"context"
	"errors"
)

var ErrNoMaster = errors.New("discovery: master address is unknown")

// Static always resolves to the same address.
type Static string

func (s Static) Master(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoMaster
	}
	return string(s), nil
}
