package discovery

import (
	"context"
	"errors"
)

// ErrNoSource is returned by Noop.
var ErrNoSource = errors.New("no discovery source configured")

// Noop is the Source used when neither a discovery url nor a file is configured.
type Noop struct{}

func (Noop) Nodes(context.Context) ([]Node, error) {
	return nil, ErrNoSource
}
