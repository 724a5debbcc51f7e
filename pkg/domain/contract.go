package domain

import (
	"context"
)

// Contract is the read-only control surface of a running supervisor.
type Contract interface {
	// Status returns the serving status of the named app, or of the
	// supervisor itself when app is empty.
	Status(ctx context.Context, app string) (string, error)
}
