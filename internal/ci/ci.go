// Package ci defines the boundary to the CI platform that the runner
// registers with. The GitHub implementation covers the two operations the
// control side needs: minting a one-shot registration token and listing
// runners with their online status.
package ci

import "context"

// Runner is one registered CI agent as reported by the platform.
type Runner struct {
	ID     int64
	Name   string
	Online bool
}

// Platform is the contract the control side needs from the CI system.
type Platform interface {
	// CreateRegistrationToken mints a single-use runner registration
	// token. The token is consumed by the node-side registration step
	// and cannot be reissued.
	CreateRegistrationToken(ctx context.Context) (string, error)

	// ListRunners returns all runners currently registered on the
	// repository with their reported status.
	ListRunners(ctx context.Context) ([]Runner, error)
}
