package channels

import "context"

// Channel is a user-facing messaging integration that can submit tasks and
// relay their outcomes. The daemon starts every configured channel and
// treats them uniformly.
type Channel interface {
	// Name identifies the channel in logs ("telegram").
	Name() string

	// Start runs the channel until ctx is canceled or setup fails
	// fatally. Transient delivery errors are handled internally.
	Start(ctx context.Context) error
}
