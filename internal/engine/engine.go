// Package engine abstracts the document-conversion engine behind a fixed
// capability interface. Backends ignore options they do not support instead
// of being probed for their call signature.
package engine

import (
	"context"

	"ocrd/pkg/types"
)

// Engine converts one input document (or a page range of it) into ordered
// per-page results.
type Engine interface {
	// Predict runs the conversion. Results are ordered by page index.
	Predict(ctx context.Context, inputPath string, opts types.ConvertOptions) ([]types.PageResult, error)
	// Name identifies the backend (e.g. "sidecar", "subprocess").
	Name() string
	// Concurrent reports whether the backend safely serves multiple
	// in-process invocations at once. Non-concurrent backends are
	// serialized by the resource manager.
	Concurrent() bool
	// Close releases the backend's resources.
	Close() error
}
