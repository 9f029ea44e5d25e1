// Package stream provides frame sources: a V4L2 camera, a video file
// playlist, and a synthetic mock. All sources deliver BGR24 frames over a
// bounded channel and drop instead of queueing when the consumer lags.
package stream

import (
	"context"

	"github.com/care/vigil/internal/types"
)

// Provider abstracts a video frame source
type Provider interface {
	// Start begins streaming frames
	Start(ctx context.Context) error
	// Frames returns the channel of frames; closed when the source ends
	Frames() <-chan types.Frame
	// Stop stops the stream
	Stop() error
	// Stats returns current statistics
	Stats() types.StreamStats
}
