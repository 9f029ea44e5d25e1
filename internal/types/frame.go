package types

import "time"

// Frame represents a single video frame
type Frame struct {
	// Seq is the monotonic sequence number
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the raw pixel data (BGR24 format by default)
	Data []byte
	// SourceStream identifies the source ("camera0", a file path, "mock")
	SourceStream string
	// TraceID is a unique identifier for tracing a frame across the pipeline
	TraceID string
}

// Size returns the expected byte length for a packed 3-channel frame.
func (f *Frame) Size() int {
	return f.Width * f.Height * 3
}

// StreamStats contains stream statistics
type StreamStats struct {
	FrameCount    uint64
	FramesDropped uint64
	FPSTarget     int
	FPSReal       float64
	SourceStream  string
	Resolution    string
	IsConnected   bool
	Errors        uint64
}
