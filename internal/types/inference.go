package types

// TensorShape describes the fixed input tensor the accelerator expects.
// The worker reports it during the ready handshake; 336x336x3 for the
// current model family.
type TensorShape struct {
	Width    int
	Height   int
	Channels int
}

// ByteSize returns the packed byte length of one tensor.
func (s TensorShape) ByteSize() int {
	return s.Width * s.Height * s.Channels
}

// TriggerCustom marks an interactive free-form question instead of a
// configured use case.
const TriggerCustom = "custom"

// InferenceRequest is one unit of work for the VLM worker. Immutable once
// constructed; the submitting side owns it until the worker consumes it.
type InferenceRequest struct {
	// ID correlates the request with its result
	ID string
	// Trigger is the use case identifier, or TriggerCustom
	Trigger string
	// Image is the preprocessed RGB tensor (Shape.ByteSize() bytes)
	Image []byte
	// Shape is the tensor layout of Image
	Shape TensorShape
	// SystemPrompt is the system text sent to the model
	SystemPrompt string
	// UserPrompt is the user text sent to the model
	UserPrompt string
	// Options are the use case's labels in priority order; empty for
	// custom triggers
	Options []string
	// Keywords maps option labels to their matching substrings
	Keywords map[string][]string
	// MaxTokens overrides the worker's generation budget when > 0
	MaxTokens int
}

// InferenceResult is the worker's answer for one request. Produced exactly
// once per request; whichever side reads it first owns it.
type InferenceResult struct {
	// ID echoes the request ID
	ID string
	// Answer is the classified label, or the raw text for custom triggers
	Answer string
	// Raw is the full untruncated model output
	Raw string
	// Elapsed is the worker-measured generation time, e.g. "2.41s"
	Elapsed string
}

// InferenceOutcome is a tagged result: exactly one of Result or Err is set.
// Err values come from the backend package (ErrTimeout, ErrWorkerUnavailable)
// or carry a worker-reported message.
type InferenceOutcome struct {
	Result *InferenceResult
	Err    error
}

// TokenChunk is one incremental piece of a streaming answer.
type TokenChunk struct {
	// RequestID identifies which request the token belongs to
	RequestID string
	// Text is the token text, end-of-sequence marker already excluded
	Text string
}
