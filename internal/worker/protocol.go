package worker

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Wire protocol with the runner process: 4-byte big-endian length prefix
// followed by one msgpack-encoded message, in both directions. The length
// prefix gives the runner unambiguous message boundaries on a byte stream.

// Event kinds received from the runner.
const (
	// EventReady reports the model's input tensor shape after device and
	// model initialization succeed. Sent exactly once.
	EventReady = "ready"
	// EventToken is one incremental piece of a streaming answer.
	EventToken = "token"
	// EventResult is the final answer for a request. Sent exactly once per
	// request, after any tokens.
	EventResult = "result"
	// EventFatal reports an initialization failure. The runner exits after
	// sending it.
	EventFatal = "fatal"
)

// Request kinds sent to the runner.
const (
	kindRequest  = "request"
	kindShutdown = "shutdown"
)

// maxFrameSize bounds a single protocol frame. A corrupt length prefix must
// not make us allocate gigabytes.
const maxFrameSize = 64 << 20

// runnerRequest is the outbound message envelope.
type runnerRequest struct {
	Kind         string              `msgpack:"kind"`
	ID           string              `msgpack:"id,omitempty"`
	Trigger      string              `msgpack:"trigger,omitempty"`
	Image        []byte              `msgpack:"image,omitempty"`
	Width        int                 `msgpack:"width,omitempty"`
	Height       int                 `msgpack:"height,omitempty"`
	Channels     int                 `msgpack:"channels,omitempty"`
	SystemPrompt string              `msgpack:"system_prompt,omitempty"`
	UserPrompt   string              `msgpack:"user_prompt,omitempty"`
	Options      []string            `msgpack:"options,omitempty"`
	Keywords     map[string][]string `msgpack:"keywords,omitempty"`
	MaxTokens    int                 `msgpack:"max_tokens,omitempty"`
	Temperature  float64             `msgpack:"temperature,omitempty"`
	Seed         int                 `msgpack:"seed,omitempty"`
}

// Event is the inbound message envelope. Which fields are meaningful
// depends on Kind.
type Event struct {
	Kind string `msgpack:"kind"`
	// ID echoes the request ID for token and result events
	ID string `msgpack:"id"`
	// Ready: model input tensor shape
	Width    int `msgpack:"width"`
	Height   int `msgpack:"height"`
	Channels int `msgpack:"channels"`
	// Token: incremental answer text
	Text string `msgpack:"text"`
	// Result: final answer
	Answer  string `msgpack:"answer"`
	Raw     string `msgpack:"raw"`
	Elapsed string `msgpack:"elapsed"`
	// Fatal: initialization error
	Error string `msgpack:"error"`
}

// writeFrame marshals v and writes one length-prefixed frame.
func writeFrame(w io.Writer, v interface{}) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(body)))

	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write message body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame and unmarshals it into v.
// Returns io.EOF unchanged when the stream ends cleanly between frames.
func readFrame(r io.Reader, v interface{}) error {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix)
	if length > maxFrameSize {
		return fmt.Errorf("frame length %d exceeds limit", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("failed to read message body (%d bytes): %w", length, err)
	}

	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return nil
}
