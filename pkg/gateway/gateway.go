// Package gateway defines the client contract for the generative AI service
// that turns a spoken utterance into a voiced response.
//
// The central abstraction is [Stream]: a lazy, finite sequence of
// [ResponseChunk] values terminated by a final-chunk marker from the service
// or by an error. Transport mechanics (websockets, chunked HTTP, SDK
// iterators) stay behind this interface so retry and cancellation logic in
// the session controller is independent of the wire protocol.
//
// Implementations are provided by service-specific packages (gateway/gemini,
// gateway/openai) and must be safe for concurrent use; an individual Stream
// is owned by a single consumer.
package gateway

import (
	"context"
	"fmt"
)

// Request carries one closed utterance to the AI service. The correlation ID
// equals the utterance's session-local sequence number and tags every chunk
// of the response.
type Request struct {
	// CorrelationID links this request to its utterance and response chunks.
	CorrelationID uint64

	// Audio is the utterance payload as little-endian 16-bit mono PCM.
	Audio []byte

	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// Instructions is the assembled system prompt (assistant tone, domain
	// context, dictionary hints). May be empty.
	Instructions string
}

// ResponseChunk is one element of a response stream. Either the text delta or
// the audio delta may be absent; the Final marker closes the sequence.
type ResponseChunk struct {
	// CorrelationID matches the originating [Request].
	CorrelationID uint64

	// TextDelta is an incremental piece of the response transcript.
	TextDelta string

	// Audio is an incremental block of synthesised PCM, in service output
	// format (16-bit little-endian).
	Audio []byte

	// Final marks the last chunk of the response.
	Final bool
}

// Stream is a lazy finite sequence of response chunks.
type Stream interface {
	// Recv blocks until the next chunk is available. After the chunk carrying
	// Final (or after a terminal error) subsequent calls return io.EOF or the
	// terminal error. Mid-stream transport failures surface here and are
	// never retried internally; the caller decides whether a partial
	// response is usable.
	Recv() (ResponseChunk, error)

	// Close releases the underlying transport resource. Safe to call more
	// than once and concurrently with Recv; a blocked Recv returns promptly
	// after Close.
	Close() error
}

// Client sends utterances to the AI service.
type Client interface {
	// Send serialises req, establishes the service session, and returns the
	// response stream. Transport failures during establishment are reported
	// as a [*TransportError]; service rejections as a [*RequestError].
	// Cancelling ctx aborts both establishment and the returned stream.
	Send(ctx context.Context, req Request) (Stream, error)
}

// ─── Error taxonomy ───────────────────────────────────────────────────────────

// Reason classifies non-retryable service rejections.
type Reason string

const (
	// ReasonAuth means the service rejected the credentials.
	ReasonAuth Reason = "auth"

	// ReasonRateLimited means a quota or rate limit with a long reset.
	ReasonRateLimited Reason = "rate-limited"

	// ReasonMalformed means the service rejected the request shape.
	ReasonMalformed Reason = "malformed-request"

	// ReasonUnknown covers rejections the client cannot classify.
	ReasonUnknown Reason = "unknown"
)

// RequestError reports a non-retryable service rejection. It propagates
// immediately to the caller; the session returns to idle and the user may
// retry.
type RequestError struct {
	Reason Reason
	Err    error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return fmt.Sprintf("gateway: request rejected (%s): %v", e.Reason, e.Err)
}

// Unwrap returns the underlying error.
func (e *RequestError) Unwrap() error { return e.Err }

// TransportError reports a transient network fault (timeout, connection
// reset). It is retried internally by [RetryClient] and only reaches the
// caller once retries exhaust.
type TransportError struct {
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway: transport: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed response chunk. Callers log it and treat
// the stream as ended for the affected correlation ID.
type ProtocolError struct {
	Detail string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gateway: protocol: %s", e.Detail)
}
