// Package mock provides a scripted in-memory implementation of the
// [gateway.Client] and [gateway.Stream] interfaces for unit tests.
//
// Tests queue either chunk scripts or errors on the client; each Send call
// consumes the next queued outcome in order. Streams expose a Release gate
// so tests can hold a response mid-flight and assert interruption behaviour.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/balti-ai/balti-voice/pkg/gateway"
)

// Client is a scripted mock of [gateway.Client].
type Client struct {
	mu       sync.Mutex
	outcomes []outcome
	sends    []gateway.Request
}

type outcome struct {
	stream *Stream
	err    error
}

// QueueChunks scripts a successful Send whose stream yields the given chunks
// and then terminates cleanly. It returns the stream so the test can gate
// delivery or inspect closure.
func (c *Client) QueueChunks(chunks ...gateway.ResponseChunk) *Stream {
	s := &Stream{chunks: chunks, unblocked: make(chan struct{}), closed: make(chan struct{})}
	close(s.unblocked) // delivery not gated by default
	c.mu.Lock()
	c.outcomes = append(c.outcomes, outcome{stream: s})
	c.mu.Unlock()
	return s
}

// QueueGatedChunks is like QueueChunks but delivery blocks until the test
// calls [Stream.Release].
func (c *Client) QueueGatedChunks(chunks ...gateway.ResponseChunk) *Stream {
	s := &Stream{chunks: chunks, unblocked: make(chan struct{}), closed: make(chan struct{})}
	c.mu.Lock()
	c.outcomes = append(c.outcomes, outcome{stream: s})
	c.mu.Unlock()
	return s
}

// QueueSteppedChunks scripts a successful Send whose stream delivers one
// chunk per [Stream.Step] call. With no pending step, Recv blocks until the
// stream is closed. Useful for holding a response mid-flight.
func (c *Client) QueueSteppedChunks(chunks ...gateway.ResponseChunk) *Stream {
	s := &Stream{
		chunks:    chunks,
		unblocked: make(chan struct{}),
		closed:    make(chan struct{}),
		steps:     make(chan struct{}, len(chunks)+1),
	}
	close(s.unblocked)
	c.mu.Lock()
	c.outcomes = append(c.outcomes, outcome{stream: s})
	c.mu.Unlock()
	return s
}

// QueueError scripts a failed Send.
func (c *Client) QueueError(err error) {
	c.mu.Lock()
	c.outcomes = append(c.outcomes, outcome{err: err})
	c.mu.Unlock()
}

// Send implements [gateway.Client]. It records req and pops the next scripted
// outcome. With no outcomes queued it returns an empty clean stream.
func (c *Client) Send(_ context.Context, req gateway.Request) (gateway.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sends = append(c.sends, req)
	if len(c.outcomes) == 0 {
		s := &Stream{unblocked: make(chan struct{}), closed: make(chan struct{})}
		close(s.unblocked)
		return s, nil
	}
	next := c.outcomes[0]
	c.outcomes = c.outcomes[1:]
	if next.err != nil {
		return nil, next.err
	}
	// Stamp the request's correlation ID onto scripted chunks that left it zero.
	for i := range next.stream.chunks {
		if next.stream.chunks[i].CorrelationID == 0 {
			next.stream.chunks[i].CorrelationID = req.CorrelationID
		}
	}
	return next.stream, nil
}

// Sends returns a copy of all recorded requests in order.
func (c *Client) Sends() []gateway.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]gateway.Request, len(c.sends))
	copy(out, c.sends)
	return out
}

// Stream is a scripted mock of [gateway.Stream].
type Stream struct {
	// FailWith, when non-nil, is returned by Recv after the scripted chunks
	// are exhausted instead of io.EOF.
	FailWith error

	mu        sync.Mutex
	chunks    []gateway.ResponseChunk
	pos       int
	unblocked chan struct{}
	closed    chan struct{}
	steps     chan struct{}
	closeOnce sync.Once
}

// Step permits delivery of the next chunk on a stream created with
// QueueSteppedChunks.
func (s *Stream) Step() {
	s.steps <- struct{}{}
}

// Release opens the delivery gate of a stream created with QueueGatedChunks.
func (s *Stream) Release() {
	select {
	case <-s.unblocked:
	default:
		close(s.unblocked)
	}
}

// Recv implements [gateway.Stream].
func (s *Stream) Recv() (gateway.ResponseChunk, error) {
	select {
	case <-s.unblocked:
	case <-s.closed:
		return gateway.ResponseChunk{}, io.EOF
	}

	if s.steps != nil {
		select {
		case <-s.steps:
		case <-s.closed:
			return gateway.ResponseChunk{}, io.EOF
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return gateway.ResponseChunk{}, io.EOF
	default:
	}

	if s.pos >= len(s.chunks) {
		if s.FailWith != nil {
			return gateway.ResponseChunk{}, s.FailWith
		}
		return gateway.ResponseChunk{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

// Close implements [gateway.Stream].
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
