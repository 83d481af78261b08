package gateway_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/balti-ai/balti-voice/pkg/gateway"
	"github.com/balti-ai/balti-voice/pkg/gateway/mock"
)

// fastRetry keeps backoff negligible so test suites stay quick.
var fastRetry = gateway.RetryConfig{
	MaxAttempts: 3,
	Backoff:     time.Millisecond,
	MaxBackoff:  2 * time.Millisecond,
}

func transportErr(msg string) error {
	return &gateway.TransportError{Err: fmt.Errorf("%s", msg)}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	inner := &mock.Client{}
	inner.QueueError(transportErr("reset 1"))
	inner.QueueError(transportErr("reset 2"))
	inner.QueueChunks(gateway.ResponseChunk{Final: true})

	client := gateway.NewRetryClient(inner, fastRetry)
	stream, err := client.Send(context.Background(), gateway.Request{CorrelationID: 7})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer stream.Close()

	if got := len(inner.Sends()); got != 3 {
		t.Fatalf("attempts: want 3, got %d", got)
	}
}

func TestRetryExhaustionSurfacesSingleTransportError(t *testing.T) {
	t.Parallel()

	inner := &mock.Client{}
	for i := range 3 {
		inner.QueueError(transportErr(fmt.Sprintf("reset %d", i)))
	}

	client := gateway.NewRetryClient(inner, fastRetry)
	_, err := client.Send(context.Background(), gateway.Request{})
	if err == nil {
		t.Fatalf("want error after exhaustion")
	}

	var transport *gateway.TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("want TransportError, got %T: %v", err, err)
	}
	// The surfaced error is the last attempt's, not an aggregate of all three.
	if want := "reset 2"; transport.Err.Error() != want {
		t.Fatalf("surfaced error: want %q, got %q", want, transport.Err)
	}
	if got := len(inner.Sends()); got != 3 {
		t.Fatalf("attempts: want exactly 3, got %d", got)
	}
}

func TestRequestErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	inner := &mock.Client{}
	inner.QueueError(&gateway.RequestError{Reason: gateway.ReasonAuth, Err: errors.New("401")})

	client := gateway.NewRetryClient(inner, fastRetry)
	_, err := client.Send(context.Background(), gateway.Request{})

	var reqErr *gateway.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("want RequestError, got %T: %v", err, err)
	}
	if reqErr.Reason != gateway.ReasonAuth {
		t.Fatalf("reason: want auth, got %s", reqErr.Reason)
	}
	if got := len(inner.Sends()); got != 1 {
		t.Fatalf("attempts: want 1, got %d", got)
	}
}

func TestRetryHonoursContextCancellation(t *testing.T) {
	t.Parallel()

	inner := &mock.Client{}
	inner.QueueError(transportErr("reset"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := gateway.NewRetryClient(inner, gateway.RetryConfig{
		MaxAttempts: 5,
		Backoff:     time.Hour, // would block forever if cancellation were ignored
	})
	_, err := client.Send(ctx, gateway.Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestOnRetryCallback(t *testing.T) {
	t.Parallel()

	inner := &mock.Client{}
	inner.QueueError(transportErr("reset"))
	inner.QueueChunks(gateway.ResponseChunk{Final: true})

	var retries int
	cfg := fastRetry
	cfg.OnRetry = func(attempt int, err error) { retries++ }

	client := gateway.NewRetryClient(inner, cfg)
	stream, err := client.Send(context.Background(), gateway.Request{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer stream.Close()

	if retries != 1 {
		t.Fatalf("OnRetry calls: want 1, got %d", retries)
	}
}

func TestMidStreamFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	inner := &mock.Client{}
	s := inner.QueueChunks(gateway.ResponseChunk{Audio: []byte{1, 2}})
	s.FailWith = transportErr("mid-stream reset")

	client := gateway.NewRetryClient(inner, fastRetry)
	stream, err := client.Send(context.Background(), gateway.Request{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first Recv: %v", err)
	}
	_, err = stream.Recv()
	var transport *gateway.TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("want mid-stream TransportError surfaced, got %v", err)
	}
	// The failure must not trigger a replacement Send.
	if got := len(inner.Sends()); got != 1 {
		t.Fatalf("sends after mid-stream failure: want 1, got %d", got)
	}
}
