package openai

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/balti-ai/balti-voice/pkg/gateway"
)

// fakeAPI is an httptest-backed stand-in for the three cascade endpoints.
type fakeAPI struct {
	transcript   string
	deltas       []string
	speech       []byte
	sttStatus    int
	sttFailures  int
	sttCalls     int
	transcribeIn []byte
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.transcribeIn = body
		f.sttCalls++
		if f.sttFailures > 0 {
			f.sttFailures--
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"upstream unavailable","type":"server_error"}}`)
			return
		}
		if f.sttStatus != 0 {
			w.WriteHeader(f.sttStatus)
			fmt.Fprintf(w, `{"error":{"message":"denied","type":"invalid_request_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"text": f.transcript})
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range f.deltas {
			payload, _ := json.Marshal(map[string]any{
				"id":      "chatcmpl-1",
				"object":  "chat.completion.chunk",
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": d}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	mux.HandleFunc("/audio/speech", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/pcm")
		w.Write(f.speech)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func drain(t *testing.T, s gateway.Stream) ([]gateway.ResponseChunk, error) {
	t.Helper()
	var got []gateway.ResponseChunk
	for {
		chunk, err := s.Recv()
		if err != nil {
			return got, err
		}
		got = append(got, chunk)
	}
}

func TestSendCascade(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{
		transcript: "what time is it",
		deltas:     []string{"It is ", "noon."},
		speech:     make([]byte, speechChunkBytes+100),
	}
	srv := api.server(t)

	client, err := New("test-key", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s, err := client.Send(t.Context(), gateway.Request{
		CorrelationID: 7,
		Audio:         []byte{1, 2, 3, 4},
		SampleRate:    16000,
		Instructions:  "be brief",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := drain(t, s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("drain err = %v, want io.EOF", err)
	}

	// Two text deltas, two audio chunks (speechChunkBytes + remainder), final.
	if len(got) != 5 {
		t.Fatalf("got %d chunks, want 5", len(got))
	}
	if got[0].TextDelta != "It is " || got[1].TextDelta != "noon." {
		t.Errorf("text deltas = %q, %q", got[0].TextDelta, got[1].TextDelta)
	}
	if len(got[2].Audio) != speechChunkBytes || len(got[3].Audio) != 100 {
		t.Errorf("audio chunk sizes = %d, %d", len(got[2].Audio), len(got[3].Audio))
	}
	if !got[4].Final {
		t.Error("last chunk not marked final")
	}
	for i, c := range got {
		if c.CorrelationID != 7 {
			t.Errorf("chunk %d correlation id = %d, want 7", i, c.CorrelationID)
		}
	}
	if len(api.transcribeIn) == 0 {
		t.Error("transcription endpoint received no body")
	}
}

func TestSendEmptyTranscript(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{transcript: ""}
	srv := api.server(t)

	client, err := New("test-key", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := client.Send(t.Context(), gateway.Request{CorrelationID: 1, Audio: []byte{0, 0}, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := drain(t, s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("drain err = %v, want io.EOF", err)
	}
	if len(got) != 1 || !got[0].Final {
		t.Fatalf("got %+v, want a single final chunk", got)
	}
}

func TestSendAuthError(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{sttStatus: http.StatusUnauthorized}
	srv := api.server(t)

	client, err := New("bad-key", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Transcription fails before any chunk exists, so the rejection comes
	// straight back from Send.
	_, err = client.Send(t.Context(), gateway.Request{CorrelationID: 1, Audio: []byte{0, 0}, SampleRate: 16000})
	var reqErr *gateway.RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %v, want RequestError", err)
	}
	if reqErr.Reason != gateway.ReasonAuth {
		t.Errorf("reason = %v, want ReasonAuth", reqErr.Reason)
	}
}

func TestTransientTranscribeFailureIsRetryable(t *testing.T) {
	t.Parallel()

	// Two 5xx responses, then success. The failures happen before the
	// stream exists, so they must surface from Send as TransportErrors, and
	// a wrapping retry client must be able to complete the exchange.
	api := &fakeAPI{
		transcript:  "hello",
		deltas:      []string{"hi"},
		speech:      make([]byte, 64),
		sttFailures: 2,
	}
	srv := api.server(t)

	client, err := New("test-key", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = client.Send(t.Context(), gateway.Request{CorrelationID: 3, Audio: []byte{0, 0}, SampleRate: 16000})
	var transport *gateway.TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("first Send err = %v, want TransportError", err)
	}

	retrying := gateway.NewRetryClient(client, gateway.RetryConfig{
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
	})
	s, err := retrying.Send(t.Context(), gateway.Request{CorrelationID: 3, Audio: []byte{0, 0}, SampleRate: 16000})
	if err != nil {
		t.Fatalf("retried Send: %v", err)
	}
	got, err := drain(t, s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("drain err = %v, want io.EOF", err)
	}
	if len(got) == 0 || !got[len(got)-1].Final {
		t.Fatalf("retried exchange did not complete: %+v", got)
	}
	if api.sttCalls != 3 {
		t.Errorf("transcription attempts = %d, want 3", api.sttCalls)
	}
}

func TestStreamCloseUnblocksRecv(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{transcript: "hello", deltas: []string{"a"}, speech: make([]byte, 64)}
	srv := api.server(t)

	client, err := New("test-key", WithBaseURL(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := client.Send(t.Context(), gateway.Request{CorrelationID: 2, Audio: []byte{0, 0}, SampleRate: 16000})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	for {
		if _, err := s.Recv(); err != nil {
			return
		}
	}
}

func TestWavContainer(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	wav := wavContainer(pcm, 16000)
	if string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("bad header: %q", wav[:12])
	}
	if len(wav) != 44+len(pcm) {
		t.Errorf("len = %d, want %d", len(wav), 44+len(pcm))
	}
}
