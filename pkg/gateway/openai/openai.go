// Package openai implements the gateway.Client interface as a cascaded
// pipeline over the OpenAI REST API: the utterance is transcribed with
// Whisper, the transcript is answered by a streamed chat completion, and the
// reply text is synthesised to PCM speech. Text deltas stream as the
// completion produces them; audio follows once synthesis begins.
//
// The cascade trades the latency of a native speech-to-speech session for a
// service that only needs REST access, which makes it a useful fallback when
// the Live websocket endpoint is unreachable.
package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/balti-ai/balti-voice/pkg/gateway"
)

// Compile-time assertions that Client and stream satisfy the gateway interfaces.
var _ gateway.Client = (*Client)(nil)
var _ gateway.Stream = (*stream)(nil)

const (
	defaultChatModel = "gpt-4o-mini"
	defaultVoice     = "alloy"

	// speechChunkBytes is the block size audio is re-chunked into while
	// draining the synthesis response body. At 24 kHz mono PCM16 each block
	// is roughly 100 ms of audio.
	speechChunkBytes = 4800

	// outputSampleRate is the PCM rate of the tts-1 "pcm" response format.
	outputSampleRate = 24000
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithChatModel sets the chat model used to generate replies.
func WithChatModel(model string) Option {
	return func(c *Client) { c.chatModel = model }
}

// WithVoice sets the synthesis voice.
func WithVoice(voice string) Option {
	return func(c *Client) { c.voice = voice }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// Client implements gateway.Client as a transcribe → complete → synthesise
// cascade over the OpenAI API.
type Client struct {
	client    oai.Client
	chatModel string
	voice     string
	baseURL   string
	timeout   time.Duration
}

// New constructs a cascaded OpenAI gateway client. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	c := &Client{
		chatModel: defaultChatModel,
		voice:     defaultVoice,
	}
	for _, o := range opts {
		o(c)
	}

	// The gateway retry layer owns backoff policy, so the SDK's internal
	// retries are disabled to keep attempts bounded in one place.
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if c.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(c.baseURL))
	}
	if c.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: c.timeout}))
	}
	c.client = oai.NewClient(reqOpts...)
	return c, nil
}

// Send implements [gateway.Client]. Transcription runs synchronously inside
// Send, so its failures are returned here and stay retryable; the remaining
// stages run on a background goroutine, surfacing chunks through the stream
// as each stage produces output.
func (c *Client) Send(ctx context.Context, req gateway.Request) (gateway.Stream, error) {
	transcript, err := c.transcribe(ctx, req)
	if err != nil {
		return nil, classifyError(err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		chunks: make(chan gateway.ResponseChunk, 32),
		cancel: cancel,
	}
	go c.run(streamCtx, req, transcript, s)
	return s, nil
}

// run executes the completion and synthesis stages and feeds s.chunks. It
// owns the channel and closes it on exit.
func (c *Client) run(ctx context.Context, req gateway.Request, transcript string, s *stream) {
	defer close(s.chunks)

	if transcript == "" {
		s.emit(ctx, gateway.ResponseChunk{CorrelationID: req.CorrelationID, Final: true})
		return
	}

	text, ok := c.complete(ctx, req, transcript, s)
	if !ok {
		return
	}

	if err := c.synthesise(ctx, req, text, s); err != nil {
		s.setErr(classifyError(err))
		return
	}

	s.emit(ctx, gateway.ResponseChunk{CorrelationID: req.CorrelationID, Final: true})
}

// transcribe runs Whisper over the utterance. The PCM payload is wrapped in
// a WAV header because the transcription endpoint identifies formats by
// container, not raw sample data.
func (c *Client) transcribe(ctx context.Context, req gateway.Request) (string, error) {
	wav := wavContainer(req.Audio, req.SampleRate)
	resp, err := c.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "utterance.wav", "audio/wav"),
		Model: oai.AudioModelWhisper1,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return resp.Text, nil
}

// complete streams the chat reply, emitting a text-delta chunk per streamed
// delta. It returns the accumulated reply text and whether the stage
// finished cleanly.
func (c *Client) complete(ctx context.Context, req gateway.Request, transcript string, s *stream) (string, bool) {
	messages := []oai.ChatCompletionMessageParamUnion{}
	if req.Instructions != "" {
		messages = append(messages, oai.SystemMessage(req.Instructions))
	}
	messages = append(messages, oai.UserMessage(transcript))

	chat := c.client.Chat.Completions.NewStreaming(ctx, oai.ChatCompletionNewParams{
		Model:    c.chatModel,
		Messages: messages,
	})
	defer chat.Close()

	var full bytes.Buffer
	for chat.Next() {
		chunk := chat.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if !s.emit(ctx, gateway.ResponseChunk{CorrelationID: req.CorrelationID, TextDelta: delta}) {
			return "", false
		}
	}
	if err := chat.Err(); err != nil {
		s.setErr(classifyError(fmt.Errorf("complete: %w", err)))
		return "", false
	}
	return full.String(), true
}

// synthesise converts the reply text to PCM speech and re-chunks the body.
func (c *Client) synthesise(ctx context.Context, req gateway.Request, text string, s *stream) error {
	if text == "" {
		return nil
	}
	resp, err := c.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModelTTS1,
		Voice:          oai.AudioSpeechNewParamsVoice(c.voice),
		Input:          text,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return fmt.Errorf("synthesise: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, speechChunkBytes)
	for {
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !s.emit(ctx, gateway.ResponseChunk{CorrelationID: req.CorrelationID, Audio: chunk}) {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("synthesise read: %w", err)
		}
	}
}

// OutputSampleRate returns the PCM rate of synthesised audio chunks.
func (c *Client) OutputSampleRate() int { return outputSampleRate }

// classifyError maps SDK and network failures onto the gateway taxonomy.
func classifyError(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &gateway.RequestError{Reason: gateway.ReasonAuth, Err: err}
		case http.StatusTooManyRequests:
			return &gateway.RequestError{Reason: gateway.ReasonRateLimited, Err: err}
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return &gateway.RequestError{Reason: gateway.ReasonMalformed, Err: err}
		default:
			if apiErr.StatusCode >= 500 {
				return &gateway.TransportError{Err: err}
			}
			return &gateway.RequestError{Reason: gateway.ReasonUnknown, Err: err}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &gateway.TransportError{Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &gateway.TransportError{Err: err}
}

// wavContainer wraps little-endian PCM16 mono samples in a minimal RIFF/WAVE
// header.
func wavContainer(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	chunks chan gateway.ResponseChunk
	cancel context.CancelFunc

	mu     sync.Mutex
	errVal error

	closeOnce sync.Once
}

// emit delivers a chunk to the consumer. It reports false when the stream is
// cancelled and the cascade should stop.
func (s *stream) emit(ctx context.Context, chunk gateway.ResponseChunk) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-ctx.Done():
		s.setErr(ctx.Err())
		return false
	}
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// Recv implements [gateway.Stream].
func (s *stream) Recv() (gateway.ResponseChunk, error) {
	chunk, ok := <-s.chunks
	if !ok {
		s.mu.Lock()
		err := s.errVal
		s.mu.Unlock()
		if err != nil {
			return gateway.ResponseChunk{}, err
		}
		return gateway.ResponseChunk{}, io.EOF
	}
	return chunk, nil
}

// Close implements [gateway.Stream]. It cancels the cascade; a blocked Recv
// returns promptly. Safe to call more than once.
func (s *stream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}
