// Package gemini implements the gateway.Client interface against Google's
// Gemini Live API.
//
// Each Send opens a WebSocket session speaking the BidiGenerateContent
// protocol, submits the utterance as a single completed client turn, and
// streams the model's reply back as response chunks until the server marks
// the turn complete. Audio travels as base64-encoded PCM in both directions;
// the response transcript arrives as output-transcription deltas.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/coder/websocket"

	"github.com/balti-ai/balti-voice/pkg/gateway"
)

// Compile-time assertions that Client and stream satisfy the gateway interfaces.
var _ gateway.Client = (*Client)(nil)
var _ gateway.Stream = (*stream)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// chunkBuffer is the depth of the per-request chunk queue. Deep enough
	// that the receive loop is not stalled by a consumer pacing playback.
	chunkBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the Gemini model used for requests.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithVoice sets the prebuilt voice used for synthesised replies.
func WithVoice(voice string) Option {
	return func(c *Client) { c.voice = voice }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client implements gateway.Client for the Gemini Live API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	voice   string
}

// New creates a Gemini gateway client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Send implements [gateway.Client]. It dials a fresh Live session, configures
// it with the request's instructions, submits the utterance audio as one
// completed turn, and returns the response stream.
func (c *Client) Send(ctx context.Context, req gateway.Request) (gateway.Stream, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		c.baseURL, c.apiKey,
	)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, classifyDialError(resp, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		corrID: req.CorrelationID,
		conn:   conn,
		chunks: make(chan gateway.ResponseChunk, chunkBuffer),
		ctx:    streamCtx,
		cancel: cancel,
	}

	if err := s.sendSetup(c.model, c.voice, req.Instructions); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &gateway.TransportError{Err: fmt.Errorf("gemini: setup: %w", err)}
	}
	if err := s.sendUtterance(req); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "send failed")
		return nil, &gateway.TransportError{Err: fmt.Errorf("gemini: utterance: %w", err)}
	}

	// Abort the websocket read when the caller's context is cancelled.
	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-streamCtx.Done():
		}
	}()

	go s.receiveLoop()

	return s, nil
}

// classifyDialError maps a websocket dial failure onto the gateway error
// taxonomy using the handshake HTTP status when one is available.
func classifyDialError(resp *http.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &gateway.RequestError{Reason: gateway.ReasonAuth, Err: err}
		case http.StatusTooManyRequests:
			return &gateway.RequestError{Reason: gateway.ReasonRateLimited, Err: err}
		case http.StatusBadRequest:
			return &gateway.RequestError{Reason: gateway.ReasonMalformed, Err: err}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &gateway.TransportError{Err: err}
	}
	// Connection refused, reset, DNS failures and the like come through as
	// plain errors from the dialer.
	return &gateway.TransportError{Err: err}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`

	OutputAudioTranscription *struct{} `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	corrID uint64
	conn   *websocket.Conn
	chunks chan gateway.ResponseChunk

	mu     sync.Mutex
	errVal error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *stream) sendSetup(model, voice, instructions string) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
			OutputAudioTranscription: &struct{}{},
		},
	}
	if instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: instructions}},
		}
	}
	if voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	return s.writeJSON(msg)
}

// sendUtterance submits the utterance audio as a single completed user turn.
func (s *stream) sendUtterance(req gateway.Request) error {
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{{
				Role: "user",
				Parts: []part{{
					InlineData: &inlineData{
						MIMEType: fmt.Sprintf("audio/pcm;rate=%d", req.SampleRate),
						Data:     base64.StdEncoding.EncodeToString(req.Audio),
					},
				}},
			}},
			TurnComplete: true,
		},
	}
	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *stream) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads server messages and dispatches them as response chunks.
// It owns s.chunks and closes it when it exits.
func (s *stream) receiveLoop() {
	defer close(s.chunks)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				s.setErr(s.ctx.Err())
				return
			}
			s.setErr(&gateway.TransportError{Err: err})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.setErr(&gateway.ProtocolError{Detail: fmt.Sprintf("unparseable server message: %v", err)})
			return
		}

		if msg.Error != nil {
			s.setErr(&gateway.RequestError{
				Reason: reasonFromStatus(msg.Error.Status),
				Err:    fmt.Errorf("gemini: %s (code %d)", msg.Error.Message, msg.Error.Code),
			})
			return
		}

		if msg.ServerContent == nil {
			continue // setupComplete and other acks
		}
		if done := s.handleServerContent(msg.ServerContent); done {
			return
		}
	}
}

// handleServerContent converts one serverContent message into chunks.
// It reports true when the turn is complete and the loop should exit.
func (s *stream) handleServerContent(sc *serverContent) bool {
	if sc.Interrupted {
		// The server dropped the rest of the turn; treat as a clean end.
		s.emit(gateway.ResponseChunk{CorrelationID: s.corrID, Final: true})
		return true
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(gateway.ResponseChunk{CorrelationID: s.corrID, TextDelta: sc.OutputTranscription.Text}) {
			return true
		}
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			audioData, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				s.setErr(&gateway.ProtocolError{Detail: fmt.Sprintf("bad audio payload: %v", err)})
				return true
			}
			if len(audioData) == 0 {
				continue
			}
			if !s.emit(gateway.ResponseChunk{CorrelationID: s.corrID, Audio: audioData}) {
				return true
			}
		}
	}

	if sc.TurnComplete {
		s.emit(gateway.ResponseChunk{CorrelationID: s.corrID, Final: true})
		return true
	}
	return false
}

// emit delivers a chunk to the consumer. It reports false when the stream
// context is cancelled and the loop should stop.
func (s *stream) emit(chunk gateway.ResponseChunk) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
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

// reasonFromStatus maps a Gemini error status onto the gateway reason codes.
func reasonFromStatus(status string) gateway.Reason {
	switch status {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return gateway.ReasonAuth
	case "RESOURCE_EXHAUSTED":
		return gateway.ReasonRateLimited
	case "INVALID_ARGUMENT":
		return gateway.ReasonMalformed
	default:
		return gateway.ReasonUnknown
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

// Close implements [gateway.Stream]. It releases the websocket; a blocked
// Recv returns promptly. Safe to call more than once.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}
