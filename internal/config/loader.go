package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidGatewayNames lists known gateway names. [Validate] warns about
// unrecognised ones instead of failing so third-party registrations still
// work.
var ValidGatewayNames = []string{"gemini-live", "openai-cascade", "mock"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${ENV_VAR} references
// in credential fields, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	cfg.Gateway.APIKey = os.ExpandEnv(cfg.Gateway.APIKey)
	cfg.Transcript.PostgresDSN = os.ExpandEnv(cfg.Transcript.PostgresDSN)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameMs < 0 || cfg.Audio.FrameMs > 200 {
		errs = append(errs, fmt.Errorf("audio.frame_ms %d is out of range [0, 200]", cfg.Audio.FrameMs))
	}

	// VAD
	if cfg.VAD.SpeechThreshold < 0 || cfg.VAD.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.speech_threshold %.3f is out of range [0, 1]", cfg.VAD.SpeechThreshold))
	}
	if cfg.VAD.SilenceThreshold < 0 || cfg.VAD.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.3f is out of range [0, 1]", cfg.VAD.SilenceThreshold))
	}
	if cfg.VAD.SpeechThreshold > 0 && cfg.VAD.SilenceThreshold > cfg.VAD.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad.silence_threshold %.3f exceeds vad.speech_threshold %.3f", cfg.VAD.SilenceThreshold, cfg.VAD.SpeechThreshold))
	}
	if cfg.VAD.TriggerMs < 0 || cfg.VAD.ReleaseMs < 0 || cfg.VAD.MaxUtteranceS < 0 {
		errs = append(errs, errors.New("vad durations must not be negative"))
	}

	// Gateway
	if cfg.Gateway.Name == "" {
		errs = append(errs, errors.New("gateway.name is required"))
	} else if !slices.Contains(ValidGatewayNames, cfg.Gateway.Name) {
		slog.Warn("unknown gateway name, may be a typo or third-party gateway",
			"name", cfg.Gateway.Name,
			"known", ValidGatewayNames,
		)
	}
	if cfg.Gateway.APIKey == "" && cfg.Gateway.Name != "mock" {
		slog.Warn("gateway.api_key is empty; the service will reject requests unless credentials come from the environment")
	}
	if cfg.Gateway.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("gateway.retry.max_attempts %d must not be negative", cfg.Gateway.Retry.MaxAttempts))
	}
	if cfg.Gateway.Retry.BackoffMs < 0 || cfg.Gateway.Retry.MaxBackoffMs < 0 {
		errs = append(errs, errors.New("gateway.retry backoffs must not be negative"))
	}
	if cfg.Gateway.Retry.MaxBackoffMs > 0 && cfg.Gateway.Retry.BackoffMs > cfg.Gateway.Retry.MaxBackoffMs {
		errs = append(errs, fmt.Errorf("gateway.retry.backoff_ms %d exceeds max_backoff_ms %d", cfg.Gateway.Retry.BackoffMs, cfg.Gateway.Retry.MaxBackoffMs))
	}

	// Assistant
	for term, replacement := range cfg.Assistant.Dictionary {
		if strings.TrimSpace(term) == "" {
			errs = append(errs, errors.New("assistant.dictionary contains an empty term"))
		}
		if strings.TrimSpace(replacement) == "" {
			errs = append(errs, fmt.Errorf("assistant.dictionary term %q has an empty replacement", term))
		}
	}
	for i, w := range cfg.Assistant.ForbiddenWords {
		if strings.TrimSpace(w) == "" {
			errs = append(errs, fmt.Errorf("assistant.forbidden_words[%d] is empty", i))
		}
	}

	return errors.Join(errs...)
}
