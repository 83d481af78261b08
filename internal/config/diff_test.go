package config_test

import (
	"testing"

	"github.com/balti-ai/balti-voice/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Audio:  config.AudioConfig{SampleRate: 16000, FrameMs: 20},
		Gateway: config.GatewayConfig{
			Name: "gemini-live", APIKey: "k",
			Retry: config.RetryConfig{MaxAttempts: 3},
		},
		Assistant: config.AssistantConfig{
			Tone:           "warm",
			Dictionary:     map[string]string{"chawal": "rice"},
			ForbiddenWords: []string{"badword"},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()

	d := config.Diff(old, new)
	if d.LogLevelChanged || d.AssistantChanged || d.RestartRequired {
		t.Errorf("diff of identical configs = %+v, want empty", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("log level change not detected")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
	if d.RestartRequired {
		t.Error("log level change should not require restart")
	}
}

func TestDiff_Assistant(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"tone", func(c *config.Config) { c.Assistant.Tone = "stern" }},
		{"context", func(c *config.Config) { c.Assistant.Context = "new background" }},
		{"dictionary", func(c *config.Config) { c.Assistant.Dictionary["chu"] = "water" }},
		{"forbidden words", func(c *config.Config) { c.Assistant.ForbiddenWords = nil }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tc.mutate(new)

			d := config.Diff(old, new)
			if !d.AssistantChanged {
				t.Error("assistant change not detected")
			}
			if d.RestartRequired {
				t.Error("assistant change should not require restart")
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"sample rate", func(c *config.Config) { c.Audio.SampleRate = 48000 }},
		{"vad trigger", func(c *config.Config) { c.VAD.TriggerMs = 200 }},
		{"gateway name", func(c *config.Config) { c.Gateway.Name = "openai-cascade" }},
		{"retry budget", func(c *config.Config) { c.Gateway.Retry.MaxAttempts = 5 }},
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9090" }},
		{"transcript dsn", func(c *config.Config) { c.Transcript.PostgresDSN = "postgres://x" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tc.mutate(new)

			if d := config.Diff(old, new); !d.RestartRequired {
				t.Error("restart-requiring change not detected")
			}
		})
	}
}
