package transcript

import (
	"maps"
	"slices"
	"strings"

	"github.com/balti-ai/balti-voice/internal/config"
)

// BuildInstructions assembles the system prompt sent with every gateway
// request from the assistant's persona settings. Dictionary terms are listed
// in sorted order so the prompt is stable across restarts.
func BuildInstructions(cfg config.AssistantConfig) string {
	var b strings.Builder

	b.WriteString("You are a voice assistant. Reply with short spoken-style answers.")

	if cfg.Tone != "" {
		b.WriteString("\n\nTone: ")
		b.WriteString(strings.TrimSpace(cfg.Tone))
	}
	if cfg.Context != "" {
		b.WriteString("\n\nBackground: ")
		b.WriteString(strings.TrimSpace(cfg.Context))
	}

	if len(cfg.Dictionary) > 0 {
		b.WriteString("\n\nThe speaker may use regional vocabulary. Glossary:")
		for _, term := range slices.Sorted(maps.Keys(cfg.Dictionary)) {
			b.WriteString("\n- ")
			b.WriteString(term)
			b.WriteString(": ")
			b.WriteString(cfg.Dictionary[term])
		}
	}

	if len(cfg.ForbiddenWords) > 0 {
		b.WriteString("\n\nNever use the following words: ")
		b.WriteString(strings.Join(cfg.ForbiddenWords, ", "))
		b.WriteString(".")
	}

	return b.String()
}
