package config

import "maps"

// ConfigDiff describes what changed between two configs. Only fields that
// can be safely hot-reloaded are tracked; audio, VAD and gateway changes
// require a session restart and are reported as such.
type ConfigDiff struct {
	LogLevelChanged  bool
	NewLogLevel      LogLevel
	AssistantChanged bool
	RestartRequired  bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Assistant.Tone != new.Assistant.Tone ||
		old.Assistant.Context != new.Assistant.Context ||
		!maps.Equal(old.Assistant.Dictionary, new.Assistant.Dictionary) ||
		!stringSlicesEqual(old.Assistant.ForbiddenWords, new.Assistant.ForbiddenWords) {
		d.AssistantChanged = true
	}

	if old.Audio != new.Audio ||
		old.VAD != new.VAD ||
		old.Gateway != new.Gateway ||
		old.Transcript != new.Transcript ||
		old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = true
	}

	return d
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
