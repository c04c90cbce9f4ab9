package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without restarting the process are
// tracked: the log level takes effect immediately, the rest on the next
// session start.
type ConfigDiff struct {
	// LogLevelChanged reports a new log verbosity.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged reports a change to instructions, context notes,
	// kickoff prompt, or quick prompts.
	PersonaChanged bool

	// VoiceChanged reports a change to the synthesis voice.
	VoiceChanged bool

	// SessionChanged reports a change to session engine tuning.
	SessionChanged bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.PersonaChanged || d.VoiceChanged || d.SessionChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if personaChanged(&old.Persona, &new.Persona) {
		d.PersonaChanged = true
	}
	if old.Persona.Voice != new.Persona.Voice {
		d.VoiceChanged = true
	}
	if old.Session != new.Session {
		d.SessionChanged = true
	}

	return d
}

// personaChanged compares everything in the persona except the voice, which
// is tracked separately.
func personaChanged(old, new *PersonaConfig) bool {
	if old.Name != new.Name ||
		old.Instructions != new.Instructions ||
		old.KickoffPrompt != new.KickoffPrompt {
		return true
	}
	if !slices.Equal(old.ContextNotes, new.ContextNotes) {
		return true
	}
	return !slices.Equal(old.QuickPrompts, new.QuickPrompts)
}
