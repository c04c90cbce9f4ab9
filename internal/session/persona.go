package session

import "strings"

// BuildInstructions assembles the system prompt for the speech service from
// the base persona and optional context notes about the user. Notes are
// appended as a bullet list so the model treats them as background rather
// than conversation.
func BuildInstructions(persona string, notes []string) string {
	persona = strings.TrimSpace(persona)
	if len(notes) == 0 {
		return persona
	}

	var b strings.Builder
	b.WriteString(persona)
	if persona != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("Context about the user:")
	for _, n := range notes {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(n)
	}
	return b.String()
}
