package agent

import "strings"

// RenderTranscript flattens a dialogue history into the transcript string
// posted at teardown. Only user and assistant entries are rendered, one
// "User: …" or "Assistant: …" line each; injected system context and entries
// with blank content are skipped.
func RenderTranscript(history []Message) string {
	var b strings.Builder
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case RoleUser:
			b.WriteString("User: ")
		case RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			continue
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
