package convo

import (
	"fmt"
	"strings"
	"time"
)

// FormatTranscript renders messages as prompt text, one line per message,
// oldest first. IDs are included so the model can name a target message.
func FormatTranscript(msgs []Message, botName string) string {
	var b strings.Builder
	for _, m := range msgs {
		name := m.AuthorName
		if m.FromBot {
			name = botName
		}
		if name == "" {
			name = m.AuthorID
		}
		ts := time.UnixMilli(m.CreatedAt).UTC().Format("15:04")
		fmt.Fprintf(&b, "[%s] (%s) %s: %s\n", m.ID, ts, name, m.Content)
	}
	return b.String()
}
