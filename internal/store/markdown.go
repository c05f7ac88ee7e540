// ABOUTME: Markdown rendering of transcripts for operators and the HTTP API
// ABOUTME: Output is plain CommonMark so it can be converted to HTML by goldmark

package store

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Markdown renders the transcript as a CommonMark document.
func (t *Transcript) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Conversation %s\n\n", t.SessionID)

	fmt.Fprintf(&b, "- **Status:** %s\n", t.FinalStatus)
	if t.EscalationReason != "" {
		fmt.Fprintf(&b, "- **Escalation reason:** %s\n", t.EscalationReason)
	}
	if t.CustomerEmail != "" {
		fmt.Fprintf(&b, "- **Customer:** %s\n", t.CustomerEmail)
	}
	if t.FinalSentiment != "" {
		fmt.Fprintf(&b, "- **Final sentiment:** %s\n", t.FinalSentiment)
	}
	if t.FinalIntent != "" {
		fmt.Fprintf(&b, "- **Final intent:** %s\n", t.FinalIntent)
	}
	fmt.Fprintf(&b, "- **Started:** %s\n", t.StartedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Ended:** %s\n", t.EndedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Messages:** %d\n", t.MessageCount)

	if len(t.Entities) > 0 {
		b.WriteString("\n## Entities\n\n")
		keys := make([]string, 0, len(t.Entities))
		for k := range t.Entities {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- `%s`: %v\n", k, t.Entities[k])
		}
	}

	if len(t.Messages) > 0 {
		b.WriteString("\n## Messages\n")
		for _, m := range t.Messages {
			who := m.Sender
			if m.Agent != "" {
				who += " (" + m.Agent + ")"
			}
			fmt.Fprintf(&b, "\n**%d. %s** · %s\n\n", m.Seq, who, m.Timestamp.UTC().Format(time.TimeOnly))
			for _, line := range strings.Split(m.Text, "\n") {
				fmt.Fprintf(&b, "> %s\n", line)
			}
			var tags []string
			if m.Sentiment != "" {
				tags = append(tags, "sentiment "+m.Sentiment)
			}
			if m.Intent != "" {
				tags = append(tags, "intent "+m.Intent)
			}
			if len(tags) > 0 {
				fmt.Fprintf(&b, "\n_%s_\n", strings.Join(tags, ", "))
			}
		}
	}

	return b.String()
}
