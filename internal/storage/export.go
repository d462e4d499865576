package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders a session and its log events as a markdown document.
func ExportMarkdown(sess *Session, events []LogEvent) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# %s\n\n", sess.EntryClass))
	b.WriteString(fmt.Sprintf("- **Session:** %s\n", sess.ID))
	if len(sess.Args) > 0 {
		b.WriteString(fmt.Sprintf("- **Args:** `%s`\n", strings.Join(sess.Args, " ")))
	}
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", sess.Status))
	b.WriteString(fmt.Sprintf("- **Ready:** %t\n", sess.Ready))
	b.WriteString(fmt.Sprintf("- **Exit code:** %d\n", sess.ExitCode))
	if sess.Error != "" {
		b.WriteString(fmt.Sprintf("- **Error:** %s\n", sess.Error))
	}
	b.WriteString("\n---\n\n")

	if len(events) > 0 {
		b.WriteString("## Log\n\n```\n")
		for _, ev := range events {
			b.WriteString(fmt.Sprintf("%s %-5s [%s] %s\n", ev.Time.UTC().Format("15:04:05.000"), ev.Level, ev.Logger, ev.Message))
		}
		b.WriteString("```\n\n")
	}

	if out := strings.TrimSpace(sess.Stdout); out != "" {
		b.WriteString(fmt.Sprintf("## Stdout\n\n```\n%s\n```\n\n", out))
	}
	if out := strings.TrimSpace(sess.Stderr); out != "" {
		b.WriteString(fmt.Sprintf("<details>\n<summary>Stderr</summary>\n\n```\n%s\n```\n</details>\n\n", out))
	}

	return b.String()
}

// ExportJSON renders a session and its log events as formatted JSON.
func ExportJSON(sess *Session, events []LogEvent) ([]byte, error) {
	export := struct {
		Session *Session   `json:"session"`
		Events  []LogEvent `json:"events"`
	}{
		Session: sess,
		Events:  events,
	}
	return json.MarshalIndent(export, "", "  ")
}
