// ABOUTME: Renders a session's turns as a markdown transcript or an HTML page
// ABOUTME: HTML goes through goldmark with raw HTML in messages escaped

package transcript

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/coven-chat/internal/store"
)

const timeLayout = "2006-01-02 15:04 UTC"

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

var page = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; }
h2 { border-bottom: 1px solid #ddd; padding-bottom: .25rem; }
{{if .Color}}h1 { color: {{.Color}}; }{{end}}
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// Markdown renders a session loaded with its bot and messages.
func Markdown(session *store.Session) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", session.Title)

	botName := "Assistant"
	if session.Bot != nil {
		botName = session.Bot.Name
		fmt.Fprintf(&b, "Bot: **%s**  \n", session.Bot.Name)
	}
	if !session.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "Started: %s  \n", formatTime(session.CreatedAt))
	}
	fmt.Fprintf(&b, "Turns: %d\n", len(session.Messages))

	for i, m := range session.Messages {
		fmt.Fprintf(&b, "\n## Turn %d\n\n", i+1)

		fmt.Fprintf(&b, "**%s**", orDefault(m.CreatedBy, "User"))
		if !m.CreatedAt.IsZero() {
			fmt.Fprintf(&b, " _%s_", formatTime(m.CreatedAt))
		}
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(m.UserMessage))
		b.WriteString("\n")

		if len(m.Media) > 0 {
			b.WriteString("\nAttachments:\n\n")
			for _, a := range m.Media {
				fmt.Fprintf(&b, "- [%s](%s)", escapeLinkText(orDefault(a.FileName, a.Name)), a.MediaURL)
				if a.ContentType != "" {
					fmt.Fprintf(&b, " `%s`", a.ContentType)
				}
				b.WriteString("\n")
			}
		}

		fmt.Fprintf(&b, "\n**%s**", botName)
		if meta := turnMeta(m); meta != "" {
			fmt.Fprintf(&b, " _%s_", meta)
		}
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(m.AgentResponse))
		b.WriteString("\n")
	}

	return b.String()
}

// HTML renders the transcript as a standalone HTML page.
func HTML(session *store.Session) ([]byte, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(Markdown(session)), &body); err != nil {
		return nil, fmt.Errorf("converting markdown: %w", err)
	}

	data := struct {
		Title string
		Color template.CSS
		Body  template.HTML
	}{
		Title: session.Title,
		Body:  template.HTML(body.String()),
	}
	if session.Bot != nil && session.Bot.SystemColor != "" {
		data.Color = template.CSS(session.Bot.SystemColor)
	}

	var out bytes.Buffer
	if err := page.Execute(&out, data); err != nil {
		return nil, fmt.Errorf("rendering transcript page: %w", err)
	}
	return out.Bytes(), nil
}

func turnMeta(m *store.Message) string {
	var parts []string
	if m.Model != "" {
		parts = append(parts, m.Model)
	}
	if m.InputTokens > 0 || m.OutputTokens > 0 {
		parts = append(parts, fmt.Sprintf("%d in / %d out tokens", m.InputTokens, m.OutputTokens))
	}
	return strings.Join(parts, ", ")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

var linkTextReplacer = strings.NewReplacer("[", `\[`, "]", `\]`)

func escapeLinkText(s string) string {
	return linkTextReplacer.Replace(s)
}
