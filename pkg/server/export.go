package server

import (
	"fmt"
	"html/template"
	"strings"

	"github.com/kadirpekel/sidekick/pkg/protocol"
	"github.com/kadirpekel/sidekick/pkg/session"
)

// exportTemplate renders the active branch as a standalone document.
var exportTemplate = template.Must(template.New("export").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: monospace; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; }
.entry { margin: 1rem 0; padding: 0.5rem 1rem; border-left: 3px solid #ccc; }
.user { border-color: #2a7; }
.assistant { border-color: #27c; }
.toolResult { border-color: #ca2; }
.compaction { border-color: #c2c; font-style: italic; }
.role { font-weight: bold; margin-bottom: 0.25rem; }
pre { white-space: pre-wrap; word-break: break-word; margin: 0; }
.reasoning { color: #888; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{range .Entries}}<div class="entry {{.Class}}">
<div class="role">{{.Role}}</div>
{{if .Reasoning}}<pre class="reasoning">{{.Reasoning}}</pre>{{end}}
<pre>{{.Text}}</pre>
</div>
{{end}}</body>
</html>
`))

type exportEntry struct {
	Class     string
	Role      string
	Reasoning string
	Text      string
}

// exportHTML renders the session's active branch. Non-conversational
// entry kinds are skipped.
func (s *Server) exportHTML(sess *session.Session) (string, error) {
	branch, err := sess.ActiveBranch()
	if err != nil {
		return "", err
	}

	title := sess.Name()
	if title == "" {
		title = "Session " + sess.ID()
	}

	var entries []exportEntry
	for _, e := range branch {
		switch e.Type {
		case protocol.EntryTypeMessage:
			m := e.Message
			item := exportEntry{
				Class:     string(m.Role),
				Role:      string(m.Role),
				Reasoning: m.Reasoning,
				Text:      protocol.Text(m.Content),
			}
			if m.Role == protocol.RoleToolResult {
				item.Role = fmt.Sprintf("tool result (%s)", m.ToolName)
			}
			for _, call := range m.ToolCalls {
				if item.Text != "" {
					item.Text += "\n"
				}
				item.Text += fmt.Sprintf("→ %s(%v)", call.Name, call.Arguments)
			}
			entries = append(entries, item)
		case protocol.EntryTypeCompaction:
			entries = append(entries, exportEntry{
				Class: "compaction",
				Role:  "compaction",
				Text:  e.Compaction.Summary,
			})
		}
	}

	var buf strings.Builder
	err = exportTemplate.Execute(&buf, map[string]any{
		"Title":   title,
		"Entries": entries,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
