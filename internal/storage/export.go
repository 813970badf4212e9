package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders a session as a markdown document.
func ExportMarkdown(sess *SandboxSession) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# %s\n\n", sess.Identity))
	b.WriteString(fmt.Sprintf("- **Runs:** %d\n", sess.RunCount))
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Updated:** %s\n", sess.UpdatedAt.Format("2006-01-02 15:04:05")))
	if sess.Source != nil {
		b.WriteString(fmt.Sprintf("- **Origin:** %s\n", sess.Source.Origin))
	}
	if r := sess.Result; r != nil {
		b.WriteString(fmt.Sprintf("- **Status:** %s\n", r.Status))
		if r.Isolation != "" {
			b.WriteString(fmt.Sprintf("- **Isolation:** %s\n", r.Isolation))
		}
		b.WriteString(fmt.Sprintf("- **Duration:** %s\n", r.Duration))
	}
	b.WriteString("\n---\n\n")

	if sess.Source != nil {
		b.WriteString(fmt.Sprintf("## Source\n\n```python\n%s\n```\n\n", strings.TrimRight(sess.Source.Text, "\n")))
	}

	r := sess.Result
	if r == nil {
		return b.String()
	}
	if r.Output != "" {
		b.WriteString(fmt.Sprintf("## Output\n\n```\n%s\n```\n\n", strings.TrimRight(r.Output, "\n")))
		if r.Truncated {
			b.WriteString("_Output truncated._\n\n")
		}
	}
	if e := r.Error; e != nil {
		b.WriteString(fmt.Sprintf("## Error\n\n**%s**", e.Kind))
		if e.Line > 0 {
			b.WriteString(fmt.Sprintf(" at line %d", e.Line))
		}
		b.WriteString(fmt.Sprintf(": %s\n\n", e.Message))
		for _, d := range e.Denials {
			b.WriteString(fmt.Sprintf("- line %d `%s`: %s\n", d.Line, d.Statement, d.Reason))
		}
		if len(e.Denials) > 0 {
			b.WriteString("\n")
		}
		if e.Traceback != "" {
			b.WriteString(fmt.Sprintf("<details>\n<summary>Traceback</summary>\n\n```\n%s\n```\n</details>\n\n", e.Traceback))
		}
	}

	return b.String()
}

// ExportJSON renders a session as formatted JSON.
func ExportJSON(sess *SandboxSession) ([]byte, error) {
	return json.MarshalIndent(sess, "", "  ")
}
