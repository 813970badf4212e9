package llm

import (
	"strings"
)

// CodeOnlySystemPrompt is sent with every generation unless a profile
// overrides it.
const CodeOnlySystemPrompt = "You are an expert Python programmer. Respond only with clean code that " +
	"addresses the user's request, do not add any explanations and do not wrap the code in quotes " +
	"or Markdown fences. You may comment the code using comment syntax only. " +
	"The code runs in a restricted Python dialect: no classes, no try/except, no with statements, " +
	"and only allow-listed modules can be imported. " +
	"By default, output the full program unless the user asks for a fragment."

// TrimContext bounds the file content sent with an instruction. Content
// longer than limit characters keeps its head, cut at a line boundary, and is
// marked as truncated; limit <= 0 disables the limit.
func TrimContext(content string, limit int) string {
	if limit <= 0 || len(content) <= limit {
		return content
	}
	cut := strings.LastIndexByte(content[:limit], '\n')
	if cut <= 0 {
		cut = limit
	}
	return content[:cut] + "\n# ... (file truncated)\n"
}

// ExtractCode strips Markdown code fences from a reply. When the reply
// contains several fenced blocks the first is returned; a reply with no
// fences is returned trimmed.
func ExtractCode(reply string) string {
	reply = strings.TrimSpace(reply)
	start := strings.Index(reply, "```")
	if start < 0 {
		return reply
	}
	body := reply[start+3:]
	// Skip the info string, e.g. ```python.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		return reply
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimRight(body, " \t\n") + "\n"
}

// userPrompt is the instruction followed by the file content.
func (r Request) userPrompt() string {
	prompt := strings.TrimSpace(r.Prompt)
	if r.Context == "" {
		return prompt
	}
	return prompt + "\n\n" + r.Context
}

func (r Request) system() string {
	if r.System != "" {
		return r.System
	}
	return CodeOnlySystemPrompt
}
