package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/option"
)

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name, reply, want string
	}{
		{"plain", "  print(1)\n\n", "print(1)"},
		{"fenced", "```python\nprint(1)\n```", "print(1)\n"},
		{"fence with prose", "Here you go:\n```\nx = 1\ny = 2\n```\nEnjoy.", "x = 1\ny = 2\n"},
		{"first block wins", "```py\na = 1\n```\n```py\nb = 2\n```", "a = 1\n"},
		{"unterminated", "```python\nprint(2)\n", "print(2)\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCode(tt.reply); got != tt.want {
				t.Errorf("ExtractCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTrimContext(t *testing.T) {
	content := "line one\nline two\nline three\n"
	if got := TrimContext(content, 0); got != content {
		t.Errorf("unlimited trim changed content: %q", got)
	}
	got := TrimContext(content, 15)
	if !strings.HasPrefix(got, "line one\n") || strings.Contains(got, "line two") {
		t.Errorf("TrimContext = %q", got)
	}
	if !strings.Contains(got, "truncated") {
		t.Errorf("missing truncation marker: %q", got)
	}
}

func TestRequestPrompts(t *testing.T) {
	r := Request{Prompt: " add a docstring ", Context: "x = 1\n"}
	if got := r.userPrompt(); got != "add a docstring\n\nx = 1\n" {
		t.Errorf("userPrompt = %q", got)
	}
	if r.system() != CodeOnlySystemPrompt {
		t.Error("default system prompt not used")
	}
	r.System = "custom"
	if r.system() != "custom" {
		t.Error("explicit system prompt ignored")
	}
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("terse.yaml", "provider: anthropic\nmodel: claude-sonnet-4-5\nsystem_prompt: Only code.\nmax_tokens: 1024\n")
	write("named.yml", "name: fast\nmodel: gpt-4o-mini\n")
	write("notes.txt", "ignored")

	profiles, err := LoadProfiles(dir)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if got := ProfileNames(profiles); strings.Join(got, ",") != "fast,terse" {
		t.Fatalf("names = %v", got)
	}

	req := profiles["terse"].Apply(Request{Prompt: "p"})
	if req.System != "Only code." || req.Model != "claude-sonnet-4-5" || req.MaxTokens != 1024 {
		t.Errorf("applied request = %+v", req)
	}
	req = profiles["terse"].Apply(Request{Model: "explicit"})
	if req.Model != "explicit" {
		t.Errorf("profile overrode explicit model: %q", req.Model)
	}

	if missing, err := LoadProfiles(filepath.Join(dir, "nope")); err != nil || len(missing) != 0 {
		t.Errorf("missing dir = %v, %v", missing, err)
	}
}

func TestNewGenerator(t *testing.T) {
	if _, err := NewGenerator("", "http://localhost/v1/", "", "m", 0); err != nil {
		t.Errorf("openai-compatible: %v", err)
	}
	if g, err := NewGenerator(KindAnthropic, "", "k", "m", 0); err != nil {
		t.Errorf("anthropic: %v", err)
	} else if _, ok := g.(*AnthropicGenerator); !ok {
		t.Errorf("got %T", g)
	}
	if _, err := NewGenerator("bard", "", "", "m", 0); err == nil {
		t.Error("expected unknown kind error")
	}
	if _, err := NewGenerator(KindOpenAI, "", "", "", 0); err == nil {
		t.Error("expected missing model error")
	}
}

func openAIServer(t *testing.T, handler http.HandlerFunc) *OpenAIGenerator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAI(srv.URL+"/", "test-key", "test-model", 256, option.WithMaxRetries(0))
}

func TestOpenAIGenerate(t *testing.T) {
	var got struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	g := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"test-model",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"print(1)"}}]}`)
	})

	reply, err := g.Generate(context.Background(), Request{Prompt: "say one", Context: "x = 1"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "print(1)" {
		t.Errorf("reply = %q", reply)
	}
	if got.Model != "test-model" || got.MaxTokens != 256 {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "say one\n\nx = 1" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestOpenAIGenerateStream(t *testing.T) {
	g := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range []string{"print(", "2)"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"test-model\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var deltas []string
	reply, err := g.GenerateStream(context.Background(), Request{Prompt: "p"}, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if reply != "print(2)" || len(deltas) != 2 {
		t.Errorf("reply = %q, deltas = %q", reply, deltas)
	}
}

func TestOpenAIGenerationError(t *testing.T) {
	g := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	})

	_, err := g.Generate(context.Background(), Request{Prompt: "p"})
	var ge *GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v, want GenerationError", err)
	}
	if ge.Status != http.StatusBadRequest || ge.Provider != "openai" {
		t.Errorf("generation error = %+v", ge)
	}
}

func anthropicServer(t *testing.T, handler http.HandlerFunc) *AnthropicGenerator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAnthropic(srv.URL+"/", "test-key", "claude-test", 512, anthropicoption.WithMaxRetries(0))
}

func TestAnthropicGenerate(t *testing.T) {
	var got struct {
		System []struct {
			Text string `json:"text"`
		} `json:"system"`
		MaxTokens int `json:"max_tokens"`
	}
	g := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"m1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"print(3)"}],"stop_reason":"end_turn",
			"usage":{"input_tokens":3,"output_tokens":2}}`)
	})

	reply, err := g.Generate(context.Background(), Request{Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "print(3)" {
		t.Errorf("reply = %q", reply)
	}
	if len(got.System) != 1 || got.System[0].Text != CodeOnlySystemPrompt || got.MaxTokens != 512 {
		t.Errorf("request = %+v", got)
	}
}

func TestAnthropicGenerateStream(t *testing.T) {
	g := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []struct{ name, data string }{
			{"message_start", `{"type":"message_start","message":{"id":"m1","type":"message","role":"assistant","model":"claude-test","content":[],"usage":{"input_tokens":1,"output_tokens":0}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"ping", `{"type":"ping"}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"print("}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"4)"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`},
			{"message_stop", `{"type":"message_stop"}`},
		}
		for _, e := range events {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.name, e.data)
		}
	})

	var deltas []string
	reply, err := g.GenerateStream(context.Background(), Request{Prompt: "p"}, func(d string) { deltas = append(deltas, d) })
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if reply != "print(4)" || strings.Join(deltas, "|") != "print(|4)" {
		t.Errorf("reply = %q, deltas = %q", reply, deltas)
	}
}
