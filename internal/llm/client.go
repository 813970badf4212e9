package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIGenerator works with any OpenAI-compatible chat completions API
// (OpenAI, Ollama, vLLM, gateways).
type OpenAIGenerator struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAI creates a generator for the given endpoint. An empty baseURL
// uses the OpenAI default.
func NewOpenAI(baseURL, apiKey, model string, maxTokens int, opts ...option.RequestOption) *OpenAIGenerator {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(append(reqOpts, opts...)...)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &OpenAIGenerator{client: &client, model: model, maxTokens: maxTokens}
}

func (g *OpenAIGenerator) params(req Request) openai.ChatCompletionNewParams {
	model := g.model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := g.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	return openai.ChatCompletionNewParams{
		Model: model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.system()),
			openai.UserMessage(req.userPrompt()),
		},
		MaxTokens: openai.Int(int64(maxTokens)),
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	params := g.params(req)

	var completion *openai.ChatCompletion
	var err error
	for attempt := range 3 {
		completion, err = g.client.Chat.Completions.New(ctx, params)
		if err == nil {
			break
		}
		if !rateLimited(err) || attempt == 2 {
			return "", g.fail(params.Model, err)
		}
		wait := time.Duration(2<<attempt) * time.Second // 2s, 4s
		log.Printf("llm: rate limited by %s, retrying in %s", params.Model, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", g.fail(params.Model, ctx.Err())
		}
	}

	if len(completion.Choices) == 0 {
		return "", g.fail(params.Model, fmt.Errorf("no choices returned"))
	}
	return completion.Choices[0].Message.Content, nil
}

func (g *OpenAIGenerator) fail(model string, err error) error {
	ge := &GenerationError{Provider: "openai", Model: model, Err: err}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		ge.Status = apiErr.StatusCode
	}
	return ge
}

func rateLimited(err error) bool {
	var apiErr *openai.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}
