package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicGenerator uses Anthropic's Messages API.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropic creates a generator. An empty baseURL uses the Anthropic
// default.
func NewAnthropic(baseURL, apiKey, model string, maxTokens int, opts ...option.RequestOption) *AnthropicGenerator {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicGenerator{
		client:    anthropic.NewClient(append(reqOpts, opts...)...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (g *AnthropicGenerator) params(req Request) anthropic.MessageNewParams {
	model := g.model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := g.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	return anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: req.system()}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.userPrompt())),
		},
	}
}

func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) (string, error) {
	params := g.params(req)

	var msg *anthropic.Message
	var err error
	for attempt := range 3 {
		msg, err = g.client.Messages.New(ctx, params)
		if err == nil {
			break
		}
		if !anthropicRateLimited(err) || attempt == 2 {
			return "", g.fail(string(params.Model), err)
		}
		wait := time.Duration(2<<attempt) * time.Second
		log.Printf("llm: rate limited by %s, retrying in %s", params.Model, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", g.fail(string(params.Model), ctx.Err())
		}
	}
	return messageText(msg), nil
}

func (g *AnthropicGenerator) GenerateStream(ctx context.Context, req Request, handler StreamHandler) (string, error) {
	params := g.params(req)
	stream := g.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var msg anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return "", g.fail(string(params.Model), fmt.Errorf("accumulating stream: %w", err))
		}
		if event.Type == "content_block_delta" && event.Delta.Type == "text_delta" && handler != nil {
			handler(event.Delta.Text)
		}
	}
	if err := stream.Err(); err != nil {
		return "", g.fail(string(params.Model), err)
	}
	return messageText(&msg), nil
}

func messageText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return b.String()
}

func (g *AnthropicGenerator) fail(model string, err error) error {
	ge := &GenerationError{Provider: "anthropic", Model: model, Err: err}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		ge.Status = apiErr.StatusCode
	}
	return ge
}

func anthropicRateLimited(err error) bool {
	var apiErr *anthropic.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}
