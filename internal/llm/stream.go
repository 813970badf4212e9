package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
)

// GenerateStream sends a streaming chat completion request.
// The handler is called with each text delta as it arrives.
// Returns the full reply once streaming is complete.
func (g *OpenAIGenerator) GenerateStream(ctx context.Context, req Request, handler StreamHandler) (string, error) {
	params := g.params(req)

	var stream *ssestream.Stream[openai.ChatCompletionChunk]
	for attempt := range 3 {
		stream = g.client.Chat.Completions.NewStreaming(ctx, params)
		err := stream.Err()
		if err == nil {
			break
		}
		stream.Close()
		if !rateLimited(err) || attempt == 2 {
			return "", g.fail(params.Model, err)
		}
		wait := time.Duration(2<<attempt) * time.Second
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", g.fail(params.Model, ctx.Err())
		}
	}
	defer stream.Close()

	var reply strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		reply.WriteString(delta)
		if handler != nil {
			handler(delta)
		}
	}

	if err := stream.Err(); err != nil {
		return "", g.fail(params.Model, fmt.Errorf("streaming: %w", err))
	}
	return reply.String(), nil
}
