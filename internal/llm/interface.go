package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// Client is the part of openai.Client the Invoker depends on. Tests swap in
// a recording fake.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}
