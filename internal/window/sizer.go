package window

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/rentguntur/project-school/internal/history"
)

// Sizer estimates how much of the budget a message consumes.
type Sizer interface {
	Size(m history.Message) int
}

// LengthSizer measures payload length in bytes: content plus tool-call
// names and arguments.
type LengthSizer struct{}

func (LengthSizer) Size(m history.Message) int {
	n := len(m.Content)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + len(tc.Arguments)
	}
	return n
}

// TokenSizer measures payload in model tokens.
type TokenSizer struct {
	encoding *tiktoken.Tiktoken
	mu       sync.Mutex
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// NewTokenSizer loads the encoding for model, falling back to cl100k_base
// for models tiktoken does not know.
func NewTokenSizer(model string) (*TokenSizer, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if enc, ok := encodingCache[model]; ok {
		return &TokenSizer{encoding: enc}, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}
	encodingCache[model] = enc
	return &TokenSizer{encoding: enc}, nil
}

func (s *TokenSizer) Size(m history.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.encoding.Encode(m.Content, nil, nil))
	for _, tc := range m.ToolCalls {
		n += len(s.encoding.Encode(tc.Name, nil, nil))
		n += len(s.encoding.Encode(tc.Arguments, nil, nil))
	}
	return n
}
