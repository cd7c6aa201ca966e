package window

import (
	"fmt"
	"unicode/utf8"

	"greekroom/internal/chat"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates the prompt tokens a message costs.
type Counter interface {
	Count(m chat.Message) int
}

// Fixed per-message overhead for role and formatting.
const messageOverhead = 4

// HeuristicCounter assumes roughly four characters per token. It is
// deterministic and needs no vocabulary files.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(m chat.Message) int {
	total := messageOverhead + runeTokens(m.Content)
	for _, tc := range m.ToolCalls {
		total += runeTokens(tc.Name) + runeTokens(tc.EncodeArguments())
	}
	return total
}

func runeTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

// TiktokenCounter counts with a BPE vocabulary.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the encoding for model, or the named encoding when
// model is unknown to tiktoken.
func NewTiktokenCounter(model, encoding string) (*TiktokenCounter, error) {
	if model != "" {
		if enc, err := tiktoken.EncodingForModel(model); err == nil {
			return &TiktokenCounter{enc: enc}, nil
		}
	}
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(m chat.Message) int {
	total := messageOverhead + len(c.enc.Encode(m.Content, nil, nil))
	for _, tc := range m.ToolCalls {
		total += len(c.enc.Encode(tc.Name, nil, nil)) + len(c.enc.Encode(tc.EncodeArguments(), nil, nil))
	}
	return total
}
