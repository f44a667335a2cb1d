// Package utils provides token counting and loose-typed argument helpers.
package utils

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens with a tiktoken codec. Every model, including
// non-OpenAI ones, is approximated with the GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter returns a counter for model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text. Without a codec it
// estimates four characters per token.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// Truncate cuts text to at most limit tokens and reports whether it did.
// The cut lands on a line boundary when one exists in the kept prefix.
func (tc *TokenCounter) Truncate(text string, limit int) (string, bool) {
	if limit <= 0 {
		return "", text != ""
	}
	if tc.CountTokens(text) <= limit {
		return text, false
	}

	kept := text[:min(len(text), limit*4)]
	if tc != nil && tc.codec != nil {
		ids, _, err := tc.codec.Encode(text)
		if err == nil && len(ids) > limit {
			if decoded, err := tc.codec.Decode(ids[:limit]); err == nil {
				kept = decoded
			}
		}
	}
	if i := strings.LastIndexByte(kept, '\n'); i > 0 {
		kept = kept[:i+1]
	}
	return kept, true
}
