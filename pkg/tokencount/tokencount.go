// Package tokencount estimates token usage for accounting. Counts are
// approximate: nodes may run models with different tokenizers, but the
// cl100k_base estimate is close enough for quota reporting.
package tokencount

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens with a fixed encoding.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// New builds a Counter on the cl100k_base encoding.
func New() (*Counter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("op=tokencount.new: %w", err)
	}
	return &Counter{enc: enc}, nil
}

// Count returns the token count of s.
func (c *Counter) Count(s string) int {
	if s == "" {
		return 0
	}
	return len(c.enc.Encode(s, nil, nil))
}
