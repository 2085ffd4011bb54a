// Package tokens estimates the prompt token count of compiled messages.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/teilomillet/promptbench/prompt"
)

// FallbackEncoding is used for models tiktoken does not know.
const FallbackEncoding = "cl100k_base"

// Per-message overheads of the chat format.
const (
	tokensPerMessage = 3
	replyPriming     = 3
	lowDetailImage   = 85
	highDetailImage  = 765
)

// Tokenizer encodes text into tokens.
type Tokenizer interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// Counter counts tokens with one encoding.
type Counter struct {
	enc Tokenizer
}

// NewCounter returns a counter for model, falling back to FallbackEncoding.
func NewCounter(model string) (*Counter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(FallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding for model %s: %w", model, err)
		}
	}
	return &Counter{enc: enc}, nil
}

// NewCounterWith returns a counter over t.
func NewCounterWith(t Tokenizer) *Counter {
	return &Counter{enc: t}
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessages estimates the prompt tokens of msgs, including the chat
// framing overhead. Images are charged at a flat rate by detail.
func (c *Counter) CountMessages(msgs []prompt.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	total := replyPriming
	for _, m := range msgs {
		total += tokensPerMessage + c.Count(string(m.Role))
		if !m.IsMultimodal() {
			total += c.Count(m.Text)
			continue
		}
		for _, part := range m.Parts {
			switch {
			case part.ImageURL == nil:
				total += c.Count(part.Text)
			case part.ImageURL.Detail == prompt.DetailLow:
				total += lowDetailImage
			default:
				total += highDetailImage
			}
		}
	}
	return total
}

// CountDraft estimates the prompt tokens of a draft as it would be sent.
func (c *Counter) CountDraft(d *prompt.Draft) int {
	return c.CountMessages(prompt.Assemble(d))
}

// Cache hands out one Counter per model.
type Cache struct {
	mu       sync.Mutex
	counters map[string]*Counter
	newFn    func(model string) (*Counter, error)
}

// NewCache returns an empty cache backed by NewCounter.
func NewCache() *Cache {
	return &Cache{counters: make(map[string]*Counter), newFn: NewCounter}
}

// Get returns the counter for model, creating it on first use.
func (c *Cache) Get(model string) (*Counter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok := c.counters[model]; ok {
		return counter, nil
	}
	counter, err := c.newFn(model)
	if err != nil {
		return nil, err
	}
	c.counters[model] = counter
	return counter, nil
}
