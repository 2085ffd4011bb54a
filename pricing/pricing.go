// Package pricing estimates the USD cost of a run from its token usage.
package pricing

import (
	"fmt"
	"sort"
	"strings"
)

// Price is a model's price in USD per million tokens. Cached is zero when the
// provider has no discounted rate for cached input.
type Price struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
	Cached float64 `json:"cached,omitempty" yaml:"cached"`
}

// DefaultPrice applies to models missing from the table.
var DefaultPrice = Price{Input: 1, Output: 2}

type entry struct {
	model string
	price Price
}

// builtin is ordered: prefix matching takes the first hit.
var builtin = []entry{
	{"gpt-4o", Price{2.5, 10, 1.25}},
	{"gpt-4o-mini", Price{0.15, 0.6, 0.075}},
	{"gpt-4o-2024-11-20", Price{2.5, 10, 1.25}},
	{"gpt-4o-2024-08-06", Price{2.5, 10, 1.25}},
	{"gpt-4-turbo", Price{10, 30, 0}},
	{"gpt-4-turbo-preview", Price{10, 30, 0}},
	{"gpt-4", Price{30, 60, 0}},
	{"gpt-4-32k", Price{60, 120, 0}},
	{"gpt-3.5-turbo", Price{0.5, 1.5, 0}},
	{"gpt-3.5-turbo-16k", Price{3, 4, 0}},
	{"o1", Price{15, 60, 7.5}},
	{"o1-mini", Price{3, 12, 1.5}},
	{"o1-preview", Price{15, 60, 0}},
	{"o3-mini", Price{1.1, 4.4, 0.55}},
	{"claude-3-5-sonnet-20241022", Price{3, 15, 0.3}},
	{"claude-3-5-haiku-20241022", Price{0.8, 4, 0.08}},
	{"claude-3-opus-20240229", Price{15, 75, 1.5}},
	{"deepseek-chat", Price{0.14, 0.28, 0.014}},
	{"deepseek-reasoner", Price{0.55, 2.19, 0}},
	{"deepseek-ai/deepseek-v3.1-terminus", Price{0.14, 0.28, 0}},
	{"moonshot-v1-8k", Price{0.85, 0.85, 0}},
	{"moonshot-v1-32k", Price{1.7, 1.7, 0}},
	{"moonshot-v1-128k", Price{4.25, 4.25, 0}},
}

// Table maps model ids to prices.
type Table struct {
	entries []entry
	index   map[string]Price
}

// NewTable returns the built-in table with overrides applied. Overrides for
// unknown models are added after the built-in entries, sorted by id.
func NewTable(overrides map[string]Price) *Table {
	t := &Table{index: make(map[string]Price, len(builtin)+len(overrides))}
	for _, e := range builtin {
		if p, ok := overrides[e.model]; ok {
			e.price = p
		}
		t.add(e)
	}
	extra := make([]string, 0, len(overrides))
	for model := range overrides {
		if _, ok := t.index[model]; !ok {
			extra = append(extra, model)
		}
	}
	sort.Strings(extra)
	for _, model := range extra {
		t.add(entry{model, overrides[model]})
	}
	return t
}

func (t *Table) add(e entry) {
	t.entries = append(t.entries, e)
	t.index[e.model] = e.price
}

// Lookup finds the price of model: exact id, then its first three
// dash-separated parts, then the first entry that is a prefix of the id or
// has the id as prefix. It reports false when DefaultPrice was used.
func (t *Table) Lookup(model string) (Price, bool) {
	if p, ok := t.index[model]; ok {
		return p, true
	}
	parts := strings.Split(model, "-")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	if p, ok := t.index[strings.Join(parts, "-")]; ok {
		return p, true
	}
	if model != "" {
		for _, e := range t.entries {
			if strings.HasPrefix(model, e.model) || strings.HasPrefix(e.model, model) {
				return e.price, true
			}
		}
	}
	return DefaultPrice, false
}

// Cost is the cost breakdown of one run, in USD.
type Cost struct {
	Model        string  `json:"model"`
	Price        Price   `json:"pricePerMillion"`
	Known        bool    `json:"known"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CachedTokens int     `json:"cachedTokens"`
	InputCost    float64 `json:"inputCost"`
	OutputCost   float64 `json:"outputCost"`
	CachedCost   float64 `json:"cachedCost"`
	TotalCost    float64 `json:"totalCost"`
}

// Cost prices a run. Cached tokens are billed at the cached rate and removed
// from the input count.
func (t *Table) Cost(model string, promptTokens, completionTokens, cachedTokens int) Cost {
	p, known := t.Lookup(model)
	input := promptTokens - cachedTokens
	c := Cost{
		Model:        model,
		Price:        p,
		Known:        known,
		InputTokens:  input,
		OutputTokens: completionTokens,
		CachedTokens: cachedTokens,
		InputCost:    perMillion(input, p.Input),
		OutputCost:   perMillion(completionTokens, p.Output),
		CachedCost:   perMillion(cachedTokens, p.Cached),
	}
	c.TotalCost = c.InputCost + c.OutputCost + c.CachedCost
	return c
}

func perMillion(tokens int, price float64) float64 {
	return float64(tokens) / 1_000_000 * price
}

// FormatCost renders a USD amount with precision that grows as it shrinks.
func FormatCost(cost float64) string {
	switch {
	case cost < 0.0001:
		return "< $0.0001"
	case cost < 0.01:
		return fmt.Sprintf("$%.4f", cost)
	case cost < 1:
		return fmt.Sprintf("$%.3f", cost)
	default:
		return fmt.Sprintf("$%.2f", cost)
	}
}

// Breakdown renders c one line per billed component, then the total.
func (c Cost) Breakdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "input: %s (%d tokens @ $%g/M)\n", FormatCost(c.InputCost), c.InputTokens, c.Price.Input)
	fmt.Fprintf(&b, "output: %s (%d tokens @ $%g/M)\n", FormatCost(c.OutputCost), c.OutputTokens, c.Price.Output)
	if c.CachedTokens > 0 && c.Price.Cached > 0 {
		fmt.Fprintf(&b, "cached: %s (%d tokens @ $%g/M)\n", FormatCost(c.CachedCost), c.CachedTokens, c.Price.Cached)
	}
	fmt.Fprintf(&b, "total: %s", FormatCost(c.TotalCost))
	return b.String()
}
