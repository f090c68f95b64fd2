package prompt

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/provider"
	"github.com/nidhogg/nuka-memory/internal/tokens"
)

const (
	headerSummary   = "Summary of the earlier conversation:"
	headerSnippets  = "Things you remember about this user:"
	headerRetrieved = "Reference material:"
)

// Assembler controls context window sizing and trimming.
type Assembler struct {
	config Config
	est    tokens.Estimator
	logger *zap.Logger
}

// NewAssembler creates an assembler.
func NewAssembler(cfg Config, est tokens.Estimator, logger *zap.Logger) *Assembler {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.ReserveRatio <= 0 || cfg.ReserveRatio >= 1 {
		cfg.ReserveRatio = DefaultConfig().ReserveRatio
	}
	return &Assembler{config: cfg, est: est, logger: logger}
}

// Budget returns the available token budget for content.
func (a *Assembler) Budget() int {
	return int(float64(a.config.MaxTokens) * (1 - a.config.ReserveRatio))
}

// Fit builds the messages for w within the token budget, trimming the
// lowest-priority blocks first.
func (a *Assembler) Fit(ctx context.Context, w Window) ([]provider.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	blocks := a.collectBlocks(w)
	total := a.totalTokens(blocks)
	budget := a.Budget()

	if total <= budget {
		return flatten(blocks), nil
	}

	a.logger.Debug("prompt exceeds budget, trimming",
		zap.Int("total", total),
		zap.Int("budget", budget))

	for _, b := range blocks {
		if b.Fixed || total <= budget {
			continue
		}
		total -= a.trimBlock(b, total-budget)
	}
	if total > budget {
		return nil, fmt.Errorf("%w: %d > %d", ErrOverBudget, total, budget)
	}
	return flatten(blocks), nil
}

// collectBlocks gathers all non-empty blocks sorted by priority (lowest first).
func (a *Assembler) collectBlocks(w Window) []*Block {
	history := &Block{Name: "history", Priority: PriorityHistory}
	for _, m := range w.Memory.HistoryMessages {
		history.Items = append(history.Items, provider.Message{Role: string(m.Role), Content: m.Content})
	}

	retrieved := &Block{Name: "retrieved", Priority: PriorityRetrieved, Header: headerRetrieved}
	for i, c := range w.Retrieved {
		retrieved.Items = append(retrieved.Items, provider.Message{
			Role:    "system",
			Content: fmt.Sprintf("[%d] %s", i+1, c.Content),
		})
	}

	snippets := &Block{Name: "snippets", Priority: PrioritySnippets, Header: headerSnippets}
	for _, s := range w.Memory.KnowledgeSnippets {
		snippets.Items = append(snippets.Items, provider.Message{Role: "system", Content: "- " + s})
	}

	summary := &Block{Name: "summary", Priority: PrioritySummary, Header: headerSummary, Fixed: true}
	if w.Memory.Summary != "" {
		summary.Items = []provider.Message{{Role: "system", Content: w.Memory.Summary}}
	}

	system := &Block{Name: "system", Priority: PrioritySystem, Fixed: true}
	if w.SystemPrompt != "" {
		system.Items = []provider.Message{{Role: "system", Content: w.SystemPrompt}}
	}

	user := &Block{Name: "user", Priority: PriorityUser, Fixed: true}
	if w.UserMessage != "" {
		user.Items = []provider.Message{{Role: "user", Content: w.UserMessage}}
	}

	var result []*Block
	for _, b := range []*Block{history, retrieved, snippets, summary, system, user} {
		if len(b.Items) > 0 {
			b.Tokens = a.blockTokens(b)
			result = append(result, b)
		}
	}
	return result
}

func (a *Assembler) messageTokens(m provider.Message) int {
	return a.est.Count(a.config.ModelID, m.Role) + a.est.Count(a.config.ModelID, m.Content)
}

func (a *Assembler) blockTokens(b *Block) int {
	if len(b.Items) == 0 {
		return 0
	}
	total := 0
	for _, m := range b.Items {
		total += a.messageTokens(m)
	}
	if b.Header != "" {
		total += a.est.Count(a.config.ModelID, b.Header)
	}
	return total
}

// totalTokens sums token counts across all blocks.
func (a *Assembler) totalTokens(blocks []*Block) int {
	total := 0
	for _, b := range blocks {
		total += b.Tokens
	}
	return total
}

// trimBlock drops items until overflow is covered or the block is empty.
// History loses its oldest messages; the other blocks lose their tail,
// which holds the least relevant items. Returns the tokens freed.
func (a *Assembler) trimBlock(b *Block, overflow int) int {
	before := b.Tokens
	for before-b.Tokens < overflow && len(b.Items) > 0 {
		if b.Priority == PriorityHistory {
			b.Items = b.Items[1:]
		} else {
			b.Items = b.Items[:len(b.Items)-1]
		}
		b.Tokens = a.blockTokens(b)
	}
	freed := before - b.Tokens
	a.logger.Debug("trimmed block",
		zap.String("block", b.Name),
		zap.Int("freed", freed),
		zap.Int("remaining", len(b.Items)))
	return freed
}

// flatten orders blocks for the model: system prompt, summary, snippets,
// retrieved material, history, then the current user message.
func flatten(blocks []*Block) []provider.Message {
	byPriority := make(map[BlockPriority]*Block, len(blocks))
	for _, b := range blocks {
		byPriority[b.Priority] = b
	}
	var msgs []provider.Message
	for _, p := range []BlockPriority{PrioritySystem, PrioritySummary, PrioritySnippets, PriorityRetrieved, PriorityHistory, PriorityUser} {
		b, ok := byPriority[p]
		if !ok || len(b.Items) == 0 {
			continue
		}
		msgs = append(msgs, render(b)...)
	}
	return msgs
}

func render(b *Block) []provider.Message {
	if b.Header == "" {
		return b.Items
	}
	var sb strings.Builder
	sb.WriteString(b.Header)
	for _, m := range b.Items {
		sb.WriteString("\n")
		sb.WriteString(m.Content)
	}
	return []provider.Message{{Role: "system", Content: sb.String()}}
}
