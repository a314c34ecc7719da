package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/fablecraft/fable/pkg/llm"
)

// SummarizerConfig carries per-level token targets and caps. A pass whose
// combined input fits the target is concatenated directly; anything
// larger goes through the text-generation collaborator and is then
// enforced against the cap.
type SummarizerConfig struct {
	Targets     map[SummaryLevel]int
	Caps        map[SummaryLevel]int
	Temperature float64
}

func defaultSummarizerConfig() SummarizerConfig {
	return SummarizerConfig{
		Targets: map[SummaryLevel]int{
			LevelScene:   120,
			LevelEpisode: 240,
			LevelAct:     360,
		},
		Caps: map[SummaryLevel]int{
			LevelScene:   120,
			LevelEpisode: 240,
			LevelAct:     360,
		},
		Temperature: 0.5,
	}
}

// Summarizer compresses finished narrative units into progressively
// shorter representations, never losing the append-only summary history.
type Summarizer struct {
	store Store
	gen   llm.TextGenerator
	cfg   SummarizerConfig
	log   logrus.FieldLogger
}

func NewSummarizer(store Store, gen llm.TextGenerator, cfg SummarizerConfig, log logrus.FieldLogger) *Summarizer {
	def := defaultSummarizerConfig()
	if cfg.Targets == nil {
		cfg.Targets = def.Targets
	}
	if cfg.Caps == nil {
		cfg.Caps = def.Caps
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = def.Temperature
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Summarizer{store: store, gen: gen, cfg: cfg, log: log}
}

// Summarize produces a new active SummaryNode for (level, scopeID) from
// the ordered child units. Re-summarizing the same scope appends a new
// node sharing SourceIDs and deactivates the previous one; history is
// never overwritten.
func (s *Summarizer) Summarize(ctx context.Context, level SummaryLevel, scopeID string, sources []SourceUnit) (SummaryNode, error) {
	if len(sources) == 0 {
		return SummaryNode{}, fmt.Errorf("summarize %s/%s: no source units", level, scopeID)
	}
	target := s.cfg.Targets[level]
	if target <= 0 {
		target = defaultSummarizerConfig().Targets[level]
	}
	cap := s.cfg.Caps[level]
	if cap <= 0 {
		cap = defaultSummarizerConfig().Caps[level]
	}

	combined := 0
	parts := make([]string, 0, len(sources))
	ids := make([]string, 0, len(sources))
	for _, src := range sources {
		combined += src.TokenCount
		text := strings.TrimSpace(src.Text)
		if text != "" {
			parts = append(parts, text)
		}
		ids = append(ids, src.ID)
	}
	joined := strings.Join(parts, "\n")

	var text string
	switch {
	case combined <= target:
		text = joined
	case s.gen != nil:
		generated, err := s.gen.Complete(ctx, compressionPrompt(level, joined, cap), cap, s.cfg.Temperature)
		if err != nil {
			// The generator has already exhausted its bounded retries.
			// Degrade to plain concatenation under the cap rather than
			// leaving the scope without a summary.
			s.log.WithFields(logrus.Fields{
				"level": level,
				"scope": scopeID,
			}).WithError(fmt.Errorf("%w: summarize %s/%s: %v", ErrGeneration, level, scopeID, err)).
				Warn("generation failed, degrading to concatenation")
			_ = s.store.AddMetric(ctx, "summary.degraded", 1, map[string]string{"level": string(level)})
			text = joined
		} else {
			text = strings.TrimSpace(generated)
		}
	default:
		text = joined
	}

	truncated := false
	if estimateTokens(text) > cap {
		text = truncateAtSentence(text, cap)
		truncated = true
	}

	node := SummaryNode{
		ID:         ulid.Make().String(),
		Level:      level,
		ScopeID:    scopeID,
		Text:       text,
		TokenCount: estimateTokens(text),
		SourceIDs:  ids,
		Active:     true,
		Truncated:  truncated,
	}
	if err := s.store.InsertSummaryNode(ctx, node); err != nil {
		return SummaryNode{}, err
	}
	if truncated {
		s.log.WithFields(logrus.Fields{
			"level": level,
			"scope": scopeID,
		}).Warn("summary truncated to level cap")
		_ = s.store.AddMetric(ctx, "summary.truncated", 1, map[string]string{"level": string(level)})
	}
	return node, nil
}

func compressionPrompt(level SummaryLevel, content string, cap int) string {
	var b strings.Builder
	b.WriteString("Compress the following ")
	b.WriteString(string(level))
	b.WriteString(" material into a concise summary that preserves every plot-critical fact, ")
	b.WriteString("character motivation and relationship change. Respond with the summary only, ")
	fmt.Fprintf(&b, "at most %d tokens.\n\n", cap)
	b.WriteString(content)
	return b.String()
}

// truncateAtSentence cuts text to the token cap, preferring sentence
// boundaries and falling back to a hard rune cut.
func truncateAtSentence(text string, cap int) string {
	if estimateTokens(text) <= cap {
		return text
	}
	sentences := splitSentences(text)
	var b strings.Builder
	used := 0
	for _, sentence := range sentences {
		tokens := estimateTokens(sentence)
		if used+tokens > cap {
			break
		}
		b.WriteString(sentence)
		used += tokens
	}
	out := strings.TrimSpace(b.String())
	if out != "" {
		return out
	}
	// No sentence fits; cut runes directly.
	runes := []rune(text)
	limit := cap * 5 / 2
	if limit < 1 {
		limit = 1
	}
	if limit > len(runes) {
		limit = len(runes)
	}
	return strings.TrimSpace(string(runes[:limit]))
}

func splitSentences(text string) []string {
	out := []string{}
	start := 0
	runes := []rune(text)
	for i, r := range runes {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			end := i + 1
			segment := string(runes[start:end])
			if strings.TrimSpace(segment) != "" {
				out = append(out, segment)
			}
			start = end
		}
	}
	if start < len(runes) {
		segment := string(runes[start:])
		if strings.TrimSpace(segment) != "" {
			out = append(out, segment)
		}
	}
	return out
}
