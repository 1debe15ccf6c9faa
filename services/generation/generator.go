// Package generation turns retrieved policy matches into a grounded, cited answer.
package generation

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/upb/policy-rag/config"
	"github.com/upb/policy-rag/models"
	"github.com/upb/policy-rag/services"
	"github.com/upb/policy-rag/services/providers"
	"github.com/upb/policy-rag/services/retrieval"
	"go.uber.org/zap"
)

// Defaults
const (
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 2048

	// MinSentenceOverlap is the Jaccard similarity needed to attribute an unmarked sentence
	MinSentenceOverlap = 0.2
)

var (
	sourceMarker  = regexp.MustCompile(`(?i)\[source\s*(\d+)\]`)
	sentenceSplit = regexp.MustCompile(`[.!?]+\s+|\n+`)
)

// Config holds the generation parameters
type Config struct {
	Temperature float64
	MaxTokens   int
}

// Citation ties part of an answer to one of the supplied matches
type Citation struct {
	// Source is the 1-based position of the match in the prompt
	Source       int     `json:"source"`
	DocumentName string  `json:"document"`
	Version      string  `json:"version"`
	Section      string  `json:"section"`
	Score        float64 `json:"score"`
}

// Answer is the generator output
type Answer struct {
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
	Emergency bool       `json:"emergency"`
	Refused   bool       `json:"refused"`
}

// Generator builds prompts and post-processes completions
type Generator struct {
	provider  providers.GenerationProvider
	rules     config.Rules
	cfg       Config
	emergency *regexp.Regexp
	logger    *zap.Logger
}

// New creates a generator. Empty rule texts fall back to the built-in wording.
func New(provider providers.GenerationProvider, rules config.Rules, cfg Config, logger *zap.Logger) *Generator {
	defaults := config.DefaultRules()
	if rules.RefusalText == "" {
		rules.RefusalText = defaults.RefusalText
	}
	if rules.EmergencyDirective == "" {
		rules.EmergencyDirective = defaults.EmergencyDirective
	}
	if len(rules.EmergencyKeywords) == 0 {
		rules.EmergencyKeywords = defaults.EmergencyKeywords
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Generator{
		provider:  provider,
		rules:     rules,
		cfg:       cfg,
		emergency: keywordPattern(rules.EmergencyKeywords),
		logger:    logger,
	}
}

// RefusalText returns the fixed refusal wording
func (g *Generator) RefusalText() string {
	return g.rules.RefusalText
}

// Generate answers question from matches only. With no matches it refuses
// without calling the provider.
func (g *Generator) Generate(ctx context.Context, question string, matches []models.RetrievedMatch) (*Answer, error) {
	return g.generate(ctx, question, matches, g.provider.Complete)
}

// GenerateStream answers like Generate and passes the model's text to onDelta
// as it arrives. Providers that cannot stream deliver their whole completion
// as one delta. A refusal without matches is delivered the same way.
func (g *Generator) GenerateStream(ctx context.Context, question string, matches []models.RetrievedMatch, onDelta providers.DeltaFunc) (*Answer, error) {
	if len(matches) == 0 {
		answer := g.refusal(g.IsEmergency(question, matches))
		if err := onDelta(answer.Text); err != nil {
			return nil, err
		}
		return answer, nil
	}

	return g.generate(ctx, question, matches, func(ctx context.Context, req *providers.GenerationRequest) (*providers.GenerationResponse, error) {
		if sp, ok := g.provider.(providers.StreamingGenerationProvider); ok {
			return sp.CompleteStream(ctx, req, onDelta)
		}
		resp, err := g.provider.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.FinishReason != providers.FinishReasonContentFilter {
			if err := onDelta(resp.Text); err != nil {
				return nil, err
			}
		}
		return resp, nil
	})
}

type completeFunc func(ctx context.Context, req *providers.GenerationRequest) (*providers.GenerationResponse, error)

func (g *Generator) refusal(emergency bool) *Answer {
	return &Answer{Text: g.rules.RefusalText, Citations: []Citation{}, Emergency: emergency, Refused: true}
}

func (g *Generator) generate(ctx context.Context, question string, matches []models.RetrievedMatch, complete completeFunc) (*Answer, error) {
	emergency := g.IsEmergency(question, matches)
	if len(matches) == 0 {
		return g.refusal(emergency), nil
	}

	req := &providers.GenerationRequest{
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: g.systemPrompt(emergency)},
			{Role: providers.RoleUser, Content: userPrompt(question, matches)},
		},
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	}

	resp, err := complete(ctx, req)
	if err != nil {
		return nil, g.classify(err)
	}
	if resp.FinishReason == providers.FinishReasonContentFilter {
		return nil, services.NewContentFiltered("completion withheld by provider content filter", nil)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, services.NewGenerationUnavailable("provider returned an empty completion", nil)
	}

	if g.isRefusal(text) {
		g.logger.Info("model declined for insufficient context", zap.Int("matches", len(matches)))
		return g.refusal(emergency), nil
	}

	if emergency && !g.opensWithDirective(text) {
		text = g.rules.EmergencyDirective + "\n\n" + text
	}

	return &Answer{
		Text:      text,
		Citations: Cite(text, matches),
		Emergency: emergency,
	}, nil
}

func (g *Generator) classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if providers.IsContentFiltered(err) {
		return services.NewContentFiltered("provider content filter triggered", err)
	}
	g.logger.Error("generation failed",
		zap.String("provider", g.provider.Name()),
		zap.Bool("rate_limited", providers.IsRateLimited(err)),
		zap.Error(err))
	return services.NewGenerationUnavailable("answer generation failed", err)
}

// IsEmergency reports whether the question or any matched text mentions an emergency keyword
func (g *Generator) IsEmergency(question string, matches []models.RetrievedMatch) bool {
	if g.emergency == nil {
		return false
	}
	if g.emergency.MatchString(question) {
		return true
	}
	for _, m := range matches {
		if g.emergency.MatchString(m.Text) {
			return true
		}
	}
	return false
}

func (g *Generator) isRefusal(text string) bool {
	return strings.Contains(squash(text), squash(g.rules.RefusalText))
}

// opensWithDirective accepts the configured directive, or its lead-in before the
// first colon, on the first non-empty line
func (g *Generator) opensWithDirective(text string) bool {
	first := strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
	first = strings.ToLower(strings.TrimLeft(first, "*#> "))
	directive := strings.ToLower(g.rules.EmergencyDirective)
	if strings.HasPrefix(first, directive) {
		return true
	}
	if lead, _, ok := strings.Cut(directive, ":"); ok && lead != "" {
		return strings.HasPrefix(first, lead)
	}
	return false
}

func (g *Generator) systemPrompt(emergency bool) string {
	var b strings.Builder
	b.WriteString("You are a policy assistant for care staff. Follow these rules strictly:\n")
	b.WriteString("1. Answer ONLY from the policy context supplied in the user message. Never use outside knowledge.\n")
	b.WriteString("2. Cite every factual claim as [Source N], naming the document and section it comes from.\n")
	b.WriteString("3. If the context is empty or does not answer the question, reply with exactly:\n\"")
	b.WriteString(g.rules.RefusalText)
	b.WriteString("\"\n")
	b.WriteString("4. When a situation may be an emergency, use direct imperative language and tell the reader to escalate immediately. Do not soften it.\n")
	b.WriteString("5. Be concise. Use numbered steps for procedures.\n")
	if emergency {
		b.WriteString("\nThis question may concern an emergency. Your first line must be:\n")
		b.WriteString(g.rules.EmergencyDirective)
		b.WriteString("\n")
	}
	return b.String()
}

func userPrompt(question string, matches []models.RetrievedMatch) string {
	return "Policy context:\n\n" + retrieval.FormatContext(matches) +
		"\n\nQuestion: " + strings.TrimSpace(question) + "\n\nAnswer:"
}

// Cite maps an answer to the matches it draws on. Explicit [Source N] markers win;
// markers outside 1..len(matches) are dropped. Without markers each sentence is
// attributed to the match whose closest sentence overlaps it most.
func Cite(answer string, matches []models.RetrievedMatch) []Citation {
	sources := make(map[int]bool)
	for _, m := range sourceMarker.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= 1 && n <= len(matches) {
			sources[n] = true
		}
	}

	if len(sources) == 0 && !sourceMarker.MatchString(answer) {
		for _, sentence := range sentences(answer) {
			if n := bestOverlap(sentence, matches); n > 0 {
				sources[n] = true
			}
		}
	}

	ordered := make([]int, 0, len(sources))
	for n := range sources {
		ordered = append(ordered, n)
	}
	sort.Ints(ordered)

	citations := make([]Citation, 0, len(ordered))
	for _, n := range ordered {
		m := matches[n-1]
		citations = append(citations, Citation{
			Source:       n,
			DocumentName: m.DocumentName,
			Version:      m.Version,
			Section:      m.SectionLabel(),
			Score:        m.Score,
		})
	}
	return citations
}

// bestOverlap returns the 1-based source with the highest sentence Jaccard score,
// or 0 when none reaches MinSentenceOverlap
func bestOverlap(sentence string, matches []models.RetrievedMatch) int {
	words := wordSet(sentence)
	if len(words) == 0 {
		return 0
	}
	best, bestScore := 0, 0.0
	for i, m := range matches {
		for _, candidate := range sentences(m.Text) {
			if score := jaccard(words, wordSet(candidate)); score > bestScore {
				best, bestScore = i+1, score
			}
		}
	}
	if bestScore < MinSentenceOverlap {
		return 0
	}
	return best
}

func sentences(text string) []string {
	parts := sentenceSplit.Split(text, -1)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), notWordRune) {
		set[w] = true
	}
	return set
}

func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// squash lowercases and collapses whitespace for tolerant text comparison
func squash(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// keywordPattern matches any keyword as a whole word, case-insensitively
func keywordPattern(keywords []string) *regexp.Regexp {
	quoted := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		quoted = append(quoted, strings.ReplaceAll(regexp.QuoteMeta(k), " ", `\s+`))
	}
	if len(quoted) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}
