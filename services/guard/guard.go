// Package guard screens questions before they reach retrieval or a provider.
package guard

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/upb/policy-rag/services"
	"go.uber.org/zap"
)

// Category represents the kind of unsafe pattern detected
type Category string

const (
	CategorySystemPromptLeak    Category = "system_prompt_leak"
	CategoryRoleManipulation    Category = "role_manipulation"
	CategoryInstructionOverride Category = "instruction_override"
	CategoryCodeExecution       Category = "code_execution"
	CategoryJailbreak           Category = "jailbreak"
	CategoryDelimiterAttack     Category = "delimiter_attack"
	CategoryEncodedPayload      Category = "encoded_payload"
	CategoryBlockedPattern      Category = "blocked_pattern"
)

// BlockConfidence is the confidence at which a detection blocks the question
const BlockConfidence = 0.8

// Detection represents one detected pattern
type Detection struct {
	Category   Category
	Pattern    string
	Confidence float64
	StartPos   int
	EndPos     int
}

type rule struct {
	category   Category
	confidence float64
	patterns   []*regexp.Regexp
}

// Qualifier runs such as "all previous" may sit between a verb and its object.
var builtinRules = []rule{
	{CategorySystemPromptLeak, 0.9, []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(?:(?:all|any|the|your|previous|prior|above|earlier)\s+)+(instructions?|prompts?|rules|commands?)`),
		regexp.MustCompile(`(?i)show\s+(me\s+)?(your|the)\s+(system|original|initial)\s+(prompt|instructions?)`),
		regexp.MustCompile(`(?i)what\s+(is|are|was|were)\s+(your|the)\s+(system|original|initial)\s+(prompt|instructions?)`),
		regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system|hidden|secret)\s+(prompt|instructions?)`),
		regexp.MustCompile(`(?i)(print|repeat)\s+(your|the)\s+(system|original)\s+(prompt|instructions?)`),
	}},
	{CategoryRoleManipulation, 0.85, []*regexp.Regexp{
		regexp.MustCompile(`(?i)\byou\s+are\s+now\b`),
		regexp.MustCompile(`(?i)assume\s+(the\s+)?(role|identity)\s+of`),
		regexp.MustCompile(`(?i)pretend\s+(to\s+)?be\s+(a|an)\b`),
		regexp.MustCompile(`(?i)from\s+now\s+on[,]?\s+(you|your)\s+(are|will)`),
	}},
	{CategoryInstructionOverride, 0.9, []*regexp.Regexp{
		regexp.MustCompile(`(?i)disregard\s+(?:(?:all|any|the|your|previous|prior|above|earlier)\s+)+(instructions?|prompts?|rules|commands?)`),
		regexp.MustCompile(`(?i)override\s+(?:(?:all|any|the|your|previous|prior|system)\s+)+(instructions?|rules|settings?)`),
		regexp.MustCompile(`(?i)forget\s+(everything|all\s+previous|your\s+instructions)`),
		regexp.MustCompile(`(?i)answer\s+without\s+(the\s+)?(context|policies|sources)`),
	}},
	{CategoryCodeExecution, 0.95, []*regexp.Regexp{
		regexp.MustCompile(`(?i)(execute|run)\s+(this|the\s+following)\s+(code|script|command)`),
		regexp.MustCompile(`(?i)\b(eval|exec|system)\s*\(`),
		regexp.MustCompile(`(?i)import\s+(os|sys|subprocess|socket)\b`),
		regexp.MustCompile(`(?i)send\s+(data|information|content)\s+to\s+https?://`),
	}},
	{CategoryJailbreak, 0.95, []*regexp.Regexp{
		regexp.MustCompile(`\bDAN\s+mode\b`),
		regexp.MustCompile(`(?i)developer\s+mode`),
		regexp.MustCompile(`(?i)jailbreak`),
		regexp.MustCompile(`(?i)(unrestricted|god)\s+mode`),
		regexp.MustCompile(`(?i)without\s+(any|ethical|moral)\s+(restrictions?|limitations?|guidelines?)`),
	}},
	{CategoryDelimiterAttack, 0.8, []*regexp.Regexp{
		regexp.MustCompile(`\[/?(SYSTEM|USER|ASSISTANT)\]`),
		regexp.MustCompile(`<\|(system|user|assistant|end)\|>`),
		regexp.MustCompile(`###\s*(SYSTEM|USER|ASSISTANT|INSTRUCTION)`),
		regexp.MustCompile(`(?i)\[source\s*\d+\]`),
	}},
	{CategoryEncodedPayload, 0.7, []*regexp.Regexp{
		regexp.MustCompile(`(?i)base64\s*[:\s=]\s*[A-Za-z0-9+/]{20,}={0,2}`),
		regexp.MustCompile(`(?:\\x[0-9a-fA-F]{2}){10,}`),
	}},
}

// Guard detects unsafe questions
type Guard struct {
	rules  []rule
	logger *zap.Logger
}

// New creates a guard with the built-in rules plus the operator's blocked patterns
func New(blockedPatterns []string, logger *zap.Logger) (*Guard, error) {
	rules := append([]rule{}, builtinRules...)

	if len(blockedPatterns) > 0 {
		custom := rule{category: CategoryBlockedPattern, confidence: 1.0}
		for _, p := range blockedPatterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("invalid blocked pattern %q: %w", p, err)
			}
			custom.patterns = append(custom.patterns, re)
		}
		rules = append(rules, custom)
	}
	return &Guard{rules: rules, logger: logger}, nil
}

// Detect returns every detection in question, ordered by position
func (g *Guard) Detect(question string) []Detection {
	var detections []Detection
	for _, r := range g.rules {
		for _, pattern := range r.patterns {
			for _, m := range pattern.FindAllStringIndex(question, -1) {
				detections = append(detections, Detection{
					Category:   r.category,
					Pattern:    pattern.String(),
					Confidence: r.confidence,
					StartPos:   m[0],
					EndPos:     m[1],
				})
			}
		}
	}
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].StartPos < detections[j].StartPos
	})
	return detections
}

// Check returns a ContentFiltered error when question carries a detection at or
// above BlockConfidence
func (g *Guard) Check(question string) error {
	for _, d := range g.Detect(question) {
		if d.Confidence < BlockConfidence {
			continue
		}
		g.logger.Warn("question blocked",
			zap.String("category", string(d.Category)),
			zap.Float64("confidence", d.Confidence))
		return services.NewContentFiltered("question blocked by content filter", nil).
			WithDetail("category", string(d.Category))
	}
	return nil
}

// RiskScore returns the weighted mean confidence of all detections, 0 when none
func (g *Guard) RiskScore(question string) float64 {
	detections := g.Detect(question)
	if len(detections) == 0 {
		return 0
	}

	var total, weights float64
	for _, d := range detections {
		weight := 1.0
		switch d.Category {
		case CategoryCodeExecution, CategoryJailbreak, CategoryBlockedPattern:
			weight = 2.0
		case CategoryInstructionOverride, CategorySystemPromptLeak:
			weight = 1.5
		}
		total += d.Confidence * weight
		weights += weight
	}
	return min(total/weights, 1.0)
}
