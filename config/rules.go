package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultRefusalText is returned whenever no policy evidence supports an answer
const DefaultRefusalText = "I cannot find this in our current policies. Please escalate to your manager or on-call coordinator for guidance."

// DefaultErrorText is shown when the answer pipeline fails after the question was accepted
const DefaultErrorText = "I encountered an error processing your question. Please contact your manager or on-call coordinator for assistance."

// DefaultEmergencyDirective opens every answer to an emergency question
const DefaultEmergencyDirective = "IMMEDIATE ACTION: If anyone is in danger, call 999 now and alert the senior person on shift."

// Rules holds operator-tunable wording and keyword lists, optionally loaded from a YAML file
type Rules struct {
	HighRiskKeywords   []string `yaml:"high_risk_keywords"`
	EmergencyKeywords  []string `yaml:"emergency_keywords"`
	BlockedPatterns    []string `yaml:"blocked_patterns"`
	RefusalText        string   `yaml:"refusal_text"`
	ErrorText          string   `yaml:"error_text"`
	EmergencyDirective string   `yaml:"emergency_directive"`
}

// DefaultRules returns the built-in rule set
func DefaultRules() Rules {
	return Rules{
		HighRiskKeywords: []string{
			"fall", "injury", "head", "safeguarding", "abuse", "emergency",
			"999", "ambulance", "hospital", "restraint", "medication error", "overdose",
		},
		EmergencyKeywords: []string{
			"999", "ambulance", "emergency", "unconscious", "not breathing", "head injury",
			"choking", "chest pain", "severe bleeding", "overdose", "suicide", "fire", "stroke",
		},
		RefusalText:        DefaultRefusalText,
		ErrorText:          DefaultErrorText,
		EmergencyDirective: DefaultEmergencyDirective,
	}
}

// LoadRules reads rules from path. An empty path or a missing file yields the defaults;
// fields left empty in the file keep their default values.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rules, nil
		}
		return rules, fmt.Errorf("failed to read rules file: %w", err)
	}
	var fileRules Rules
	if err := yaml.Unmarshal(data, &fileRules); err != nil {
		return rules, fmt.Errorf("failed to parse rules file: %w", err)
	}
	applyRules(&rules, fileRules)
	return rules, nil
}

func applyRules(dst *Rules, src Rules) {
	if len(src.HighRiskKeywords) > 0 {
		dst.HighRiskKeywords = normalizeKeywords(src.HighRiskKeywords)
	}
	if len(src.EmergencyKeywords) > 0 {
		dst.EmergencyKeywords = normalizeKeywords(src.EmergencyKeywords)
	}
	if len(src.BlockedPatterns) > 0 {
		dst.BlockedPatterns = src.BlockedPatterns
	}
	if s := strings.TrimSpace(src.RefusalText); s != "" {
		dst.RefusalText = s
	}
	if s := strings.TrimSpace(src.ErrorText); s != "" {
		dst.ErrorText = s
	}
	if s := strings.TrimSpace(src.EmergencyDirective); s != "" {
		dst.EmergencyDirective = s
	}
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
