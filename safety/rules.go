package safety

import (
	"regexp"
	"strings"
)

// DefaultRules returns the baseline rule set shipped with the validator.
// Concrete wording is deliberately conservative and easy to extend —
// operators are expected to layer deployment-specific rules on top via
// New's rules slice, not edit these in place.
func DefaultRules() []Rule {
	var rules []Rule
	rules = append(rules, crisisRules()...)
	rules = append(rules, hardBlockRules()...)
	rules = append(rules, softRewriteRules()...)
	rules = append(rules, scoringRules()...)
	return rules
}

var crisisPhrases = []string{
	"kill myself",
	"end my life",
	"suicide",
	"want to die",
	"hurt myself",
	"self harm",
	"self-harm",
}

func crisisRules() []Rule {
	return []Rule{
		{
			ID:    "crisis.self-harm-language",
			Stage: StageCrisis,
			Match: keywordMatch(crisisPhrases, "crisis"),
		},
	}
}

var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bhow to (make|build) a (bomb|weapon)\b`),
	regexp.MustCompile(`(?i)\bchild sexual abuse\b`),
}

// strictBlockedPatterns are euphemisms and milder phrasings of the same
// unsafe-instructions territory; too noisy to hard-block for general
// traffic, but a conversation that already earned strict mode (paused,
// recently warned, or otherwise elevated) gets the lower bar.
var strictBlockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bhow (do|can) (i|we|you) (make|build) (a|an) (explosive|firearm)\b`),
	regexp.MustCompile(`(?i)\bstep[- ]by[- ]step\b.*\b(weapon|explosive)\b`),
}

func hardBlockRules() []Rule {
	return []Rule{
		{
			ID:    "block.unsafe-instructions",
			Stage: StageHardBlock,
			Match: regexMatch(blockedPatterns, "hard-block"),
		},
		{
			ID:         "block.unsafe-instructions-strict",
			Stage:      StageHardBlock,
			StrictOnly: true,
			Match:      regexMatch(strictBlockedPatterns, "hard-block"),
		},
	}
}

// piiPattern matches a US-style SSN, the only PII shape spec.md calls out
// by example.
var piiPattern = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)

// strictPiiPattern additionally redacts US-style phone numbers under strict
// mode, where the lower stage-3 bar applies to a wider identifier shape.
var strictPiiPattern = regexp.MustCompile(`\b\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`)

func softRewriteRules() []Rule {
	return []Rule{
		{
			ID:    "rewrite.redact-ssn",
			Stage: StageSoftRewrite,
			Match: func(payload string) MatchResult {
				if loc := piiPattern.FindStringIndex(payload); loc != nil {
					return MatchResult{Matched: true, Span: payload[loc[0]:loc[1]], Severity: "pii"}
				}
				return MatchResult{}
			},
			Rewrite: func(payload string) string {
				return piiPattern.ReplaceAllString(payload, "[redacted]")
			},
		},
		{
			ID:         "rewrite.redact-phone-strict",
			Stage:      StageSoftRewrite,
			StrictOnly: true,
			Match: func(payload string) MatchResult {
				if loc := strictPiiPattern.FindStringIndex(payload); loc != nil {
					return MatchResult{Matched: true, Span: payload[loc[0]:loc[1]], Severity: "pii"}
				}
				return MatchResult{}
			},
			Rewrite: func(payload string) string {
				return strictPiiPattern.ReplaceAllString(payload, "[redacted]")
			},
		},
	}
}

var harshWords = []string{"stupid", "worthless", "pathetic", "hopeless case"}

func scoringRules() []Rule {
	return []Rule{
		{
			ID:    "score.tone",
			Stage: StageScoring,
			Score: func(payload string) float64 {
				lower := strings.ToLower(payload)
				hits := 0
				for _, w := range harshWords {
					if strings.Contains(lower, w) {
						hits++
					}
				}
				if hits == 0 {
					return 1
				}
				score := 1 - float64(hits)*0.3
				if score < 0 {
					score = 0
				}
				return score
			},
		},
	}
}

func keywordMatch(phrases []string, severity string) func(string) MatchResult {
	return func(payload string) MatchResult {
		lower := strings.ToLower(payload)
		for _, p := range phrases {
			if idx := strings.Index(lower, p); idx >= 0 {
				return MatchResult{Matched: true, Span: payload[idx : idx+len(p)], Severity: severity}
			}
		}
		return MatchResult{}
	}
}

func regexMatch(patterns []*regexp.Regexp, severity string) func(string) MatchResult {
	return func(payload string) MatchResult {
		for _, re := range patterns {
			if loc := re.FindStringIndex(payload); loc != nil {
				return MatchResult{Matched: true, Span: payload[loc[0]:loc[1]], Severity: severity}
			}
		}
		return MatchResult{}
	}
}
