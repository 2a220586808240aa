// Package safety implements SafetyValidator (spec.md §4.3): a four-stage
// rule pipeline (crisis detection, hard-block, soft-rewrite, scoring) run
// over every outbound agent response and, in strict mode, every inbound
// user message.
//
// There is no teacher package dedicated to content rules; this is grounded
// on orchestration/hitl_policy.go's RuleBasedPolicy — specifically its
// declarative "rules are data, not decorator position" structure
// (SensitiveAgents/SensitiveCapabilities lists checked in a fixed method
// order) and its *InterruptDecision-shaped return value, generalized here
// to *core.SafetyReport.
package safety

import (
	"context"
	"sort"

	"github.com/agentorch/agentorch/core"
)

// Stage identifies which of the four pipeline stages a rule belongs to.
// Stage order is fixed and rules within a stage run in registration order,
// mirroring hitl_policy.go's fixed method-call order
// (isSensitiveAgent -> isSensitiveCapability -> ...) rather than any
// decorator/registration-time position.
type Stage int

const (
	StageCrisis Stage = iota
	StageHardBlock
	StageSoftRewrite
	StageScoring
)

// MatchResult is what a crisis/hard-block/soft-rewrite rule reports for a
// single payload.
type MatchResult struct {
	Matched  bool
	Span     string
	Severity string
}

// Rule is one declarative entry in the pipeline, grounded on
// hitl_policy.go's sensitive-list-driven checks generalized from list
// membership to an arbitrary Match function (regex, keyword set,
// classifier call — the concrete matchers this module ships are
// keyword/regex based, per spec.md's Non-goals excluding ML classifiers).
type Rule struct {
	ID    string
	Stage Stage

	// StrictOnly rules are skipped in normal/crisis-bypass mode and only
	// evaluated under core.SafetyModeStrict, per spec.md §4.3's "strict —
	// lower thresholds for stages 2-4": a hard-block/soft-rewrite rule too
	// sensitive for general traffic can still run for a conversation that
	// has already earned strict mode.
	StrictOnly bool

	// Match is required for Crisis/HardBlock/SoftRewrite stages.
	Match func(payload string) MatchResult

	// Rewrite is required for SoftRewrite stage rules; it must be
	// idempotent (applying it twice is a no-op) so the rewrite-cap
	// invariant is meaningful.
	Rewrite func(payload string) string

	// Score is required for Scoring stage rules; returns a value in
	// [0,1] where 1 is maximally appropriate.
	Score func(payload string) float64
}

// Config carries SafetyValidator's tunables (SafetyConfig in core/config.go).
type Config struct {
	RewriteCapPerPayload int
	ScoreThresholdWarn   float64

	// ScoreThresholdWarnStrict is the scoring-stage pass bar under
	// core.SafetyModeStrict; it replaces ScoreThresholdWarn rather than
	// scaling it, so operators can set an explicit value per mode. Falls
	// back to ScoreThresholdWarn when zero.
	ScoreThresholdWarnStrict float64
}

func (c Config) scoreThreshold(mode core.SafetyMode) float64 {
	if mode == core.SafetyModeStrict && c.ScoreThresholdWarnStrict > 0 {
		return c.ScoreThresholdWarnStrict
	}
	return c.ScoreThresholdWarn
}

// Validator runs the four-stage pipeline described in spec.md §4.3.
type Validator struct {
	crisisRules     []Rule
	hardBlockRules  []Rule
	softRewriteRules []Rule
	scoringRules    []Rule

	config   Config
	logger   core.Logger
	recorder core.Recorder
}

// New builds a Validator from a flat rule list, bucketing by Stage and
// preserving registration order within each bucket.
func New(rules []Rule, config Config, logger core.Logger, recorder core.Recorder) *Validator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if recorder == nil {
		recorder = core.NoOpRecorder{}
	}
	v := &Validator{config: config, logger: logger, recorder: recorder}
	for _, r := range rules {
		switch r.Stage {
		case StageCrisis:
			v.crisisRules = append(v.crisisRules, r)
		case StageHardBlock:
			v.hardBlockRules = append(v.hardBlockRules, r)
		case StageSoftRewrite:
			v.softRewriteRules = append(v.softRewriteRules, r)
		case StageScoring:
			v.scoringRules = append(v.scoringRules, r)
		}
	}
	return v
}

// Validate runs payload through the pipeline under mode. Crisis detection
// always runs first and cannot be disabled — crisis-bypass mode only
// affects stages 2-4 (spec.md §4.3 invariant).
func (v *Validator) Validate(ctx context.Context, payload string, mode core.SafetyMode) (*core.SafetyReport, error) {
	report := &core.SafetyReport{Verdict: core.VerdictPass}

	if crisis, findings := v.runCrisisStage(payload); crisis {
		report.Verdict = core.VerdictCrisis
		report.Findings = findings
		v.recorder.Counter("agentcore.safety.verdict", "verdict", "crisis")
		return report, nil
	}

	if mode == core.SafetyModeCrisisBypass {
		v.recorder.Counter("agentcore.safety.verdict", "verdict", string(report.Verdict))
		return report, nil
	}

	if blocked, findings := v.runHardBlockStage(payload, mode); blocked {
		report.Verdict = core.VerdictBlock
		report.Findings = findings
		v.recorder.Counter("agentcore.safety.verdict", "verdict", "block")
		return report, nil
	}

	transformed, rewriteFindings, rewritten := v.runSoftRewriteStage(payload, mode)
	report.Findings = append(report.Findings, rewriteFindings...)
	if rewritten {
		// Re-validate the transformed payload through stage 1, per
		// spec.md §4.3: a rewrite must not itself introduce or unmask a
		// crisis expression.
		if crisis, findings := v.runCrisisStage(transformed); crisis {
			report.Verdict = core.VerdictCrisis
			report.Findings = append(report.Findings, findings...)
			v.recorder.Counter("agentcore.safety.verdict", "verdict", "crisis")
			return report, nil
		}
		report.Verdict = core.VerdictWarn
		report.TransformedPayload = transformed
	}

	scoreFindings, score := v.runScoringStage(payload, mode)
	report.Findings = append(report.Findings, scoreFindings...)
	if score < v.config.scoreThreshold(mode) && report.Verdict == core.VerdictPass {
		report.Verdict = core.VerdictWarn
	}

	v.recorder.Counter("agentcore.safety.verdict", "verdict", string(report.Verdict))
	return report, nil
}

func (v *Validator) runCrisisStage(payload string) (bool, []core.Finding) {
	var findings []core.Finding
	for _, rule := range v.crisisRules {
		result := v.safeMatch(rule, payload)
		if result.Matched {
			findings = append(findings, core.Finding{RuleID: rule.ID, Stage: "crisis", Severity: result.Severity, Span: result.Span})
		}
	}
	return len(findings) > 0, findings
}

// runHardBlockStage skips StrictOnly rules unless mode is strict, per
// spec.md §4.3's "strict — lower thresholds for stages 2-4": a rule too
// sensitive for general traffic can still block under strict mode.
func (v *Validator) runHardBlockStage(payload string, mode core.SafetyMode) (bool, []core.Finding) {
	var findings []core.Finding
	for _, rule := range v.hardBlockRules {
		if rule.StrictOnly && mode != core.SafetyModeStrict {
			continue
		}
		result := v.safeMatch(rule, payload)
		if result.Matched {
			findings = append(findings, core.Finding{RuleID: rule.ID, Stage: "hard-block", Severity: result.Severity, Span: result.Span})
		}
	}
	return len(findings) > 0, findings
}

// runSoftRewriteStage applies at most config.RewriteCapPerPayload rewrites,
// per spec.md §4.3. StrictOnly rules are skipped outside strict mode.
func (v *Validator) runSoftRewriteStage(payload string, mode core.SafetyMode) (string, []core.Finding, bool) {
	var findings []core.Finding
	current := payload
	applied := 0
	rewriteCap := v.config.RewriteCapPerPayload
	if rewriteCap <= 0 {
		rewriteCap = 1
	}
	for _, rule := range v.softRewriteRules {
		if rule.StrictOnly && mode != core.SafetyModeStrict {
			continue
		}
		if applied >= rewriteCap {
			break
		}
		result := v.safeMatch(rule, current)
		if !result.Matched {
			continue
		}
		findings = append(findings, core.Finding{RuleID: rule.ID, Stage: "soft-rewrite", Severity: result.Severity, Span: result.Span})
		if rule.Rewrite != nil {
			current = rule.Rewrite(current)
			applied++
		}
	}
	return current, findings, applied > 0
}

func (v *Validator) runScoringStage(payload string, mode core.SafetyMode) ([]core.Finding, float64) {
	if len(v.scoringRules) == 0 {
		return nil, 1
	}
	threshold := v.config.scoreThreshold(mode)
	var findings []core.Finding
	total := 0.0
	for _, rule := range v.scoringRules {
		score := v.safeScore(rule, payload)
		total += score
		if score < threshold {
			findings = append(findings, core.Finding{RuleID: rule.ID, Stage: "scoring", Severity: "low-score"})
		}
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].RuleID < findings[j].RuleID })
	return findings, total / float64(len(v.scoringRules))
}

// safeMatch runs rule.Match, recovering from a panicking rule and treating
// it as fail-safe: an erroring rule is reported as a finding rather than
// silently ignored or allowed to crash the pipeline (spec.md §4.3's
// fail-safe-on-rule-errors invariant).
func (v *Validator) safeMatch(rule Rule, payload string) (result MatchResult) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("safety rule panicked", map[string]interface{}{"rule_id": rule.ID, "panic": r})
			result = MatchResult{Matched: true, Severity: "rule-error"}
		}
	}()
	if rule.Match == nil {
		return MatchResult{}
	}
	return rule.Match(payload)
}

func (v *Validator) safeScore(rule Rule, payload string) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("safety scoring rule panicked", map[string]interface{}{"rule_id": rule.ID, "panic": r})
			score = 0
		}
	}()
	if rule.Score == nil {
		return 1
	}
	return rule.Score(payload)
}

// NoOpValidator always passes, for tests and for components that must
// satisfy core.SafetyValidator without running content rules (mirrors
// hitl_policy.go's NoOpPolicy).
type NoOpValidator struct{}

func NewNoOpValidator() *NoOpValidator { return &NoOpValidator{} }

func (n *NoOpValidator) Validate(ctx context.Context, payload string, mode core.SafetyMode) (*core.SafetyReport, error) {
	return &core.SafetyReport{Verdict: core.VerdictPass}, nil
}

var (
	_ core.SafetyValidator = (*Validator)(nil)
	_ core.SafetyValidator = (*NoOpValidator)(nil)
)
