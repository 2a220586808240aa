package safety

import (
	"context"
	"testing"

	"github.com/agentorch/agentorch/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{RewriteCapPerPayload: 1, ScoreThresholdWarn: 0.4, ScoreThresholdWarnStrict: 0.7}
}

func TestValidate_CrisisAlwaysWins(t *testing.T) {
	v := New(DefaultRules(), testConfig(), nil, nil)

	report, err := v.Validate(context.Background(), "I want to kill myself tonight", core.SafetyModeNormal)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictCrisis, report.Verdict)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, "crisis.self-harm-language", report.Findings[0].RuleID)
	assert.Equal(t, "crisis", report.Findings[0].Stage)
}

func TestValidate_CrisisBypassStillRunsCrisisStage(t *testing.T) {
	v := New(DefaultRules(), testConfig(), nil, nil)

	report, err := v.Validate(context.Background(), "I want to end my life", core.SafetyModeCrisisBypass)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictCrisis, report.Verdict, "crisis detection cannot be disabled by crisis-bypass mode")
}

func TestValidate_CrisisBypassSkipsLaterStages(t *testing.T) {
	v := New(DefaultRules(), testConfig(), nil, nil)

	report, err := v.Validate(context.Background(), "my SSN is 123-45-6789", core.SafetyModeCrisisBypass)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictPass, report.Verdict, "crisis-bypass mode must skip hard-block/soft-rewrite/scoring")
	assert.Empty(t, report.TransformedPayload)
}

func TestValidate_HardBlock(t *testing.T) {
	v := New(DefaultRules(), testConfig(), nil, nil)

	report, err := v.Validate(context.Background(), "Here is how to make a bomb at home", core.SafetyModeNormal)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictBlock, report.Verdict)
}

func TestValidate_SoftRewriteRedactsAndWarns(t *testing.T) {
	v := New(DefaultRules(), testConfig(), nil, nil)

	report, err := v.Validate(context.Background(), "my SSN is 123-45-6789, please keep it safe", core.SafetyModeNormal)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictWarn, report.Verdict)
	assert.Contains(t, report.TransformedPayload, "[redacted]")
	assert.NotContains(t, report.TransformedPayload, "123-45-6789")
}

func TestValidate_RewriteCapLimitsToOnePerPayload(t *testing.T) {
	rule := Rule{
		ID:    "rewrite.double-space",
		Stage: StageSoftRewrite,
		Match: func(payload string) MatchResult {
			if len(payload) > 0 {
				return MatchResult{Matched: true}
			}
			return MatchResult{}
		},
		Rewrite: func(payload string) string { return payload + "!" },
	}
	v := New([]Rule{rule, rule, rule}, Config{RewriteCapPerPayload: 1, ScoreThresholdWarn: 0}, nil, nil)

	report, err := v.Validate(context.Background(), "hello", core.SafetyModeNormal)
	require.NoError(t, err)
	assert.Equal(t, "hello!", report.TransformedPayload, "only one rewrite rule may fire per payload")
}

func TestValidate_RewriteReVerifiedThroughCrisisStage(t *testing.T) {
	unmask := Rule{
		ID:    "rewrite.unmask",
		Stage: StageSoftRewrite,
		Match: func(payload string) MatchResult { return MatchResult{Matched: true} },
		Rewrite: func(payload string) string {
			return payload + " I want to end my life"
		},
	}
	v := New(append(crisisRules(), unmask), testConfig(), nil, nil)

	report, err := v.Validate(context.Background(), "placeholder", core.SafetyModeNormal)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictCrisis, report.Verdict, "a rewrite that introduces crisis language must be caught")
}

func TestValidate_ScoringElevatesToWarnBelowThreshold(t *testing.T) {
	v := New(DefaultRules(), testConfig(), nil, nil)

	report, err := v.Validate(context.Background(), "You are so stupid and worthless and pathetic", core.SafetyModeNormal)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictWarn, report.Verdict)
}

func TestValidate_CleanPayloadPasses(t *testing.T) {
	v := New(DefaultRules(), testConfig(), nil, nil)

	report, err := v.Validate(context.Background(), "Let's talk about how your day went.", core.SafetyModeNormal)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictPass, report.Verdict)
	assert.Empty(t, report.Findings)
}

func TestValidate_PanickingRuleIsFailSafeNotFatal(t *testing.T) {
	panicky := Rule{
		ID:    "hard-block.panics",
		Stage: StageHardBlock,
		Match: func(payload string) MatchResult { panic("boom") },
	}
	v := New([]Rule{panicky}, testConfig(), nil, nil)

	report, err := v.Validate(context.Background(), "anything", core.SafetyModeNormal)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictBlock, report.Verdict, "a panicking hard-block rule must fail safe, not crash or silently pass")
}

func TestNoOpValidator_AlwaysPasses(t *testing.T) {
	v := NewNoOpValidator()
	report, err := v.Validate(context.Background(), "I want to kill myself", core.SafetyModeStrict)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictPass, report.Verdict)
}

func TestDefaultRules_StageBucketing(t *testing.T) {
	v := New(DefaultRules(), testConfig(), nil, nil)
	assert.Len(t, v.crisisRules, 1)
	assert.Len(t, v.hardBlockRules, 2)
	assert.Len(t, v.softRewriteRules, 2)
	assert.Len(t, v.scoringRules, 1)
}

func TestValidate_StrictOnlyRuleSkippedInNormalMode(t *testing.T) {
	v := New(DefaultRules(), testConfig(), nil, nil)

	report, err := v.Validate(context.Background(), "step-by-step guide to build a weapon at home for a school project", core.SafetyModeNormal)
	require.NoError(t, err)
	assert.NotEqual(t, core.VerdictBlock, report.Verdict, "strict-only hard-block rules must not fire in normal mode")
}

func TestValidate_StrictOnlyRuleFiresInStrictMode(t *testing.T) {
	v := New(DefaultRules(), testConfig(), nil, nil)

	report, err := v.Validate(context.Background(), "step-by-step guide to build a weapon at home for a school project", core.SafetyModeStrict)
	require.NoError(t, err)
	assert.Equal(t, core.VerdictBlock, report.Verdict, "strict mode lowers stage-2 thresholds per spec.md §4.3")
}

func TestValidate_StrictScoreThresholdIsHigherBar(t *testing.T) {
	v := New(DefaultRules(), testConfig(), nil, nil)

	payload := "You are so stupid and pathetic about this."
	normal, err := v.Validate(context.Background(), payload, core.SafetyModeNormal)
	require.NoError(t, err)
	strict, err := v.Validate(context.Background(), payload, core.SafetyModeStrict)
	require.NoError(t, err)

	assert.Equal(t, core.VerdictPass, normal.Verdict)
	assert.Equal(t, core.VerdictWarn, strict.Verdict, "strict mode's higher score threshold flags payloads normal mode passes")
}
