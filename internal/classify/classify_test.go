package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentiger/tiger/internal/domain"
)

func TestClassifyMessageRules(t *testing.T) {
	cases := []struct {
		name     string
		message  string
		wantCode string
		wantCat  Category
	}{
		{"permission prompt", "agent hit a permission prompt outside the workspace", CodePermissionPrompt, CategoryPermission},
		{"external directory", "refused: external directory access requested", CodePermissionPrompt, CategoryPermission},
		{"no actionable changes", "run finished with no actionable changes", CodeNoActionableChanges, CategoryNoop},
		{"nothing to commit", "git: nothing to commit, working tree clean", CodeNoActionableChanges, CategoryNoop},
		{"policy violation", "policy violation: wrote to forbidden path", CodePolicyViolation, CategoryPolicy},
		{"missing script", `npm ERR! Missing script: "test:unit"`, CodeMissingScript, CategorySetup},
		{"no test files", "go: no test files", CodeNoTestFiles, CategorySetup},
		{"missing make target", "make: *** No rule to make target 'check'", CodeMissingMakeTarget, CategorySetup},
		{"unsupported format", "unsupported command format: inline heredoc", CodeUnsupportedFormat, CategorySetup},
		{"sequence issue", "must run build before test", CodeSequenceIssue, CategorySetup},
		{"quota 429", "HTTP 429 Too Many Requests", CodeQuotaFailure, CategoryEnv},
		{"resource exhausted", "rpc error: RESOURCE_EXHAUSTED", CodeQuotaFailure, CategoryEnv},
		{"doom loop", "loop detected: same edit applied 5 times", CodeModelDoomLoop, CategoryModelLoop},
		{"flaky network", "request failed: ECONNRESET", CodeTransientFlaky, CategoryFlaky},
		{"setup bootstrap", "npm ci failed with exit 1", CodeSetupIssue, CategorySetup},
		{"disk full", "write /tmp/x: no space left on device", CodeEnvironmentIssue, CategoryEnv},
		{"oom", "process was OOM-killed", CodeEnvironmentIssue, CategoryEnv},
		{"verification failed", "verification command failed: exit 1", CodeVerificationFailed, CategoryTest},
		{"test failure", "FAIL pkg/api 0.42s", CodeTestFailure, CategoryTest},
		{"unknown", "something entirely novel happened", CodeModelOrUnknown, CategoryModel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.message, nil)
			assert.Equal(t, tc.wantCode, got.Code)
			assert.Equal(t, tc.wantCat, got.Category)
		})
	}
}

func TestClassifyIsStable(t *testing.T) {
	msg := "request failed: connection reset by peer"
	first := Classify(msg, nil)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, Classify(msg, nil))
	}
}

func TestClassifyStructuredCodeWins(t *testing.T) {
	meta := &domain.ErrorMeta{FailureCode: CodeQuotaFailure}
	got := Classify("tests failed: assertion error", meta)
	assert.Equal(t, CodeQuotaFailure, got.Code)
	assert.Equal(t, CategoryEnv, got.Category)
	assert.True(t, got.Retryable)
}

func TestClassifyUnknownStructuredCodeFallsThrough(t *testing.T) {
	meta := &domain.ErrorMeta{FailureCode: "not_a_real_code"}
	got := Classify("retry in 30s: rate limit exceeded", meta)
	assert.Equal(t, CodeQuotaFailure, got.Code)
}

func TestClassifyPolicyViolationsMeta(t *testing.T) {
	meta := &domain.ErrorMeta{PolicyViolations: []string{"apps/api/secrets.env"}}
	got := Classify("run failed", meta)
	assert.Equal(t, CodePolicyViolation, got.Code)
	assert.Equal(t, CategoryPolicy, got.Category)
}

func TestRetryability(t *testing.T) {
	assert.False(t, Classify("permission prompt outside workspace", nil).Retryable)
	assert.False(t, Classify("no actionable changes", nil).Retryable)
	assert.False(t, Classify("npm ERR! missing script: lint", nil).Retryable, "verification shape is terminal")
	assert.True(t, Classify("ETIMEDOUT", nil).Retryable)
	assert.True(t, Classify("doom loop", nil).Retryable)
}

func TestEffectiveLimit(t *testing.T) {
	assert.Equal(t, 6, EffectiveLimit(CategoryFlaky, -1), "negative global limit disables the ceiling")
	assert.Equal(t, 6, EffectiveLimit(CategoryFlaky, 10))
	assert.Equal(t, 2, EffectiveLimit(CategoryFlaky, 2))
	assert.Equal(t, 0, EffectiveLimit(CategoryPermission, 5))
	assert.Equal(t, 0, EffectiveLimit(CategoryNoop, -1))
}

func TestActionableReason(t *testing.T) {
	assert.Contains(t, ActionableReason(CodeNoActionableChanges, ""), "no actionable changes")
	assert.Contains(t, ActionableReason(CodePermissionPrompt, ""), "allowedPaths")
	assert.Contains(t, ActionableReason(CodeMissingScript, ""), CodeMissingScript)

	got := ActionableReason(CodeTestFailure, "assertion failed in foo_test.go")
	assert.Contains(t, got, CodeTestFailure)
	assert.Contains(t, got, "assertion failed")
}
