// Package classify normalizes run failures into canonical codes and retry
// categories. Classification is pure and stable: the same message and meta
// always produce the same code.
package classify

import (
	"regexp"
	"strings"

	"github.com/opentiger/tiger/internal/domain"
)

// Canonical failure codes. This set is closed; anything unrecognized becomes
// CodeModelOrUnknown.
const (
	CodePermissionPrompt    = "external_directory_permission_prompt"
	CodeNoActionableChanges = "no_actionable_changes"
	CodePolicyViolation     = "policy_violation"
	CodeMissingScript       = "verification_command_missing_script"
	CodeNoTestFiles         = "verification_command_no_test_files"
	CodeMissingMakeTarget   = "verification_command_missing_make_target"
	CodeUnsupportedFormat   = "verification_command_unsupported_format"
	CodeSequenceIssue       = "verification_command_sequence_issue"
	CodeVerificationFailed  = "verification_command_failed"
	CodeSetupIssue          = "setup_or_bootstrap_issue"
	CodeEnvironmentIssue    = "environment_issue"
	CodeQuotaFailure        = "quota_failure"
	CodeTestFailure         = "test_failure"
	CodeTransientFlaky      = "transient_or_flaky_failure"
	CodeModelDoomLoop       = "model_doom_loop"
	CodeModelOrUnknown      = "model_or_unknown_failure"
)

// Category groups codes for retry policy.
type Category string

const (
	CategoryEnv        Category = "env"
	CategorySetup      Category = "setup"
	CategoryPermission Category = "permission"
	CategoryNoop       Category = "noop"
	CategoryPolicy     Category = "policy"
	CategoryTest       Category = "test"
	CategoryFlaky      Category = "flaky"
	CategoryModel      Category = "model"
	CategoryModelLoop  Category = "model_loop"
)

// categoryLimits are the per-category retry ceilings. A zero limit means the
// category is never retried.
var categoryLimits = map[Category]int{
	CategoryEnv:        5,
	CategorySetup:      3,
	CategoryPermission: 0,
	CategoryNoop:       0,
	CategoryPolicy:     3,
	CategoryTest:       3,
	CategoryFlaky:      6,
	CategoryModel:      3,
	CategoryModelLoop:  1,
}

var codeCategories = map[string]Category{
	CodePermissionPrompt:    CategoryPermission,
	CodeNoActionableChanges: CategoryNoop,
	CodePolicyViolation:     CategoryPolicy,
	CodeMissingScript:       CategorySetup,
	CodeNoTestFiles:         CategorySetup,
	CodeMissingMakeTarget:   CategorySetup,
	CodeUnsupportedFormat:   CategorySetup,
	CodeSequenceIssue:       CategorySetup,
	CodeVerificationFailed:  CategoryTest,
	CodeSetupIssue:          CategorySetup,
	CodeEnvironmentIssue:    CategoryEnv,
	CodeQuotaFailure:        CategoryEnv,
	CodeTestFailure:         CategoryTest,
	CodeTransientFlaky:      CategoryFlaky,
	CodeModelDoomLoop:       CategoryModelLoop,
	CodeModelOrUnknown:      CategoryModel,
}

// verificationShapeCodes are terminal unless the worker adapter exposes an
// inline recovery channel: retrying cannot change a missing script or an
// unsupported command format.
var verificationShapeCodes = map[string]bool{
	CodeMissingScript:     true,
	CodeNoTestFiles:       true,
	CodeMissingMakeTarget: true,
	CodeUnsupportedFormat: true,
	CodeSequenceIssue:     true,
}

// messageRule maps an error-message pattern to a canonical code. Rules are
// evaluated in order; the first match wins.
type messageRule struct {
	re   *regexp.Regexp
	code string
}

var messageRules = []messageRule{
	{regexp.MustCompile(`(?i)permission.*(prompt|denied).*(outside|external)|external directory`), CodePermissionPrompt},
	{regexp.MustCompile(`(?i)no actionable changes|nothing to commit|no changes (were )?made`), CodeNoActionableChanges},
	{regexp.MustCompile(`(?i)policy violation|forbidden path|allowed_paths violation`), CodePolicyViolation},
	{regexp.MustCompile(`(?i)missing script|npm err! missing script|script not found`), CodeMissingScript},
	{regexp.MustCompile(`(?i)no test files|no tests? (found|to run)`), CodeNoTestFiles},
	{regexp.MustCompile(`(?i)no rule to make target|make: \*\*\* no rule`), CodeMissingMakeTarget},
	{regexp.MustCompile(`(?i)unsupported (command )?format|unknown command format`), CodeUnsupportedFormat},
	{regexp.MustCompile(`(?i)command sequence|must run .* before|out of order command`), CodeSequenceIssue},
	{regexp.MustCompile(`(?i)quota|rate limit|too many requests|429|resource[_ ]exhausted|insufficient[_ ]quota`), CodeQuotaFailure},
	{regexp.MustCompile(`(?i)doom loop|repeated identical|loop detected`), CodeModelDoomLoop},
	{regexp.MustCompile(`(?i)econnreset|etimedout|enotfound|socket hang ?up|connection (reset|refused)|network error|fetch failed`), CodeTransientFlaky},
	{regexp.MustCompile(`(?i)bootstrap|npm (ci|install) failed|yarn install failed|dependency install`), CodeSetupIssue},
	{regexp.MustCompile(`(?i)disk (full|quota)|no space left|out of memory|oom[- ]?kill`), CodeEnvironmentIssue},
	{regexp.MustCompile(`(?i)verification (command )?failed|command exited with`), CodeVerificationFailed},
	{regexp.MustCompile(`(?i)tests? fail|assertion|expect\(.*\)|FAIL `), CodeTestFailure},
}

// Result is the classification outcome for one failure.
type Result struct {
	Code      string
	Category  Category
	Retryable bool
}

// Classify derives the canonical code for a failure. A structured failureCode
// from the worker adapter takes precedence over message rules; an unknown
// structured code falls through to message classification.
func Classify(message string, meta *domain.ErrorMeta) Result {
	if meta != nil && meta.FailureCode != "" {
		if cat, ok := codeCategories[meta.FailureCode]; ok {
			return result(meta.FailureCode, cat)
		}
	}
	if meta != nil && len(meta.PolicyViolations) > 0 {
		return result(CodePolicyViolation, CategoryPolicy)
	}
	for _, rule := range messageRules {
		if rule.re.MatchString(message) {
			return result(rule.code, codeCategories[rule.code])
		}
	}
	return result(CodeModelOrUnknown, CategoryModel)
}

func result(code string, cat Category) Result {
	return Result{
		Code:      code,
		Category:  cat,
		Retryable: categoryLimits[cat] > 0 && !verificationShapeCodes[code],
	}
}

// EffectiveLimit returns the retry ceiling for a category. A negative global
// limit disables the global ceiling and the category limit applies verbatim.
func EffectiveLimit(cat Category, globalLimit int) int {
	limit := categoryLimits[cat]
	if globalLimit >= 0 && globalLimit < limit {
		return globalLimit
	}
	return limit
}

// IsVerificationShape reports whether the code belongs to the
// verification-shape family that is reported with an actionable reason.
func IsVerificationShape(code string) bool {
	return verificationShapeCodes[code]
}

// ActionableReason renders the operator-facing failure reason for terminal
// tasks. Verification-shape, noop, and permission terminals get a concrete
// instruction; everything else reports the canonical code and last error.
func ActionableReason(code, lastError string) string {
	switch {
	case code == CodeNoActionableChanges:
		return "task produced no actionable changes; refine the goal or close it"
	case code == CodePermissionPrompt:
		return "worker was blocked on an external directory permission prompt; widen allowedPaths or pre-authorize the path"
	case IsVerificationShape(code):
		return "verification commands cannot run as written (" + code + "); fix the task's commands"
	default:
		msg := code
		if lastError != "" {
			msg += ": " + truncate(lastError, 400)
		}
		return msg
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "…"
}
