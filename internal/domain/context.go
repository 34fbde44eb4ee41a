package domain

import (
	"encoding/json"
	"fmt"
)

// ContextKind discriminates the task context union.
type ContextKind string

const (
	ContextCode     ContextKind = "code"
	ContextPR       ContextKind = "pr"
	ContextIssue    ContextKind = "issue"
	ContextResearch ContextKind = "research"
)

// CodeContext describes inputs for a code-changing task.
type CodeContext struct {
	Files []string `json:"files,omitempty"`
	Specs []string `json:"specs,omitempty"`
	Notes string   `json:"notes,omitempty"`
}

// PRContext points a task at an existing pull request.
type PRContext struct {
	Number     int    `json:"number"`
	HeadBranch string `json:"headBranch,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
	Feedback   string `json:"feedback,omitempty"`
}

// IssueContext points a task at a tracker issue.
type IssueContext struct {
	Number int    `json:"number"`
	URL    string `json:"url,omitempty"`
	Body   string `json:"body,omitempty"`
}

// ResearchContext describes a research task's question and constraints.
type ResearchContext struct {
	Question       string   `json:"question"`
	Sources        []string `json:"sources,omitempty"`
	MinClaims      int      `json:"minClaims,omitempty"`
	RequireCounter bool     `json:"requireCounter,omitempty"`
}

// TaskContext is a tagged union of the context variants. Exactly one of the
// variant pointers is non-nil, matching Kind. The JSON form preserves the tag
// in a "kind" field so consumers never rely on structural duck-typing.
type TaskContext struct {
	Kind     ContextKind
	Code     *CodeContext
	PR       *PRContext
	Issue    *IssueContext
	Research *ResearchContext
}

type contextEnvelope struct {
	Kind ContextKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the active variant under its tag.
func (c TaskContext) MarshalJSON() ([]byte, error) {
	var data any
	switch c.Kind {
	case ContextCode:
		data = c.Code
	case ContextPR:
		data = c.PR
	case ContextIssue:
		data = c.Issue
	case ContextResearch:
		data = c.Research
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownContextKind, c.Kind)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(contextEnvelope{Kind: c.Kind, Data: raw})
}

// UnmarshalJSON decodes the tag first, then the matching variant.
func (c *TaskContext) UnmarshalJSON(b []byte) error {
	var env contextEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	*c = TaskContext{Kind: env.Kind}
	switch env.Kind {
	case ContextCode:
		c.Code = &CodeContext{}
		return json.Unmarshal(env.Data, c.Code)
	case ContextPR:
		c.PR = &PRContext{}
		return json.Unmarshal(env.Data, c.PR)
	case ContextIssue:
		c.Issue = &IssueContext{}
		return json.Unmarshal(env.Data, c.Issue)
	case ContextResearch:
		c.Research = &ResearchContext{}
		return json.Unmarshal(env.Data, c.Research)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownContextKind, env.Kind)
	}
}
