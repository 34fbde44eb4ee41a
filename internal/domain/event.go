package domain

import (
	"encoding/json"
	"time"
)

// Event is an append-only audit record. Events are the source of truth for
// idempotent decisions that must survive restart; logs are supplementary.
type Event struct {
	ID         string
	Type       string
	EntityType string
	EntityID   string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// Event type strings. Every engine decision emits exactly one event with a
// stable type.
const (
	EventTaskRequeued      = "task.requeued"
	EventTaskCancelled     = "task.cancelled"
	EventCostLimitExceeded = "cost.limit_exceeded"
	EventCycleEndTriggered = "cycle.end_triggered"
	EventReplanTriggered   = "planner.replan_triggered"
	EventReplanFinished    = "planner.replan_finished"
	EventReplanSkipped     = "planner.replan_skipped"
	EventReplanFailed      = "planner.replan_failed"
	EventJudgeReview       = "judge.review"
	EventPROpened          = "pr.opened"
	EventPRMerged          = "pr.merged"
	EventAnomalyDetected   = "anomaly.detected"
	EventAnomalyCleared    = "anomaly.cleared"
)

// Entity type strings for Event.EntityType.
const (
	EntityTask  = "task"
	EntityRun   = "run"
	EntityAgent = "agent"
	EntityCycle = "cycle"
)

// NewPayload marshals v for an event payload. Marshal failures are reduced to
// an error note rather than propagated: audit must never block the decision
// that produced it.
func NewPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"payloadError":` + strconvQuote(err.Error()) + `}`)
	}
	return data
}

func strconvQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
