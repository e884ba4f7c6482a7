package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents a state of the run state machine.
type RunStatus string

const (
	RunStatusRequested    RunStatus = "requested"
	RunStatusPlanCompiled RunStatus = "plan_compiled"
	RunStatusAuthorized   RunStatus = "authorized"
	RunStatusDenied       RunStatus = "denied"
	RunStatusExecuting    RunStatus = "executing"
	RunStatusSuccess      RunStatus = "success"
	RunStatusFailed       RunStatus = "failed"
	RunStatusBlocked      RunStatus = "blocked"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusRequested:    {RunStatusPlanCompiled},
	RunStatusPlanCompiled: {RunStatusAuthorized, RunStatusDenied},
	RunStatusAuthorized:   {RunStatusExecuting},
	RunStatusExecuting:    {RunStatusSuccess, RunStatusFailed, RunStatusBlocked},
}

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed ||
		s == RunStatusDenied || s == RunStatusBlocked
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRequested, RunStatusPlanCompiled, RunStatusAuthorized, RunStatusDenied,
		RunStatusExecuting, RunStatusSuccess, RunStatusFailed, RunStatusBlocked:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// NodeStatus is the outcome of a single node.
type NodeStatus string

const (
	// NodeStatusValidated marks a node checked in preview without side effects.
	NodeStatusValidated NodeStatus = "validated"

	// NodeStatusSkippedSideEffect marks a side-effecting node skipped in preview.
	NodeStatusSkippedSideEffect NodeStatus = "skipped_side_effect"

	NodeStatusSuccess NodeStatus = "success"
	NodeStatusFailed  NodeStatus = "failed"
)

// AuditEventType names an audit trail entry.
type AuditEventType string

const (
	AuditRequested             AuditEventType = "requested"
	AuditPlanCompiled          AuditEventType = "plan_compiled"
	AuditAuthorized            AuditEventType = "authorized"
	AuditDenied                AuditEventType = "denied"
	AuditNodeExecuted          AuditEventType = "node_executed"
	AuditNodeFailed            AuditEventType = "node_failed"
	AuditCompensationStarted   AuditEventType = "compensation_started"
	AuditCompensationCompleted AuditEventType = "compensation_completed"
	AuditCompleted             AuditEventType = "completed"
)

// Validate checks if the audit event type is known.
func (t AuditEventType) Validate() error {
	switch t {
	case AuditRequested, AuditPlanCompiled, AuditAuthorized, AuditDenied, AuditNodeExecuted,
		AuditNodeFailed, AuditCompensationStarted, AuditCompensationCompleted, AuditCompleted:
		return nil
	default:
		return fmt.Errorf("invalid audit event type: %s", t)
	}
}
