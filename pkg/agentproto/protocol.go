// Package agentproto defines the bus-level dispatch protocol between the
// orchestrator and agents. Requests travel on "agent.<id>.task", control
// signals on "agent.<id>.control"; agents reply on the message's reply topic.
package agentproto

import (
	"encoding/json"
	"time"

	apperr "github.com/agentplane/agentplane/internal/common/errors"
)

// ResultStatus is the terminal outcome an agent reports for a dispatch.
type ResultStatus string

// Dispatch outcomes.
const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// Control actions.
const (
	ActionCancel = "cancel"
	ActionPing   = "ping"
)

// TaskRequest is the payload dispatched to an agent's task topic.
type TaskRequest struct {
	TaskID      string         `json:"task_id"`
	Description string         `json:"description"`
	Capability  string         `json:"capability,omitempty"`
	Priority    int            `json:"priority"`
	Attempt     int            `json:"attempt"`
	Deadline    time.Time      `json:"deadline,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// TaskResult is the payload an agent replies with. Output is opaque to the
// orchestrator; Confidence and Reasoning are consumed only by collaboration
// coordinators that treat the result as an opinion.
type TaskResult struct {
	TaskID     string        `json:"task_id"`
	AgentID    string        `json:"agent_id"`
	Status     ResultStatus  `json:"status"`
	Output     any           `json:"output,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Reasoning  string        `json:"reasoning,omitempty"`
	Error      *apperr.Error `json:"error,omitempty"`
}

// Control is the payload sent on an agent's control topic.
type Control struct {
	Action string `json:"action"`
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ControlAck is the agent's reply to a control request.
type ControlAck struct {
	Action string `json:"action"`
	TaskID string `json:"task_id,omitempty"`
	OK     bool   `json:"ok"`
}

// Failed reports whether the result carries a structured agent failure.
func (r *TaskResult) Failed() bool {
	return r.Status == ResultFailed || r.Error != nil
}

// DecodeTaskRequest converts a bus payload into a TaskRequest. Payloads
// arrive as concrete structs on the memory bus and as decoded JSON maps over
// NATS; both shapes are accepted.
func DecodeTaskRequest(payload any) (*TaskRequest, error) {
	switch v := payload.(type) {
	case *TaskRequest:
		return v, nil
	case TaskRequest:
		return &v, nil
	}
	var req TaskRequest
	if err := reencode(payload, &req); err != nil {
		return nil, apperr.Validation("payload", "not a task request: "+err.Error())
	}
	return &req, nil
}

// DecodeTaskResult converts a bus payload into a TaskResult.
func DecodeTaskResult(payload any) (*TaskResult, error) {
	switch v := payload.(type) {
	case *TaskResult:
		return v, nil
	case TaskResult:
		return &v, nil
	}
	var res TaskResult
	if err := reencode(payload, &res); err != nil {
		return nil, apperr.Validation("payload", "not a task result: "+err.Error())
	}
	return &res, nil
}

// DecodeControl converts a bus payload into a Control.
func DecodeControl(payload any) (*Control, error) {
	switch v := payload.(type) {
	case *Control:
		return v, nil
	case Control:
		return &v, nil
	}
	var ctl Control
	if err := reencode(payload, &ctl); err != nil {
		return nil, apperr.Validation("payload", "not a control message: "+err.Error())
	}
	return &ctl, nil
}

// DecodeControlAck converts a bus payload into a ControlAck.
func DecodeControlAck(payload any) (*ControlAck, error) {
	switch v := payload.(type) {
	case *ControlAck:
		return v, nil
	case ControlAck:
		return &v, nil
	}
	var ack ControlAck
	if err := reencode(payload, &ack); err != nil {
		return nil, apperr.Validation("payload", "not a control ack: "+err.Error())
	}
	return &ack, nil
}

func reencode(payload any, target any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, target)
}
