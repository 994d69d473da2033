package messagequeue

import "encoding/json"

// AgentRequestPayload is the schema for sagas.agent.request messages.
type AgentRequestPayload struct {
	RequestID string          `json:"request_id"`
	SagaID    string          `json:"saga_id"`
	StepName  string          `json:"step_name"`
	Attempt   int             `json:"attempt"`
	Payload   json.RawMessage `json:"payload"`
}

// AgentResultPayload is the schema for sagas.agent.result messages.
type AgentResultPayload struct {
	RequestID string          `json:"request_id"`
	SagaID    string          `json:"saga_id"`
	StepName  string          `json:"step_name"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// SagaCancelPayload is the schema for sagas.cancel messages.
type SagaCancelPayload struct {
	SagaID string `json:"saga_id"`
	Reason string `json:"reason,omitempty"`
}
