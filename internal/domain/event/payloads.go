package event

// SagaStatusPayload is carried by saga lifecycle events.
type SagaStatusPayload struct {
	SagaID       string `json:"saga_id"`
	Definition   string `json:"definition"`
	RequesterKey string `json:"requester_key"`
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
}

// StepPayload is carried by step lifecycle events.
type StepPayload struct {
	SagaID   string `json:"saga_id"`
	StepName string `json:"step_name"`
	Attempt  int    `json:"attempt"`
	Error    string `json:"error,omitempty"`
}

// CompensationPayload is carried by saga.compensated events and holds
// the full compensation log for operator review.
type CompensationPayload struct {
	SagaID  string             `json:"saga_id"`
	Entries []CompensationItem `json:"entries"`
}

// CompensationItem is one entry of a compensation log payload.
type CompensationItem struct {
	StepName string `json:"step_name"`
	Error    string `json:"error,omitempty"`
}

// WorkerPayload is carried by worker lifecycle events.
type WorkerPayload struct {
	WorkerID   string `json:"worker_id"`
	ParentID   string `json:"parent_id,omitempty"`
	SagaID     string `json:"saga_id"`
	StepName   string `json:"step_name"`
	SpawnDepth int    `json:"spawn_depth"`
	Status     string `json:"status"`
}

// BreakerPayload is carried by breaker.state.changed events.
type BreakerPayload struct {
	DependencyID string `json:"dependency_id"`
	From         string `json:"from"`
	To           string `json:"to"`
}

// QuotaPayload is carried by quota.rejected and quota.updated events.
type QuotaPayload struct {
	RequesterKey string `json:"requester_key"`
	Reason       string `json:"reason,omitempty"`
}

// DeadlockPayload is carried by deadlock events.
type DeadlockPayload struct {
	Cycle  []string `json:"cycle"`
	Victim string   `json:"victim,omitempty"`
}
