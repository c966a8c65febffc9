package domain

import "time"

// Saga status constants.
const (
	SagaStatusStarted      = "started"
	SagaStatusCompensating = "compensating"
	SagaStatusCompleted    = "completed"
	SagaStatusFailed       = "failed"
)

// Saga step names, executed strictly in this order.
const (
	SagaStepReserve = "reserve"
	SagaStepPay     = "pay"
	SagaStepConfirm = "confirm"
)

// SagaSteps returns the forward steps in execution order.
func SagaSteps() []string {
	return []string{SagaStepReserve, SagaStepPay, SagaStepConfirm}
}

// SagaState tracks fulfillment progress for a single order. It is persisted
// at every step boundary so a crash reveals exactly which steps finished.
type SagaState struct {
	ID             string    `json:"id"`
	OrderID        string    `json:"order_id"`
	Status         string    `json:"status"`
	CurrentStep    string    `json:"current_step"`
	CompletedSteps []string  `json:"completed_steps"`
	ReservationIDs []string  `json:"reservation_ids"`
	PaymentID      string    `json:"payment_id,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StepCompleted returns true if the named step has already finished.
func (s *SagaState) StepCompleted(step string) bool {
	for _, done := range s.CompletedSteps {
		if done == step {
			return true
		}
	}
	return false
}

// MarkStepCompleted records a finished step. Recording the same step twice
// is a no-op.
func (s *SagaState) MarkStepCompleted(step string) {
	if s.StepCompleted(step) {
		return
	}
	s.CompletedSteps = append(s.CompletedSteps, step)
}

// IsTerminal returns true when the saga has finished, successfully or not.
func (s *SagaState) IsTerminal() bool {
	return s.Status == SagaStatusCompleted || s.Status == SagaStatusFailed
}
