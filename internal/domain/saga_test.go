package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSagaStepBookkeeping(t *testing.T) {
	saga := &SagaState{Status: SagaStatusStarted}

	assert.False(t, saga.StepCompleted(SagaStepReserve))

	saga.MarkStepCompleted(SagaStepReserve)
	assert.True(t, saga.StepCompleted(SagaStepReserve))
	assert.False(t, saga.StepCompleted(SagaStepPay))

	// Duplicate recording is a no-op.
	saga.MarkStepCompleted(SagaStepReserve)
	assert.Len(t, saga.CompletedSteps, 1)
}

func TestSagaIsTerminal(t *testing.T) {
	assert.False(t, (&SagaState{Status: SagaStatusStarted}).IsTerminal())
	assert.False(t, (&SagaState{Status: SagaStatusCompensating}).IsTerminal())
	assert.True(t, (&SagaState{Status: SagaStatusCompleted}).IsTerminal())
	assert.True(t, (&SagaState{Status: SagaStatusFailed}).IsTerminal())
}
