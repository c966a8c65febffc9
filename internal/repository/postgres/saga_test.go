package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/fulfillment/internal/domain"
	"github.com/utafrali/fulfillment/pkg/database"
	apperrors "github.com/utafrali/fulfillment/pkg/errors"
)

func setupSagaRepo(t *testing.T) (*SagaRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := database.NewMockPool()
	require.NoError(t, err)
	repo := NewSagaRepository(mock)
	return repo, mock
}

func sampleSaga() *domain.SagaState {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &domain.SagaState{
		ID:          "saga-1",
		OrderID:     "order-1",
		Status:      domain.SagaStatusStarted,
		CurrentStep: domain.SagaStepReserve,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSagaRepository_Create_Success(t *testing.T) {
	repo, mock := setupSagaRepo(t)
	defer mock.Close()

	saga := sampleSaga()
	mock.ExpectExec("INSERT INTO saga_states").
		WithArgs(saga.ID, saga.OrderID, saga.Status, saga.CurrentStep,
			[]byte("[]"), []byte("[]"), saga.PaymentID, saga.ErrorMessage, saga.CreatedAt, saga.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Create(context.Background(), saga))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSagaRepository_Create_DuplicateOrder(t *testing.T) {
	repo, mock := setupSagaRepo(t)
	defer mock.Close()

	saga := sampleSaga()
	mock.ExpectExec("INSERT INTO saga_states").
		WithArgs(saga.ID, saga.OrderID, saga.Status, saga.CurrentStep,
			[]byte("[]"), []byte("[]"), saga.PaymentID, saga.ErrorMessage, saga.CreatedAt, saga.UpdatedAt).
		WillReturnError(errors.New("ERROR: duplicate key value violates unique constraint (SQLSTATE 23505)"))

	err := repo.Create(context.Background(), saga)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSagaRepository_GetByOrderID_Success(t *testing.T) {
	repo, mock := setupSagaRepo(t)
	defer mock.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	columns := []string{
		"id", "order_id", "status", "current_step", "completed_steps",
		"reservation_ids", "payment_id", "error_message", "created_at", "updated_at",
	}

	mock.ExpectQuery("SELECT .+ FROM saga_states").
		WithArgs("order-1").
		WillReturnRows(
			pgxmock.NewRows(columns).
				AddRow("saga-1", "order-1", domain.SagaStatusStarted, domain.SagaStepPay,
					[]byte(`["reserve"]`), []byte(`["res-1","res-2"]`), "", "", now, now),
		)

	saga, err := repo.GetByOrderID(context.Background(), "order-1")
	require.NoError(t, err)
	assert.True(t, saga.StepCompleted(domain.SagaStepReserve))
	assert.False(t, saga.StepCompleted(domain.SagaStepPay))
	assert.Equal(t, []string{"res-1", "res-2"}, saga.ReservationIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSagaRepository_Update_Success(t *testing.T) {
	repo, mock := setupSagaRepo(t)
	defer mock.Close()

	saga := sampleSaga()
	saga.MarkStepCompleted(domain.SagaStepReserve)
	saga.ReservationIDs = []string{"res-1"}
	saga.CurrentStep = domain.SagaStepPay

	mock.ExpectExec("UPDATE saga_states").
		WithArgs(saga.Status, saga.CurrentStep, []byte(`["reserve"]`), []byte(`["res-1"]`),
			saga.PaymentID, saga.ErrorMessage, pgxmock.AnyArg(), saga.ID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.Update(context.Background(), saga))
	assert.NoError(t, mock.ExpectationsWereMet())
}
