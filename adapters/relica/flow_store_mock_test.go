package relica

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/flowrelay"
	"github.com/coregx/flowrelay/model"
)

func TestWithinTx_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewFlowStore(db, DriverMySQL)

	mock.ExpectBegin()
	mock.ExpectPrepare(`DELETE FROM .flowrelay_message_flow_event. WHERE id = \?`).
		ExpectExec().
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	publishErr := errors.New("broker unavailable")
	err = store.WithinTx(context.Background(), func(ctx context.Context, tx flowrelay.FlowTx) error {
		deleted, err := tx.DeleteEvent(ctx, 7)
		require.NoError(t, err)
		assert.True(t, deleted)
		return publishErr
	})
	assert.ErrorIs(t, err, publishErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_RollsBackOnPanic(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewFlowStore(db, DriverMySQL)

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = store.WithinTx(context.Background(), func(context.Context, flowrelay.FlowTx) error {
			panic("boom")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_CommitFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewFlowStore(db, DriverMySQL)

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err = store.WithinTx(context.Background(), func(context.Context, flowrelay.FlowTx) error { return nil })
	require.Error(t, err)
	assert.Equal(t, flowrelay.ErrCodeDatabase, flowrelay.Code(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_BeginFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	err = NewFlowStore(db, DriverMySQL).WithinTx(context.Background(), func(context.Context, flowrelay.FlowTx) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.Equal(t, flowrelay.ErrCodeDatabase, flowrelay.Code(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlowTx_PostgresInsertReturnsID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewFlowStore(db, DriverPostgres)

	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO "flowrelay_message_flow_event" \(component_route_id, created_at, event_type, message_flow_step_id\) VALUES \(\$1, \$2, \$3, \$4\) RETURNING "id"`).
		ExpectQuery().
		WithArgs(int64(10), sqlmock.AnyArg(), string(model.EventInboundProcessingComplete), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectCommit()

	event := model.MessageFlowEvent{StepID: 3, ComponentRouteID: 10, Type: model.EventInboundProcessingComplete}
	err = store.WithinTx(context.Background(), func(ctx context.Context, tx flowrelay.FlowTx) error {
		return tx.InsertEvent(ctx, &event)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), event.ID)
	assert.False(t, event.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlowTx_DeleteMissingEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewFlowStore(db, DriverPostgres)

	mock.ExpectBegin()
	mock.ExpectPrepare(`DELETE FROM "flowrelay_message_flow_event" WHERE id = \$1`).
		ExpectExec().
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var deleted bool
	err = store.WithinTx(context.Background(), func(ctx context.Context, tx flowrelay.FlowTx) error {
		var err error
		deleted, err = tx.DeleteEvent(ctx, 9)
		return err
	})
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlowTx_ClaimKeyAlreadyClaimed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewFlowStoreWithPrefix(db, DriverMySQL, "test_")

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO `test_processed_key` .* ON DUPLICATE KEY UPDATE processed_key = VALUES\\(processed_key\\)").
		ExpectExec().
		WithArgs(int64(10), sqlmock.AnyArg(), "in.txt:5:1700000000").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var claimed bool
	err = store.WithinTx(context.Background(), func(ctx context.Context, tx flowrelay.FlowTx) error {
		k := model.NewProcessedKey(10, "in.txt:5:1700000000")
		var err error
		claimed, err = tx.ClaimKey(ctx, &k)
		return err
	})
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlowTx_UpdateMissingStep(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewFlowStore(db, DriverSQLite)

	mock.ExpectBegin()
	mock.ExpectPrepare(`UPDATE .flowrelay_message_flow_step. SET .* WHERE id = \?`).
		ExpectExec().
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err = store.WithinTx(context.Background(), func(ctx context.Context, tx flowrelay.FlowTx) error {
		return tx.UpdateStepOutcome(ctx, model.MessageFlowStep{ID: 404, Error: true, ErrorReason: "x"})
	})
	assert.True(t, flowrelay.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
