package relica_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/flowrelay"
	"github.com/coregx/flowrelay/adapters/relica"
	"github.com/coregx/flowrelay/model"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "flowrelay.db") + "?_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, flowrelay.ApplyMigrations(context.Background(), db, relica.DriverSQLite, flowrelay.DefaultTablePrefix))
	return db
}

func newSQLiteFlows(t *testing.T) (*flowrelay.MessageFlowService, *relica.Store) {
	t.Helper()
	store := relica.NewStore(openSQLite(t), relica.DriverSQLite)
	flows, err := flowrelay.NewMessageFlowService(
		flowrelay.WithFlowStore(store.Flows),
		flowrelay.WithFlowLogger(&flowrelay.NoopLogger{}),
	)
	require.NoError(t, err)
	return flows, store
}

func TestFlowStore_RecordsLineage(t *testing.T) {
	ctx := context.Background()
	flows, _ := newSQLiteFlows(t)

	var root, child model.MessageFlowStep
	err := flows.InTx(ctx, func(ctx context.Context, r *flowrelay.FlowRecorder) error {
		var err error
		root, err = r.RecordFlowStep(ctx, flowrelay.StepRequest{
			ComponentRouteID: 10,
			Content:          "hello",
			Headers:          map[string]string{"fileName": "in.txt"},
			ContentType:      "text/plain",
			Direction:        model.DirectionInbound,
		})
		if err != nil {
			return err
		}
		child, err = r.RecordFlowStep(ctx, flowrelay.StepRequest{
			ComponentRouteID: 20,
			Content:          "hello",
			FromStepID:       root.ID,
			Direction:        model.DirectionInbound,
		})
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, root.FlowGroupID, child.FlowGroupID)
	assert.Equal(t, root.ID, child.ParentID())
	assert.Equal(t, root.MessageID, child.MessageID, "unchanged content reuses the parent message")

	lineage, err := flows.GetLineage(ctx, root.FlowGroupID)
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.Equal(t, root.ID, lineage[0].ID)
	assert.False(t, lineage[0].HasParent())
	assert.Equal(t, child.ID, lineage[1].ID)

	step, msg, err := flows.GetStepContent(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DirectionInbound, step.Direction)
	assert.Equal(t, "hello", msg.Content)
	headers, err := msg.HeaderMap()
	require.NoError(t, err)
	assert.Equal(t, "in.txt", headers["fileName"])
}

func TestFlowStore_PendingEventsInOrder(t *testing.T) {
	ctx := context.Background()
	flows, _ := newSQLiteFlows(t)

	var ids []int64
	for _, content := range []string{"a", "b", "c"} {
		err := flows.InTx(ctx, func(ctx context.Context, r *flowrelay.FlowRecorder) error {
			step, err := r.RecordFlowStep(ctx, flowrelay.StepRequest{
				ComponentRouteID: 10, Content: content, Direction: model.DirectionInbound,
			})
			if err != nil {
				return err
			}
			ev, err := r.RecordEvent(ctx, step.ID, model.EventInboundProcessingComplete)
			ids = append(ids, ev.ID)
			return err
		})
		require.NoError(t, err)
	}

	events, err := flows.GetPendingEvents(ctx, 10, model.EventInboundProcessingComplete, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ids[0], events[0].ID)
	assert.Equal(t, ids[1], events[1].ID)

	other, err := flows.GetPendingEvents(ctx, 10, model.EventReadyForSending, 10)
	require.NoError(t, err)
	assert.Empty(t, other)

	deleted, err := flows.DeleteEvent(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = flows.DeleteEvent(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, deleted)

	events, err = flows.GetPendingEvents(ctx, 10, model.EventInboundProcessingComplete, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ids[1], events[0].ID)
}

func TestFlowStore_RollbackDiscardsEverything(t *testing.T) {
	ctx := context.Background()
	flows, _ := newSQLiteFlows(t)

	var stepID int64
	err := flows.InTx(ctx, func(ctx context.Context, r *flowrelay.FlowRecorder) error {
		step, err := r.RecordFlowStep(ctx, flowrelay.StepRequest{
			ComponentRouteID: 10, Content: "x", Direction: model.DirectionInbound,
		})
		if err != nil {
			return err
		}
		stepID = step.ID
		if _, err := r.RecordEvent(ctx, step.ID, model.EventInboundProcessingComplete); err != nil {
			return err
		}
		return flowrelay.NewError(flowrelay.ErrCodeProcessing, "processor failed")
	})
	require.Error(t, err)

	_, err = flows.GetStep(ctx, stepID)
	assert.True(t, flowrelay.IsNotFound(err))
	events, err := flows.GetPendingEvents(ctx, 10, model.EventInboundProcessingComplete, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFlowStore_MarkOutcomeAndClaimKey(t *testing.T) {
	ctx := context.Background()
	flows, _ := newSQLiteFlows(t)

	step, err := flows.RecordFlowStep(ctx, flowrelay.StepRequest{
		ComponentRouteID: 10, Content: "x", Direction: model.DirectionInbound,
	})
	require.NoError(t, err)

	require.NoError(t, flows.MarkFiltered(ctx, step.ID, "weekend", "onlyWeekdays"))
	loaded, err := flows.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Filtered)
	assert.Equal(t, "weekend", loaded.FilterReason)
	assert.Equal(t, "onlyWeekdays", loaded.FilterName)
	assert.True(t, loaded.IsTerminated())

	claim := func() bool {
		var claimed bool
		err := flows.InTx(ctx, func(ctx context.Context, r *flowrelay.FlowRecorder) error {
			var err error
			claimed, err = r.ClaimKey(ctx, 10, "in.txt:5:1700000000")
			return err
		})
		require.NoError(t, err)
		return claimed
	}
	assert.True(t, claim())
	assert.False(t, claim())
}

func TestFlowStore_UnknownParent(t *testing.T) {
	flows, _ := newSQLiteFlows(t)

	_, err := flows.RecordFlowStep(context.Background(), flowrelay.StepRequest{
		ComponentRouteID: 10, Content: "x", FromStepID: 999, Direction: model.DirectionInbound,
	})
	assert.True(t, flowrelay.IsNotFound(err))
}
