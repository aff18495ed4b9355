package relica

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/coregx/flowrelay"
	"github.com/coregx/flowrelay/model"
	"github.com/coregx/relica"
)

// FlowStore implements flowrelay.FlowStore.
//
// Every read and write goes through Relica. Writes share one Relica transaction so that a
// step, its message, its group and its event commit together.
type FlowStore struct {
	db          *relica.DB
	driverName  string
	tablePrefix string
}

// NewFlowStore creates a new FlowStore with default table prefix.
func NewFlowStore(sqlDB *sql.DB, driverName string) *FlowStore {
	return NewFlowStoreWithPrefix(sqlDB, driverName, flowrelay.DefaultTablePrefix)
}

// NewFlowStoreWithPrefix creates a new FlowStore with custom table prefix.
func NewFlowStoreWithPrefix(sqlDB *sql.DB, driverName, prefix string) *FlowStore {
	return &FlowStore{
		db:          relica.WrapDB(sqlDB, driverName),
		driverName:  driverName,
		tablePrefix: prefix,
	}
}

func (s *FlowStore) messageTable() string { return s.tablePrefix + "message" }
func (s *FlowStore) groupTable() string   { return s.tablePrefix + "message_flow_group" }
func (s *FlowStore) stepTable() string    { return s.tablePrefix + "message_flow_step" }
func (s *FlowStore) eventTable() string   { return s.tablePrefix + "message_flow_event" }
func (s *FlowStore) keyTable() string     { return s.tablePrefix + "processed_key" }

// WithinTx runs fn in a database transaction. The transaction is rolled back when fn returns an
// error or panics.
func (s *FlowStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx flowrelay.FlowTx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(ctx, &flowTx{s: s, tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to commit transaction", err)
	}
	return nil
}

// LoadStep retrieves a step by ID.
func (s *FlowStore) LoadStep(ctx context.Context, id int64) (model.MessageFlowStep, error) {
	var step model.MessageFlowStep
	err := s.db.WithContext(ctx).Select("*").From(s.stepTable()).Where("id = ?", id).One(&step)
	if errors.Is(err, sql.ErrNoRows) {
		return step, flowrelay.ErrNotFound
	}
	if err != nil {
		return step, flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to load step", err)
	}
	return step, nil
}

// LoadMessage retrieves a message by ID.
func (s *FlowStore) LoadMessage(ctx context.Context, id int64) (model.Message, error) {
	var msg model.Message
	err := s.db.WithContext(ctx).Select("*").From(s.messageTable()).Where("id = ?", id).One(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return msg, flowrelay.ErrNotFound
	}
	if err != nil {
		return msg, flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to load message", err)
	}
	return msg, nil
}

// FindPendingEvents retrieves the oldest events of a type for a component route.
func (s *FlowStore) FindPendingEvents(ctx context.Context, componentRouteID int64, eventType model.EventType, limit int) ([]model.MessageFlowEvent, error) {
	events := make([]model.MessageFlowEvent, 0)
	err := s.db.WithContext(ctx).Select("*").
		From(s.eventTable()).
		Where("component_route_id = ? AND event_type = ?", componentRouteID, string(eventType)).
		OrderBy("id ASC").
		Limit(int64(limit)).
		All(&events)
	if err != nil {
		return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to find pending events", err)
	}
	return events, nil
}

// FindStepsByGroup retrieves the steps of a lineage group ordered by id.
func (s *FlowStore) FindStepsByGroup(ctx context.Context, groupID int64) ([]model.MessageFlowStep, error) {
	steps := make([]model.MessageFlowStep, 0)
	err := s.db.WithContext(ctx).Select("*").
		From(s.stepTable()).
		Where("message_flow_group_id = ?", groupID).
		OrderBy("id ASC").
		All(&steps)
	if err != nil {
		return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to find steps by group", err)
	}
	return steps, nil
}

// flowTx implements flowrelay.FlowTx over a Relica transaction.
type flowTx struct {
	s  *FlowStore
	tx *relica.Tx
}

func (t *flowTx) LoadStep(_ context.Context, id int64) (model.MessageFlowStep, error) {
	var step model.MessageFlowStep
	err := t.tx.Select("*").From(t.s.stepTable()).Where("id = ?", id).One(&step)
	if errors.Is(err, sql.ErrNoRows) {
		return step, flowrelay.ErrNotFound
	}
	if err != nil {
		return step, flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to load step", err)
	}
	return step, nil
}

func (t *flowTx) LoadMessage(_ context.Context, id int64) (model.Message, error) {
	var msg model.Message
	err := t.tx.Select("*").From(t.s.messageTable()).Where("id = ?", id).One(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		return msg, flowrelay.ErrNotFound
	}
	if err != nil {
		return msg, flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to load message", err)
	}
	return msg, nil
}

func (t *flowTx) InsertMessage(_ context.Context, m *model.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if err := t.tx.Model(m).Table(t.s.messageTable()).Insert(); err != nil {
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to insert message", err)
	}
	return nil
}

func (t *flowTx) InsertGroup(_ context.Context, g *model.MessageFlowGroup) error {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	if err := t.tx.Model(g).Table(t.s.groupTable()).Insert(); err != nil {
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to insert flow group", err)
	}
	return nil
}

func (t *flowTx) InsertStep(_ context.Context, step *model.MessageFlowStep) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now()
	}
	if err := t.tx.Model(step).Table(t.s.stepTable()).Insert(); err != nil {
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to insert step", err)
	}
	return nil
}

func (t *flowTx) UpdateStepOutcome(_ context.Context, step model.MessageFlowStep) error {
	res, err := t.tx.Update(t.s.stepTable()).
		Set(map[string]interface{}{
			"filtered":      step.Filtered,
			"filter_reason": step.FilterReason,
			"filter_name":   step.FilterName,
			"error":         step.Error,
			"error_reason":  step.ErrorReason,
		}).
		Where("id = ?", step.ID).
		Execute()
	if err != nil {
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to update step outcome", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return flowrelay.ErrNotFound
	}
	return nil
}

func (t *flowTx) InsertEvent(_ context.Context, e *model.MessageFlowEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if err := t.tx.Model(e).Table(t.s.eventTable()).Insert(); err != nil {
		return flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to insert event", err)
	}
	return nil
}

func (t *flowTx) DeleteEvent(_ context.Context, id int64) (bool, error) {
	res, err := t.tx.Delete(t.s.eventTable()).Where("id = ?", id).Execute()
	if err != nil {
		return false, flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to delete event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to delete event", err)
	}
	return n > 0, nil
}

// ClaimKey inserts the processed key unless it already exists. The affected row count tells
// whether the key was claimed.
func (t *flowTx) ClaimKey(_ context.Context, k *model.ProcessedKey) (bool, error) {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
	q := t.tx.Builder().
		Upsert(t.s.keyTable(), map[string]interface{}{
			"component_route_id": k.ComponentRouteID,
			"processed_key":      k.Key,
			"created_at":         k.CreatedAt,
		})
	res, err := ignoreDuplicate(t.s.driverName, q).Execute()
	if err != nil {
		return false, flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to claim processed key", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to claim processed key", err)
	}
	return n > 0, nil
}
