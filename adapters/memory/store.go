// Package memory provides in-process implementations of the flowrelay store, bus, lock and
// configuration contracts. They keep everything in memory and suit tests, examples and
// single-node deployments that can afford to lose state on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coregx/flowrelay"
	"github.com/coregx/flowrelay/model"
)

// Store implements flowrelay.FlowStore.
//
// Transactions are serialized. Each one keeps an undo log that is replayed when it fails,
// so a failed transaction leaves no trace.
type Store struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	seq      int64
	messages map[int64]model.Message
	groups   map[int64]model.MessageFlowGroup
	steps    map[int64]model.MessageFlowStep
	events   map[int64]model.MessageFlowEvent
	keys     map[string]model.ProcessedKey
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		messages: make(map[int64]model.Message),
		groups:   make(map[int64]model.MessageFlowGroup),
		steps:    make(map[int64]model.MessageFlowStep),
		events:   make(map[int64]model.MessageFlowEvent),
		keys:     make(map[string]model.ProcessedKey),
	}
}

// WithinTx runs fn in a serialized transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx flowrelay.FlowTx) error) (err error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &storeTx{s: s}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
		}
	}()
	return fn(ctx, tx)
}

// LoadStep retrieves a step by ID.
func (s *Store) LoadStep(_ context.Context, id int64) (model.MessageFlowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[id]
	if !ok {
		return step, flowrelay.ErrNotFound
	}
	return step, nil
}

// LoadMessage retrieves a message by ID.
func (s *Store) LoadMessage(_ context.Context, id int64) (model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return m, flowrelay.ErrNotFound
	}
	return m, nil
}

// FindPendingEvents returns up to limit events in creation order.
func (s *Store) FindPendingEvents(_ context.Context, componentRouteID int64, eventType model.EventType, limit int) ([]model.MessageFlowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MessageFlowEvent, 0)
	for _, e := range s.events {
		if e.ComponentRouteID == componentRouteID && e.Type == eventType {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindStepsByGroup returns the steps of a lineage group ordered by id.
func (s *Store) FindStepsByGroup(_ context.Context, groupID int64) ([]model.MessageFlowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MessageFlowStep, 0)
	for _, step := range s.steps {
		if step.FlowGroupID == groupID {
			out = append(out, step)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Counts reports the number of stored rows per table. Handy in tests.
func (s *Store) Counts() (messages, groups, steps, events int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages), len(s.groups), len(s.steps), len(s.events)
}

// Steps returns every stored step ordered by id.
func (s *Store) Steps() []model.MessageFlowStep {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.MessageFlowStep, 0, len(s.steps))
	for _, step := range s.steps {
		out = append(out, step)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type storeTx struct {
	s    *Store
	undo []func()
}

func (t *storeTx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *storeTx) nextID() int64 {
	t.s.seq++
	return t.s.seq
}

func (t *storeTx) LoadStep(ctx context.Context, id int64) (model.MessageFlowStep, error) {
	return t.s.LoadStep(ctx, id)
}

func (t *storeTx) LoadMessage(ctx context.Context, id int64) (model.Message, error) {
	return t.s.LoadMessage(ctx, id)
}

func (t *storeTx) InsertMessage(_ context.Context, m *model.Message) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	m.ID = t.nextID()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	id := m.ID
	t.s.messages[id] = *m
	t.undo = append(t.undo, func() { delete(t.s.messages, id) })
	return nil
}

func (t *storeTx) InsertGroup(_ context.Context, g *model.MessageFlowGroup) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	g.ID = t.nextID()
	id := g.ID
	t.s.groups[id] = *g
	t.undo = append(t.undo, func() { delete(t.s.groups, id) })
	return nil
}

func (t *storeTx) InsertStep(_ context.Context, step *model.MessageFlowStep) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.messages[step.MessageID]; !ok {
		return fmt.Errorf("step references unknown message %d", step.MessageID)
	}
	if _, ok := t.s.groups[step.FlowGroupID]; !ok {
		return fmt.Errorf("step references unknown flow group %d", step.FlowGroupID)
	}
	step.ID = t.nextID()
	id := step.ID
	t.s.steps[id] = *step
	t.undo = append(t.undo, func() { delete(t.s.steps, id) })
	return nil
}

func (t *storeTx) UpdateStepOutcome(_ context.Context, step model.MessageFlowStep) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, ok := t.s.steps[step.ID]
	if !ok {
		return flowrelay.ErrNotFound
	}
	updated := prev
	updated.Filtered, updated.FilterReason, updated.FilterName = step.Filtered, step.FilterReason, step.FilterName
	updated.Error, updated.ErrorReason = step.Error, step.ErrorReason
	t.s.steps[step.ID] = updated
	t.undo = append(t.undo, func() { t.s.steps[prev.ID] = prev })
	return nil
}

func (t *storeTx) InsertEvent(_ context.Context, e *model.MessageFlowEvent) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.steps[e.StepID]; !ok {
		return fmt.Errorf("event references unknown step %d", e.StepID)
	}
	e.ID = t.nextID()
	id := e.ID
	t.s.events[id] = *e
	t.undo = append(t.undo, func() { delete(t.s.events, id) })
	return nil
}

func (t *storeTx) DeleteEvent(_ context.Context, id int64) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	prev, ok := t.s.events[id]
	if !ok {
		return false, nil
	}
	delete(t.s.events, id)
	t.undo = append(t.undo, func() { t.s.events[id] = prev })
	return true, nil
}

func (t *storeTx) ClaimKey(_ context.Context, k *model.ProcessedKey) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	key := fmt.Sprintf("%d/%s", k.ComponentRouteID, k.Key)
	if _, ok := t.s.keys[key]; ok {
		return false, nil
	}
	k.ID = t.nextID()
	t.s.keys[key] = *k
	t.undo = append(t.undo, func() { delete(t.s.keys, key) })
	return true, nil
}
