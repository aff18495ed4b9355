package relica

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/coregx/flowrelay"
	"github.com/coregx/flowrelay/model"
	"github.com/coregx/relica"
)

// QuarantineRepository implements flowrelay.QuarantineRepository using Relica ORM.
type QuarantineRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewQuarantineRepository creates a new QuarantineRepository with default table prefix.
func NewQuarantineRepository(sqlDB *sql.DB, driverName string) *QuarantineRepository {
	return &QuarantineRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: flowrelay.DefaultTablePrefix}
}

// NewQuarantineRepositoryWithPrefix creates a new QuarantineRepository with custom table prefix.
func NewQuarantineRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *QuarantineRepository {
	return &QuarantineRepository{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

func (r *QuarantineRepository) tableName() string {
	return r.tablePrefix + "quarantine"
}

// Load retrieves a quarantine entry by ID.
func (r *QuarantineRepository) Load(ctx context.Context, id int64) (model.QuarantinedMessage, error) {
	var entry model.QuarantinedMessage
	err := r.db.WithContext(ctx).Select("*").From(r.tableName()).Where("id = ?", id).One(&entry)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, flowrelay.ErrNotFound
	}
	if err != nil {
		return entry, flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to load quarantine entry", err)
	}
	return entry, nil
}

// Save creates or updates a quarantine entry.
func (r *QuarantineRepository) Save(ctx context.Context, m model.QuarantinedMessage) (model.QuarantinedMessage, error) {
	if m.ID == 0 {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		// Insert using Model() API - auto-populates m.ID
		err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Insert()
		if err != nil {
			return m, flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to insert quarantine entry", err)
		}
		return m, nil
	}

	// Update using Model() API - auto WHERE id = ?
	err := r.db.WithContext(ctx).Model(&m).Table(r.tableName()).Update()
	if err != nil {
		return m, flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to update quarantine entry", err)
	}
	return m, nil
}

// FindUnresolved retrieves unresolved entries, oldest first.
func (r *QuarantineRepository) FindUnresolved(ctx context.Context, limit int) ([]model.QuarantinedMessage, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	entries := make([]model.QuarantinedMessage, 0)
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("is_resolved = ?", false).
		OrderBy("id ASC").
		Limit(int64(limit)).
		All(&entries)
	if err != nil {
		return nil, flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to find unresolved quarantine entries", err)
	}
	return entries, nil
}

// GetStats retrieves quarantine statistics.
func (r *QuarantineRepository) GetStats(ctx context.Context) (model.QuarantineStats, error) {
	stats := model.QuarantineStats{LastUpdated: time.Now()}
	var totalCount int64

	err := r.db.WithContext(ctx).Select("COUNT(*)").From(r.tableName()).One(&totalCount)
	if err != nil {
		return stats, flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to count quarantine entries", err)
	}
	stats.TotalItems = int(totalCount)

	unresolved, err := r.CountUnresolved(ctx)
	if err != nil {
		return stats, err
	}
	stats.UnresolvedItems = unresolved
	stats.ResolvedItems = stats.TotalItems - stats.UnresolvedItems
	return stats, nil
}

// CountUnresolved returns the count of unresolved entries.
func (r *QuarantineRepository) CountUnresolved(ctx context.Context) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Select("COUNT(*)").From(r.tableName()).Where("is_resolved = ?", false).One(&count)
	if err != nil {
		return 0, flowrelay.NewErrorWithCause(flowrelay.ErrCodeDatabase, "failed to count unresolved quarantine entries", err)
	}
	return int(count), nil
}
