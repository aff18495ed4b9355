package relica

import (
	"database/sql"
)

// Store holds the SQL-backed stores of a flowrelay runtime.
type Store struct {
	Flows      *FlowStore
	Quarantine *QuarantineRepository
}

// NewStore creates all store implementations using Relica.
//
// The db parameter should be an *sql.DB connected to MySQL, PostgreSQL, or SQLite.
// The driverName should be "mysql", "postgres", or "sqlite3".
// The table prefix defaults to "flowrelay_".
func NewStore(db *sql.DB, driverName string) *Store {
	return &Store{
		Flows:      NewFlowStore(db, driverName),
		Quarantine: NewQuarantineRepository(db, driverName),
	}
}

// NewStoreWithPrefix creates all store implementations with a custom table prefix.
func NewStoreWithPrefix(db *sql.DB, driverName, prefix string) *Store {
	return &Store{
		Flows:      NewFlowStoreWithPrefix(db, driverName, prefix),
		Quarantine: NewQuarantineRepositoryWithPrefix(db, driverName, prefix),
	}
}
