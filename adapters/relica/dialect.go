package relica

import "github.com/coregx/relica"

// Supported driver names.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// ignoreDuplicate makes an upsert leave an existing processed key untouched.
// MySQL has no DO NOTHING form, so the key column is rewritten with its own value, which
// reports zero affected rows.
func ignoreDuplicate(driverName string, q *relica.UpsertQuery) *relica.UpsertQuery {
	q = q.OnConflict("component_route_id", "processed_key")
	if driverName == DriverMySQL {
		return q.DoUpdate("processed_key")
	}
	return q.DoNothing()
}
