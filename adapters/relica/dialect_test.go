package relica

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/flowrelay"
	"github.com/coregx/flowrelay/model"
)

func TestClaimKey_IgnoresDuplicatePerDriver(t *testing.T) {
	tests := []struct {
		driver string
		sql    string
	}{
		{
			driver: DriverSQLite,
			sql:    `INSERT INTO "flowrelay_processed_key" \(component_route_id, created_at, processed_key\) VALUES \(\?, \?, \?\) ON CONFLICT \(component_route_id, processed_key\) DO NOTHING`,
		},
		{
			driver: DriverPostgres,
			sql:    `INSERT INTO "flowrelay_processed_key" \(component_route_id, created_at, processed_key\) VALUES \(\$1, \$2, \$3\) ON CONFLICT \(component_route_id, processed_key\) DO NOTHING`,
		},
		{
			driver: DriverMySQL,
			sql:    "INSERT INTO `flowrelay_processed_key` \\(component_route_id, created_at, processed_key\\) VALUES \\(\\?, \\?, \\?\\) ON DUPLICATE KEY UPDATE processed_key = VALUES\\(processed_key\\)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			mock.ExpectBegin()
			mock.ExpectPrepare(tt.sql).
				ExpectExec().
				WithArgs(int64(4), sqlmock.AnyArg(), "orders.csv:1").
				WillReturnResult(sqlmock.NewResult(1, 1))
			mock.ExpectCommit()

			var claimed bool
			err = NewFlowStore(db, tt.driver).WithinTx(context.Background(), func(ctx context.Context, tx flowrelay.FlowTx) error {
				k := model.NewProcessedKey(4, "orders.csv:1")
				var err error
				claimed, err = tx.ClaimKey(ctx, &k)
				return err
			})
			require.NoError(t, err)
			assert.True(t, claimed)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
