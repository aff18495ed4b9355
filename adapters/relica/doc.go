// Package relica provides SQL store implementations using the Relica query builder.
//
// Relica (github.com/coregx/relica) is a lightweight, type-safe database query builder
// for Go with zero production dependencies.
//
// This package implements the flowrelay persistence interfaces:
//   - FlowStore (messages, flow groups, flow steps, outbox events, processed keys)
//   - QuarantineRepository
//
// Example usage:
//
//	import (
//	    "database/sql"
//	    "github.com/coregx/flowrelay"
//	    "github.com/coregx/flowrelay/adapters/relica"
//	    _ "github.com/go-sql-driver/mysql"
//	)
//
//	db, err := sql.Open("mysql", "user:pass@tcp(localhost:3306)/flowrelay?parseTime=true")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := flowrelay.ApplyMigrations(ctx, db, "mysql", flowrelay.DefaultTablePrefix); err != nil {
//	    log.Fatal(err)
//	}
//
//	store := relica.NewStore(db, "mysql")
//	flows, err := flowrelay.NewMessageFlowService(
//	    flowrelay.WithFlowStore(store.Flows),
//	    flowrelay.WithFlowLogger(logger),
//	)
//	rt, err := flowrelay.NewRuntime(
//	    flowrelay.WithRuntimeFlows(flows),
//	    flowrelay.WithQuarantine(store.Quarantine),
//	    flowrelay.WithConfigurationStore(config),
//	    flowrelay.WithRuntimeBus(bus),
//	    flowrelay.WithRuntimeLocker(locker),
//	    flowrelay.WithRuntimeLogger(logger),
//	)
package relica
