// Package flowrelay moves messages through routes of integration components and records every
// hop durably, so that nothing is lost or silently duplicated across process or node restarts.
//
// Works both as a library for embedding in your application AND as a standalone server driven
// by a YAML topology file.
//
// # Features
//
//   - Transactional outbox: a hop's step, message and event commit together
//   - Lock-guarded relay: one node drains a component's events at a time, in creation order
//   - Message lineage: every hop links to its parent step and shares its flow group
//   - Pluggable acceptance and forwarding policies per component
//   - Five component archetypes built from one Component type
//   - Runtime control: start and stop the inbound or outbound side of a component
//   - Retry with quarantine for hops that keep failing, and replay from quarantine
//   - Multi-Database Support: MySQL, PostgreSQL, SQLite via Relica adapters
//   - Buses: in-memory, NATS JetStream, Kafka. Locks: in-memory, NATS KV, Redis
//   - Prometheus metrics and OpenTelemetry spans
//
// # Quick Start
//
// Apply the embedded migrations and build the store:
//
//	db, _ := sql.Open("sqlite3", "flowrelay.db")
//	if err := flowrelay.ApplyMigrations(ctx, db, "sqlite3", flowrelay.DefaultTablePrefix); err != nil {
//	    log.Fatal(err)
//	}
//	store := relica.NewStore(db, "sqlite3")
//
//	flows, _ := flowrelay.NewMessageFlowService(
//	    flowrelay.WithFlowStore(store.Flows),
//	    flowrelay.WithFlowLogger(logger),
//	)
//
// Host components in a runtime:
//
//	rt, _ := flowrelay.NewRuntime(
//	    flowrelay.WithRuntimeFlows(flows),
//	    flowrelay.WithRuntimeBus(memory.NewBus()),
//	    flowrelay.WithRuntimeLocker(memory.NewLocker()),
//	    flowrelay.WithConfigurationStore(configStore),
//	    flowrelay.WithQuarantine(store.Quarantine),
//	    flowrelay.WithRuntimeLogger(logger),
//	)
//
//	inbound, _ := flowrelay.NewComponent(flowrelay.ComponentSpec{
//	    Name:      "fromFolder",
//	    Route:     "orders",
//	    Archetype: flowrelay.InboundCommunicationPoint,
//	    Inbound:   directory.NewPoller(),
//	})
//	_ = rt.Register(inbound)
//	_ = rt.Start(ctx)
//
// # Message Flow
//
//  1. INGRESS
//     Inbound adapter → INBOUND step + inbound-complete event (one transaction)
//
//  2. RELAY (per component and event type, under a cluster lock)
//     Pending events, oldest first → delete event + publish step id (one transaction)
//
//  3. STAGES
//     Receiver → INBOUND step, acceptance policy → inbound-complete event or filtered
//     Outbound processor → processor → OUTBOUND steps, forwarding policy → outbound event or filtered
//     Sender → outbound adapter
//
// Destinations:
//
//	inboundProcessingComplete-{path}  queue, inbound side to outbound side of one component
//	readyForSending-{path}            queue, outbound processor to sender
//	VirtualTopic.{path}               topic, a component to its downstream components
//	VirtualTopic.{connector}          topic, an outbound route connector to inbound route connectors
//
// # Retry Strategy
//
// A failing stage retries a hop every second, 10 times by default. After the last attempt the hop
// is quarantined and acknowledged; steps recorded by the failing component are marked in error.
// Errors that cannot succeed on retry (not found, configuration, validation) quarantine at once.
//
// # Database Schema
//
//	flowrelay_message             - Message content and headers, shared by unchanged hops
//	flowrelay_message_flow_group  - One row per lineage
//	flowrelay_message_flow_step   - Hops, linked to their parent step
//	flowrelay_message_flow_event  - Outbox events waiting to be relayed
//	flowrelay_quarantine          - Hops that ran out of attempts
//	flowrelay_processed_key       - Idempotency keys of ingresses and stage deliveries
//
// Table prefix can be customized (default: "flowrelay_").
package flowrelay
