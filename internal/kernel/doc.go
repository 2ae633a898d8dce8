// Package kernel is the composition root of clarity-kernel.
//
// # Components
//
// New builds every long-lived component from a config.Config:
//
//   - bus.Bus: priority pub/sub with request/reply
//   - agent.Supervisor: agent lifecycle, with the builtin kinds registered
//   - store.Store: optional SQLite registry of agent snapshots and transitions
//   - health.Service: grpc.health.v1 mirror of agent status
//   - an HTTP introspection API and a gRPC server for health probes
//
// # Startup Order
//
// Start brings the components up in dependency order and publishes
// system.component.started after each one:
//
//  1. bus
//  2. supervisor
//  3. store (orphaned records from a previous run are marked stopped)
//  4. health
//
// Manifests in supervisor.agents_dir are then registered, auto_start ones are
// started, and system.boot.complete is published at high priority.
//
// Shutdown runs in reverse. Agents are stopped while the bus is still running
// and the bus is flushed before it stops, so final status changes reach the
// store and the health service.
//
// # HTTP API
//
//	GET /health                     liveness
//	GET /health/ready               200 once booted, 503 otherwise
//	GET /agents[?status=]           agent records
//	GET /agents/{id}                one agent record
//	GET /agents/{id}/transitions    stored status history, newest first
//	GET /history                    dispatched envelopes (topic, source, since, limit)
//	GET /stats                      bus counters and agent status totals
package kernel
