// Package health exposes agent status through the standard gRPC health
// protocol (grpc.health.v1.Health).
//
// The overall service "" is SERVING while the kernel is up. Each agent gets a
// service named "agent/<agent id>" that is SERVING while the agent is running
// or degraded and NOT_SERVING otherwise. Updates arrive from
// agent.status.changed on the bus, so probes never touch the supervisor lock.
//
// Watch works as usual:
//
//	grpc_health_probe -addr=127.0.0.1:50051 -service=agent/3f1c...
package health
