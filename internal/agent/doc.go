// Package agent supervises long-running agents that talk over the bus.
//
// # Overview
//
// An agent is any value built by a Factory registered under a kind tag. The
// Supervisor owns one record per registered agent, runs each started agent in
// its own goroutine, and reports every lifecycle transition on
// agent.status.changed.
//
//	reg := agent.NewRegistry()
//	_ = reg.Register("echo", newEcho)
//
//	sup := agent.New(b, func(o *agent.Options) {
//	    o.Registry = reg
//	    o.Logger = logger
//	})
//	_ = sup.Start(ctx)
//	defer sup.Shutdown(ctx)
//
//	id, _ := sup.Register(ctx, agent.RegisterRequest{Name: "echo-1", Kind: "echo", AutoStart: true})
//
// # Agent Contract
//
// The value returned by a Factory may implement any of:
//
//   - Starter: Start(ctx) runs once before the agent is marked running
//   - Runner: Run(ctx) is the main loop; without it the agent idles until stopped
//   - Stopper: Stop(ctx) runs after cancellation, bounded by the stop timeout
//   - CapabilityProvider: Capabilities() are merged into the record
//
// # Lifecycle
//
//	initializing -> running -> {paused, updating, degraded} -> stopped | failed
//
// Stopped and failed end a task instance. StartAgent on a stopped or failed
// agent creates a fresh task under the same id.
//
// When a task returns on its own the monitor reconciles it: a nil error
// becomes stopped, an error or panic becomes failed. Each finished task is
// reported exactly once. StopAgent marks the agent stopped first, cancels the
// task and waits for it to return.
//
// # Bus Commands
//
// After Start the supervisor answers agent.register, agent.start, agent.stop,
// agent.update and agent.capability.discover. Requests sent with bus.Request
// get a CommandReply (or DiscoverReply) on the .reply topic. Agents report
// metrics and self-managed statuses on agent.status.update.
package agent
