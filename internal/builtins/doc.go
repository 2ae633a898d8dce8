// Package builtins provides the agent kinds compiled into every kernel.
//
// # Overview
//
// Register adds each kind to an agent.Registry so manifests and
// agent.register commands can name them:
//
//	reg := agent.NewRegistry()
//	if err := builtins.Register(reg); err != nil {
//	    return err
//	}
//
// # Kinds
//
// heartbeat - publishes system.heartbeat every interval (default 5s) and
// self-reports heap usage and beat count:
//
//	[config]
//	interval = "5s"
//
// cron - publishes a CronTick on topic whenever schedule fires. Schedules are
// standard five-field cron expressions or tags such as @hourly:
//
//	[config]
//	schedule = "*/5 * * * *"
//	topic = "maintenance.sweep"
//	priority = "low"
//
// echo - replies to requests on topic (default "echo") with the request
// payload. Envelopes without a reply address are ignored.
//
// recorder - counts envelopes matching pattern (default "*") per topic and
// answers requests on stats_topic (default "recorder.stats") with a
// RecorderStats snapshot.
//
// Agents get their dependencies through agent.Env and keep no global state.
package builtins
