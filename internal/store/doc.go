// Package store provides persistent storage for the kernel using SQLite.
//
// # Architecture
//
// The Store interface covers two tables:
//
//   - agents: the last known snapshot of every registered agent
//   - agent_transitions: an append-only audit trail of status changes
//
// SQLiteStore implements Store on modernc.org/sqlite (pure Go, no cgo).
// MockStore is an in-memory implementation for tests.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("/var/lib/clarity/kernel.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	err = s.SaveAgent(ctx, &store.AgentRecord{ID: id, Name: "echo", ...})
//	err = s.RecordTransition(ctx, &store.Transition{AgentID: id, From: "initializing", To: "running"})
//	recent, err := s.ListTransitions(ctx, store.TransitionFilter{AgentID: id, Limit: 20})
//
// The kernel writes to the store from bus subscriptions on agent.registered
// and agent.status.changed, so the supervisor itself never blocks on disk.
//
// # Timestamps
//
// Times are stored as UTC strings with fixed-width nanoseconds so that
// lexical order matches time order.
package store
