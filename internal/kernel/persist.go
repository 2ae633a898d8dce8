// ABOUTME: Mirrors agent registrations and status changes into the store
// ABOUTME: Runs as a bus subscriber so the supervisor never waits on disk

package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clarityos/clarity-kernel/internal/agent"
	"github.com/clarityos/clarity-kernel/internal/bus"
	"github.com/clarityos/clarity-kernel/internal/store"
)

const persistSubscriber = "kernel.store"

// orphanReason is recorded on agents a previous kernel left running.
const orphanReason = "kernel restarted"

type persister struct {
	bus    *bus.Bus
	agents *agent.Supervisor
	store  store.Store
	logger *slog.Logger
}

func newPersister(b *bus.Bus, sup *agent.Supervisor, s store.Store, logger *slog.Logger) *persister {
	return &persister{
		bus:    b,
		agents: sup,
		store:  s,
		logger: logger.With("component", "persist"),
	}
}

func (p *persister) start(ctx context.Context) error {
	n, err := p.markOrphans(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		p.logger.Warn("agents from a previous run marked stopped", "count", n)
	}

	if _, err := p.bus.Subscribe(agent.TopicRegistered, p.handleRegistered, bus.WithSubscriberID(persistSubscriber)); err != nil {
		return err
	}
	if _, err := p.bus.Subscribe(agent.TopicStatusChanged, p.handleStatusChanged, bus.WithSubscriberID(persistSubscriber)); err != nil {
		p.bus.Unsubscribe(agent.TopicRegistered, persistSubscriber)
		return err
	}
	return nil
}

func (p *persister) stop() {
	p.bus.Unsubscribe(agent.TopicRegistered, persistSubscriber)
	p.bus.Unsubscribe(agent.TopicStatusChanged, persistSubscriber)
}

// markOrphans closes out records whose kernel went away without stopping
// them. Agent ids are never reused, so these can only be from an earlier run.
func (p *persister) markOrphans(ctx context.Context) (int, error) {
	records, err := p.store.ListAgents(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing stored agents: %w", err)
	}

	now := time.Now()
	n := 0
	for _, r := range records {
		if agent.Status(r.Status).Terminal() {
			continue
		}
		from := r.Status
		r.Status = string(agent.StatusStopped)
		r.LastError = orphanReason
		r.UpdatedAt = now
		if err := p.store.SaveAgent(ctx, r); err != nil {
			return n, err
		}
		err := p.store.RecordTransition(ctx, &store.Transition{
			AgentID:   r.ID,
			From:      from,
			To:        r.Status,
			Error:     orphanReason,
			Timestamp: now,
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (p *persister) handleRegistered(ctx context.Context, env bus.Envelope) error {
	var ev agent.Registered
	if err := bus.DecodePayload(env, &ev); err != nil {
		return err
	}
	return p.saveSnapshot(ctx, ev.AgentID)
}

// handleStatusChanged saves the latest snapshot before the transition so the
// foreign key holds even when the change overtakes agent.registered.
func (p *persister) handleStatusChanged(ctx context.Context, env bus.Envelope) error {
	var ev agent.StatusChanged
	if err := bus.DecodePayload(env, &ev); err != nil {
		return err
	}
	if err := p.saveSnapshot(ctx, ev.AgentID); err != nil {
		return err
	}
	return p.store.RecordTransition(ctx, &store.Transition{
		AgentID:   ev.AgentID,
		From:      string(ev.Previous),
		To:        string(ev.Status),
		Error:     ev.Error,
		Timestamp: ev.Timestamp,
	})
}

func (p *persister) saveSnapshot(ctx context.Context, id string) error {
	info, err := p.agents.Get(id)
	if err != nil {
		return err
	}
	return p.store.SaveAgent(ctx, recordFromInfo(info))
}

func recordFromInfo(info agent.AgentInfo) *store.AgentRecord {
	r := &store.AgentRecord{
		ID:          info.ID,
		Name:        info.Name,
		Kind:        info.Kind,
		Version:     info.Version,
		Description: info.Description,
		Status:      string(info.Status),
		Config:      info.Config,
		Restarts:    info.Restarts,
		LastError:   info.LastError,
		CreatedAt:   info.CreatedAt,
		UpdatedAt:   info.UpdatedAt,
	}
	for _, perm := range info.Permissions {
		r.Permissions = append(r.Permissions, string(perm))
	}
	return r
}
