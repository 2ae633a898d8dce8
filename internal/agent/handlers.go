// ABOUTME: Bus command handlers for agent.register/start/stop/update/discover
// ABOUTME: Requests carrying a reply key are answered on the topic's .reply twin

package agent

import (
	"context"
	"fmt"
	"slices"

	"github.com/clarityos/clarity-kernel/internal/bus"
)

// subscriberID is the subscription id the supervisor registers under.
const subscriberID = "supervisor"

// commandFunc handles one command envelope and returns the reply payload.
type commandFunc func(ctx context.Context, env bus.Envelope) any

func (s *Supervisor) handlers() map[string]bus.Handler {
	return map[string]bus.Handler{
		TopicRegister:           s.command(s.handleRegister),
		TopicStart:              s.command(s.handleStart),
		TopicStop:               s.command(s.handleStop),
		TopicUpdate:             s.command(s.handleUpdate),
		TopicCapabilityDiscover: s.command(s.handleDiscover),
		TopicStatusUpdate:       s.handleStatusUpdate,
	}
}

func (s *Supervisor) subscribe() error {
	for topic, h := range s.handlers() {
		if _, err := s.bus.Subscribe(topic, h, bus.WithSubscriberID(subscriberID)); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}
	return nil
}

func (s *Supervisor) unsubscribe() {
	for topic := range s.handlers() {
		s.bus.Unsubscribe(topic, subscriberID)
	}
}

// command wraps fn with duplicate suppression and reply publishing. A command
// whose correlation id was already handled within the dedupe window is
// dropped.
func (s *Supervisor) command(fn commandFunc) bus.Handler {
	return func(ctx context.Context, env bus.Envelope) error {
		if s.dedupe.Seen(env.Topic + "/" + env.CorrelationID) {
			s.logger.Debug("duplicate command ignored", "topic", env.Topic, "correlation_id", env.CorrelationID)
			return nil
		}

		reply := fn(ctx, env)
		if env.ReplyTo == "" {
			return nil
		}
		if _, err := s.bus.Reply(env, reply, source); err != nil {
			return fmt.Errorf("replying to %s: %w", env.Topic, err)
		}
		return nil
	}
}

func failure(err error) CommandReply {
	return CommandReply{Success: false, Message: err.Error()}
}

func (s *Supervisor) handleRegister(ctx context.Context, env bus.Envelope) any {
	var req RegisterRequest
	if err := bus.DecodePayload(env, &req); err != nil {
		return failure(err)
	}
	id, err := s.Register(ctx, req)
	if err != nil {
		return failure(err)
	}
	return CommandReply{Success: true, Message: fmt.Sprintf("agent %s registered", req.Name), AgentID: id}
}

func (s *Supervisor) handleStart(ctx context.Context, env bus.Envelope) any {
	var cmd AgentCommand
	if err := bus.DecodePayload(env, &cmd); err != nil {
		return failure(err)
	}
	if err := s.StartAgent(ctx, cmd.AgentID); err != nil {
		return failure(err)
	}
	return CommandReply{Success: true, Message: "agent started", AgentID: cmd.AgentID}
}

func (s *Supervisor) handleStop(ctx context.Context, env bus.Envelope) any {
	var cmd AgentCommand
	if err := bus.DecodePayload(env, &cmd); err != nil {
		return failure(err)
	}
	if err := s.StopAgent(ctx, cmd.AgentID); err != nil {
		return failure(err)
	}
	return CommandReply{Success: true, Message: "agent stopped", AgentID: cmd.AgentID}
}

func (s *Supervisor) handleUpdate(ctx context.Context, env bus.Envelope) any {
	var req UpdateRequest
	if err := bus.DecodePayload(env, &req); err != nil {
		return failure(err)
	}
	info, err := s.Update(ctx, req)
	if err != nil {
		return failure(err)
	}
	return CommandReply{Success: true, Message: fmt.Sprintf("agent %s updated", info.Name), AgentID: info.ID}
}

// handleDiscover reports capabilities for one agent, or all agents when the
// payload names none.
func (s *Supervisor) handleDiscover(_ context.Context, env bus.Envelope) any {
	var cmd AgentCommand
	if env.Payload != nil {
		if err := bus.DecodePayload(env, &cmd); err != nil {
			return DiscoverReply{Success: false, Message: err.Error()}
		}
	}

	var agents []AgentInfo
	if cmd.AgentID != "" {
		info, err := s.Get(cmd.AgentID)
		if err != nil {
			return DiscoverReply{Success: false, Message: err.Error()}
		}
		agents = []AgentInfo{info}
	} else {
		agents = s.List()
	}

	reports := make([]CapabilityReport, 0, len(agents))
	for _, info := range agents {
		reports = append(reports, CapabilityReport{
			AgentID:      info.ID,
			AgentName:    info.Name,
			Capabilities: slices.Clone(info.Capabilities),
		})
	}
	return DiscoverReply{Success: true, Agents: reports}
}

// handleStatusUpdate merges an agent's self-report. Failures are logged by
// the bus; nothing is replied.
func (s *Supervisor) handleStatusUpdate(_ context.Context, env bus.Envelope) error {
	var update StatusUpdate
	if err := bus.DecodePayload(env, &update); err != nil {
		return err
	}
	if update.AgentID == "" {
		update.AgentID = env.Source
	}
	return s.ReportStatus(update)
}
