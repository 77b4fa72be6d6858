// Package agent hosts the built-in agents: each one serves its task topic
// on the bus, answers capability card requests, and announces itself to the
// directory on startup.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/pokemesh/internal/directory"
	"github.com/mtzanidakis/pokemesh/internal/natsbus"
	"github.com/mtzanidakis/pokemesh/internal/task"
	"github.com/nats-io/nats.go"
)

// Handler resolves one task to its terminal result. Implementations must
// respect the context deadline and classify their own failures.
type Handler interface {
	Handle(ctx context.Context, t task.Task) task.Result
}

// Agent couples a capability card with the handler that serves it.
type Agent struct {
	Card    directory.Descriptor
	Handler Handler
}

// Host runs a set of agents against the bus.
type Host struct {
	client *natsbus.Client
	agents []Agent
	subs   []*nats.Subscription
}

func NewHost(client *natsbus.Client, agents ...Agent) *Host {
	return &Host{client: client, agents: agents}
}

// Start subscribes every agent's task and card topics and push-registers the
// agents with the directory. The ctx bounds task handling, not the
// subscriptions; call Stop to tear those down.
func (h *Host) Start(ctx context.Context) error {
	for _, a := range h.agents {
		if err := h.serve(ctx, a); err != nil {
			h.Stop()
			return fmt.Errorf("start agent %s: %w", a.Card.AgentID, err)
		}
	}
	if err := h.client.Flush(); err != nil {
		h.Stop()
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	for _, a := range h.agents {
		if err := h.client.PublishJSON(natsbus.TopicDirectoryRegister, a.Card); err != nil {
			slog.Warn("agent registration publish failed", "agent", a.Card.AgentID, "error", err)
		}
	}
	return nil
}

func (h *Host) serve(ctx context.Context, a Agent) error {
	id := a.Card.AgentID

	// Queue group per agent id: one member handles each task even when the
	// same agent runs in several processes
	taskSub, err := h.client.QueueSubscribe(natsbus.TopicAgentTask(id), id, func(msg *nats.Msg) {
		h.handleTask(ctx, a, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe task topic: %w", err)
	}
	h.subs = append(h.subs, taskSub)

	card, err := json.Marshal(a.Card)
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}
	cardSub, err := h.client.Subscribe(natsbus.TopicAgentCard(id), func(msg *nats.Msg) {
		if err := msg.Respond(card); err != nil {
			slog.Warn("card respond failed", "agent", id, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe card topic: %w", err)
	}
	h.subs = append(h.subs, cardSub)

	slog.Info("agent serving", "agent", id, "skills", len(a.Card.Skills))
	return nil
}

func (h *Host) handleTask(ctx context.Context, a Agent, msg *nats.Msg) {
	var t task.Task
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		slog.Warn("malformed task ignored", "agent", a.Card.AgentID, "error", err)
		return
	}

	start := time.Now()
	if !t.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, t.Deadline)
		defer cancel()
	}

	res := a.Handler.Handle(ctx, t)
	res.TaskID = t.ID
	res.ProducedBy = a.Card.AgentID
	res.Latency = time.Since(start)

	data, err := json.Marshal(res)
	if err != nil {
		slog.Error("result marshal failed", "agent", a.Card.AgentID, "task", t.ID, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn("result respond failed", "agent", a.Card.AgentID, "task", t.ID, "error", err)
		return
	}

	slog.Info("task handled",
		"agent", a.Card.AgentID,
		"task", t.ID,
		"skill", t.Skill,
		"ok", res.OK(),
		"latency", res.Latency,
	)
}

// Stop unsubscribes all topics. Safe to call more than once.
func (h *Host) Stop() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.subs = nil
}
