package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mtzanidakis/pokemesh/internal/config"
	"github.com/mtzanidakis/pokemesh/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// Recorder persists descriptor changes for inspection. A nil recorder
// disables persistence.
type Recorder interface {
	UpsertAgent(desc Descriptor) error
	DeleteAgent(agentID string) error
}

// cardMissLimit is how many consecutive card requests must fail before an
// agent is deregistered. A single miss is treated as transient.
const cardMissLimit = 3

// Poller refreshes the directory from the bus: it re-requests each known
// agent's capability card on an interval and accepts push-registrations on
// the directory.register topic. An agent that stops answering card requests
// for several polls in a row is deregistered so the router stops selecting
// it.
type Poller struct {
	dir      *Directory
	client   *natsbus.Client
	recorder Recorder
	cfg      config.DiscoveryConfig
	misses   map[string]int // only the poll loop touches this
}

func NewPoller(dir *Directory, client *natsbus.Client, rec Recorder, cfg config.DiscoveryConfig) *Poller {
	return &Poller{
		dir:      dir,
		client:   client,
		recorder: rec,
		cfg:      cfg,
		misses:   make(map[string]int),
	}
}

func (p *Poller) Start(ctx context.Context) {
	if p.cfg.PollInterval == 0 {
		p.cfg.PollInterval = 30 * time.Second
	}
	if p.cfg.CardTimeout == 0 {
		p.cfg.CardTimeout = 2 * time.Second
	}

	// Push-registration from agents announcing themselves
	sub, err := p.client.Subscribe(natsbus.TopicDirectoryRegister, func(msg *nats.Msg) {
		var desc Descriptor
		if err := json.Unmarshal(msg.Data, &desc); err != nil {
			slog.Warn("invalid registration payload", "error", err)
			return
		}
		if desc.AgentID == "" {
			slog.Warn("registration without agent_id ignored")
			return
		}
		p.dir.Register(desc)
		p.record(desc)
		slog.Info("agent registered via push", "agent", desc.AgentID, "skills", len(desc.Skills))
		p.publishDirectoryEvent("registered", desc.AgentID)
	})
	if err != nil {
		slog.Error("directory register subscription failed", "error", err)
	} else {
		defer sub.Unsubscribe()
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("discovery poller started", "interval", p.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("discovery poller stopped")
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

func (p *Poller) poll() {
	for _, known := range p.dir.Snapshot() {
		topic := natsbus.TopicAgentCard(known.AgentID)
		resp, err := p.client.Request(topic, nil, p.cfg.CardTimeout)
		if err != nil {
			p.misses[known.AgentID]++
			if p.misses[known.AgentID] < cardMissLimit {
				slog.Warn("agent card unavailable",
					"agent", known.AgentID,
					"misses", p.misses[known.AgentID],
					"error", err,
				)
				continue
			}
			slog.Warn("agent card unavailable, deregistering", "agent", known.AgentID, "error", err)
			delete(p.misses, known.AgentID)
			p.dir.Deregister(known.AgentID)
			if p.recorder != nil {
				if derr := p.recorder.DeleteAgent(known.AgentID); derr != nil {
					slog.Warn("agent delete failed", "agent", known.AgentID, "error", derr)
				}
			}
			p.publishDirectoryEvent("deregistered", known.AgentID)
			continue
		}
		p.misses[known.AgentID] = 0

		var desc Descriptor
		if err := json.Unmarshal(resp.Data, &desc); err != nil {
			slog.Warn("invalid agent card", "agent", known.AgentID, "error", err)
			continue
		}
		if desc.AgentID != known.AgentID {
			slog.Warn("agent card id mismatch", "expected", known.AgentID, "got", desc.AgentID)
			continue
		}
		// Replace-by-id keeps readers on immutable snapshots
		p.dir.Register(desc)
		p.record(desc)
	}
}

func (p *Poller) record(desc Descriptor) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.UpsertAgent(desc); err != nil {
		slog.Warn("agent persist failed", "agent", desc.AgentID, "error", err)
	}
}

func (p *Poller) publishDirectoryEvent(eventType, agentID string) {
	event := map[string]any{
		"type":      eventType,
		"agent_id":  agentID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = p.client.Publish(natsbus.TopicEventsDirectory(), data)
}
