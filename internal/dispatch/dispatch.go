package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/pokemesh/internal/config"
	"github.com/mtzanidakis/pokemesh/internal/natsbus"
	"github.com/mtzanidakis/pokemesh/internal/task"
	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker/v2"
)

// Client dispatches tasks to remote agents over the bus. Each dispatch is
// bounded by the task deadline, retries transient transport failures with
// exponential backoff, and short-circuits through a per-agent circuit
// breaker once an agent fails repeatedly.
type Client struct {
	bus *natsbus.Client
	cfg config.DispatchConfig

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker[*nats.Msg]
}

func NewClient(bus *natsbus.Client, cfg config.DispatchConfig) *Client {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffFactor == 0 {
		cfg.BackoffFactor = 2
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 3
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	return &Client{
		bus:      bus,
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*nats.Msg]),
	}
}

// Dispatch sends the task to its target agent and waits for the single
// result, never blocking past the task deadline. The returned result is
// always terminal: a payload, or a classified error (Timeout, Unreachable,
// ApplicationError, Cancelled).
func (c *Client) Dispatch(ctx context.Context, t task.Task) task.Result {
	start := time.Now()

	ctx, cancel := context.WithDeadline(ctx, t.Deadline)
	defer cancel()

	data, err := json.Marshal(t)
	if err != nil {
		return task.FailedResult(t.ID, t.TargetAgentID, task.CauseApplicationError,
			"marshal task: "+err.Error(), time.Since(start))
	}

	breaker := c.breakerFor(t.TargetAgentID)
	msg, err := breaker.Execute(func() (*nats.Msg, error) {
		return c.request(ctx, t, data)
	})
	if err != nil {
		return c.classify(t, err, time.Since(start))
	}

	var res task.Result
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return task.FailedResult(t.ID, t.TargetAgentID, task.CauseApplicationError,
			"invalid reply: "+err.Error(), time.Since(start))
	}
	res.TaskID = t.ID
	if res.ProducedBy == "" {
		res.ProducedBy = t.TargetAgentID
	}
	res.Latency = time.Since(start)
	return res
}

// request performs the bus round-trip, retrying transient failures. An
// expired context is never retried: the deadline is a hard upper bound.
func (c *Client) request(ctx context.Context, t task.Task, data []byte) (*nats.Msg, error) {
	topic := natsbus.TopicAgentTask(t.TargetAgentID)
	backoff := c.cfg.BackoffBase

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= time.Duration(c.cfg.BackoffFactor)
			slog.Debug("retrying dispatch", "task", t.ID, "agent", t.TargetAgentID, "attempt", attempt)
		}

		msg, err := c.bus.RequestWithContext(ctx, topic, data)
		if err == nil {
			return msg, nil
		}
		lastErr = err

		if !transient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) breakerFor(agentID string) *gobreaker.CircuitBreaker[*nats.Msg] {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()

	if cb, ok := c.breakers[agentID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[*nats.Msg](gobreaker.Settings{
		Name:        "agent:" + agentID,
		MaxRequests: 1, // allow 1 probe in half-open state
		Timeout:     c.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.cfg.BreakerFailures
		},
		// Caller cancellation says nothing about the agent's health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	c.breakers[agentID] = cb
	return cb
}

// classify maps a transport-level failure to a task error. Breaker-open and
// exhausted-retry failures surface as Unreachable, an elapsed deadline as
// Timeout, and caller cancellation as Cancelled.
func (c *Client) classify(t task.Task, err error, latency time.Duration) task.Result {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		return task.FailedResult(t.ID, t.TargetAgentID, task.CauseUnreachable,
			"circuit open for "+t.TargetAgentID, latency)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout):
		return task.FailedResult(t.ID, t.TargetAgentID, task.CauseTimeout,
			"deadline elapsed", latency)
	case errors.Is(err, context.Canceled):
		return task.FailedResult(t.ID, t.TargetAgentID, task.CauseCancelled,
			"dispatch cancelled", latency)
	default:
		return task.FailedResult(t.ID, t.TargetAgentID, task.CauseUnreachable,
			err.Error(), latency)
	}
}

// BreakerState returns the breaker state for an agent, for status reporting.
func (c *Client) BreakerState(agentID string) string {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()

	cb, ok := c.breakers[agentID]
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

// transient reports whether a transport failure is worth retrying.
// Application-level failures arrive as valid replies and never reach here;
// an expired context is terminal.
func transient(err error) bool {
	return errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrReconnectBufExceeded)
}
