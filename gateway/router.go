// Package gateway moves data between controllers and the message bus: the
// Publisher forwards readings, the Router executes bus commands.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tailscale.com/util/eventbus"

	"github.com/kradalby/fhem-gateway/bus"
	"github.com/kradalby/fhem-gateway/events"
	"github.com/kradalby/fhem-gateway/fhem"
	"github.com/kradalby/fhem-gateway/logging"
)

// RouterConfig controls how commands are consumed.
type RouterConfig struct {
	Prefix         string
	Queue          string
	QueueDepth     int
	CommandTimeout time.Duration
}

// Router consumes the command queue and runs each command on the executor
// of the addressed host. Every host has its own serial worker, so a slow
// controller holds up neither delivery nor other hosts.
type Router struct {
	bus    bus.Bus
	cfg    RouterConfig
	logger *slog.Logger

	executors map[string]fhem.Executor
	queues    map[fhem.Executor]*serialQueue

	status *events.Bus
	client *eventbus.Client

	wg sync.WaitGroup
}

// NewRouter builds a router for the given host → executor mapping. Hosts
// are also reachable by their routing key segment form (dots replaced by
// dashes).
func NewRouter(b bus.Bus, executors map[string]fhem.Executor, cfg RouterConfig, status *events.Bus, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if b == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "fhem"
	}
	if cfg.Queue == "" {
		cfg.Queue = "fhem-commandqueue"
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 10 * time.Second
	}

	r := &Router{
		bus:       b,
		cfg:       cfg,
		logger:    logging.ForComponent(logger, "router"),
		executors: make(map[string]fhem.Executor, 2*len(executors)),
		queues:    make(map[fhem.Executor]*serialQueue, len(executors)),
		status:    status,
	}

	for host, exec := range executors {
		r.executors[host] = exec
		if seg := bus.Segment(host); seg != host {
			if _, taken := executors[seg]; !taken {
				r.executors[seg] = exec
			}
		}
		if _, ok := r.queues[exec]; !ok {
			r.queues[exec] = newSerialQueue(cfg.QueueDepth)
		}
	}

	if status != nil {
		client, err := status.Client(events.ClientRouter)
		if err != nil {
			return nil, fmt.Errorf("router event client: %w", err)
		}
		r.client = client
	}

	return r, nil
}

// Start launches the host workers and binds the command queue. Workers stop
// when ctx ends.
func (r *Router) Start(ctx context.Context) error {
	for exec, q := range r.queues {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			q.run(ctx)
			r.logger.Debug("command worker stopped", "host", exec.Host())
		}()
	}

	if err := r.bus.Subscribe(r.cfg.Queue, Bindings(r.cfg.Prefix), r.handle); err != nil {
		return fmt.Errorf("binding command queue %s: %w", r.cfg.Queue, err)
	}

	r.logger.Info("command router started",
		"queue", r.cfg.Queue,
		"hosts", len(r.queues),
	)

	return nil
}

// Wait blocks until all host workers have stopped.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Stats reports the queue of every host.
func (r *Router) Stats() map[string]QueueStats {
	out := make(map[string]QueueStats, len(r.queues))
	for exec, q := range r.queues {
		out[exec.Host()] = q.stats()
	}

	return out
}

func (r *Router) handle(_ context.Context, msg bus.Message) {
	cmd, err := ParseCommand(msg.Topic, msg.Payload)
	if err != nil {
		r.logger.Warn("dropping malformed command", "routing_key", msg.Topic, "error", err)
		return
	}

	exec, ok := r.executors[cmd.Host]
	if !ok {
		r.logger.Warn("no executor for host", "host", cmd.Host, "routing_key", cmd.RoutingKey)
		r.emit(cmd, events.CommandOutcomeUnknownHost, 0, nil)
		return
	}

	err = r.queues[exec].submit(func(ctx context.Context) {
		r.execute(ctx, exec, cmd)
	})
	if err != nil {
		r.logger.Warn("dropping command",
			"host", cmd.Host,
			"command", cmd.Text,
			"error", err,
		)
		r.emit(cmd, events.CommandOutcomeDropped, 0, err)
	}
}

func (r *Router) execute(ctx context.Context, exec fhem.Executor, cmd Command) {
	start := time.Now()

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	reply, err := exec.Execute(execCtx, cmd.Text)
	cancel()
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, fhem.ErrNoReply):
		r.logger.Debug("command produced no reply", "host", cmd.Host, "command", cmd.Text)
		r.emit(cmd, events.CommandOutcomeNoReply, elapsed, nil)
		return
	case err != nil:
		r.logger.Warn("command failed",
			"host", cmd.Host,
			"command", cmd.Text,
			"error", err,
		)
		r.emit(cmd, events.CommandOutcomeError, elapsed, err)
		return
	}

	r.logger.Debug("command executed",
		"host", cmd.Host,
		"command", cmd.Text,
		"reply_topic", cmd.ReplyTopic,
		"duration", elapsed,
	)

	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()
	err = r.bus.Publish(pubCtx, bus.Message{
		Topic:       cmd.ReplyTopic,
		Payload:     []byte(reply),
		ContentType: bus.ContentTypeText,
	})
	if err != nil {
		r.logger.Warn("publishing reply failed", "reply_topic", cmd.ReplyTopic, "error", err)
	}

	r.emit(cmd, events.CommandOutcomeOK, elapsed, nil)
}

func (r *Router) emit(cmd Command, outcome events.CommandOutcome, elapsed time.Duration, err error) {
	if r.status == nil {
		return
	}

	evt := events.CommandEvent{
		Timestamp:  time.Now(),
		Host:       cmd.Host,
		Kind:       cmd.Kind,
		Command:    cmd.Text,
		RoutingKey: cmd.RoutingKey,
		Outcome:    outcome,
		Duration:   elapsed,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	r.status.PublishCommand(r.client, evt)
}
