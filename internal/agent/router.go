// ABOUTME: Notification router dispatching inbound fire-and-forget messages by method name
// ABOUTME: Hosts the handler table and the fleet-wide broadcast primitive

package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// BroadcastTimeout bounds each per-agent command during a broadcast.
const BroadcastTimeout = 10 * time.Second

// NotificationHandler processes one inbound notification from an agent.
// Params is the raw "params" field and may be nil.
type NotificationHandler func(agentID string, params json.RawMessage)

// handlerTable is the method-name → handler registry, embedded in
// Registry so the inbound message path can dispatch without another
// lookup hop.
type handlerTable struct {
	mu       sync.RWMutex
	handlers map[string]NotificationHandler
}

// RegisterHandler installs a handler for a notification method. The
// last registration for a method wins.
func (r *Registry) RegisterHandler(method string, handler NotificationHandler) {
	r.handlerTable.mu.Lock()
	defer r.handlerTable.mu.Unlock()

	if r.handlerTable.handlers == nil {
		r.handlerTable.handlers = make(map[string]NotificationHandler)
	}
	r.handlerTable.handlers[method] = handler
}

// dispatchNotification routes a notification frame to its registered
// handler. Notifications without a method are dropped with a log line;
// unknown methods are dropped at debug level so newer agents can emit
// notifications older gateways ignore. A panicking handler is contained
// and logged, never allowed to take down the message loop.
func (r *Registry) dispatchNotification(agentID string, env *envelope) {
	if env.Method == "" {
		r.logger.Warn("dropping notification without method", "agent_id", agentID)
		return
	}

	r.handlerTable.mu.RLock()
	handler := r.handlerTable.handlers[env.Method]
	r.handlerTable.mu.RUnlock()

	if handler == nil {
		r.logger.Debug("no handler for notification",
			"agent_id", agentID,
			"method", env.Method,
		)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("notification handler panicked",
				"agent_id", agentID,
				"method", env.Method,
				"panic", rec,
			)
		}
	}()
	handler(agentID, env.Params)
}

// BroadcastResult summarizes a fleet-wide command.
type BroadcastResult struct {
	Attempted int
	Succeeded int
	// Failures maps agent ID to the error that agent's send produced.
	Failures map[string]error
}

// Broadcast issues the command concurrently to every currently
// connected agent. Per-agent failures are captured and do not abort
// delivery to siblings.
func (r *Registry) Broadcast(ctx context.Context, method string, params any) *BroadcastResult {
	ids := r.ConnectedIDs()

	res := &BroadcastResult{
		Attempted: len(ids),
		Failures:  make(map[string]error),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, id := range ids {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			_, err := r.SendCommand(ctx, agentID, method, params, BroadcastTimeout)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failures[agentID] = err
			} else {
				res.Succeeded++
			}
		}(id)
	}
	wg.Wait()

	r.logger.Info("broadcast complete",
		"method", method,
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
	)
	return res
}
