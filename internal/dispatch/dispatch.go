// Package dispatch invokes selected agents. Remote agents are reached over
// the A2A HTTP contract through their agent card; local agents are
// reconstructed in process from a registered constructor. Both sit behind
// the Invoker interface so the orchestrator never branches on agent kind.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentmesh/agentmesh/internal/registry/model"
	"github.com/agentmesh/agentmesh/internal/server"
)

// Result is the outcome of one agent invocation.
type Result struct {
	Response     string
	DurationMS   int64
	Success      bool
	ErrorMessage string
}

// Invoker is a dispatchable agent.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, subQuery, bearer, correlationID string) Result
}

const (
	// DefaultConcurrencyCap bounds in-flight invocations per agent.
	DefaultConcurrencyCap = 16
	// DefaultAcquireWait bounds how long an excess dispatch queues before
	// failing fast.
	DefaultAcquireWait = 5 * time.Second
)

// Limiter enforces a per-agent concurrency cap with a bounded acquire wait.
type Limiter struct {
	cap  int64
	wait time.Duration

	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewLimiter creates a Limiter. Zero capacity or wait use the defaults.
func NewLimiter(capacity int64, wait time.Duration) *Limiter {
	if capacity <= 0 {
		capacity = DefaultConcurrencyCap
	}
	if wait <= 0 {
		wait = DefaultAcquireWait
	}
	return &Limiter{cap: capacity, wait: wait, sems: make(map[string]*semaphore.Weighted)}
}

func (l *Limiter) sem(agent string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[agent]
	if !ok {
		s = semaphore.NewWeighted(l.cap)
		l.sems[agent] = s
	}
	return s
}

// Acquire reserves a slot for agent, waiting at most the configured bound.
func (l *Limiter) Acquire(ctx context.Context, agent string) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	if err := l.sem(agent).Acquire(waitCtx, 1); err != nil {
		return fmt.Errorf("agent %s at concurrency cap: %w", agent, err)
	}
	return nil
}

// Release returns a slot for agent.
func (l *Limiter) Release(agent string) {
	l.sem(agent).Release(1)
}

// Dispatcher builds invokers from agent records and runs invocations under
// the per-agent limiter.
type Dispatcher struct {
	remote  *RemoteClient
	locals  *LocalRegistry
	limiter *Limiter
	logger  *zap.Logger
}

// NewDispatcher wires a Dispatcher. locals may be nil when no local agents
// are registered.
func NewDispatcher(remote *RemoteClient, locals *LocalRegistry, limiter *Limiter, logger *zap.Logger) *Dispatcher {
	if limiter == nil {
		limiter = NewLimiter(0, 0)
	}
	return &Dispatcher{remote: remote, locals: locals, limiter: limiter, logger: logger}
}

// InvokerFor returns the Invoker for rec, or an error if the record cannot
// be dispatched with the configured backends.
func (d *Dispatcher) InvokerFor(rec *model.AgentRecord) (Invoker, error) {
	switch rec.Kind {
	case model.KindRemote:
		if rec.AgentCardURL == "" {
			return nil, fmt.Errorf("remote agent %s has no card URL", rec.Name)
		}
		return d.remote.Invoker(rec.Name, rec.AgentCardURL), nil
	case model.KindLocal:
		if d.locals == nil {
			return nil, fmt.Errorf("local agent %s: no constructors registered", rec.Name)
		}
		return d.locals.Invoker(rec)
	default:
		return nil, fmt.Errorf("agent %s has unknown kind %q", rec.Name, rec.Kind)
	}
}

// Run invokes inv under the per-agent concurrency cap. A cap timeout is
// reported as a failed Result rather than an error so partial failures stay
// non-fatal upstream.
func (d *Dispatcher) Run(ctx context.Context, inv Invoker, subQuery, bearer, correlationID string) Result {
	if err := d.limiter.Acquire(ctx, inv.Name()); err != nil {
		// A caller that went away while queued is a cancellation, not a
		// capacity problem.
		if ctx.Err() != nil {
			return Result{Success: false, ErrorMessage: "cancelled"}
		}
		d.logger.Warn("dispatch queued past bound",
			zap.String("agent", inv.Name()),
			zap.Error(err))
		return Result{Success: false, ErrorMessage: "agent busy"}
	}
	defer d.limiter.Release(inv.Name())
	res := inv.Invoke(ctx, subQuery, bearer, correlationID)
	server.RecordDispatch(inv.Name(), res.Success, time.Duration(res.DurationMS)*time.Millisecond)
	return res
}
