package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/registry/model"
)

// Agent is a reconstructed in-process agent.
type Agent interface {
	Handle(ctx context.Context, query string) (string, error)
}

// Constructor builds an Agent from its persisted params.
type Constructor func(params map[string]string) (Agent, error)

// LocalRegistry maps constructor references to registered Go constructors
// and caches built instances. Instances are keyed by constructor ref plus a
// capability fingerprint, so a capability update rebuilds the agent.
type LocalRegistry struct {
	mu           sync.Mutex
	constructors map[string]Constructor
	instances    map[string]Agent
}

// NewLocalRegistry creates an empty LocalRegistry.
func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{
		constructors: make(map[string]Constructor),
		instances:    make(map[string]Agent),
	}
}

// RegisterConstructor binds a constructor key ("module.Symbol") to fn.
// Registering the same key twice replaces the previous binding.
func (lr *LocalRegistry) RegisterConstructor(key string, fn Constructor) {
	lr.mu.Lock()
	lr.constructors[key] = fn
	lr.mu.Unlock()
}

// Invoker returns the Invoker for a local agent record, constructing the
// instance on first use.
func (lr *LocalRegistry) Invoker(rec *model.AgentRecord) (Invoker, error) {
	if rec.Constructor == nil {
		return nil, fmt.Errorf("local agent %s has no constructor reference", rec.Name)
	}

	cacheKey := rec.Constructor.Key() + "@" + capabilityFingerprint(rec.Capabilities)

	lr.mu.Lock()
	defer lr.mu.Unlock()

	agent, ok := lr.instances[cacheKey]
	if !ok {
		fn, found := lr.constructors[rec.Constructor.Key()]
		if !found {
			return nil, fmt.Errorf("constructor %s not registered", rec.Constructor.Key())
		}
		built, err := fn(rec.Constructor.Params)
		if err != nil {
			return nil, fmt.Errorf("construct agent %s: %w", rec.Name, err)
		}
		agent = built
		lr.instances[cacheKey] = agent
	}

	return &localInvoker{name: rec.Name, agent: agent}, nil
}

func capabilityFingerprint(c model.Capability) string {
	terms := make([]string, 0, len(c.Domains)+len(c.Operations)+len(c.Entities)+len(c.Keywords))
	terms = append(terms, c.Domains...)
	terms = append(terms, c.Operations...)
	terms = append(terms, c.Entities...)
	terms = append(terms, c.Keywords...)
	sort.Strings(terms)
	payload, _ := json.Marshal(struct {
		Terms    []string `json:"terms"`
		Priority int      `json:"priority"`
	}{terms, c.Priority})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

type localInvoker struct {
	name  string
	agent Agent
}

func (li *localInvoker) Name() string { return li.name }

// Invoke calls the in-process agent. The bearer never reaches local agent
// code; identity injection already happened during decomposition.
func (li *localInvoker) Invoke(ctx context.Context, subQuery, _ string, _ string) Result {
	start := time.Now()
	text, err := li.agent.Handle(ctx, subQuery)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return Result{
			DurationMS:   elapsed,
			Success:      false,
			ErrorMessage: classify(ctx, err),
		}
	}
	return Result{
		Response:   strings.TrimSpace(text),
		DurationMS: elapsed,
		Success:    true,
	}
}
