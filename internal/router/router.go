// Package router selects the agents that should serve a query. Stage 1 is a
// deterministic capability scoring over the index; Stage 2 asks a language
// model to adjudicate among the shortlisted candidates. Given the same index
// snapshot and the same model output, the selection is identical.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/capability"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/registry/model"
	"github.com/agentmesh/agentmesh/internal/server"
	"github.com/agentmesh/agentmesh/internal/session"
)

// ContextBias is the additive bonus applied to the previously-called agent
// so follow-up queries stay with it.
const ContextBias = 0.15

type contextReader interface {
	Context(ctx context.Context, sessionID string) (*session.Context, error)
}

// Options tune the router.
type Options struct {
	Stage1K         int     // max Stage-1 candidates; 0 means the index default
	Stage1Threshold float64 // min Stage-1 score; 0 means the index default
}

// Selection is one selected agent with its Stage-1 score (after context
// bias). Selections are ordered by descending score.
type Selection struct {
	Record *model.AgentRecord
	Score  float64
}

// Explanation is the debug view of one routing decision.
type Explanation struct {
	Stage1      []capability.Score `json:"stage1_scores"`
	Prompt      string             `json:"stage2_prompt,omitempty"`
	RawResponse string             `json:"stage2_response,omitempty"`
	Selected    []string           `json:"selected"`
}

// Router is the two-stage selection engine.
type Router struct {
	index    *capability.Index
	model    llm.LLM
	contexts contextReader
	opts     Options
	logger   *zap.Logger
}

// New creates a Router. contexts may be nil to disable the context bias.
func New(index *capability.Index, model llm.LLM, contexts contextReader, opts Options, logger *zap.Logger) *Router {
	return &Router{index: index, model: model, contexts: contexts, opts: opts, logger: logger}
}

// Route selects agents for query. sessionID enables the context bias when
// non-empty; tagFilter restricts candidates to records carrying any of the
// given tags. An empty result means no agent can serve the query.
func (r *Router) Route(ctx context.Context, query, sessionID string, tagFilter []string) ([]Selection, error) {
	sel, _, err := r.route(ctx, query, sessionID, tagFilter, false)
	return sel, err
}

// Explain runs the same pipeline as Route and returns the intermediate
// state alongside the selection.
func (r *Router) Explain(ctx context.Context, query, sessionID string, tagFilter []string) (*Explanation, error) {
	_, expl, err := r.route(ctx, query, sessionID, tagFilter, true)
	return expl, err
}

func (r *Router) route(ctx context.Context, query, sessionID string, tagFilter []string, explain bool) ([]Selection, *Explanation, error) {
	scores := r.index.Rank(query, r.opts.Stage1Threshold, r.opts.Stage1K)
	scores = r.filterByTags(scores, tagFilter)
	scores = r.applyContextBias(ctx, sessionID, scores)
	server.RecordStage1Candidates(len(scores))

	expl := &Explanation{Stage1: scores}

	if len(scores) == 0 {
		return nil, expl, nil
	}

	// Stage 2 only adjudicates real choices.
	if len(scores) == 1 || r.opts.Stage1K == 1 {
		sel := r.toSelections(scores, []string{scores[0].Name})
		expl.Selected = names(sel)
		return sel, expl, nil
	}

	prompt := r.stage2Prompt(query, scores)
	expl.Prompt = prompt

	raw, err := r.model.Complete(ctx, prompt)
	if err != nil {
		// Degraded path: Stage-1 top 1 still serves the query.
		r.logger.Warn("stage-2 adjudication failed, using stage-1 top candidate",
			zap.Error(err))
		sel := r.toSelections(scores, []string{scores[0].Name})
		expl.Selected = names(sel)
		return sel, expl, nil
	}
	expl.RawResponse = raw

	chosen := r.parseStage2(raw, scores)
	if len(chosen) == 0 {
		chosen = []string{scores[0].Name}
	}

	sel := r.toSelections(scores, chosen)
	expl.Selected = names(sel)
	return sel, expl, nil
}

func (r *Router) filterByTags(scores []capability.Score, tags []string) []capability.Score {
	if len(tags) == 0 {
		return scores
	}
	out := scores[:0]
	for _, s := range scores {
		rec := r.index.Get(s.Name)
		if rec == nil {
			continue
		}
		for _, t := range tags {
			if rec.HasTag(t) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// applyContextBias bumps the previously-called agent's score and restores
// the (−score, −priority, name) order. Non-candidates are unaffected.
func (r *Router) applyContextBias(ctx context.Context, sessionID string, scores []capability.Score) []capability.Score {
	if r.contexts == nil || sessionID == "" || len(scores) == 0 {
		return scores
	}
	sctx, err := r.contexts.Context(ctx, sessionID)
	if err != nil || sctx == nil || sctx.LastAgentCalled == "" {
		return scores
	}
	biased := false
	for i := range scores {
		if scores[i].Name == sctx.LastAgentCalled {
			scores[i].Value += ContextBias
			biased = true
			break
		}
	}
	if biased {
		sort.SliceStable(scores, func(i, j int) bool {
			if scores[i].Value != scores[j].Value {
				return scores[i].Value > scores[j].Value
			}
			if scores[i].Priority != scores[j].Priority {
				return scores[i].Priority > scores[j].Priority
			}
			return scores[i].Name < scores[j].Name
		})
	}
	return scores
}

func (r *Router) stage2Prompt(query string, scores []capability.Score) string {
	var b strings.Builder
	b.WriteString("You route user queries to specialized agents.\n")
	b.WriteString("Candidates:\n")
	for _, s := range scores {
		rec := r.index.Get(s.Name)
		if rec == nil {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", rec.Name, rec.Description)
		if len(rec.Capabilities.Domains) > 0 {
			fmt.Fprintf(&b, "  domains: %s\n", strings.Join(rec.Capabilities.Domains, ", "))
		}
		for _, ex := range rec.Capabilities.Examples {
			fmt.Fprintf(&b, "  example: %s\n", ex)
		}
	}
	fmt.Fprintf(&b, "\nQuery: %s\n\n", query)
	b.WriteString("Return ONLY a JSON array of the candidate names that should handle the query, ")
	b.WriteString("e.g. [\"AgentA\"]. Select every agent whose domain the query touches. ")
	b.WriteString("Do not invent names.")
	return b.String()
}

// parseStage2 extracts the selected names from the model response, dropping
// anything outside the candidate set and preserving Stage-1 order.
func (r *Router) parseStage2(raw string, scores []capability.Score) []string {
	data, err := llm.ExtractJSON(raw)
	if err != nil {
		return nil
	}
	var picked []string
	if err := json.Unmarshal(data, &picked); err != nil {
		return nil
	}
	allowed := make(map[string]bool, len(picked))
	for _, name := range picked {
		allowed[name] = true
	}
	var out []string
	for _, s := range scores {
		if allowed[s.Name] {
			out = append(out, s.Name)
		}
	}
	return out
}

// toSelections materializes chosen names in Stage-1 score order.
func (r *Router) toSelections(scores []capability.Score, chosen []string) []Selection {
	want := make(map[string]bool, len(chosen))
	for _, name := range chosen {
		want[name] = true
	}
	var out []Selection
	for _, s := range scores {
		if !want[s.Name] {
			continue
		}
		rec := r.index.Get(s.Name)
		if rec == nil {
			continue
		}
		out = append(out, Selection{Record: rec, Score: s.Value})
	}
	return out
}

func names(sel []Selection) []string {
	out := make([]string, len(sel))
	for i, s := range sel {
		out[i] = s.Record.Name
	}
	return out
}
