// Package decompose turns one user query into per-agent sub-queries. First
// person references are resolved to the authenticated user id so each agent
// receives a standalone query. The decomposer handles user ids and query
// text only; bearer tokens never enter this package.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/registry/model"
)

var (
	myRe = regexp.MustCompile(`(?i)\bmy\b`)
	iRe  = regexp.MustCompile(`(?i)\bI\b`)
	meRe = regexp.MustCompile(`(?i)\bme\b`)
)

// InjectUser resolves first-person references in query to userID. Matches
// are whole-word only; "myself" or "time" are untouched.
func InjectUser(query, userID string) string {
	out := myRe.ReplaceAllString(query, userID+"'s")
	out = iRe.ReplaceAllString(out, userID)
	out = meRe.ReplaceAllString(out, userID)
	return out
}

// Decomposer produces the agent→sub-query map for a selection.
type Decomposer struct {
	model  llm.LLM
	logger *zap.Logger
}

// New creates a Decomposer.
func New(model llm.LLM, logger *zap.Logger) *Decomposer {
	return &Decomposer{model: model, logger: logger}
}

// Decompose maps each selected agent to its sub-query. A single agent gets
// the injected original query without a model call; multiple agents get
// model-split sub-queries, with the injected original backfilling any agent
// the model skipped.
func (d *Decomposer) Decompose(ctx context.Context, query, userID string, selected []*model.AgentRecord) (map[string]string, error) {
	if len(selected) == 0 {
		return map[string]string{}, nil
	}

	injected := InjectUser(query, userID)

	if len(selected) == 1 {
		return map[string]string{selected[0].Name: injected}, nil
	}

	prompt := d.prompt(query, userID, selected)
	raw, err := d.model.Complete(ctx, prompt)
	if err != nil {
		// Degraded path: every agent gets the injected original.
		d.logger.Warn("decomposition failed, broadcasting injected query",
			zap.Error(err))
		return d.broadcast(injected, selected), nil
	}

	parsed := d.parse(raw, selected)
	// Backfill agents the model skipped.
	for _, rec := range selected {
		if _, ok := parsed[rec.Name]; !ok {
			parsed[rec.Name] = injected
		}
	}
	return parsed, nil
}

func (d *Decomposer) broadcast(subQuery string, selected []*model.AgentRecord) map[string]string {
	out := make(map[string]string, len(selected))
	for _, rec := range selected {
		out[rec.Name] = subQuery
	}
	return out
}

func (d *Decomposer) prompt(query, userID string, selected []*model.AgentRecord) string {
	var b strings.Builder
	b.WriteString("Split the user's query into one standalone sub-query per agent.\n")
	fmt.Fprintf(&b, "The user's id is %q. Resolve first-person references (my, I, me) to that id.\n", userID)
	b.WriteString("Agents:\n")
	for _, rec := range selected {
		fmt.Fprintf(&b, "- %s: %s\n", rec.Name, rec.Description)
	}
	fmt.Fprintf(&b, "\nQuery: %s\n\n", query)
	b.WriteString("Return ONLY a JSON object mapping each agent name to its sub-query, ")
	b.WriteString("e.g. {\"AgentA\": \"...\"}. Include every agent listed above and no others.")
	return b.String()
}

// parse extracts the map from the model response, keeping only keys in the
// selected set and dropping empty sub-queries.
func (d *Decomposer) parse(raw string, selected []*model.AgentRecord) map[string]string {
	out := make(map[string]string, len(selected))
	data, err := llm.ExtractJSON(raw)
	if err != nil {
		return out
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err != nil {
		return out
	}
	allowed := make(map[string]bool, len(selected))
	for _, rec := range selected {
		allowed[rec.Name] = true
	}
	for name, sub := range parsed {
		sub = strings.TrimSpace(sub)
		if allowed[name] && sub != "" {
			out[name] = sub
		}
	}
	return out
}
