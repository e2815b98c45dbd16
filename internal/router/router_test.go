package router

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/capability"
	"github.com/agentmesh/agentmesh/internal/registry/model"
	"github.com/agentmesh/agentmesh/internal/session"
)

type stubLLM struct {
	response string
	err      error
	calls    int
	prompt   string
}

func (s *stubLLM) Complete(_ context.Context, prompt string) (string, error) {
	s.calls++
	s.prompt = prompt
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

type stubContexts struct {
	ctx *session.Context
	err error
}

func (s *stubContexts) Context(context.Context, string) (*session.Context, error) {
	return s.ctx, s.err
}

func localRecord(name string, caps model.Capability, tags ...string) *model.AgentRecord {
	return &model.AgentRecord{
		Name:         name,
		Description:  name + " description",
		Kind:         model.KindLocal,
		Enabled:      true,
		Tags:         tags,
		Capabilities: caps,
		Constructor:  &model.ConstructorRef{ModulePath: "demo", SymbolName: name},
	}
}

func meshIndex() *capability.Index {
	idx := capability.NewIndex()
	idx.Replace([]*model.AgentRecord{
		localRecord("TicketsAgent", model.Capability{
			Domains:  []string{"tickets", "it"},
			Entities: []string{"ticket", "incident"},
		}, "it"),
		localRecord("FinOpsAgent", model.Capability{
			Domains:  []string{"finops", "costs"},
			Entities: []string{"budget", "invoice"},
		}, "finance"),
		localRecord("OxygenAgent", model.Capability{
			Domains:  []string{"learning", "courses"},
			Entities: []string{"exam", "course"},
		}, "hr"),
	})
	return idx
}

func TestRouteSingleCandidateSkipsStage2(t *testing.T) {
	model := &stubLLM{response: `["should not be called"]`}
	r := New(meshIndex(), model, nil, Options{}, zap.NewNop())

	sel, err := r.Route(context.Background(), "show my tickets", "", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(sel) != 1 || sel[0].Record.Name != "TicketsAgent" {
		t.Fatalf("selection = %+v", sel)
	}
	if model.calls != 0 {
		t.Fatal("single candidate must not consult the model")
	}
}

func TestRouteK1SkipsStage2(t *testing.T) {
	model := &stubLLM{}
	r := New(meshIndex(), model, nil, Options{Stage1K: 1}, zap.NewNop())

	sel, err := r.Route(context.Background(), "ticket budget exam", "", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(sel) != 1 {
		t.Fatalf("k=1 must select exactly one, got %d", len(sel))
	}
	if model.calls != 0 {
		t.Fatal("k=1 must not consult the model")
	}
}

func TestRouteStage2Adjudicates(t *testing.T) {
	model := &stubLLM{response: `["TicketsAgent","OxygenAgent"]`}
	r := New(meshIndex(), model, nil, Options{}, zap.NewNop())

	sel, err := r.Route(context.Background(), "show my tickets ticket and my exam and my budget", "", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if model.calls != 1 {
		t.Fatalf("model calls = %d, want 1", model.calls)
	}
	got := selectionNames(sel)
	if len(got) != 2 || got[0] != "TicketsAgent" {
		t.Fatalf("selection = %v", got)
	}
	for _, name := range got {
		if name == "FinOpsAgent" {
			t.Fatal("unselected candidate leaked through")
		}
	}
}

func TestRouteStage2DropsUnknownNames(t *testing.T) {
	model := &stubLLM{response: `["TicketsAgent","MadeUpAgent"]`}
	r := New(meshIndex(), model, nil, Options{}, zap.NewNop())

	sel, err := r.Route(context.Background(), "ticket budget", "", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	got := selectionNames(sel)
	if len(got) != 1 || got[0] != "TicketsAgent" {
		t.Fatalf("invented names must be dropped: %v", got)
	}
}

func TestRouteStage2GarbageFallsBackToTop1(t *testing.T) {
	for _, response := range []string{
		"I think the TicketsAgent is best!",
		`{"agent":"TicketsAgent"}`,
		`[]`,
		"",
	} {
		model := &stubLLM{response: response}
		r := New(meshIndex(), model, nil, Options{}, zap.NewNop())

		sel, err := r.Route(context.Background(), "ticket budget", "", nil)
		if err != nil {
			t.Fatalf("Route(%q): %v", response, err)
		}
		if len(sel) != 1 {
			t.Fatalf("response %q: selections = %d, want top-1 fallback", response, len(sel))
		}
	}
}

func TestRouteStage2ErrorFallsBackToTop1(t *testing.T) {
	model := &stubLLM{err: errors.New("model host down")}
	r := New(meshIndex(), model, nil, Options{}, zap.NewNop())

	sel, err := r.Route(context.Background(), "ticket budget", "", nil)
	if err != nil {
		t.Fatalf("model outage must not fail routing: %v", err)
	}
	if len(sel) != 1 {
		t.Fatalf("selections = %d, want 1", len(sel))
	}
}

func TestRouteEmptyWhenNothingMatches(t *testing.T) {
	model := &stubLLM{}
	r := New(meshIndex(), model, nil, Options{}, zap.NewNop())

	sel, err := r.Route(context.Background(), "completely unrelated text", "", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if len(sel) != 0 {
		t.Fatalf("selection = %+v, want empty", sel)
	}
	if model.calls != 0 {
		t.Fatal("empty shortlist must not consult the model")
	}
}

func TestRouteDeterministic(t *testing.T) {
	model := &stubLLM{response: `["TicketsAgent","FinOpsAgent"]`}
	r := New(meshIndex(), model, nil, Options{}, zap.NewNop())

	first, err := r.Route(context.Background(), "ticket invoice exam", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := r.Route(context.Background(), "ticket invoice exam", "", nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d: %d selections, want %d", i, len(again), len(first))
		}
		for j := range again {
			if again[j].Record.Name != first[j].Record.Name || again[j].Score != first[j].Score {
				t.Fatalf("run %d differs at %d", i, j)
			}
		}
	}
}

func TestRouteContextBiasPromotesPreviousAgent(t *testing.T) {
	// Both agents score identically on the query; the bias decides.
	idx := capability.NewIndex()
	idx.Replace([]*model.AgentRecord{
		localRecord("AlphaAgent", model.Capability{Domains: []string{"billing"}}),
		localRecord("BetaAgent", model.Capability{Domains: []string{"billing"}}),
	})
	contexts := &stubContexts{ctx: &session.Context{LastAgentCalled: "BetaAgent"}}
	model := &stubLLM{err: errors.New("force stage-1 order")}
	r := New(idx, model, contexts, Options{}, zap.NewNop())

	sel, err := r.Route(context.Background(), "billing question", "sess-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(sel) == 0 || sel[0].Record.Name != "BetaAgent" {
		t.Fatalf("previously-called agent should rank first: %v", selectionNames(sel))
	}
	if sel[0].Score != 0.4+ContextBias {
		t.Fatalf("biased score = %v", sel[0].Score)
	}

	// Without a session the alphabetical tie-break wins.
	sel, err = r.Route(context.Background(), "billing question", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if sel[0].Record.Name != "AlphaAgent" {
		t.Fatalf("unbiased order = %v", selectionNames(sel))
	}
}

func TestRouteContextReadFailureIsNonFatal(t *testing.T) {
	contexts := &stubContexts{err: errors.New("db down")}
	r := New(meshIndex(), &stubLLM{}, contexts, Options{}, zap.NewNop())

	sel, err := r.Route(context.Background(), "show my tickets", "sess-1", nil)
	if err != nil {
		t.Fatalf("context read failure must not fail routing: %v", err)
	}
	if len(sel) != 1 {
		t.Fatalf("selection = %+v", sel)
	}
}

func TestRouteTagFilter(t *testing.T) {
	model := &stubLLM{response: `["TicketsAgent","FinOpsAgent"]`}
	r := New(meshIndex(), model, nil, Options{}, zap.NewNop())

	sel, err := r.Route(context.Background(), "ticket budget", "", []string{"finance"})
	if err != nil {
		t.Fatal(err)
	}
	got := selectionNames(sel)
	if len(got) != 1 || got[0] != "FinOpsAgent" {
		t.Fatalf("tag filter result = %v", got)
	}
}

func TestExplainCarriesIntermediateState(t *testing.T) {
	model := &stubLLM{response: `["TicketsAgent"]`}
	r := New(meshIndex(), model, nil, Options{}, zap.NewNop())

	expl, err := r.Explain(context.Background(), "ticket budget", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(expl.Stage1) < 2 {
		t.Fatalf("stage1 = %+v", expl.Stage1)
	}
	if expl.Prompt == "" || expl.RawResponse != `["TicketsAgent"]` {
		t.Fatalf("explanation = %+v", expl)
	}
	if len(expl.Selected) != 1 || expl.Selected[0] != "TicketsAgent" {
		t.Fatalf("selected = %v", expl.Selected)
	}
}

func selectionNames(sel []Selection) []string {
	out := make([]string, len(sel))
	for i, s := range sel {
		out[i] = s.Record.Name
	}
	return out
}
