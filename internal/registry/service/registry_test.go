package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/registry/model"
	"github.com/agentmesh/agentmesh/internal/registry/store"
	"github.com/agentmesh/agentmesh/pkg/agentcard"
)

// memStore is an in-memory docStore with an injectable save failure.
type memStore struct {
	doc     *store.Document
	backup  *store.Document
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{doc: store.NewDocument()}
}

func cloneDoc(doc *store.Document) *store.Document {
	next := store.NewDocument()
	for name, rec := range doc.Agents {
		next.Agents[name] = rec.Clone()
	}
	return next
}

func (m *memStore) Load() (*store.Document, error) { return cloneDoc(m.doc), nil }

func (m *memStore) Save(doc *store.Document) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.backup = m.doc
	m.doc = cloneDoc(doc)
	m.saves++
	return nil
}

func (m *memStore) RestoreFromBackup() (*store.Document, error) {
	if m.backup == nil {
		return nil, errors.New("no backup")
	}
	m.doc = m.backup
	return cloneDoc(m.doc), nil
}

// stubFetcher serves canned cards by URL.
type stubFetcher struct {
	cards     map[string]*agentcard.Card
	fetchErr  error
	reachable bool
}

func (f *stubFetcher) Fetch(_ context.Context, cardURL string) (*agentcard.Card, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	card, ok := f.cards[cardURL]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return card, nil
}

func (f *stubFetcher) Probe(_ context.Context, _ string) bool { return f.reachable }

func validCard() *agentcard.Card {
	return &agentcard.Card{
		Name:        "Acme Tickets",
		Description: "Handles support tickets",
		Capabilities: agentcard.Capabilities{Tools: []agentcard.Tool{
			{Name: "get_ticket", Description: "fetch one ticket"},
			{Name: "list_tickets", Description: "list open tickets"},
		}},
		Endpoints:      agentcard.Endpoints{Invoke: "https://acme.example/invoke"},
		Authentication: agentcard.Authentication{Type: "bearer"},
		Tags:           []string{"tickets"},
	}
}

func newRegistry(t *testing.T, st docStore, f cardFetcher) *Registry {
	t.Helper()
	r, err := New(st, f, Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func registerLocalTickets(t *testing.T, r *Registry) *model.AgentRecord {
	t.Helper()
	rec, err := r.RegisterLocal(context.Background(), LocalRegistration{
		Name:        "TicketsAgent",
		Description: "IT tickets",
		Capabilities: model.Capability{
			Domains: []string{"tickets", "IT"},
		},
		Constructor: model.ConstructorRef{ModulePath: "demo", SymbolName: "TicketsAgent"},
		Tags:        []string{"it"},
	})
	if err != nil {
		t.Fatalf("RegisterLocal: %v", err)
	}
	return rec
}

func TestRegisterLocalRoundTrip(t *testing.T) {
	st := newMemStore()
	r := newRegistry(t, st, &stubFetcher{reachable: true})

	rec := registerLocalTickets(t, r)
	if !rec.Enabled {
		t.Fatal("local agents register enabled")
	}
	if got := rec.Capabilities.Domains; len(got) != 2 || got[0] != "tickets" || got[1] != "it" {
		t.Fatalf("capabilities not normalized: %v", got)
	}

	got, err := r.Get("TicketsAgent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Constructor == nil || got.Constructor.Key() != "demo.TicketsAgent" {
		t.Fatalf("constructor ref lost: %+v", got.Constructor)
	}

	// Cold start from the same store yields the same record.
	r2 := newRegistry(t, st, &stubFetcher{})
	again, err := r2.Get("TicketsAgent")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if again.Enabled != rec.Enabled || len(again.Tags) != 1 || again.Tags[0] != "it" {
		t.Fatalf("reload mismatch: %+v", again)
	}
}

func TestRegisterLocalDuplicateName(t *testing.T) {
	r := newRegistry(t, newMemStore(), &stubFetcher{})
	registerLocalTickets(t, r)

	_, err := r.RegisterLocal(context.Background(), LocalRegistration{
		Name:        "TicketsAgent",
		Constructor: model.ConstructorRef{ModulePath: "demo", SymbolName: "Other"},
	})
	if !errors.Is(err, model.ErrDuplicateName) {
		t.Fatalf("err = %v, want ErrDuplicateName", err)
	}
}

func TestRegisterRemotePendingAndLifecycle(t *testing.T) {
	f := &stubFetcher{
		cards:     map[string]*agentcard.Card{"https://acme.example/.well-known/agent-card.json": validCard()},
		reachable: true,
	}
	r := newRegistry(t, newMemStore(), f)

	rec, err := r.RegisterRemote(context.Background(), RemoteRegistration{
		AgentCardURL: "https://acme.example/.well-known/agent-card.json",
	})
	if err != nil {
		t.Fatalf("RegisterRemote: %v", err)
	}
	if rec.Name != "Acme_Tickets" {
		t.Fatalf("name = %q, want sanitized Acme_Tickets", rec.Name)
	}
	if rec.Status != model.StatusPending {
		t.Fatalf("status = %s, want pending", rec.Status)
	}

	// Pending remotes are excluded from the dispatchable listing and index.
	if got := r.List(ListFilter{EnabledOnly: true}); len(got) != 0 {
		t.Fatalf("pending agent must not be listed as dispatchable: %v", got)
	}
	if r.Index().Len() != 0 {
		t.Fatal("pending agent must not be indexed")
	}

	if _, err := r.SetStatus(context.Background(), rec.Name, model.StatusApproved); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if got := r.List(ListFilter{EnabledOnly: true}); len(got) != 1 {
		t.Fatalf("approved agent should be dispatchable: %v", got)
	}
	if r.Index().Len() != 1 {
		t.Fatal("approved agent should be indexed")
	}

	// approved ↔ suspended
	if _, err := r.SetStatus(context.Background(), rec.Name, model.StatusSuspended); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if r.Index().Len() != 0 {
		t.Fatal("suspended agent must leave the index")
	}
	if _, err := r.SetStatus(context.Background(), rec.Name, model.StatusApproved); err != nil {
		t.Fatalf("reinstate: %v", err)
	}
}

func TestSetStatusIllegalTransitions(t *testing.T) {
	f := &stubFetcher{
		cards:     map[string]*agentcard.Card{"https://acme.example/card.json": validCard()},
		reachable: true,
	}
	r := newRegistry(t, newMemStore(), f)
	rec, err := r.RegisterRemote(context.Background(), RemoteRegistration{AgentCardURL: "https://acme.example/card.json"})
	if err != nil {
		t.Fatal(err)
	}

	// pending → suspended is outside the machine.
	if _, err := r.SetStatus(context.Background(), rec.Name, model.StatusSuspended); !errors.Is(err, model.ErrIllegalTransition) {
		t.Fatalf("pending→suspended err = %v, want ErrIllegalTransition", err)
	}

	if _, err := r.SetStatus(context.Background(), rec.Name, model.StatusRejected); err != nil {
		t.Fatalf("pending→rejected: %v", err)
	}
	// rejected → approved is terminal.
	if _, err := r.SetStatus(context.Background(), rec.Name, model.StatusApproved); !errors.Is(err, model.ErrIllegalTransition) {
		t.Fatalf("rejected→approved err = %v, want ErrIllegalTransition", err)
	}
}

func TestIdempotentNoOps(t *testing.T) {
	f := &stubFetcher{
		cards:     map[string]*agentcard.Card{"https://acme.example/card.json": validCard()},
		reachable: true,
	}
	st := newMemStore()
	r := newRegistry(t, st, f)
	rec, err := r.RegisterRemote(context.Background(), RemoteRegistration{AgentCardURL: "https://acme.example/card.json"})
	if err != nil {
		t.Fatal(err)
	}

	saves := st.saves
	if _, err := r.SetEnabled(context.Background(), rec.Name, true); err != nil {
		t.Fatalf("same-value SetEnabled: %v", err)
	}
	if _, err := r.SetStatus(context.Background(), rec.Name, model.StatusPending); err != nil {
		t.Fatalf("same-state SetStatus: %v", err)
	}
	if st.saves != saves {
		t.Fatalf("no-ops must not persist: saves %d → %d", saves, st.saves)
	}
}

func TestRegisterRemoteMaliciousPatternRejected(t *testing.T) {
	card := validCard()
	card.Capabilities.Tools = append(card.Capabilities.Tools, agentcard.Tool{
		Name:        "drop_table_users",
		Description: "drops users",
	})
	f := &stubFetcher{
		cards:     map[string]*agentcard.Card{"https://evil.example/card.json": card},
		reachable: true,
	}
	r := newRegistry(t, newMemStore(), f)

	rec, err := r.RegisterRemote(context.Background(), RemoteRegistration{AgentCardURL: "https://evil.example/card.json"})

	var cardErr *model.ErrCardInvalid
	if !errors.As(err, &cardErr) || cardErr.Reason != model.ReasonMaliciousPattern {
		t.Fatalf("err = %v, want ErrCardInvalid/MaliciousPattern", err)
	}
	if rec == nil || rec.Status != model.StatusRejected {
		t.Fatalf("record = %+v, want persisted with status rejected", rec)
	}

	// The rejected record is present but never dispatchable.
	stored, err := r.Get(rec.Name)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Dispatchable() {
		t.Fatal("rejected record must not be dispatchable")
	}
	if r.Index().Len() != 0 {
		t.Fatal("rejected record must not be indexed")
	}
}

func TestRegisterRemoteInsecureTransport(t *testing.T) {
	r := newRegistry(t, newMemStore(), &stubFetcher{})

	_, err := r.RegisterRemote(context.Background(), RemoteRegistration{AgentCardURL: "http://plain.example/card.json"})
	var cardErr *model.ErrCardInvalid
	if !errors.As(err, &cardErr) || cardErr.Reason != model.ReasonInsecureTransport {
		t.Fatalf("err = %v, want InsecureTransport", err)
	}

	// The development override admits plain HTTP.
	f := &stubFetcher{
		cards:     map[string]*agentcard.Card{"http://plain.example/card.json": validCard()},
		reachable: true,
	}
	dev, err := New(newMemStore(), f, Options{AllowInsecureCards: true}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.RegisterRemote(context.Background(), RemoteRegistration{AgentCardURL: "http://plain.example/card.json"}); err != nil {
		t.Fatalf("insecure override: %v", err)
	}
}

func TestRegisterRemoteUnreachableCard(t *testing.T) {
	r := newRegistry(t, newMemStore(), &stubFetcher{fetchErr: errors.New("dial tcp: timeout")})

	_, err := r.RegisterRemote(context.Background(), RemoteRegistration{AgentCardURL: "https://down.example/card.json"})
	var cardErr *model.ErrCardInvalid
	if !errors.As(err, &cardErr) || cardErr.Reason != model.ReasonUnreachable {
		t.Fatalf("err = %v, want Unreachable", err)
	}
}

func TestRegisterRemoteProbeDowngrade(t *testing.T) {
	f := &stubFetcher{
		cards:     map[string]*agentcard.Card{"https://acme.example/card.json": validCard()},
		reachable: false,
	}
	r := newRegistry(t, newMemStore(), f)

	rec, err := r.RegisterRemote(context.Background(), RemoteRegistration{AgentCardURL: "https://acme.example/card.json"})
	if err != nil {
		t.Fatalf("probe failure must not reject: %v", err)
	}
	if rec.Metadata["endpoint_probe"] != "unreachable" {
		t.Fatalf("expected downgrade marker, got %v", rec.Metadata)
	}
	if rec.Status != model.StatusPending {
		t.Fatalf("status = %s, want pending", rec.Status)
	}
}

func TestCapabilitiesOverrideWinsPerField(t *testing.T) {
	f := &stubFetcher{
		cards:     map[string]*agentcard.Card{"https://acme.example/card.json": validCard()},
		reachable: true,
	}
	r := newRegistry(t, newMemStore(), f)

	rec, err := r.RegisterRemote(context.Background(), RemoteRegistration{
		AgentCardURL: "https://acme.example/card.json",
		Capabilities: &model.Capability{Domains: []string{"support", "helpdesk"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Capabilities.Domains) != 2 || rec.Capabilities.Domains[0] != "support" {
		t.Fatalf("override domains lost: %v", rec.Capabilities.Domains)
	}
	// Non-overridden fields keep the extracted values.
	if len(rec.Capabilities.Operations) == 0 {
		t.Fatal("extracted operations should survive a partial override")
	}
}

func TestUpdateCapabilitiesAndDelete(t *testing.T) {
	r := newRegistry(t, newMemStore(), &stubFetcher{})
	registerLocalTickets(t, r)

	updated, err := r.UpdateCapabilities(context.Background(), "TicketsAgent", model.Capability{
		Domains: []string{"incidents"},
	})
	if err != nil {
		t.Fatalf("UpdateCapabilities: %v", err)
	}
	if len(updated.Capabilities.Domains) != 1 || updated.Capabilities.Domains[0] != "incidents" {
		t.Fatalf("full replace expected: %v", updated.Capabilities.Domains)
	}

	if err := r.Delete(context.Background(), "TicketsAgent"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.Get("TicketsAgent"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
	if got := r.List(ListFilter{}); len(got) != 0 {
		t.Fatalf("list after delete = %v", got)
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	st := newMemStore()
	r := newRegistry(t, st, &stubFetcher{})
	registerLocalTickets(t, r)

	st.saveErr = errors.New("disk full")
	_, err := r.SetEnabled(context.Background(), "TicketsAgent", false)
	if !errors.Is(err, model.ErrPersistFailed) {
		t.Fatalf("err = %v, want ErrPersistFailed", err)
	}

	// In-memory state rolled back: the agent is still enabled.
	rec, err := r.Get("TicketsAgent")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Enabled {
		t.Fatal("failed save must not leave the in-memory record changed")
	}
	if r.Index().Len() != 1 {
		t.Fatal("index must still hold the pre-failure snapshot")
	}
}

func TestListFilters(t *testing.T) {
	f := &stubFetcher{
		cards:     map[string]*agentcard.Card{"https://acme.example/card.json": validCard()},
		reachable: true,
	}
	r := newRegistry(t, newMemStore(), f)
	registerLocalTickets(t, r)
	if _, err := r.RegisterRemote(context.Background(), RemoteRegistration{
		AgentCardURL: "https://acme.example/card.json",
		Tags:         []string{"external"},
	}); err != nil {
		t.Fatal(err)
	}

	if got := r.List(ListFilter{Kind: model.KindLocal}); len(got) != 1 || got[0].Name != "TicketsAgent" {
		t.Fatalf("kind filter: %v", got)
	}
	if got := r.List(ListFilter{Status: model.StatusPending}); len(got) != 1 || got[0].Name != "Acme_Tickets" {
		t.Fatalf("status filter: %v", got)
	}
	if got := r.List(ListFilter{Tags: []string{"external"}}); len(got) != 1 {
		t.Fatalf("tag filter: %v", got)
	}
	if got := r.List(ListFilter{}); len(got) != 2 || got[0].Name != "Acme_Tickets" {
		t.Fatalf("list must be name-ordered: %v", got)
	}
}

func TestRegisterRemoteUnusableName(t *testing.T) {
	card := validCard()
	card.Name = "☃☃☃ (!!)"
	f := &stubFetcher{reachable: true, cards: map[string]*agentcard.Card{
		"https://snow.example/card.json": card,
	}}
	r := newRegistry(t, newMemStore(), f)

	_, err := r.RegisterRemote(context.Background(), RemoteRegistration{
		AgentCardURL: "https://snow.example/card.json",
	})
	var cardErr *model.ErrCardInvalid
	if !errors.As(err, &cardErr) || cardErr.Reason != model.ReasonBadSchema {
		t.Fatalf("err = %v, want ErrCardInvalid/BadSchema", err)
	}
	if got := r.List(ListFilter{}); len(got) != 0 {
		t.Fatalf("nothing should be persisted for an unusable name: %v", got)
	}
}
