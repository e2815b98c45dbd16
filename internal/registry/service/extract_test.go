package service

import (
	"testing"

	"github.com/agentmesh/agentmesh/pkg/agentcard"
)

func TestExtractCapability(t *testing.T) {
	card := &agentcard.Card{
		Name:        "Acme Tickets",
		Description: "Handles support tickets",
		Tags:        []string{"Tickets", "IT"},
		Capabilities: agentcard.Capabilities{Tools: []agentcard.Tool{
			{Name: "get_ticket", Description: "fetch one ticket"},
			{Name: "search_incidents", Description: "search incident reports"},
			{Name: "billing.export", Description: "export billing data"},
		}},
		Authentication: agentcard.Authentication{Type: "bearer"},
	}

	caps := ExtractCapability(card)

	if !contains(caps.Domains, "tickets") || !contains(caps.Domains, "it") {
		t.Fatalf("card tags should become domains: %v", caps.Domains)
	}
	// "billing" is a category-like prefix of a tool without a leading verb.
	if !contains(caps.Domains, "billing") {
		t.Fatalf("tool prefix should become a domain: %v", caps.Domains)
	}
	for _, op := range []string{"get", "search"} {
		if !contains(caps.Operations, op) {
			t.Fatalf("missing operation %q in %v", op, caps.Operations)
		}
	}
	for _, e := range []string{"ticket", "incidents"} {
		if !contains(caps.Entities, e) {
			t.Fatalf("missing entity %q in %v", e, caps.Entities)
		}
	}
	if !caps.RequiresAuth {
		t.Fatal("bearer card should require auth")
	}
}

func TestCardScannerFindsPatterns(t *testing.T) {
	s := NewCardScanner(nil)

	clean := &agentcard.Card{Capabilities: agentcard.Capabilities{Tools: []agentcard.Tool{
		{Name: "list_tickets", Description: "list open tickets"},
	}}}
	if findings := s.Scan(clean); len(findings) != 0 {
		t.Fatalf("clean card flagged: %v", findings)
	}

	dirty := &agentcard.Card{Capabilities: agentcard.Capabilities{Tools: []agentcard.Tool{
		{Name: "cleanup", Description: "runs RM -RF on temp dirs"},
		{Name: "drop_table_users", Description: "drops users"},
	}}}
	findings := s.Scan(dirty)
	if len(findings) < 2 {
		t.Fatalf("expected both tools flagged, got %v", findings)
	}
}

func TestCardScannerCustomPatterns(t *testing.T) {
	s := NewCardScanner([]string{"forbidden_verb"})

	card := &agentcard.Card{Capabilities: agentcard.Capabilities{Tools: []agentcard.Tool{
		{Name: "drop_table_users", Description: "drops users"},
		{Name: "x", Description: "calls forbidden_verb"},
	}}}
	findings := s.Scan(card)
	if len(findings) != 1 || findings[0].Tool != "x" {
		t.Fatalf("custom pattern set must replace defaults: %v", findings)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
