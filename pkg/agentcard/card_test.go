package agentcard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const validCardJSON = `{
	"name": "TicketsAgent",
	"description": "IT ticket management",
	"capabilities": {"tools": [
		{"name": "get_ticket", "description": "fetch one ticket"}
	]},
	"endpoints": {"invoke": "https://tickets.acme.example/invoke"},
	"authentication": {"type": "bearer"}
}`

func TestParseValidCard(t *testing.T) {
	card, err := Parse([]byte(validCardJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if card.Name != "TicketsAgent" {
		t.Fatalf("name = %q", card.Name)
	}
	if len(card.Capabilities.Tools) != 1 || card.Capabilities.Tools[0].Name != "get_ticket" {
		t.Fatalf("tools = %+v", card.Capabilities.Tools)
	}
	if card.Authentication.Type != "bearer" {
		t.Fatalf("auth type = %q", card.Authentication.Type)
	}
}

func TestParseRejectsInvalidCards(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"malformed json", `{"name": `},
		{"missing name", `{"description":"d","capabilities":{"tools":[{"name":"t","description":"d"}]},"endpoints":{"invoke":"https://a/i"}}`},
		{"missing description", `{"name":"A","capabilities":{"tools":[{"name":"t","description":"d"}]},"endpoints":{"invoke":"https://a/i"}}`},
		{"empty tools", `{"name":"A","description":"d","capabilities":{"tools":[]},"endpoints":{"invoke":"https://a/i"}}`},
		{"tool without description", `{"name":"A","description":"d","capabilities":{"tools":[{"name":"t"}]},"endpoints":{"invoke":"https://a/i"}}`},
		{"missing invoke endpoint", `{"name":"A","description":"d","capabilities":{"tools":[{"name":"t","description":"d"}]}}`},
		{"invoke not a URL", `{"name":"A","description":"d","capabilities":{"tools":[{"name":"t","description":"d"}]},"endpoints":{"invoke":"not a url"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.json))
			if !errors.Is(err, ErrSchema) {
				t.Fatalf("want ErrSchema, got %v", err)
			}
		})
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("missing Accept header")
		}
		w.Write([]byte(validCardJSON))
	}))
	defer srv.Close()

	f := NewFetcher(2 * time.Second)
	card, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if card.Name != "TicketsAgent" {
		t.Fatalf("name = %q", card.Name)
	}
}

func TestFetchNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFetcher(2 * time.Second)
	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error on 404")
	}
}

func TestFetchInvalidURL(t *testing.T) {
	f := NewFetcher(2 * time.Second)
	if _, err := f.Fetch(context.Background(), "not a url"); err == nil {
		t.Fatal("expected error on invalid URL")
	}
}

func TestFetchSchemaErrorSurvivesWrapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"A"}`))
	}))
	defer srv.Close()

	f := NewFetcher(2 * time.Second)
	_, err := f.Fetch(context.Background(), srv.URL)
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("want ErrSchema, got %v", err)
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/reject-head":
			w.WriteHeader(http.StatusMethodNotAllowed)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	f := NewFetcher(2 * time.Second)
	if !f.Probe(context.Background(), srv.URL+"/ok") {
		t.Fatal("200 endpoint should be reachable")
	}
	// 4xx means the endpoint exists even if it refuses HEAD.
	if !f.Probe(context.Background(), srv.URL+"/reject-head") {
		t.Fatal("405 endpoint should still count as reachable")
	}
	if f.Probe(context.Background(), srv.URL+"/boom") {
		t.Fatal("5xx endpoint must not count as reachable")
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close()
	if f.Probe(context.Background(), down.URL) {
		t.Fatal("closed server must not count as reachable")
	}
}
