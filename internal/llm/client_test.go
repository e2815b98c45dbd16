package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing api key header")
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Temperature != 0 {
			t.Errorf("temperature = %v, want 0", req.Temperature)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "pick one" {
			t.Errorf("messages = %+v", req.Messages)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  TicketsAgent \n"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/v1/", APIKey: "test-key", Model: "gpt-4o-mini", Timeout: 2 * time.Second})
	got, err := c.Complete(context.Background(), "pick one")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "TicketsAgent" {
		t.Fatalf("completion = %q", got)
	}
}

func TestClientCompleteErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		body   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"empty choices", `{"choices":[]}`, 200, func(t *testing.T, err error) {
			if !errors.Is(err, ErrEmptyCompletion) {
				t.Fatalf("want ErrEmptyCompletion, got %v", err)
			}
		}},
		{"api error payload", `{"error":{"message":"bad model","type":"invalid_request_error"}}`, 200, func(t *testing.T, err error) {
			if err == nil {
				t.Fatal("expected api error")
			}
		}},
		{"http error", "overloaded", 503, func(t *testing.T, err error) {
			if err == nil {
				t.Fatal("expected http error")
			}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			one := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer one.Close()
			c := NewClient(Config{BaseURL: one.URL, Model: "m", Timeout: time.Second})
			_, err := c.Complete(context.Background(), "x")
			tc.check(t, err)
		})
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"bare array", `["x","y"]`, `["x","y"]`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced no language", "```\n[1,2]\n```", `[1,2]`},
		{"prose around", `Sure! Here is the result: {"agent":"TicketsAgent"} hope that helps`, `{"agent":"TicketsAgent"}`},
		{"nested", `{"a":{"b":[1,{"c":2}]}}`, `{"a":{"b":[1,{"c":2}]}}`},
		{"brace inside string", `{"q":"use } carefully"} trailing`, `{"q":"use } carefully"}`},
		{"escaped quote", `{"q":"say \"hi}\" now"}`, `{"q":"say \"hi}\" now"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractJSON(tc.in)
			if err != nil {
				t.Fatalf("ExtractJSON: %v", err)
			}
			if string(got) != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestExtractJSONFailures(t *testing.T) {
	for _, in := range []string{"", "no json here", `{"a":1`, "```\nnope\n```"} {
		if _, err := ExtractJSON(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}
