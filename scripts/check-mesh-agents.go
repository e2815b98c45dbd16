//go:build ignore

// check-mesh-agents.go probes every remote agent in a registry file: fetches
// the agent card, validates it, and HEADs the invocation endpoint. Useful
// before approving a batch of registrations.
//
// Run with: go run scripts/check-mesh-agents.go [registry.json]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/pkg/agentcard"
)

type registryFile struct {
	Agents map[string]struct {
		Kind         string `json:"kind"`
		AgentCardURL string `json:"agent_card_url"`
		Status       string `json:"status"`
	} `json:"agents"`
}

type result struct {
	name     string
	status   string
	cardOK   bool
	endpoint bool
	latency  time.Duration
	err      string
}

func main() {
	path := "registry.json"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", path, err)
		os.Exit(1)
	}
	var reg registryFile
	if err := json.Unmarshal(data, &reg); err != nil {
		fmt.Fprintf(os.Stderr, "parse %s: %v\n", path, err)
		os.Exit(1)
	}

	fetcher := agentcard.NewFetcher(8 * time.Second)
	results := make(chan result)

	var wg sync.WaitGroup
	for name, rec := range reg.Agents {
		if rec.Kind != "remote" || rec.AgentCardURL == "" {
			continue
		}
		wg.Add(1)
		go func(name, cardURL, status string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			start := time.Now()
			r := result{name: name, status: status}
			card, err := fetcher.Fetch(ctx, cardURL)
			r.latency = time.Since(start)
			if err != nil {
				msg := err.Error()
				if len(msg) > 80 {
					msg = msg[:80] + "..."
				}
				r.err = msg
				results <- r
				return
			}
			r.cardOK = true
			r.endpoint = fetcher.Probe(ctx, card.Endpoints.Invoke)
			results <- r
		}(name, rec.AgentCardURL, rec.Status)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var all []result
	for r := range results {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].name < all[j].name })

	bad := 0
	for _, r := range all {
		mark := "ok"
		switch {
		case !r.cardOK:
			mark = "CARD FAIL"
			bad++
		case !r.endpoint:
			mark = "ENDPOINT DOWN"
			bad++
		}
		fmt.Printf("%-30s %-10s %-14s %6dms", r.name, r.status, mark, r.latency.Milliseconds())
		if r.err != "" {
			fmt.Printf("  %s", r.err)
		}
		fmt.Println()
	}
	fmt.Printf("\n%d remote agents, %d unhealthy\n", len(all), bad)
	if bad > 0 {
		os.Exit(1)
	}
}
