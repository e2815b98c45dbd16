// cmd/seed — writes a development registry file with three demo agents.
//
// Running twice is safe: records are keyed by name and overwritten to match
// the seed definitions. The demo agents are remote, pre-approved, and point
// at localhost endpoints so a stub agent server can answer them.
//
// Usage:
//
//	go run ./cmd/seed
//	REGISTRY_CONFIG_PATH=/tmp/registry.json go run ./cmd/seed
package main

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/registry/model"
	"github.com/agentmesh/agentmesh/internal/registry/store"
)

const defaultPath = "agent_registry.json"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func demoAgents() []*model.AgentRecord {
	now := time.Now().UTC()
	remote := func(name, description, cardURL, invokeURL string, caps model.Capability, tags ...string) *model.AgentRecord {
		caps.Normalize()
		return &model.AgentRecord{
			Name:           name,
			Description:    description,
			Kind:           model.KindRemote,
			Enabled:        true,
			Tags:           tags,
			Capabilities:   caps,
			RegisteredAt:   now,
			AgentCardURL:   cardURL,
			InvokeEndpoint: invokeURL,
			Status:         model.StatusApproved,
			Provider: &model.Provider{
				Name:    "AgentMesh Dev",
				Website: "http://localhost",
			},
			Auth: &model.AuthConfig{Type: "bearer"},
		}
	}

	return []*model.AgentRecord{
		remote("TicketsAgent",
			"Finds, creates, and summarizes IT support tickets.",
			"http://localhost:9001/.well-known/agent-card.json",
			"http://localhost:9001/invoke",
			model.Capability{
				Domains:    []string{"tickets", "it"},
				Operations: []string{"get", "list", "create"},
				Entities:   []string{"ticket", "incident"},
				Keywords:   []string{"support", "helpdesk"},
				Examples:   []string{"show my tickets", "open a ticket for my laptop"},
			},
			"it"),
		remote("FinOpsAgent",
			"Answers cloud cost and budget questions.",
			"http://localhost:9002/.well-known/agent-card.json",
			"http://localhost:9002/invoke",
			model.Capability{
				Domains:    []string{"finops", "costs"},
				Operations: []string{"get", "analyze"},
				Entities:   []string{"budget", "invoice", "spend"},
				Keywords:   []string{"cost", "billing"},
				Examples:   []string{"what did we spend on compute last month"},
			},
			"finance"),
		remote("OxygenAgent",
			"Tracks learning courses, exams, and certifications.",
			"http://localhost:9003/.well-known/agent-card.json",
			"http://localhost:9003/invoke",
			model.Capability{
				Domains:    []string{"learning", "courses"},
				Operations: []string{"get", "list"},
				Entities:   []string{"exam", "course", "certification"},
				Keywords:   []string{"training", "enrolled"},
				Examples:   []string{"show my pending exams"},
			},
			"learning"),
	}
}

func run() error {
	path := os.Getenv("REGISTRY_CONFIG_PATH")
	if path == "" {
		path = defaultPath
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync() //nolint:errcheck

	fs := store.NewFileStore(path, logger)
	doc, err := fs.Load()
	if err != nil {
		// A corrupt or missing file is fine for seeding; start fresh.
		doc = store.NewDocument()
	}

	for _, rec := range demoAgents() {
		doc.Agents[rec.Name] = rec
		fmt.Printf("seeded %s (%s)\n", rec.Name, rec.Description)
	}

	if err := fs.Save(doc); err != nil {
		return fmt.Errorf("save registry: %w", err)
	}

	fmt.Printf("\nwrote %d agents to %s\n", len(doc.Agents), path)
	return nil
}
