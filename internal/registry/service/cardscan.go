package service

import (
	"strings"

	"github.com/agentmesh/agentmesh/pkg/agentcard"
)

// DefaultMaliciousPatterns are the substrings that force rejection of a
// remote agent card when found in any tool name or description.
var DefaultMaliciousPatterns = []string{
	"drop table",
	"rm -rf",
	"privilege_escalation",
	"exec",
	"eval",
	"sudo",
	"delete_database",
}

// Finding is a single pattern match produced by the card scanner.
type Finding struct {
	Pattern string `json:"pattern"`
	Field   string `json:"field"` // "tool_name" or "tool_description"
	Tool    string `json:"tool"`
}

// CardScanner checks agent card tool declarations against a configurable
// malicious-pattern set using case-insensitive substring matching.
type CardScanner struct {
	patterns []string
}

// NewCardScanner returns a scanner loaded with the given patterns, or the
// defaults when patterns is empty.
func NewCardScanner(patterns []string) *CardScanner {
	if len(patterns) == 0 {
		patterns = DefaultMaliciousPatterns
	}
	lowered := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = separators.Replace(strings.ToLower(strings.TrimSpace(p)))
		if p != "" {
			lowered = append(lowered, p)
		}
	}
	return &CardScanner{patterns: lowered}
}

// separators folds the common tool-name separators to spaces so a pattern
// like "drop table" also catches "drop_table_users".
var separators = strings.NewReplacer("_", " ", "-", " ", ".", " ")

// Scan returns every pattern match in the card's tool list. An empty result
// means the card is clean.
func (s *CardScanner) Scan(card *agentcard.Card) []Finding {
	var findings []Finding
	for _, tool := range card.Capabilities.Tools {
		name := separators.Replace(strings.ToLower(tool.Name))
		desc := separators.Replace(strings.ToLower(tool.Description))
		for _, p := range s.patterns {
			if strings.Contains(name, p) {
				findings = append(findings, Finding{Pattern: p, Field: "tool_name", Tool: tool.Name})
			}
			if strings.Contains(desc, p) {
				findings = append(findings, Finding{Pattern: p, Field: "tool_description", Tool: tool.Name})
			}
		}
	}
	return findings
}
