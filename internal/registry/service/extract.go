package service

import (
	"strings"

	"github.com/agentmesh/agentmesh/internal/registry/model"
	"github.com/agentmesh/agentmesh/pkg/agentcard"
)

// operationVerbs are the leading tool-name tokens treated as operations.
var operationVerbs = map[string]struct{}{
	"get": {}, "list": {}, "create": {}, "update": {}, "delete": {},
	"search": {}, "analyze": {},
}

// ExtractCapability derives a default Capability from an agent card:
// tool-name tokens become entities and keywords, leading verb tokens become
// operations, and domains come from card tags plus category-like tool
// prefixes ("tickets_get_open" contributes "tickets").
func ExtractCapability(card *agentcard.Card) model.Capability {
	var cap model.Capability

	cap.Domains = append(cap.Domains, card.Tags...)

	for _, tool := range card.Capabilities.Tools {
		tokens := splitToolName(tool.Name)
		if len(tokens) == 0 {
			continue
		}

		if _, isVerb := operationVerbs[tokens[0]]; isVerb {
			cap.Operations = append(cap.Operations, tokens[0])
			tokens = tokens[1:]
		} else if len(tokens) > 1 {
			// A non-verb leading token on a multi-token name reads as a
			// category prefix.
			cap.Domains = append(cap.Domains, tokens[0])
		}

		for _, tok := range tokens {
			if _, isVerb := operationVerbs[tok]; isVerb {
				cap.Operations = append(cap.Operations, tok)
				continue
			}
			cap.Entities = append(cap.Entities, tok)
			cap.Keywords = append(cap.Keywords, tok)
		}
	}

	cap.RequiresAuth = !strings.EqualFold(card.Authentication.Type, string(model.AuthNone)) &&
		card.Authentication.Type != ""
	cap.Normalize()
	return cap
}

// splitToolName lowercases a tool name and splits it on the usual
// separators (underscore, hyphen, dot, slash, space).
func splitToolName(name string) []string {
	lowered := strings.ToLower(name)
	return strings.FieldsFunc(lowered, func(r rune) bool {
		switch r {
		case '_', '-', '.', '/', ' ':
			return true
		}
		return false
	})
}
