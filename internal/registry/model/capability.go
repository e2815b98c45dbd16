package model

import "strings"

// Capability is the structured routing metadata for an agent. Domains,
// entities, keywords, and operations are matched case-insensitively against
// incoming queries; Examples feed the Stage-2 adjudication prompt.
type Capability struct {
	Domains      []string `json:"domains,omitempty"`
	Operations   []string `json:"operations,omitempty"`
	Entities     []string `json:"entities,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	Examples     []string `json:"examples,omitempty"`
	RequiresAuth bool     `json:"requires_auth,omitempty"`
	Priority     int      `json:"priority"`
}

// Clone returns a deep copy.
func (c Capability) Clone() Capability {
	cp := c
	cp.Domains = append([]string(nil), c.Domains...)
	cp.Operations = append([]string(nil), c.Operations...)
	cp.Entities = append([]string(nil), c.Entities...)
	cp.Keywords = append([]string(nil), c.Keywords...)
	cp.Examples = append([]string(nil), c.Examples...)
	return cp
}

// Normalize lowercases and trims every matching term in place and drops
// empty entries. Examples are left untouched; they are prompt material,
// not match terms.
func (c *Capability) Normalize() {
	c.Domains = normalizeTerms(c.Domains)
	c.Operations = normalizeTerms(c.Operations)
	c.Entities = normalizeTerms(c.Entities)
	c.Keywords = normalizeTerms(c.Keywords)
	if c.Priority < 0 {
		c.Priority = 0
	}
}

// IsZero reports whether no routing metadata is present at all.
func (c Capability) IsZero() bool {
	return len(c.Domains) == 0 && len(c.Operations) == 0 &&
		len(c.Entities) == 0 && len(c.Keywords) == 0
}

// Merge overlays non-empty fields of override onto c and returns the result.
// Used when a caller-supplied capability override wins per field over the
// card-derived defaults.
func (c Capability) Merge(override Capability) Capability {
	out := c.Clone()
	if len(override.Domains) > 0 {
		out.Domains = append([]string(nil), override.Domains...)
	}
	if len(override.Operations) > 0 {
		out.Operations = append([]string(nil), override.Operations...)
	}
	if len(override.Entities) > 0 {
		out.Entities = append([]string(nil), override.Entities...)
	}
	if len(override.Keywords) > 0 {
		out.Keywords = append([]string(nil), override.Keywords...)
	}
	if len(override.Examples) > 0 {
		out.Examples = append([]string(nil), override.Examples...)
	}
	if override.Priority != 0 {
		out.Priority = override.Priority
	}
	if override.RequiresAuth {
		out.RequiresAuth = true
	}
	return out
}

func normalizeTerms(terms []string) []string {
	out := terms[:0]
	seen := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
