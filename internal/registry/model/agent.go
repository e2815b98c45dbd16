package model

import (
	"strings"
	"time"
)

// AgentKind indicates how an agent is hosted and invoked.
type AgentKind string

const (
	// KindLocal — the agent runs in-process, reconstructed from a constructor reference.
	KindLocal AgentKind = "local"
	// KindRemote — the agent is hosted externally and invoked over A2A HTTP.
	KindRemote AgentKind = "remote"
)

// RemoteStatus is the approval lifecycle state of a remote agent.
// Local agents have no status; they are governed by Enabled alone.
type RemoteStatus string

const (
	StatusPending   RemoteStatus = "pending"
	StatusApproved  RemoteStatus = "approved"
	StatusSuspended RemoteStatus = "suspended"
	StatusRejected  RemoteStatus = "rejected"
)

// legalTransitions encodes the remote-agent state machine:
// pending → approved | rejected, approved ↔ suspended.
var legalTransitions = map[RemoteStatus][]RemoteStatus{
	StatusPending:   {StatusApproved, StatusRejected},
	StatusApproved:  {StatusSuspended},
	StatusSuspended: {StatusApproved},
	StatusRejected:  {},
}

// CanTransition reports whether moving from → to is permitted by the
// lifecycle state machine. A same-state transition is always permitted;
// the service treats it as a successful no-op.
func CanTransition(from, to RemoteStatus) bool {
	if from == to {
		return true
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is a recognized remote status value.
func ValidStatus(s RemoteStatus) bool {
	switch s {
	case StatusPending, StatusApproved, StatusSuspended, StatusRejected:
		return true
	}
	return false
}

// ConstructorRef identifies the in-process constructor for a local agent.
// The live agent instance is never serialized; it is rebuilt from this
// reference at dispatch time.
type ConstructorRef struct {
	ModulePath string            `json:"module_path"`
	SymbolName string            `json:"symbol_name"`
	Params     map[string]string `json:"params,omitempty"`
}

// Key returns a stable identity for instance caching.
func (c ConstructorRef) Key() string {
	return c.ModulePath + "." + c.SymbolName
}

// Provider describes the third party operating a remote agent.
type Provider struct {
	Name          string `json:"name"`
	Website       string `json:"website,omitempty"`
	SupportEmail  string `json:"support_email,omitempty"`
	Documentation string `json:"documentation,omitempty"`
}

// AuthType is the authentication scheme a remote agent requires.
type AuthType string

const (
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "api_key"
	AuthOAuth2 AuthType = "oauth2"
	AuthNone   AuthType = "none"
)

// AuthConfig describes how to authenticate against a remote agent.
type AuthConfig struct {
	Type          AuthType `json:"type"`
	TokenEndpoint string   `json:"token_endpoint,omitempty"`
	Scopes        []string `json:"scopes,omitempty"`
}

// AgentRecord is the catalog entry for one agent, local or remote.
// Name is the unique registry key.
type AgentRecord struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Kind         AgentKind         `json:"kind"`
	Enabled      bool              `json:"enabled"`
	Tags         []string          `json:"tags,omitempty"`
	Priority     int               `json:"priority"`
	Capabilities Capability        `json:"capabilities"`
	RegisteredAt time.Time         `json:"registered_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// Local agents only.
	Constructor *ConstructorRef `json:"constructor_ref,omitempty"`

	// Remote agents only.
	AgentCardURL    string       `json:"agent_card_url,omitempty"`
	InvokeEndpoint  string       `json:"invoke_endpoint,omitempty"`
	Provider        *Provider    `json:"provider,omitempty"`
	Auth            *AuthConfig  `json:"auth_config,omitempty"`
	Status          RemoteStatus `json:"status,omitempty"`
	RejectionReason string       `json:"rejection_reason,omitempty"`
}

// Dispatchable reports whether the router may select this record.
// Remote records additionally require approval; local records require a
// constructor reference (resolution happens at dispatch time).
func (a *AgentRecord) Dispatchable() bool {
	if !a.Enabled {
		return false
	}
	switch a.Kind {
	case KindRemote:
		return a.Status == StatusApproved
	case KindLocal:
		return a.Constructor != nil
	}
	return false
}

// HasTag reports whether the record carries the given tag (case-insensitive).
func (a *AgentRecord) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to other components.
func (a *AgentRecord) Clone() *AgentRecord {
	cp := *a
	cp.Tags = append([]string(nil), a.Tags...)
	cp.Capabilities = a.Capabilities.Clone()
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	if a.Constructor != nil {
		c := *a.Constructor
		if a.Constructor.Params != nil {
			c.Params = make(map[string]string, len(a.Constructor.Params))
			for k, v := range a.Constructor.Params {
				c.Params[k] = v
			}
		}
		cp.Constructor = &c
	}
	if a.Provider != nil {
		p := *a.Provider
		cp.Provider = &p
	}
	if a.Auth != nil {
		au := *a.Auth
		au.Scopes = append([]string(nil), a.Auth.Scopes...)
		cp.Auth = &au
	}
	return &cp
}
