// Package service contains the agent registry: lifecycle of local and
// remote agent records, remote card validation, and the capability index
// refresh that follows every mutation.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/capability"
	"github.com/agentmesh/agentmesh/internal/registry/model"
	"github.com/agentmesh/agentmesh/internal/registry/store"
	"github.com/agentmesh/agentmesh/pkg/agentcard"
)

// docStore is the persistence interface for the registry.
// *store.FileStore satisfies this interface.
type docStore interface {
	Load() (*store.Document, error)
	Save(doc *store.Document) error
	RestoreFromBackup() (*store.Document, error)
}

// cardFetcher retrieves and probes remote agent cards.
// *agentcard.Fetcher satisfies this interface.
type cardFetcher interface {
	Fetch(ctx context.Context, cardURL string) (*agentcard.Card, error)
	Probe(ctx context.Context, endpoint string) bool
}

// Options tunes registry behavior.
type Options struct {
	// AllowInsecureCards permits plain-HTTP card URLs. Development only.
	AllowInsecureCards bool
	// MaliciousPatterns overrides the default card-scan pattern set.
	MaliciousPatterns []string
}

// LocalRegistration is the input for registering an in-process agent.
type LocalRegistration struct {
	Name         string                `json:"name"`
	Description  string                `json:"description"`
	Capabilities model.Capability      `json:"capabilities"`
	Constructor  model.ConstructorRef  `json:"constructor_ref"`
	Tags         []string              `json:"tags,omitempty"`
	Priority     int                   `json:"priority"`
}

// RemoteRegistration is the input for registering a third-party agent.
type RemoteRegistration struct {
	AgentCardURL string            `json:"agent_card_url"`
	Capabilities *model.Capability `json:"capabilities,omitempty"` // per-field override
	Provider     *model.Provider   `json:"provider,omitempty"`
	Auth         *model.AuthConfig `json:"auth_config,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
}

// DiscoverPreview is the non-persisting dry run of a remote registration.
type DiscoverPreview struct {
	Card              *agentcard.Card  `json:"card"`
	Capabilities      model.Capability `json:"capabilities"`
	Findings          []Finding        `json:"findings,omitempty"`
	EndpointReachable bool             `json:"endpoint_reachable"`
}

// ListFilter narrows List results. EnabledOnly restricts the result to
// dispatchable records (enabled, and approved for remote agents).
type ListFilter struct {
	EnabledOnly bool
	Kind        model.AgentKind
	Status      model.RemoteStatus
	Tags        []string
}

// Registry is the agent catalog service. All mutations persist through the
// store before they become visible; a failed save rolls the in-memory state
// back so the registry never diverges from disk.
type Registry struct {
	store   docStore
	fetcher cardFetcher
	scanner *CardScanner
	index   *capability.Index
	opts    Options
	logger  *zap.Logger

	mu  sync.RWMutex    // guards doc; writers serialize, readers see one generation
	doc *store.Document
}

// New creates a Registry, loads the persisted document, and builds the
// capability index. A corrupt store is reported but the registry starts
// empty rather than failing.
func New(st docStore, fetcher cardFetcher, opts Options, logger *zap.Logger) (*Registry, error) {
	doc, err := st.Load()
	if err != nil {
		if !errors.Is(err, model.ErrStoreCorrupt) {
			return nil, fmt.Errorf("load registry: %w", err)
		}
		logger.Error("registry store corrupt on both live and backup; starting empty", zap.Error(err))
	}

	r := &Registry{
		store:   st,
		fetcher: fetcher,
		scanner: NewCardScanner(opts.MaliciousPatterns),
		index:   capability.NewIndex(),
		opts:    opts,
		logger:  logger,
		doc:     doc,
	}
	r.refreshIndex()

	if err != nil {
		return r, err
	}
	return r, nil
}

// Index exposes the Stage-1 capability index.
func (r *Registry) Index() *capability.Index { return r.index }

// Count returns the number of registered records.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.doc.Agents)
}

// RegisterLocal adds an in-process agent. The record is enabled immediately.
func (r *Registry) RegisterLocal(ctx context.Context, reg LocalRegistration) (*model.AgentRecord, error) {
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return nil, &model.ErrValidation{Msg: "name is required"}
	}
	if reg.Constructor.ModulePath == "" || reg.Constructor.SymbolName == "" {
		return nil, &model.ErrValidation{Msg: "constructor_ref.module_path and symbol_name are required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.doc.Agents[name]; exists {
		return nil, fmt.Errorf("%w: %s", model.ErrDuplicateName, name)
	}

	caps := reg.Capabilities.Clone()
	caps.Normalize()

	ctor := reg.Constructor
	rec := &model.AgentRecord{
		Name:         name,
		Description:  reg.Description,
		Kind:         model.KindLocal,
		Enabled:      true,
		Tags:         append([]string(nil), reg.Tags...),
		Priority:     reg.Priority,
		Capabilities: caps,
		RegisteredAt: time.Now().UTC(),
		Constructor:  &ctor,
	}

	if err := r.persistPut(rec); err != nil {
		return nil, err
	}

	r.logger.Info("local agent registered",
		zap.String("name", name),
		zap.String("constructor", ctor.Key()),
	)
	return rec.Clone(), nil
}

// RegisterRemote fetches and validates the agent card at the given URL and
// persists a new remote record in pending state. A card whose tools match
// the malicious-pattern set is persisted with status rejected and the call
// returns an ErrCardInvalid with reason MaliciousPattern.
func (r *Registry) RegisterRemote(ctx context.Context, reg RemoteRegistration) (*model.AgentRecord, error) {
	card, findings, reachable, err := r.fetchAndScan(ctx, reg.AgentCardURL)
	if err != nil && card == nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := sanitizeName(card.Name)
	// A name of only symbols sanitizes to nothing (or bare separators) and
	// would persist under an unusable key.
	if strings.Trim(name, "_-") == "" {
		return nil, &model.ErrCardInvalid{
			Reason: model.ReasonBadSchema,
			Detail: "card name contains no usable characters",
		}
	}
	if _, exists := r.doc.Agents[name]; exists {
		return nil, fmt.Errorf("%w: %s", model.ErrDuplicateName, name)
	}

	caps := ExtractCapability(card)
	if reg.Capabilities != nil {
		caps = caps.Merge(*reg.Capabilities)
		caps.Normalize()
	}

	auth := reg.Auth
	if auth == nil {
		auth = authFromCard(card)
	}

	rec := &model.AgentRecord{
		Name:           name,
		Description:    card.Description,
		Kind:           model.KindRemote,
		Enabled:        true,
		Tags:           append([]string(nil), reg.Tags...),
		Capabilities:   caps,
		RegisteredAt:   time.Now().UTC(),
		AgentCardURL:   reg.AgentCardURL,
		InvokeEndpoint: card.Endpoints.Invoke,
		Provider:       reg.Provider,
		Auth:           auth,
		Status:         model.StatusPending,
	}
	if !reachable {
		// Downgrade, not reject: the card parsed but the invoke endpoint
		// failed the best-effort probe.
		rec.Metadata = map[string]string{"endpoint_probe": "unreachable"}
	}

	if len(findings) > 0 {
		rec.Status = model.StatusRejected
		rec.Enabled = false
		rec.RejectionReason = string(model.ReasonMaliciousPattern)
		if persistErr := r.persistPut(rec); persistErr != nil {
			return nil, persistErr
		}
		r.logger.Warn("remote agent rejected by card scan",
			zap.String("name", name),
			zap.Int("findings", len(findings)),
		)
		return rec.Clone(), &model.ErrCardInvalid{
			Reason: model.ReasonMaliciousPattern,
			Detail: fmt.Sprintf("%d suspicious tool declaration(s)", len(findings)),
		}
	}

	if err := r.persistPut(rec); err != nil {
		return nil, err
	}

	r.logger.Info("remote agent registered",
		zap.String("name", name),
		zap.String("card_url", reg.AgentCardURL),
		zap.String("status", string(rec.Status)),
	)
	return rec.Clone(), nil
}

// Discover fetches, validates, and auto-extracts a card without persisting
// anything. Used to preview a registration before commit.
func (r *Registry) Discover(ctx context.Context, cardURL string) (*DiscoverPreview, error) {
	card, findings, reachable, err := r.fetchAndScan(ctx, cardURL)
	if err != nil && card == nil {
		return nil, err
	}
	return &DiscoverPreview{
		Card:              card,
		Capabilities:      ExtractCapability(card),
		Findings:          findings,
		EndpointReachable: reachable,
	}, nil
}

// fetchAndScan validates the URL scheme, fetches the card, and runs the
// malicious-pattern scan plus the endpoint probe. On a scan hit the card is
// still returned so the caller can persist a rejected record.
func (r *Registry) fetchAndScan(ctx context.Context, cardURL string) (*agentcard.Card, []Finding, bool, error) {
	if cardURL == "" {
		return nil, nil, false, &model.ErrValidation{Msg: "agent_card_url is required"}
	}
	if !strings.HasPrefix(cardURL, "https://") && !r.opts.AllowInsecureCards {
		return nil, nil, false, &model.ErrCardInvalid{
			Reason: model.ReasonInsecureTransport,
			Detail: "card URL must use https",
		}
	}

	card, err := r.fetcher.Fetch(ctx, cardURL)
	if err != nil {
		if errors.Is(err, agentcard.ErrSchema) {
			return nil, nil, false, &model.ErrCardInvalid{Reason: model.ReasonBadSchema, Detail: err.Error()}
		}
		return nil, nil, false, &model.ErrCardInvalid{Reason: model.ReasonUnreachable, Detail: err.Error()}
	}

	findings := r.scanner.Scan(card)
	reachable := r.fetcher.Probe(ctx, card.Endpoints.Invoke)
	return card, findings, reachable, nil
}

// List returns records matching the filter, ordered by name.
func (r *Registry) List(filter ListFilter) []*model.AgentRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.AgentRecord
	for _, rec := range r.doc.Agents {
		if filter.EnabledOnly && !rec.Dispatchable() {
			continue
		}
		if filter.Kind != "" && rec.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if !matchesTags(rec, filter.Tags) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a copy of the named record.
func (r *Registry) Get(name string) (*model.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.doc.Agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, name)
	}
	return rec.Clone(), nil
}

// UpdateCapabilities fully replaces the named record's capability metadata.
func (r *Registry) UpdateCapabilities(ctx context.Context, name string, caps model.Capability) (*model.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.doc.Agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, name)
	}
	caps = caps.Clone()
	caps.Normalize()

	updated := rec.Clone()
	updated.Capabilities = caps
	if err := r.persistPut(updated); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// SetEnabled flips a record's enabled flag. Setting the current value is a
// successful no-op.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) (*model.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.doc.Agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, name)
	}
	if rec.Enabled == enabled {
		return rec.Clone(), nil
	}
	updated := rec.Clone()
	updated.Enabled = enabled
	if err := r.persistPut(updated); err != nil {
		return nil, err
	}
	r.logger.Info("agent enabled flag changed",
		zap.String("name", name),
		zap.Bool("enabled", enabled),
	)
	return updated.Clone(), nil
}

// SetStatus applies a lifecycle transition to a remote record. Transitions
// outside the state machine fail with ErrIllegalTransition; a same-state
// transition is a successful no-op.
func (r *Registry) SetStatus(ctx context.Context, name string, status model.RemoteStatus) (*model.AgentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.doc.Agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, name)
	}
	if rec.Kind != model.KindRemote {
		return nil, &model.ErrValidation{Msg: "status applies to remote agents only"}
	}
	if !model.ValidStatus(status) {
		return nil, &model.ErrValidation{Msg: fmt.Sprintf("unknown status %q", status)}
	}
	if rec.Status == status {
		return rec.Clone(), nil
	}
	if !model.CanTransition(rec.Status, status) {
		return nil, fmt.Errorf("%w: %s → %s", model.ErrIllegalTransition, rec.Status, status)
	}

	updated := rec.Clone()
	updated.Status = status
	if err := r.persistPut(updated); err != nil {
		return nil, err
	}
	r.logger.Info("agent status changed",
		zap.String("name", name),
		zap.String("from", string(rec.Status)),
		zap.String("to", string(status)),
	)
	return updated.Clone(), nil
}

// Delete removes a record.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.doc.Agents[name]; !ok {
		return fmt.Errorf("%w: %s", model.ErrNotFound, name)
	}
	return r.persistDelete(name)
}

// persistPut installs rec into a copied document, saves it, and on success
// swaps the copy in and refreshes the index. On a save failure the previous
// document stays authoritative and the on-disk backup is restored.
func (r *Registry) persistPut(rec *model.AgentRecord) error {
	next := r.copyDoc()
	next.Agents[rec.Name] = rec.Clone()
	return r.persist(next)
}

func (r *Registry) persistDelete(name string) error {
	next := r.copyDoc()
	delete(next.Agents, name)
	return r.persist(next)
}

func (r *Registry) persist(next *store.Document) error {
	if err := r.store.Save(next); err != nil {
		r.logger.Error("registry save failed; rolling back", zap.Error(err))
		if _, restoreErr := r.store.RestoreFromBackup(); restoreErr != nil {
			r.logger.Error("backup restore after failed save also failed", zap.Error(restoreErr))
		}
		return fmt.Errorf("%w: %v", model.ErrPersistFailed, err)
	}
	r.doc = next
	r.refreshIndex()
	return nil
}

func (r *Registry) copyDoc() *store.Document {
	next := store.NewDocument()
	for name, rec := range r.doc.Agents {
		next.Agents[name] = rec.Clone()
	}
	return next
}

func (r *Registry) refreshIndex() {
	records := make([]*model.AgentRecord, 0, len(r.doc.Agents))
	for _, rec := range r.doc.Agents {
		records = append(records, rec.Clone())
	}
	r.index.Replace(records)
}

func matchesTags(rec *model.AgentRecord, tags []string) bool {
	for _, t := range tags {
		if !rec.HasTag(t) {
			return false
		}
	}
	return true
}

// sanitizeName turns a card's display name into a registry key: spaces
// collapse to underscores and anything outside [A-Za-z0-9_-] is dropped.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	return b.String()
}

// authFromCard maps a card's authentication section to an AuthConfig.
func authFromCard(card *agentcard.Card) *model.AuthConfig {
	t := model.AuthType(strings.ToLower(card.Authentication.Type))
	switch t {
	case model.AuthBearer, model.AuthAPIKey, model.AuthOAuth2, model.AuthNone:
	default:
		t = model.AuthBearer
	}
	return &model.AuthConfig{
		Type:          t,
		TokenEndpoint: card.Authentication.TokenEndpoint,
		Scopes:        append([]string(nil), card.Authentication.Scopes...),
	}
}
