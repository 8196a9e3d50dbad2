package gateway

import (
	"fmt"
	"net/http"
	"sort"
	"sync/atomic"
	"time"
)

// ProviderConfig describes one upstream backend. Immutable per registry load.
type ProviderConfig struct {
	Key           string            `yaml:"-" json:"key"`
	Type          string            `yaml:"type" json:"type"` // adapter kind tag
	Enabled       bool              `yaml:"enabled" json:"enabled"`
	Tier          int               `yaml:"tier" json:"tier"` // 0 = highest priority
	Endpoint      string            `yaml:"endpoint" json:"endpoint"`
	APIKey        string            `yaml:"api_key" json:"-"`
	AccountID     string            `yaml:"account_id" json:"-"`
	RateLimitRPM  int               `yaml:"rate_limit_rpm" json:"rate_limit_rpm"`
	RateLimitTPM  int               `yaml:"rate_limit_tpm" json:"rate_limit_tpm"`
	Free          bool              `yaml:"free" json:"free"`
	QualityScore  int               `yaml:"quality_score" json:"quality_score"` // 1..10
	CustomHeaders map[string]string `yaml:"headers" json:"-"`

	// Models maps canonical model id -> provider-specific id. Each entry is
	// one ProviderModelBinding; an empty provider-specific id means the
	// canonical id is used verbatim upstream.
	Models map[string]string `yaml:"models" json:"models"`
}

// CanonicalModel is a gateway-local model identity abstracting over
// provider-specific names.
type CanonicalModel struct {
	ID              string       `yaml:"id" json:"id"`
	Family          string       `yaml:"family" json:"family"`
	ContextWindow   int          `yaml:"context_window" json:"context_window"`
	MaxOutputTokens int          `yaml:"max_output_tokens" json:"max_output_tokens"`
	InputPrice      float64      `yaml:"input_price" json:"input_price"`   // USD per 1M tokens
	OutputPrice     float64      `yaml:"output_price" json:"output_price"` // USD per 1M tokens
	Capabilities    Capabilities `yaml:"capabilities" json:"capabilities"`
}

// Binding is one (provider, canonical model) edge of the many-to-many
// catalog, with the provider-specific id the upstream expects.
type Binding struct {
	ProviderKey     string
	CanonicalID     string
	ProviderModelID string
}

// Candidate is the ephemeral per-request tuple the router and dispatch
// loop operate on.
type Candidate struct {
	ProviderKey     string
	CanonicalID     string
	ProviderModelID string
	Tier            int
	Config          *ProviderConfig
	Model           *CanonicalModel
}

// RegistryConfig is the load-time document for the registry.
type RegistryConfig struct {
	Providers map[string]*ProviderConfig
	Models    []CanonicalModel
	Aliases   map[string][]string

	// KnownTypes is the set of adapter kinds registered with the dispatch
	// engine. Any ProviderConfig.Type outside this set fails the load.
	KnownTypes []string
}

// Snapshot is one immutable view of the catalog. All resolver queries are
// pure over a snapshot; config reload swaps the registry's pointer.
type Snapshot struct {
	providers map[string]*ProviderConfig
	models    map[string]*CanonicalModel
	aliases   map[string][]string
	bindings  map[string][]Binding // canonical id -> bindings, provider key order
	loadedAt  time.Time
}

// Registry holds the current snapshot behind an atomic pointer:
// shared-read, single-writer on reload.
type Registry struct {
	snap atomic.Pointer[Snapshot]
}

// NewRegistry validates and loads the initial snapshot.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	snap, err := buildSnapshot(cfg)
	if err != nil {
		return nil, err
	}
	r := &Registry{}
	r.snap.Store(snap)
	return r, nil
}

// Snapshot returns the current immutable view. In-flight requests keep the
// snapshot they started with across reloads.
func (r *Registry) Snapshot() *Snapshot { return r.snap.Load() }

// Reload atomically swaps in a new snapshot built from cfg. The previous
// snapshot stays valid for requests already holding it.
func (r *Registry) Reload(cfg RegistryConfig) error {
	snap, err := buildSnapshot(cfg)
	if err != nil {
		return err
	}
	r.snap.Store(snap)
	return nil
}

func buildSnapshot(cfg RegistryConfig) (*Snapshot, error) {
	known := make(map[string]struct{}, len(cfg.KnownTypes))
	for _, t := range cfg.KnownTypes {
		known[t] = struct{}{}
	}

	snap := &Snapshot{
		providers: make(map[string]*ProviderConfig, len(cfg.Providers)),
		models:    make(map[string]*CanonicalModel, len(cfg.Models)),
		aliases:   make(map[string][]string, len(cfg.Aliases)),
		bindings:  make(map[string][]Binding),
		loadedAt:  time.Now(),
	}

	for i := range cfg.Models {
		m := cfg.Models[i]
		if _, dup := snap.models[m.ID]; dup {
			return nil, configInvalid(fmt.Sprintf("duplicate canonical model %q", m.ID))
		}
		snap.models[m.ID] = &m
	}

	// Deterministic binding order: provider keys sorted lexicographically.
	keys := make([]string, 0, len(cfg.Providers))
	for key := range cfg.Providers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		p := cfg.Providers[key]
		p.Key = key
		if p.Tier < 0 {
			return nil, configInvalid(fmt.Sprintf("provider %q: negative tier", key))
		}
		if len(known) > 0 {
			if _, ok := known[p.Type]; !ok {
				return nil, configInvalid(fmt.Sprintf("provider %q: unknown adapter type %q", key, p.Type))
			}
		}
		snap.providers[key] = p

		for canonical, upstream := range p.Models {
			if _, ok := snap.models[canonical]; !ok {
				return nil, configInvalid(fmt.Sprintf("provider %q: binding for unknown model %q", key, canonical))
			}
			if upstream == "" {
				upstream = canonical
			}
			snap.bindings[canonical] = append(snap.bindings[canonical], Binding{
				ProviderKey:     key,
				CanonicalID:     canonical,
				ProviderModelID: upstream,
			})
		}
	}

	for name, targets := range cfg.Aliases {
		if len(targets) == 0 {
			return nil, configInvalid(fmt.Sprintf("alias %q: empty target list", name))
		}
		for _, t := range targets {
			if _, ok := snap.models[t]; !ok {
				return nil, configInvalid(fmt.Sprintf("alias %q: missing target model %q", name, t))
			}
		}
		snap.aliases[name] = targets
	}

	return snap, nil
}

func configInvalid(msg string) *Error {
	return &Error{
		Code:       ErrConfigInvalid,
		Message:    msg,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Provider returns the config for key, if present.
func (s *Snapshot) Provider(key string) (*ProviderConfig, bool) {
	p, ok := s.providers[key]
	return p, ok
}

// ProviderKeys returns the sorted keys of all configured providers,
// enabled or not.
func (s *Snapshot) ProviderKeys() []string {
	keys := make([]string, 0, len(s.providers))
	for k := range s.providers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Model returns the canonical model by id, if present.
func (s *Snapshot) Model(id string) (*CanonicalModel, bool) {
	m, ok := s.models[id]
	return m, ok
}

// ResolveAlias returns the ordered canonical targets for an alias name.
func (s *Snapshot) ResolveAlias(name string) ([]string, bool) {
	t, ok := s.aliases[name]
	return t, ok
}

// BindingsFor returns the bindings for a canonical model id in provider
// key order.
func (s *Snapshot) BindingsFor(canonicalID string) []Binding {
	return s.bindings[canonicalID]
}

// ServableModels returns the sorted canonical ids that have at least one
// enabled provider binding — the set advertised on GET /v1/models.
func (s *Snapshot) ServableModels() []string {
	out := make([]string, 0, len(s.bindings))
	for id, bs := range s.bindings {
		for _, b := range bs {
			if p, ok := s.providers[b.ProviderKey]; ok && p.Enabled {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
