package gateway

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Resolver maps a caller-supplied model identifier to the ordered candidate
// list the dispatch loop walks. Resolution is a pure function of the
// snapshot: no health, quota, or load state is consulted here.
type Resolver struct {
	snap *Snapshot
}

// NewResolver binds a resolver to one immutable snapshot.
func NewResolver(snap *Snapshot) *Resolver {
	return &Resolver{snap: snap}
}

// Resolve expands the identifier and returns candidates ordered by tier
// ascending, quality score descending, provider key ascending. The
// identifier may be a canonical model id, an alias, or a
// "<providerKey>/<model>" pin restricting resolution to one provider.
//
// Returns ErrModelUnavailable when nothing matches.
func (r *Resolver) Resolve(modelID string, need RequiredCapabilities) ([]Candidate, error) {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return nil, &Error{
			Code:       ErrInvalidRequest,
			Message:    "model identifier is empty",
			HTTPStatus: http.StatusBadRequest,
		}
	}

	// Provider pin: "<providerKey>/<model>" where the prefix names an
	// enabled provider. A full canonical id containing a slash wins over
	// prefix interpretation, so exact ids stay reachable.
	if _, isModel := r.snap.Model(modelID); !isModel {
		if _, isAlias := r.snap.ResolveAlias(modelID); !isAlias {
			if key, rest, ok := strings.Cut(modelID, "/"); ok && rest != "" {
				if prov, found := r.snap.Provider(key); found && prov.Enabled {
					return r.resolvePinned(prov, rest, need)
				}
			}
		}
	}

	canonicals := r.expand(modelID)
	if len(canonicals) == 0 {
		return nil, modelUnavailable(modelID)
	}

	var out []Candidate
	for _, id := range canonicals {
		out = append(out, r.candidatesFor(id, need, "")...)
	}
	if len(out) == 0 {
		return nil, modelUnavailable(modelID)
	}
	orderCandidates(out)
	return out, nil
}

// expand turns an identifier into an ordered, de-duplicated canonical id
// list. Alias targets keep their configured order; duplicates keep their
// first position.
func (r *Resolver) expand(modelID string) []string {
	if _, ok := r.snap.Model(modelID); ok {
		return []string{modelID}
	}
	targets, ok := r.snap.ResolveAlias(modelID)
	if !ok {
		return nil
	}
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// resolvePinned restricts resolution to a single provider. The suffix may
// itself be a canonical id or alias; only bindings on the pinned provider
// qualify.
func (r *Resolver) resolvePinned(prov *ProviderConfig, suffix string, need RequiredCapabilities) ([]Candidate, error) {
	canonicals := r.expand(suffix)
	if len(canonicals) == 0 {
		return nil, modelUnavailable(prov.Key + "/" + suffix)
	}
	var out []Candidate
	for _, id := range canonicals {
		out = append(out, r.candidatesFor(id, need, prov.Key)...)
	}
	if len(out) == 0 {
		return nil, modelUnavailable(prov.Key + "/" + suffix)
	}
	orderCandidates(out)
	return out, nil
}

// candidatesFor materializes the candidates of one canonical id, skipping
// disabled providers and models missing a required capability. onlyProvider
// restricts to a single provider key when non-empty.
func (r *Resolver) candidatesFor(canonicalID string, need RequiredCapabilities, onlyProvider string) []Candidate {
	model, ok := r.snap.Model(canonicalID)
	if !ok || !model.Capabilities.Satisfies(need) {
		return nil
	}
	var out []Candidate
	for _, b := range r.snap.BindingsFor(canonicalID) {
		if onlyProvider != "" && b.ProviderKey != onlyProvider {
			continue
		}
		prov, found := r.snap.Provider(b.ProviderKey)
		if !found || !prov.Enabled {
			continue
		}
		out = append(out, Candidate{
			ProviderKey:     b.ProviderKey,
			CanonicalID:     canonicalID,
			ProviderModelID: b.ProviderModelID,
			Tier:            prov.Tier,
			Config:          prov,
			Model:           model,
		})
	}
	return out
}

// orderCandidates applies the global candidate ordering: tier ascending,
// quality score descending, provider key ascending. The sort is stable so
// alias target order survives inside equal keys.
func orderCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.Config.QualityScore != b.Config.QualityScore {
			return a.Config.QualityScore > b.Config.QualityScore
		}
		return a.ProviderKey < b.ProviderKey
	})
}

func modelUnavailable(modelID string) *Error {
	return &Error{
		Code:       ErrModelUnavailable,
		Message:    fmt.Sprintf("no enabled provider serves model %q", modelID),
		HTTPStatus: http.StatusNotFound,
	}
}
