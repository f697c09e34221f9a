package registry

import (
	"hash/fnv"

	"github.com/aristath/shelfops/internal/domain"
	"github.com/aristath/shelfops/internal/tenant"
)

// Strategy selects how traffic splits between champion and challenger.
type Strategy string

const (
	StrategyChampion Strategy = "champion"
	StrategyShadow   Strategy = "shadow"
	StrategyCanary   Strategy = "canary"
	// StrategySegment is reserved for store-cluster routing and behaves as
	// champion until configured.
	StrategySegment Strategy = "store_segment"
)

// Route is one routing decision.
type Route struct {
	Version string
	// Shadow names the challenger to invoke alongside the served version;
	// empty when no shadow call is wanted.
	Shadow string
	// Challenger is true when the served version is the challenger (canary
	// bucket hit).
	Challenger bool
}

// Router resolves which version serves a given key.
type Router struct {
	versions *VersionRepository
}

// NewRouter creates a router over the version repository.
func NewRouter(versions *VersionRepository) *Router {
	return &Router{versions: versions}
}

// Resolve picks the serving version for one key. The key is any stable
// request identity (normally "store|product"); the canary bucket is a
// deterministic FNV-1a hash so the same key always lands on the same side.
func (r *Router) Resolve(h tenant.Handle, modelName, key string, strategy Strategy) (*Route, error) {
	if err := tenant.Require(h); err != nil {
		return nil, err
	}
	champ, err := r.versions.GetChampion(h, modelName)
	if err != nil {
		return nil, err
	}

	switch strategy {
	case StrategyShadow:
		route := &Route{Version: champ.Version}
		if chal := r.activeChallenger(h, modelName); chal != nil {
			route.Shadow = chal.Version
		}
		return route, nil

	case StrategyCanary:
		chal := r.activeChallenger(h, modelName)
		if chal == nil || chal.RoutingWeight <= 0 {
			return &Route{Version: champ.Version}, nil
		}
		if canaryBucket(h.ID(), modelName, key) < int(chal.RoutingWeight*100) {
			return &Route{Version: chal.Version, Challenger: true}, nil
		}
		return &Route{Version: champ.Version}, nil

	case StrategySegment, StrategyChampion, "":
		return &Route{Version: champ.Version}, nil
	}
	return nil, &domain.ContractError{Field: "strategy", Reason: "unknown routing strategy " + string(strategy)}
}

// activeChallenger returns the newest challenger, or nil.
func (r *Router) activeChallenger(h tenant.Handle, modelName string) *domain.ModelVersion {
	challengers, err := r.versions.GetByStatus(h, modelName, domain.StatusChallenger)
	if err != nil || len(challengers) == 0 {
		return nil
	}
	return &challengers[0]
}

// canaryBucket maps (tenant, model, key) into [0, 100).
func canaryBucket(tenantID, modelName, key string) int {
	hash := fnv.New32a()
	hash.Write([]byte(tenantID + "|" + modelName + "|" + key))
	return int(hash.Sum32() % 100)
}
