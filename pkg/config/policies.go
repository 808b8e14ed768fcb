package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/voidheim/dbgate/pkg/cache"
	"github.com/voidheim/dbgate/pkg/store"
)

// policyFile is the on-disk shape of a standalone cache policy file:
//
//	policies:
//	  character:
//	    expiration: 10m
//	    max_entries: 5000
//	    sync_on_eviction: true
//	  item:
//	    expiration: 1m
type policyFile struct {
	Policies map[string]cache.Policy `yaml:"policies"`
}

// BuildCachePolicies merges the policy file (if configured) with the
// inline policies from the cache section; inline entries win. The result
// is keyed by entity type, ready for cache.New.
func BuildCachePolicies(cfg CacheConfig) (map[store.EntityType]cache.Policy, error) {
	merged := make(map[string]cache.Policy)

	if cfg.PolicyFile != "" {
		fromFile, err := loadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		for name, p := range fromFile {
			merged[name] = p
		}
	}
	for name, p := range cfg.Policies {
		merged[name] = p
	}

	known := make(map[string]store.EntityType, len(store.EntityTypes()))
	for _, t := range store.EntityTypes() {
		known[string(t)] = t
	}

	out := make(map[store.EntityType]cache.Policy, len(merged))
	for name, p := range merged {
		t, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("cache policy for unknown entity type %q", name)
		}
		out[t] = p
	}
	return out, nil
}

func loadPolicyFile(path string) (map[string]cache.Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache policy file: %w", err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse cache policy file %s: %w", path, err)
	}
	return pf.Policies, nil
}
