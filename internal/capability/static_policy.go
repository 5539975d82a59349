package capability

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/addonrt/model"
)

// policyFile maps integration ids to the capability names their accounts
// granted. Default applies to integrations that are not listed.
type policyFile struct {
	Default      []string            `yaml:"default"`
	Integrations map[string][]string `yaml:"integrations"`
}

type policy struct {
	fallback     model.Capability
	integrations map[string]model.Capability
}

// StaticPolicyEvaluator resolves capabilities from a static YAML file
// mapping integration ids to capability names.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy policy
}

// NewStaticPolicyEvaluator creates a new evaluator that loads policies from path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// ResolveCapabilities returns the capabilities granted to the integration.
// Unlisted integrations receive the default grant, which may be empty.
func (e *StaticPolicyEvaluator) ResolveCapabilities(_ context.Context, integrationID string) (model.Capability, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if caps, ok := e.policy.integrations[integrationID]; ok {
		return caps, nil
	}
	return e.policy.fallback, nil
}

// Integrations returns the listed integration ids, sorted.
func (e *StaticPolicyEvaluator) Integrations() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.policy.integrations))
	for id := range e.policy.integrations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sync reloads the policy file from disk. Unknown capability names reject
// the whole file and keep the previous policy.
func (e *StaticPolicyEvaluator) Sync() error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}

	p := policy{integrations: make(map[string]model.Capability, len(f.Integrations))}
	if p.fallback, err = model.ParseCapabilities(f.Default); err != nil {
		return fmt.Errorf("capability: policy file %s: default: %w", e.path, err)
	}
	for id, names := range f.Integrations {
		caps, err := model.ParseCapabilities(names)
		if err != nil {
			return fmt.Errorf("capability: policy file %s: integration %q: %w", e.path, id, err)
		}
		p.integrations[id] = caps
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()

	return nil
}

// HealthCheck verifies the policy file is still readable.
func (e *StaticPolicyEvaluator) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(e.path); err != nil {
		return fmt.Errorf("capability: policy file %s: %w", e.path, err)
	}
	return nil
}
