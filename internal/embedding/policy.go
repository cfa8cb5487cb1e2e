package embedding

import (
	"fmt"
	"sort"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/errs"
	"github.com/hyperjump/yakkan/internal/models"
)

// ModelSpec describes one embedding model and the vector partition it writes to.
type ModelSpec struct {
	Name            string
	Dimensions      int
	Partition       string
	Backend         string
	CostPer1KTokens float64
	MaxInputTokens  int
}

// TierPolicy maps sensitivity tiers to embedding models. It is immutable after construction.
type TierPolicy struct {
	tiers map[models.Tier]ModelSpec
}

// NewTierPolicy copies tiers into a new policy. Every known tier must be mapped.
func NewTierPolicy(tiers map[models.Tier]ModelSpec) (*TierPolicy, error) {
	p := &TierPolicy{tiers: make(map[models.Tier]ModelSpec, len(tiers))}
	for _, tier := range models.Tiers {
		spec, ok := tiers[tier]
		if !ok {
			return nil, fmt.Errorf("tier %s has no embedding model", tier)
		}
		if spec.Name == "" || spec.Dimensions <= 0 {
			return nil, fmt.Errorf("tier %s: model needs a name and positive dimensions", tier)
		}
		if spec.Partition == "" {
			spec.Partition = PartitionName(spec.Name, spec.Dimensions)
		}
		p.tiers[tier] = spec
	}
	return p, nil
}

// PolicyFromConfig builds the tier policy from the model registry and tier map.
func PolicyFromConfig(cfg *config.EmbeddingConfig) (*TierPolicy, error) {
	tiers := make(map[models.Tier]ModelSpec, len(cfg.Tiers))
	for name, modelName := range cfg.Tiers {
		tier, err := models.ParseTier(name)
		if err != nil {
			return nil, err
		}
		m, ok := cfg.Model(modelName)
		if !ok {
			return nil, fmt.Errorf("tier %s references unknown model %q", name, modelName)
		}
		tiers[tier] = SpecFromConfig(m)
	}
	return NewTierPolicy(tiers)
}

// SpecFromConfig converts a registry entry to a ModelSpec.
func SpecFromConfig(m config.ModelConfig) ModelSpec {
	return ModelSpec{
		Name:            m.Name,
		Dimensions:      m.Dimensions,
		Partition:       m.Partition,
		Backend:         m.Backend,
		CostPer1KTokens: m.CostPer1KTokens,
		MaxInputTokens:  m.MaxInputTokens,
	}
}

// Resolve returns the model for tier.
func (p *TierPolicy) Resolve(tier models.Tier) (ModelSpec, error) {
	spec, ok := p.tiers[tier]
	if !ok {
		return ModelSpec{}, errs.Validation("embedding.resolve", "unknown tier %q", tier)
	}
	return spec, nil
}

// Models returns the distinct models in force, sorted by name.
func (p *TierPolicy) Models() []ModelSpec {
	seen := make(map[string]bool)
	var out []ModelSpec
	for _, spec := range p.tiers {
		if !seen[spec.Name] {
			seen[spec.Name] = true
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PartitionName derives a partition name when the registry does not set one.
func PartitionName(model string, dims int) string {
	b := []byte("embeddings_")
	for _, r := range model {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b = append(b, byte(r))
		case r >= 'A' && r <= 'Z':
			b = append(b, byte(r-'A'+'a'))
		default:
			b = append(b, '_')
		}
	}
	return fmt.Sprintf("%s_%d", b, dims)
}
