package services

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/utils"
)

// MaskingPolicy decides which entity categories get painted at each
// masking level. Categories use the uniform names the adapters map
// provider info types onto.
type MaskingPolicy struct {
	// ProviderCategories are the provider/organisation identifiers
	// (physician, hospital) the Limited Dataset rules allow through.
	ProviderCategories []string `yaml:"provider_categories"`
}

// defaultProviderCategories matches what the adapters emit for
// clinician and facility identifiers.
var defaultProviderCategories = []string{
	"provider_name",
	"organization",
	"provider_id",
}

// LoadMaskingPolicy reads MASKING_POLICY_PATH if set, otherwise the
// compiled-in defaults.
func LoadMaskingPolicy(log *logger.Logger) (*MaskingPolicy, error) {
	path := utils.GetEnv("MASKING_POLICY_PATH", "", log)
	if path == "" {
		return &MaskingPolicy{ProviderCategories: defaultProviderCategories}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read masking policy %q: %w", path, err)
	}
	var p MaskingPolicy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse masking policy %q: %w", path, err)
	}
	if len(p.ProviderCategories) == 0 {
		p.ProviderCategories = defaultProviderCategories
	}
	log.Info("Loaded masking policy", "path", path, "provider_categories", len(p.ProviderCategories))
	return &p, nil
}

// Masks reports whether an entity of the given category is painted at
// the given level. Callers resolve the CUSTOM-empty degrade before
// calling.
func (p *MaskingPolicy) Masks(level deid.MaskingLevel, category string, customCategories []string) bool {
	cat := strings.ToLower(strings.TrimSpace(category))
	switch level {
	case deid.MaskingSafeHarbor:
		return true
	case deid.MaskingLimitedDataset:
		for _, excluded := range p.ProviderCategories {
			if cat == strings.ToLower(excluded) {
				return false
			}
		}
		return true
	case deid.MaskingCustom:
		for _, allowed := range customCategories {
			if cat == strings.ToLower(strings.TrimSpace(allowed)) {
				return true
			}
		}
		return false
	default:
		// Unknown level: fail toward masking everything.
		return true
	}
}
