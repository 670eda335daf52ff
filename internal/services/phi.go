package services

import (
	"context"
	"sort"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
)

// PHIProvider is the raw detector contract: every detectable entity,
// unfiltered. Level filtering happens once, in PHIDetectionService, so
// all providers share the same policy semantics.
type PHIProvider interface {
	Name() string
	DetectRaw(ctx context.Context, fullText string) ([]deid.PHIEntity, error)
}

// PHIDetectionService wraps a provider with the masking-level policy.
type PHIDetectionService struct {
	log      *logger.Logger
	provider PHIProvider
	policy   *MaskingPolicy
}

func NewPHIDetectionService(log *logger.Logger, provider PHIProvider, policy *MaskingPolicy) *PHIDetectionService {
	return &PHIDetectionService{
		log:      log.With("service", "PHIDetectionService", "provider", provider.Name()),
		provider: provider,
		policy:   policy,
	}
}

func (s *PHIDetectionService) Provider() string { return s.provider.Name() }

// Detect runs the provider and applies level filtering. The returned
// warnings are non-fatal and end up in the job's Result.Errors.
//
// CUSTOM with an empty category set degrades to SAFE_HARBOR: masking
// too much is recoverable, masking nothing is not.
func (s *PHIDetectionService) Detect(ctx context.Context, fullText string, level deid.MaskingLevel, customCategories []string) ([]deid.PHIEntity, []string, error) {
	raw, err := s.provider.DetectRaw(ctx, fullText)
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	if level == deid.MaskingCustom && len(customCategories) == 0 {
		s.log.Warn("Custom masking level selected with empty category set; degrading to safe harbor")
		warnings = append(warnings, "custom masking level had no categories; applied safe harbor instead")
		level = deid.MaskingSafeHarbor
	}

	kept := make([]deid.PHIEntity, 0, len(raw))
	for _, e := range raw {
		if !e.Valid() {
			s.log.Debug("Dropping invalid entity from provider", "category", e.Category, "offset", e.Offset, "length", e.Length)
			continue
		}
		if !s.policy.Masks(level, e.Category, customCategories) {
			continue
		}
		kept = append(kept, e)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Offset < kept[j].Offset })
	return kept, warnings, nil
}
