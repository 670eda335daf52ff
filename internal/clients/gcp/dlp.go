package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	dlp "cloud.google.com/go/dlp/apiv2"
	"cloud.google.com/go/dlp/apiv2/dlppb"
	"golang.org/x/time/rate"

	"github.com/veilhealth/veil-backend/internal/domain/deid"
	"github.com/veilhealth/veil-backend/internal/platform/logger"
	"github.com/veilhealth/veil-backend/internal/services"
	"github.com/veilhealth/veil-backend/internal/utils"
)

// dlpInfoTypes is the inspection surface, keyed by DLP info type with
// the uniform category each one maps to. Detector-specific names never
// leak past this table.
var dlpInfoTypes = map[string]string{
	"PERSON_NAME":               "name",
	"FIRST_NAME":                "name",
	"LAST_NAME":                 "name",
	"DATE":                      "date",
	"DATE_OF_BIRTH":             "date",
	"AGE":                       "age",
	"PHONE_NUMBER":              "phone",
	"EMAIL_ADDRESS":             "email",
	"STREET_ADDRESS":            "address",
	"LOCATION":                  "address",
	"US_SOCIAL_SECURITY_NUMBER": "ssn",
	"MEDICAL_RECORD_NUMBER":     "mrn",
	"US_HEALTHCARE_NPI":         "provider_id",
	"ORGANIZATION_NAME":         "organization",
	"GENERIC_ID":                "id",
	"URL":                       "url",
	"IP_ADDRESS":                "ip",
}

// DLPPHI detects PHI with Cloud DLP InspectContent. Long transcripts
// are split into whitespace-aligned chunks under the API payload cap,
// and finding offsets are rebased onto the full transcript.
type DLPPHI struct {
	log         *logger.Logger
	client      *dlp.Client
	parent      string
	maxChunk    int
	limiter     *rate.Limiter
	callTimeout time.Duration
}

func NewDLPPHI(log *logger.Logger) (*DLPPHI, error) {
	slog := log.With("service", "gcp.DLPPHI")

	project := utils.GetEnv("DLP_PROJECT_ID", "", log)
	if project == "" {
		return nil, fmt.Errorf("DLP_PROJECT_ID is required")
	}
	client, err := dlp.NewClient(context.Background(), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("dlp client: %w", err)
	}
	rps := utils.GetEnvAsFloat("DLP_RATE_LIMIT", 5, log)
	return &DLPPHI{
		log:         slog,
		client:      client,
		parent:      fmt.Sprintf("projects/%s/locations/global", project),
		maxChunk:    utils.GetEnvAsInt("DLP_MAX_CHUNK_RUNES", 50000, log),
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		callTimeout: utils.GetEnvAsDuration("DLP_CALL_TIMEOUT", 60*time.Second, log),
	}, nil
}

func (p *DLPPHI) Name() string { return "dlp" }

func (p *DLPPHI) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func (p *DLPPHI) DetectRaw(ctx context.Context, fullText string) ([]deid.PHIEntity, error) {
	var out []deid.PHIEntity
	for _, chunk := range services.SplitTextChunks(fullText, p.maxChunk) {
		entities, err := p.inspectChunk(ctx, chunk)
		if err != nil {
			return nil, err
		}
		out = append(out, entities...)
	}
	p.log.Info("DLP inspection finished", "entities", len(out))
	return out, nil
}

func (p *DLPPHI) inspectChunk(ctx context.Context, chunk services.TextChunk) ([]deid.PHIEntity, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, &deid.PHIDetectError{Provider: p.Name(), Err: err, Retryable: true}
	}
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	infoTypes := make([]*dlppb.InfoType, 0, len(dlpInfoTypes))
	for name := range dlpInfoTypes {
		infoTypes = append(infoTypes, &dlppb.InfoType{Name: name})
	}
	req := &dlppb.InspectContentRequest{
		Parent: p.parent,
		InspectConfig: &dlppb.InspectConfig{
			InfoTypes:     infoTypes,
			MinLikelihood: dlppb.Likelihood_POSSIBLE,
			IncludeQuote:  true,
			Limits: &dlppb.InspectConfig_FindingLimits{
				MaxFindingsPerRequest: 3000,
			},
		},
		Item: &dlppb.ContentItem{
			DataItem: &dlppb.ContentItem_Value{Value: chunk.Text},
		},
	}

	resp, err := p.client.InspectContent(ctx, req)
	if err != nil {
		return nil, &deid.PHIDetectError{Provider: p.Name(), Err: err, Retryable: RetryableRPC(err)}
	}

	findings := resp.GetResult().GetFindings()
	out := make([]deid.PHIEntity, 0, len(findings))
	for _, f := range findings {
		category, ok := dlpInfoTypes[f.GetInfoType().GetName()]
		if !ok {
			continue
		}
		cr := f.GetLocation().GetCodepointRange()
		if cr == nil || cr.GetEnd() <= cr.GetStart() {
			p.log.Debug("Finding without codepoint range dropped", "info_type", f.GetInfoType().GetName())
			continue
		}
		text := f.GetQuote()
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, deid.PHIEntity{
			Text:        text,
			Category:    category,
			Subcategory: f.GetInfoType().GetName(),
			Offset:      chunk.Start + int(cr.GetStart()),
			Length:      int(cr.GetEnd() - cr.GetStart()),
			Confidence:  likelihoodConfidence(f.GetLikelihood()),
		})
	}
	return out, nil
}

func likelihoodConfidence(l dlppb.Likelihood) float64 {
	switch l {
	case dlppb.Likelihood_VERY_UNLIKELY:
		return 0.1
	case dlppb.Likelihood_UNLIKELY:
		return 0.3
	case dlppb.Likelihood_POSSIBLE:
		return 0.5
	case dlppb.Likelihood_LIKELY:
		return 0.7
	case dlppb.Likelihood_VERY_LIKELY:
		return 0.9
	default:
		return 0.5
	}
}
