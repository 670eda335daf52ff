package deid

import "time"

// Result aggregates one pipeline run. For small documents MaskedBytes
// holds the re-encoded output; for streamed runs OutputPath points at
// the spooled file instead and MaskedBytes stays nil.
type Result struct {
	PagesProcessed int           `json:"pages_processed"`
	Matches        []EntityMatch `json:"-"`
	Entities       []PHIEntity   `json:"phi_entities"`
	Regions        []MaskRegion  `json:"mask_regions"`
	EntitiesMasked int           `json:"phi_entities_count"`
	ProcessingTime time.Duration `json:"processing_time"`
	Errors         []string      `json:"errors,omitempty"`
	// UnmaskedBatches counts batches that passed through without
	// masking under the fail-open switch. Non-zero means the output is
	// not de-identified and the job must not be treated as a success.
	UnmaskedBatches int    `json:"-"`
	MaskedBytes     []byte `json:"-"`
	OutputPath      string `json:"-"`
	Metadata        DocumentMetadata
}

// AddBatch folds one batch's outcome into the aggregate, keeping
// EntitiesMasked equal to len(Entities).
func (r *Result) AddBatch(pages int, matches []EntityMatch, took time.Duration) {
	r.PagesProcessed += pages
	r.Matches = append(r.Matches, matches...)
	for _, m := range matches {
		r.Entities = append(r.Entities, m.Entity)
		r.Regions = append(r.Regions, m.Regions...)
	}
	r.EntitiesMasked = len(r.Entities)
	r.ProcessingTime += took
}

// Warn records a non-fatal condition (unmatched entity, degraded level).
func (r *Result) Warn(msg string) {
	r.Errors = append(r.Errors, msg)
}
