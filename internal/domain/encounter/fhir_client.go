package encounter

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/ehr/checkin-billing/internal/domain/checkin"
	"github.com/ehr/checkin-billing/internal/platform/fhir"
)

// jsonGetter is the part of upstream.Client the FHIR source uses.
type jsonGetter interface {
	GetJSON(ctx context.Context, path string, query url.Values, out interface{}) error
}

// FHIRSource looks up visits on a FHIR R4 server.
type FHIRSource struct {
	client jsonGetter
	logger zerolog.Logger
}

func NewFHIRSource(client jsonGetter, logger zerolog.Logger) *FHIRSource {
	return &FHIRSource{client: client, logger: logger.With().Str("component", "fhir_visit_source").Logger()}
}

// MostRecentVisit asks for the patient's newest encounter. No entry, or an
// entry without a usable start, is reported as (nil, nil).
func (s *FHIRSource) MostRecentVisit(ctx context.Context, patientUUID string) (*checkin.VisitRecord, error) {
	q := url.Values{}
	q.Set("patient", patientUUID)
	q.Set("_sort", "-date")
	q.Set("_count", "1")

	var bundle fhir.Bundle
	if err := s.client.GetJSON(ctx, "Encounter", q, &bundle); err != nil {
		return nil, fmt.Errorf("search encounters for %s: %w", patientUUID, err)
	}
	encs, err := fhir.DecodeEntries[fhirEncounter](&bundle)
	if err != nil {
		return nil, fmt.Errorf("decode encounter bundle: %w", err)
	}

	for _, e := range encs {
		if e.ResourceType != "" && e.ResourceType != "Encounter" {
			continue
		}
		rec, err := e.visitRecord()
		if err != nil {
			s.logger.Warn().Err(err).Str("patient", patientUUID).Msg("ignoring encounter without usable start")
			return nil, nil
		}
		return rec, nil
	}
	return nil, nil
}
