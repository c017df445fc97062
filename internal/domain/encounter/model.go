package encounter

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/checkin-billing/internal/domain/checkin"
	"github.com/ehr/checkin-billing/internal/platform/fhir"
)

// Encounter maps to the encounter table. Only the fields the check-in
// workflow reads are kept.
type Encounter struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	FHIRID       string     `db:"fhir_id" json:"fhir_id"`
	PatientID    uuid.UUID  `db:"patient_id" json:"patient_id"`
	Status       string     `db:"status" json:"status"`
	TypeCode     *string    `db:"type_code" json:"type_code,omitempty"`
	TypeDisplay  *string    `db:"type_display" json:"type_display,omitempty"`
	LocationName *string    `db:"location_name" json:"location_name,omitempty"`
	PeriodStart  time.Time  `db:"period_start" json:"period_start"`
	PeriodEnd    *time.Time `db:"period_end" json:"period_end,omitempty"`
	VersionID    int        `db:"version_id" json:"version_id"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

func (e *Encounter) ToFHIR() map[string]interface{} {
	updated := e.UpdatedAt
	result := map[string]interface{}{
		"resourceType": "Encounter",
		"id":           e.FHIRID,
		"status":       e.Status,
		"subject": fhir.Reference{
			Reference: fhir.FormatReference("Patient", e.PatientID.String()),
		},
		"period": fhir.Period{
			Start: &e.PeriodStart,
			End:   e.PeriodEnd,
		},
		"meta": fhir.Meta{
			VersionID:   fmt.Sprintf("%d", e.VersionID),
			LastUpdated: &updated,
		},
	}
	if e.TypeCode != nil || e.TypeDisplay != nil {
		cc := fhir.CodeableConcept{Text: strPtrVal(e.TypeDisplay)}
		if e.TypeCode != nil {
			cc.Coding = []fhir.Coding{{Code: *e.TypeCode, Display: strPtrVal(e.TypeDisplay)}}
		}
		result["type"] = []fhir.CodeableConcept{cc}
	}
	if e.LocationName != nil {
		result["location"] = []encounterLocation{{Location: fhir.Reference{Display: *e.LocationName}}}
	}
	return result
}

// ToVisitRecord projects the encounter onto what the waiver rule reads.
func (e *Encounter) ToVisitRecord() *checkin.VisitRecord {
	return &checkin.VisitRecord{
		StartDatetime: e.PeriodStart,
		VisitType:     strPtrVal(e.TypeDisplay),
		LocationName:  strPtrVal(e.LocationName),
	}
}

type encounterLocation struct {
	Location fhir.Reference `json:"location"`
}

// fhirEncounter is the subset of an R4 Encounter read from a remote server.
// period.start stays a string: servers emit both dates and date-times.
type fhirEncounter struct {
	ResourceType string                 `json:"resourceType"`
	ID           string                 `json:"id"`
	Status       string                 `json:"status"`
	Type         []fhir.CodeableConcept `json:"type,omitempty"`
	Period       *struct {
		Start string `json:"start,omitempty"`
		End   string `json:"end,omitempty"`
	} `json:"period,omitempty"`
	Location []encounterLocation `json:"location,omitempty"`
}

var fhirDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseFHIRDateTime(s string) (time.Time, error) {
	for _, layout := range fhirDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised FHIR dateTime %q", s)
}

// visitRecord converts a remote encounter. A missing or unparseable start
// yields an error; the caller treats it as "no previous visit".
func (f *fhirEncounter) visitRecord() (*checkin.VisitRecord, error) {
	if f.Period == nil || f.Period.Start == "" {
		return nil, fmt.Errorf("encounter %s has no period.start", f.ID)
	}
	start, err := parseFHIRDateTime(f.Period.Start)
	if err != nil {
		return nil, fmt.Errorf("encounter %s: %w", f.ID, err)
	}
	rec := &checkin.VisitRecord{StartDatetime: start}
	if len(f.Type) > 0 {
		rec.VisitType = f.Type[0].Label()
	}
	if len(f.Location) > 0 {
		rec.LocationName = f.Location[0].Location.Display
	}
	return rec, nil
}

func strPtrVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
