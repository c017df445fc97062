package encounter

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEncounter_ToFHIR(t *testing.T) {
	enc := &Encounter{
		FHIRID:       "enc-1",
		PatientID:    patientA,
		Status:       "finished",
		TypeCode:     strPtr("OPD"),
		TypeDisplay:  strPtr("Outpatient"),
		LocationName: strPtr("Triage"),
		PeriodStart:  refNow,
		VersionID:    2,
	}

	raw, err := json.Marshal(enc.ToFHIR())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := string(raw)
	for _, want := range []string{
		`"resourceType":"Encounter"`,
		`"id":"enc-1"`,
		`"reference":"Patient/` + patientA.String() + `"`,
		`"start":"2026-03-10T14:30:00Z"`,
		`"code":"OPD"`,
		`"display":"Triage"`,
		`"versionId":"2"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in %s", want, body)
		}
	}
}

func TestEncounter_ToFHIR_OmitsEmptyOptionals(t *testing.T) {
	enc := &Encounter{FHIRID: "enc-2", PatientID: patientA, Status: "arrived", PeriodStart: refNow}
	res := enc.ToFHIR()
	if _, ok := res["type"]; ok {
		t.Error("type should be omitted")
	}
	if _, ok := res["location"]; ok {
		t.Error("location should be omitted")
	}
}

func TestEncounter_ToVisitRecord(t *testing.T) {
	enc := &Encounter{PeriodStart: refNow, TypeDisplay: strPtr("OPD"), LocationName: strPtr("Ward 3")}
	rec := enc.ToVisitRecord()
	if !rec.StartDatetime.Equal(refNow) || rec.VisitType != "OPD" || rec.LocationName != "Ward 3" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if got := (&Encounter{PeriodStart: refNow}).ToVisitRecord(); got.VisitType != "" || got.LocationName != "" {
		t.Errorf("expected empty labels, got %+v", got)
	}
}

func TestParseFHIRDateTime(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2026-03-10T14:30:00Z", refNow, true},
		{"2026-03-10T17:30:00+03:00", refNow, true},
		{"2026-03-10T14:30:00.000+00:00", refNow, true},
		{"2026-03-10T14:30:00", refNow, true},
		{"2026-03-10", time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), true},
		{"10-Mar-2026", time.Time{}, false},
		{"", time.Time{}, false},
	}
	for _, tt := range tests {
		got, err := parseFHIRDateTime(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("parse(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if tt.ok && !got.Equal(tt.want) {
			t.Errorf("parse(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
