package drift

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/eutimioliusbel/pfamirror/ingest"
	"github.com/eutimioliusbel/pfamirror/models"
	"github.com/eutimioliusbel/pfamirror/store"
)

func fp(fields map[string]string) ingest.Fingerprint {
	return ingest.Fingerprint{Fields: fields}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestDetectNoBaseline(t *testing.T) {
	report := Detect(DefaultPolicy(), nil, fp(map[string]string{"id": "string"}))
	if report.Severity != SeverityNone {
		t.Fatalf("severity = %s, want none", report.Severity)
	}
}

func TestDetectIdentical(t *testing.T) {
	base := fp(map[string]string{"id": "string", "cost": "number"})
	report := Detect(DefaultPolicy(), &base, fp(map[string]string{"id": "string", "cost": "number"}))
	if report.Severity != SeverityNone {
		t.Fatalf("severity = %s, want none", report.Severity)
	}
}

func TestDetectMajorityMissingIsHigh(t *testing.T) {
	base := fp(map[string]string{
		"id": "string", "pfa_id": "string", "cost": "number", "category": "string", "status": "string",
	})
	report := Detect(DefaultPolicy(), &base, fp(map[string]string{"id": "string", "pfa_id": "string"}))

	if got, want := len(report.MissingFields), 3; got != want {
		t.Fatalf("missing fields = %v, want %d entries", report.MissingFields, want)
	}
	if report.MissingPercent != 60 {
		t.Fatalf("missing percent = %v, want 60", report.MissingPercent)
	}
	if report.Severity != SeverityHigh {
		t.Fatalf("severity = %s, want high", report.Severity)
	}
}

func TestDetectCriticalFieldMissingIsHigh(t *testing.T) {
	policy := DefaultPolicy()
	policy.CriticalFields = []string{"cost"}
	base := fp(map[string]string{"id": "string", "cost": "number", "status": "string", "a": "string", "b": "string", "c": "string", "d": "string", "e": "string", "f": "string", "g": "string"})
	current := fp(map[string]string{"id": "string", "status": "string", "a": "string", "b": "string", "c": "string", "d": "string", "e": "string", "f": "string", "g": "string"})

	report := Detect(policy, &base, current)
	// 10% missing alone would be low; the critical field forces high.
	if report.Severity != SeverityHigh {
		t.Fatalf("severity = %s, want high", report.Severity)
	}
}

func TestDetectTypeChangeIsMedium(t *testing.T) {
	base := fp(map[string]string{"id": "string", "cost": "number"})
	report := Detect(DefaultPolicy(), &base, fp(map[string]string{"id": "string", "cost": "string"}))
	if report.Severity != SeverityMedium {
		t.Fatalf("severity = %s, want medium", report.Severity)
	}
	if len(report.ChangedTypes) != 1 || report.ChangedTypes[0].Field != "cost" {
		t.Fatalf("changed types = %v", report.ChangedTypes)
	}
}

func TestDetectSmallDriftIsLow(t *testing.T) {
	base := fp(map[string]string{
		"a": "string", "b": "string", "c": "string", "d": "string", "e": "string",
		"f": "string", "g": "string", "h": "string", "i": "string", "j": "string",
		"k": "string", "l": "string",
	})
	current := map[string]string{}
	for f, ty := range base.Fields {
		current[f] = ty
	}
	delete(current, "a")
	current["z"] = "string"

	report := Detect(DefaultPolicy(), &base, fp(current))
	if report.Severity != SeverityLow {
		t.Fatalf("severity = %s, want low", report.Severity)
	}
}

func TestAlertMessageTruncation(t *testing.T) {
	policy := DefaultPolicy()
	report := Report{
		Severity:      SeverityHigh,
		MissingFields: []string{"a", "b", "c", "d", "e", "f", "g", "h"},
	}
	msg := alertMessage(policy, report)
	if !strings.HasPrefix(msg, "[CRITICAL]") {
		t.Fatalf("message %q lacks [CRITICAL] tag", msg)
	}
	if !strings.Contains(msg, "+3 more") {
		t.Fatalf("message %q lacks truncation suffix", msg)
	}
	if strings.Contains(msg, "f,") {
		t.Fatalf("message %q lists fields past the truncation point", msg)
	}
}

func TestEvaluateAppendsWarningForMediumAndHighOnly(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStores()
	d := &Detector{Batches: mem.Batches, Policy: DefaultPolicy(), Logger: quietLogger()}

	src := &models.SyncSource{ID: 1, TenantId: "t1", Name: "pfa", EntityType: "pfa"}
	batch := &models.IngestionBatch{TenantId: "t1", SourceId: 1, SyncType: models.SyncTypeFull, Status: models.BatchStatusRunning}
	if err := mem.Batches.Create(ctx, batch); err != nil {
		t.Fatal(err)
	}

	base := fp(map[string]string{"id": "string", "cost": "number"})

	// Type change: medium, warning stored.
	if err := d.Evaluate(ctx, src, batch.ID, &base, fp(map[string]string{"id": "string", "cost": "string"})); err != nil {
		t.Fatal(err)
	}
	stored, err := mem.Batches.Get(ctx, "t1", batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	var warnings []models.BatchWarning
	if err := json.Unmarshal(stored.WarningsJSON, &warnings); err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 || warnings[0].Type != WarningTypeSchemaDrift || warnings[0].Severity != SeverityMedium {
		t.Fatalf("warnings = %+v", warnings)
	}

	// Identical: nothing appended.
	if err := d.Evaluate(ctx, src, batch.ID, &base, base); err != nil {
		t.Fatal(err)
	}
	stored, _ = mem.Batches.Get(ctx, "t1", batch.ID)
	warnings = nil
	_ = json.Unmarshal(stored.WarningsJSON, &warnings)
	if len(warnings) != 1 {
		t.Fatalf("expected no new warning, have %d", len(warnings))
	}
}

func TestActiveDriftPicksMostSevere(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStores()
	d := &Detector{Batches: mem.Batches, Policy: DefaultPolicy(), Logger: quietLogger()}

	for _, severity := range []string{SeverityMedium, SeverityHigh, SeverityMedium} {
		batch := &models.IngestionBatch{TenantId: "t1", SourceId: 7, SyncType: models.SyncTypeFull, Status: models.BatchStatusCompleted}
		if err := mem.Batches.Create(ctx, batch); err != nil {
			t.Fatal(err)
		}
		if err := mem.Batches.AppendWarning(ctx, batch.ID, models.BatchWarning{Type: WarningTypeSchemaDrift, Severity: severity}); err != nil {
			t.Fatal(err)
		}
	}

	active, err := d.ActiveDrift(ctx, "t1", 7, 10)
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.Severity != SeverityHigh {
		t.Fatalf("active = %+v, want high", active)
	}
}
