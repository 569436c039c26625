package transform

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eutimioliusbel/pfamirror/models"
	"github.com/eutimioliusbel/pfamirror/store"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fixture struct {
	mem      *store.MemoryStores
	pipeline *Pipeline
	source   models.SyncSource
}

func newFixture(t *testing.T, filterJSON string) *fixture {
	t.Helper()
	mem := store.NewMemoryStores()
	src := models.SyncSource{
		TenantId:     "t1",
		Name:         "pfa-main",
		EntityType:   "pfa",
		Endpoint:     "/v1/pfas",
		VersionField: "updated_at",
	}
	if filterJSON != "" {
		src.PromotionFilterJSON = []byte(filterJSON)
	}
	src = mem.SeedSource(src)
	return &fixture{
		mem: mem,
		pipeline: &Pipeline{
			Sources:  mem.Sources,
			Batches:  mem.Batches,
			Raw:      mem.Raw,
			Mappings: mem.Mappings,
			Mirrors:  mem.Mirrors,
			Logger:   quietLogger(),
		},
		source: src,
	}
}

func (f *fixture) seedMapping(t *testing.T, sourceField, destField, dataType, transformType, params string, validFrom time.Time, validTo *time.Time) {
	t.Helper()
	var paramsJSON []byte
	if params != "" {
		paramsJSON = []byte(params)
	}
	f.mem.SeedMapping(models.FieldMapping{
		TenantId:            "t1",
		EntityType:          "pfa",
		SourceField:         sourceField,
		DestinationField:    destField,
		DataType:            dataType,
		TransformType:       transformType,
		TransformParamsJSON: paramsJSON,
		ValidFrom:           validFrom,
		ValidTo:             validTo,
		IsActive:            true,
	})
}

func (f *fixture) seedBatch(t *testing.T, syncType string, payloads ...string) *models.IngestionBatch {
	t.Helper()
	ctx := context.Background()
	startedAt := time.Now().Add(-time.Minute)
	completedAt := time.Now()
	batch := &models.IngestionBatch{
		TenantId:    "t1",
		SourceId:    f.source.ID,
		SyncType:    syncType,
		Status:      models.BatchStatusCompleted,
		StartedAt:   &startedAt,
		CompletedAt: &completedAt,
	}
	if err := f.mem.Batches.Create(ctx, batch); err != nil {
		t.Fatal(err)
	}
	records := make([]models.RawRecord, 0, len(payloads))
	for _, payload := range payloads {
		var env struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			t.Fatal(err)
		}
		records = append(records, models.RawRecord{
			TenantId:         "t1",
			BatchId:          batch.ID,
			SourceEntityType: "pfa",
			ExternalId:       env.ID,
			RawPayload:       []byte(payload),
		})
	}
	if err := f.mem.Raw.CreateChunk(ctx, records); err != nil {
		t.Fatal(err)
	}
	return batch
}

func longAgo() time.Time { return time.Now().Add(-365 * 24 * time.Hour) }

func TestRunPromotesAndNormalizes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.seedMapping(t, "id", "pfa_id", models.DataTypeString, "direct", "", longAgo(), nil)
	f.seedMapping(t, "desc", "description", models.DataTypeString, "uppercase", "", longAgo(), nil)
	f.seedMapping(t, "cost_cents", "cost", models.DataTypeNumber, "divide", `{"operand":"100"}`, longAgo(), nil)
	batch := f.seedBatch(t, models.SyncTypeFull,
		`{"id":"PFA-1","desc":"server rack","cost_cents":129900}`,
	)

	result, err := f.pipeline.Run(ctx, "t1", batch.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Promoted != 1 || result.Errors != 0 {
		t.Fatalf("result = %+v", result)
	}

	mirror, err := f.mem.Mirrors.Get(ctx, "t1", "PFA-1")
	if err != nil {
		t.Fatal(err)
	}
	if mirror.Version != 1 {
		t.Fatalf("version = %d, want 1", mirror.Version)
	}
	var fields map[string]any
	if err := json.Unmarshal(mirror.FieldsJSON, &fields); err != nil {
		t.Fatal(err)
	}
	if fields["pfa_id"] != "PFA-1" || fields["description"] != "SERVER RACK" || fields["cost"] != float64(1299) {
		t.Fatalf("fields = %v", fields)
	}
}

func TestRunVersionBumpArchivesExactlyOneSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.seedMapping(t, "id", "pfa_id", models.DataTypeString, "direct", "", longAgo(), nil)
	f.seedMapping(t, "status", "status", models.DataTypeString, "direct", "", longAgo(), nil)

	first := f.seedBatch(t, models.SyncTypeFull, `{"id":"PFA-1","status":"active"}`)
	if _, err := f.pipeline.Run(ctx, "t1", first.ID, nil); err != nil {
		t.Fatal(err)
	}
	second := f.seedBatch(t, models.SyncTypeFull, `{"id":"PFA-1","status":"disposed"}`)
	if _, err := f.pipeline.Run(ctx, "t1", second.ID, nil); err != nil {
		t.Fatal(err)
	}

	mirror, err := f.mem.Mirrors.Get(ctx, "t1", "PFA-1")
	if err != nil {
		t.Fatal(err)
	}
	if mirror.Version != 2 {
		t.Fatalf("version = %d, want 2", mirror.Version)
	}
	history, err := f.mem.Mirrors.History(ctx, mirror.ID, 1, mirror.Version)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Version != 1 {
		t.Fatalf("history = %+v, want exactly the v1 snapshot", history)
	}
	var snapshot map[string]any
	if err := json.Unmarshal(history[0].DataJSON, &snapshot); err != nil {
		t.Fatal(err)
	}
	if snapshot["status"] != "active" {
		t.Fatalf("archived snapshot = %v", snapshot)
	}
}

func TestRunDefaultAndOmitSemantics(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	def := "uncategorized"
	f.mem.SeedMapping(models.FieldMapping{
		TenantId: "t1", EntityType: "pfa",
		SourceField: "category", DestinationField: "category",
		DataType: models.DataTypeString, TransformType: "direct",
		DefaultValue: &def, ValidFrom: longAgo(), IsActive: true,
	})
	f.seedMapping(t, "id", "pfa_id", models.DataTypeString, "direct", "", longAgo(), nil)
	f.seedMapping(t, "serial", "serial", models.DataTypeString, "direct", "", longAgo(), nil)

	batch := f.seedBatch(t, models.SyncTypeFull, `{"id":"PFA-1"}`)
	if _, err := f.pipeline.Run(ctx, "t1", batch.ID, nil); err != nil {
		t.Fatal(err)
	}

	mirror, _ := f.mem.Mirrors.Get(ctx, "t1", "PFA-1")
	var fields map[string]any
	_ = json.Unmarshal(mirror.FieldsJSON, &fields)
	if fields["category"] != "uncategorized" {
		t.Fatalf("default not applied: %v", fields)
	}
	if _, present := fields["serial"]; present {
		t.Fatal("absent source field without default wrote a destination value")
	}
}

func TestRunPromotionFilterSkips(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, `{"op":"eq","field":"status","value":"active"}`)
	f.seedMapping(t, "id", "pfa_id", models.DataTypeString, "direct", "", longAgo(), nil)
	f.seedMapping(t, "status", "status", models.DataTypeString, "direct", "", longAgo(), nil)

	batch := f.seedBatch(t, models.SyncTypeFull,
		`{"id":"PFA-1","status":"active"}`,
		`{"id":"PFA-2","status":"draft"}`,
	)
	result, err := f.pipeline.Run(ctx, "t1", batch.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Promoted != 1 || result.Skipped != 1 {
		t.Fatalf("result = %+v", result)
	}
	if _, err := f.mem.Mirrors.Get(ctx, "t1", "PFA-2"); err == nil {
		t.Fatal("filtered record was written")
	}
}

func TestRunTimeTravelSelectsHistoricalMappings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	cutover := time.Now().Add(-30 * 24 * time.Hour)

	// Old rule: cost arrives in cents. New rule: cost arrives in dollars.
	f.seedMapping(t, "id", "pfa_id", models.DataTypeString, "direct", "", longAgo(), nil)
	f.seedMapping(t, "cost", "cost", models.DataTypeNumber, "divide", `{"operand":"100"}`, longAgo(), &cutover)
	f.seedMapping(t, "cost", "cost", models.DataTypeNumber, "direct", "", cutover, nil)

	batch := f.seedBatch(t, models.SyncTypeFull, `{"id":"PFA-1","cost":5000}`)

	// Default as-of (batch completion, now): direct rule.
	if _, err := f.pipeline.Run(ctx, "t1", batch.ID, nil); err != nil {
		t.Fatal(err)
	}
	mirror, _ := f.mem.Mirrors.Get(ctx, "t1", "PFA-1")
	var fields map[string]any
	_ = json.Unmarshal(mirror.FieldsJSON, &fields)
	if fields["cost"] != float64(5000) {
		t.Fatalf("current rule cost = %v, want 5000", fields["cost"])
	}

	// Replay as of before the cutover: the cents rule applies.
	asOf := cutover.Add(-24 * time.Hour)
	if _, err := f.pipeline.Run(ctx, "t1", batch.ID, &asOf); err != nil {
		t.Fatal(err)
	}
	mirror, _ = f.mem.Mirrors.Get(ctx, "t1", "PFA-1")
	_ = json.Unmarshal(mirror.FieldsJSON, &fields)
	if fields["cost"] != float64(50) {
		t.Fatalf("replayed cost = %v, want 50", fields["cost"])
	}
}

func TestRunReplayDoesNotDiscontinuePromotedRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.seedMapping(t, "id", "pfa_id", models.DataTypeString, "direct", "", longAgo(), nil)
	batch := f.seedBatch(t, models.SyncTypeFull, `{"id":"PFA-1"}`)

	asOf := batch.StartedAt.Add(-30 * 24 * time.Hour)
	result, err := f.pipeline.Run(ctx, "t1", batch.ID, &asOf)
	if err != nil {
		t.Fatal(err)
	}
	if result.Promoted != 1 || result.Discontinued != 0 {
		t.Fatalf("result = %+v", result)
	}
	mirror, err := f.mem.Mirrors.Get(ctx, "t1", "PFA-1")
	if err != nil {
		t.Fatal(err)
	}
	if mirror.Discontinued {
		t.Fatal("replayed record was discontinued in the same run")
	}
	if mirror.LastSeenAt == nil || mirror.LastSeenAt.Before(*batch.StartedAt) {
		t.Fatalf("last_seen_at backdated to %v", mirror.LastSeenAt)
	}
}

func TestRunOrphanDetectionFullSyncOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.seedMapping(t, "id", "pfa_id", models.DataTypeString, "direct", "", longAgo(), nil)

	// Seed a mirror that the upcoming batch will not contain.
	stale := time.Now().Add(-48 * time.Hour)
	if _, err := f.mem.Mirrors.ApplyExternal(ctx, store.ExternalUpsert{
		TenantId: "t1", ExternalId: "PFA-OLD", EntityType: "pfa",
		Fields: map[string]any{"pfa_id": "PFA-OLD"}, SeenAt: stale,
	}); err != nil {
		t.Fatal(err)
	}

	deltaBatch := f.seedBatch(t, models.SyncTypeDelta, `{"id":"PFA-1"}`)
	result, err := f.pipeline.Run(ctx, "t1", deltaBatch.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Discontinued != 0 {
		t.Fatalf("delta sync discontinued %d mirrors", result.Discontinued)
	}

	fullBatch := f.seedBatch(t, models.SyncTypeFull, `{"id":"PFA-1"}`)
	result, err = f.pipeline.Run(ctx, "t1", fullBatch.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Discontinued != 1 {
		t.Fatalf("discontinued = %d, want 1", result.Discontinued)
	}
	old, err := f.mem.Mirrors.Get(ctx, "t1", "PFA-OLD")
	if err != nil {
		t.Fatal(err)
	}
	if !old.Discontinued {
		t.Fatal("orphan not flagged discontinued")
	}
}

func TestRunPerRecordErrorsDoNotAbort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.seedMapping(t, "id", "pfa_id", models.DataTypeString, "direct", "", longAgo(), nil)
	f.seedMapping(t, "cost", "cost", models.DataTypeNumber, "direct", "", longAgo(), nil)

	batch := f.seedBatch(t, models.SyncTypeFull,
		`{"id":"PFA-1","cost":"not numeric"}`,
		`{"id":"PFA-2","cost":42}`,
	)
	result, err := f.pipeline.Run(ctx, "t1", batch.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Promoted != 1 || result.Errors != 1 {
		t.Fatalf("result = %+v", result)
	}
	syncErrors, _ := f.mem.Batches.ErrorsForBatch(ctx, batch.ID)
	if len(syncErrors) != 1 || syncErrors[0].ExternalId != "PFA-1" {
		t.Fatalf("sync errors = %+v", syncErrors)
	}
}

func TestRunStructuralErrorsAbort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	// No mappings seeded at all.
	batch := f.seedBatch(t, models.SyncTypeFull, `{"id":"PFA-1"}`)
	if _, err := f.pipeline.Run(ctx, "t1", batch.ID, nil); err == nil {
		t.Fatal("missing mapping config did not abort")
	}
	if _, err := f.mem.Mirrors.Get(ctx, "t1", "PFA-1"); err == nil {
		t.Fatal("abort happened after writes")
	}
}

func TestRunRecordsLineage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "")
	f.seedMapping(t, "id", "pfa_id", models.DataTypeString, "direct", "", longAgo(), nil)
	batch := f.seedBatch(t, models.SyncTypeFull, `{"id":"PFA-1"}`)

	if _, err := f.pipeline.Run(ctx, "t1", batch.ID, nil); err != nil {
		t.Fatal(err)
	}
	if f.mem.LineageCount() != 1 {
		t.Fatalf("lineage links = %d, want 1", f.mem.LineageCount())
	}
	// Re-running the same batch must not duplicate lineage.
	if _, err := f.pipeline.Run(ctx, "t1", batch.ID, nil); err != nil {
		t.Fatal(err)
	}
	if f.mem.LineageCount() != 1 {
		t.Fatalf("lineage links after replay = %d, want 1", f.mem.LineageCount())
	}
}
